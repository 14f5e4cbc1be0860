// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rangeutil

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRange(t *testing.T) {
	const size = int64(1000)
	cases := []struct {
		name    string
		header  string
		want    []ByteRange
		wantErr bool
	}{
		{"open start", "bytes=500-", []ByteRange{{Start: 500, End: 999}}, false},
		{"bounded", "bytes=0-499", []ByteRange{{Start: 0, End: 499}}, false},
		{"suffix", "bytes=-200", []ByteRange{{Start: 800, End: 999}}, false},
		{"suffix larger than size", "bytes=-5000", []ByteRange{{Start: 0, End: 999}}, false},
		{"clamps end to size", "bytes=900-5000", []ByteRange{{Start: 900, End: 999}}, false},
		{"multi-range", "bytes=0-99,200-299", []ByteRange{{Start: 0, End: 99}, {Start: 200, End: 299}}, false},
		{"wrong unit", "items=0-1", nil, true},
		{"malformed", "bytes=abc", nil, true},
		{"start beyond size", "bytes=5000-", nil, true},
		{"start after end", "bytes=500-100", nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRange(tc.header, size)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseRange(%q) error = nil, want error", tc.header)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRange(%q) error = %v", tc.header, err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("ParseRange(%q) = %v, want %v", tc.header, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("ParseRange(%q)[%d] = %v, want %v", tc.header, i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestByteRangeLength(t *testing.T) {
	r := ByteRange{Start: 10, End: 19}
	if r.Length() != 10 {
		t.Errorf("Length() = %d, want 10", r.Length())
	}
}

func TestEvaluateConditionalIfNoneMatch(t *testing.T) {
	if !EvaluateConditional(ConditionalRequest{IfNoneMatch: `"abc"`}, `"abc"`, time.Time{}) {
		t.Error("matching strong etag should report not-modified")
	}
	if EvaluateConditional(ConditionalRequest{IfNoneMatch: `"abc"`}, `"def"`, time.Time{}) {
		t.Error("mismatched etag should not report not-modified")
	}
	if !EvaluateConditional(ConditionalRequest{IfNoneMatch: "*"}, `"anything"`, time.Time{}) {
		t.Error("wildcard If-None-Match should always match")
	}
}

func TestEvaluateConditionalIfModifiedSince(t *testing.T) {
	lastModified := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ims := lastModified.Add(time.Hour).Format(http.TimeFormat)
	if !EvaluateConditional(ConditionalRequest{IfModifiedSince: ims}, "", lastModified) {
		t.Error("If-Modified-Since after last-modified should report not-modified")
	}

	older := lastModified.Add(-time.Hour).Format(http.TimeFormat)
	if EvaluateConditional(ConditionalRequest{IfModifiedSince: older}, "", lastModified) {
		t.Error("If-Modified-Since before last-modified should not report not-modified")
	}
}

func TestIfRangeSatisfied(t *testing.T) {
	if !IfRangeSatisfied("", "", time.Time{}) {
		t.Error("empty If-Range should always satisfy")
	}
	if !IfRangeSatisfied(`"abc"`, `"abc"`, time.Time{}) {
		t.Error("matching etag If-Range should satisfy")
	}
	if IfRangeSatisfied(`"abc"`, `"def"`, time.Time{}) {
		t.Error("mismatched etag If-Range should not satisfy")
	}
}

func TestNegotiatorPicksHighestQOfRegistered(t *testing.T) {
	n := NewNegotiator(GzipEncoder)
	enc := n.Negotiate("br;q=1.0, gzip;q=0.8")
	if enc == nil || enc.Name() != "gzip" {
		t.Errorf("Negotiate() = %v, want gzip (brotli isn't registered)", enc)
	}
}

func TestNegotiatorReturnsNilWhenNothingMatches(t *testing.T) {
	n := NewNegotiator(GzipEncoder)
	if enc := n.Negotiate("br;q=1.0"); enc != nil {
		t.Errorf("Negotiate() = %v, want nil", enc)
	}
}

func TestNegotiatorWildcard(t *testing.T) {
	n := NewNegotiator(GzipEncoder)
	enc := n.Negotiate("*")
	if enc == nil || enc.Name() != "gzip" {
		t.Errorf("Negotiate(\"*\") = %v, want gzip", enc)
	}
}
