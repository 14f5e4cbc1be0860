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

// Package rangeutil implements the HTTP response-shaping helpers that
// sit between the filtered upstream response and the client: Range
// parsing, conditional-request (If-None-Match / If-Modified-Since /
// If-Range) evaluation, and content-encoding negotiation. No Brotli
// encoder appears anywhere in the retrieved example corpus, so Brotli is
// modeled as an Encoder an operator can register but which ships
// unconfigured — see DESIGN.md.
package rangeutil

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sentinelproxy/sentinelproxy/internal/errs"
)

// ByteRange is a single, resolved (inclusive) byte range.
type ByteRange struct {
	Start, End int64
}

// Length returns the number of bytes the range spans.
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ParseRange parses a Range header's value against a resource of the
// given total size, resolving suffix ranges ("-500") and open-ended
// ranges ("500-") into concrete Start/End pairs.
func ParseRange(header string, size int64) ([]ByteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, errs.New(errs.KindInvalidMessage, "unsupported range unit")
	}
	var ranges []ByteRange
	for _, part := range strings.Split(header[len(prefix):], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dash := strings.IndexByte(part, '-')
		if dash < 0 {
			return nil, errs.New(errs.KindInvalidMessage, "malformed range")
		}
		startStr, endStr := part[:dash], part[dash+1:]

		var r ByteRange
		switch {
		case startStr == "":
			// suffix range: last N bytes
			n, err := strconv.ParseInt(endStr, 10, 64)
			if err != nil || n <= 0 {
				return nil, errs.New(errs.KindInvalidMessage, "malformed suffix range")
			}
			if n > size {
				n = size
			}
			r = ByteRange{Start: size - n, End: size - 1}
		case endStr == "":
			start, err := strconv.ParseInt(startStr, 10, 64)
			if err != nil || start < 0 || start >= size {
				return nil, errs.New(errs.KindInvalidMessage, "range start out of bounds")
			}
			r = ByteRange{Start: start, End: size - 1}
		default:
			start, err1 := strconv.ParseInt(startStr, 10, 64)
			end, err2 := strconv.ParseInt(endStr, 10, 64)
			if err1 != nil || err2 != nil || start > end || start < 0 {
				return nil, errs.New(errs.KindInvalidMessage, "malformed range bounds")
			}
			if end >= size {
				end = size - 1
			}
			r = ByteRange{Start: start, End: end}
		}
		ranges = append(ranges, r)
	}
	if len(ranges) == 0 {
		return nil, errs.New(errs.KindInvalidMessage, "no satisfiable ranges")
	}
	return ranges, nil
}

// ContentRangeHeader formats the Content-Range response header value
// for a single resolved range.
func ContentRangeHeader(r ByteRange, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ConditionalRequest bundles the headers that can short-circuit a
// response with 304 Not Modified or 412 Precondition Failed.
type ConditionalRequest struct {
	IfNoneMatch     string
	IfModifiedSince string
	IfRange         string
}

// EvaluateConditional reports whether the response is unmodified given
// the resource's current etag and last-modified time, using weak
// comparison for If-None-Match per RFC 7232.
func EvaluateConditional(cond ConditionalRequest, etag string, lastModified time.Time) (notModified bool) {
	if cond.IfNoneMatch != "" {
		return etagMatches(cond.IfNoneMatch, etag)
	}
	if cond.IfModifiedSince != "" {
		if t, err := http.ParseTime(cond.IfModifiedSince); err == nil {
			return !lastModified.Truncate(time.Second).After(t)
		}
	}
	return false
}

// IfRangeSatisfied reports whether an If-Range precondition permits
// serving a partial response rather than the full resource.
func IfRangeSatisfied(ifRange, etag string, lastModified time.Time) bool {
	if ifRange == "" {
		return true
	}
	if strings.HasPrefix(ifRange, `"`) || strings.HasPrefix(ifRange, "W/") {
		return etagMatches(ifRange, etag)
	}
	if t, err := http.ParseTime(ifRange); err == nil {
		return !lastModified.Truncate(time.Second).After(t)
	}
	return false
}

func etagMatches(candidates, etag string) bool {
	etag = strings.TrimPrefix(etag, "W/")
	for _, c := range strings.Split(candidates, ",") {
		c = strings.TrimSpace(c)
		if c == "*" {
			return true
		}
		c = strings.TrimPrefix(c, "W/")
		if c == etag {
			return true
		}
	}
	return false
}

// Encoder compresses a response body for a negotiated content-coding.
type Encoder interface {
	Name() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
}

type gzipEncoder struct{}

func (gzipEncoder) Name() string { return "gzip" }
func (gzipEncoder) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

// GzipEncoder is the always-available gzip Encoder.
var GzipEncoder Encoder = gzipEncoder{}

// Negotiator picks the best Encoder for an Accept-Encoding header out of
// a registered set, preferring earlier entries on a tie in q-value.
type Negotiator struct {
	encoders []Encoder
}

// NewNegotiator builds a Negotiator. Operators register brotli here once
// a suitable Go encoder is vendored; until then only gzip is registered
// by default.
func NewNegotiator(encoders ...Encoder) *Negotiator {
	return &Negotiator{encoders: encoders}
}

// Negotiate parses an Accept-Encoding header and returns the
// highest-priority registered Encoder the client accepts, or nil if none
// match (meaning identity encoding should be used).
func (n *Negotiator) Negotiate(acceptEncoding string) Encoder {
	type candidate struct {
		name string
		q    float64
	}
	var candidates []candidate
	for _, part := range strings.Split(acceptEncoding, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, q := part, 1.0
		if semi := strings.IndexByte(part, ';'); semi >= 0 {
			name = strings.TrimSpace(part[:semi])
			if qv, err := strconv.ParseFloat(strings.TrimPrefix(strings.TrimSpace(part[semi+1:]), "q="), 64); err == nil {
				q = qv
			}
		}
		if q > 0 {
			candidates = append(candidates, candidate{name: name, q: q})
		}
	}
	var best Encoder
	bestQ := -1.0
	for _, enc := range n.encoders {
		for _, c := range candidates {
			if (c.name == enc.Name() || c.name == "*") && c.q > bestQ {
				best = enc
				bestQ = c.q
			}
		}
	}
	return best
}
