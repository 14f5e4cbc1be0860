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

package geo

import (
	"net/netip"
	"testing"
	"time"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("ParsePrefix(%q) error = %v", s, err)
	}
	return p
}

func testDB(t *testing.T) *StaticDatabase {
	t.Helper()
	return NewStaticDatabase([]CIDRRange{
		{Prefix: mustPrefix(t, "203.0.113.0/24"), Country: "US"},
		{Prefix: mustPrefix(t, "198.51.100.0/24"), Country: "DE"},
	})
}

func TestEvaluateBlockMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeBlock
	cfg.Countries = map[string]struct{}{"DE": {}}
	f := NewFilter(cfg, testDB(t))

	usDec := f.Evaluate(netip.MustParseAddr("203.0.113.5"))
	if !usDec.Allowed {
		t.Error("ModeBlock: unlisted country US should be allowed")
	}

	deDec := f.Evaluate(netip.MustParseAddr("198.51.100.5"))
	if deDec.Allowed {
		t.Error("ModeBlock: listed country DE should be blocked")
	}
}

func TestEvaluateAllowMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeAllow
	cfg.Countries = map[string]struct{}{"US": {}}
	f := NewFilter(cfg, testDB(t))

	usDec := f.Evaluate(netip.MustParseAddr("203.0.113.5"))
	if !usDec.Allowed {
		t.Error("ModeAllow: listed country US should be allowed")
	}

	deDec := f.Evaluate(netip.MustParseAddr("198.51.100.5"))
	if deDec.Allowed {
		t.Error("ModeAllow: unlisted country DE should be blocked")
	}
}

func TestEvaluateAllowModeEmptyListPermitsEverything(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeAllow
	cfg.Countries = map[string]struct{}{}
	f := NewFilter(cfg, testDB(t))

	dec := f.Evaluate(netip.MustParseAddr("203.0.113.5"))
	if !dec.Allowed {
		t.Error("ModeAllow with an empty country list should allow every resolved country")
	}
}

func TestEvaluateLogOnlyModeNeverBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeLogOnly
	cfg.Countries = map[string]struct{}{"DE": {}}
	f := NewFilter(cfg, testDB(t))

	dec := f.Evaluate(netip.MustParseAddr("198.51.100.5"))
	if !dec.Allowed {
		t.Error("ModeLogOnly should always allow")
	}
	if !dec.LogOnly {
		t.Error("ModeLogOnly decision should report LogOnly = true")
	}
}

func TestEvaluateFailClosedOnUnresolvedIP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailOpen = false
	f := NewFilter(cfg, testDB(t))

	dec := f.Evaluate(netip.MustParseAddr("192.0.2.1")) // not in either test range
	if dec.Allowed {
		t.Error("fail-closed filter should block an address the database can't resolve")
	}
	if !dec.FailedOpen {
		t.Error("decision should flag a database-lookup failure via FailedOpen")
	}
}

func TestEvaluateFailOpenOnUnresolvedIP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailOpen = true
	f := NewFilter(cfg, testDB(t))

	dec := f.Evaluate(netip.MustParseAddr("192.0.2.1"))
	if !dec.Allowed {
		t.Error("fail-open filter should allow an address the database can't resolve")
	}
}

func TestLookupCachesAcrossCalls(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheTTL = time.Hour
	db := testDB(t)
	f := NewFilter(cfg, db)

	ip := netip.MustParseAddr("203.0.113.5")
	first := f.Evaluate(ip)
	// Remove the backing range; a cached lookup should still resolve.
	f.db = NewStaticDatabase(nil)
	second := f.Evaluate(ip)

	if first.Country != second.Country || second.Country != "US" {
		t.Errorf("cached Evaluate() = %+v, want country to persist as US", second)
	}
}

func TestLookupCacheExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheTTL = time.Millisecond
	db := testDB(t)
	f := NewFilter(cfg, db)

	ip := netip.MustParseAddr("203.0.113.5")
	f.Evaluate(ip)
	time.Sleep(5 * time.Millisecond)
	f.db = NewStaticDatabase(nil) // now unresolvable once the cache entry expires

	dec := f.Evaluate(ip)
	if dec.Allowed {
		t.Error("expired cache entry should force a fresh (failing) lookup under fail-closed default")
	}
}
