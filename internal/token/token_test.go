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

package token

import (
	"testing"
	"time"

	"github.com/sentinelproxy/sentinelproxy/internal/errs"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s := New(cfg)
	t.Cleanup(s.Stop)
	return s
}

func TestMintAndResolve(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	tok, err := s.Mint("corr-1", "4111111111111111")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if tok == "" {
		t.Fatal("Mint() returned empty token")
	}

	val, err := s.Resolve("corr-1", tok)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if val != "4111111111111111" {
		t.Errorf("Resolve() = %q, want original value", val)
	}
}

func TestMintIsIdempotentPerCorrelation(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	tok1, err := s.Mint("corr-1", "secret")
	if err != nil {
		t.Fatalf("first Mint() error = %v", err)
	}
	tok2, err := s.Mint("corr-1", "secret")
	if err != nil {
		t.Fatalf("second Mint() error = %v", err)
	}
	if tok1 != tok2 {
		t.Errorf("Mint() returned different tokens for same correlation+value: %q != %q", tok1, tok2)
	}
	if s.Count() != 1 {
		t.Errorf("Count() = %d, want 1 (idempotent mint should not grow the store)", s.Count())
	}
}

func TestMintDistinguishesValuesWithinCorrelation(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	tokA, _ := s.Mint("corr-1", "value-a")
	tokB, _ := s.Mint("corr-1", "value-b")
	if tokA == tokB {
		t.Error("Mint() returned the same token for two distinct values under one correlation")
	}
}

func TestResolveIsScopedToCorrelation(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	tok, err := s.Mint("corr-1", "secret")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	if _, err := s.Resolve("corr-2", tok); !errs.Is(err, errs.KindTokenNotFound) {
		t.Errorf("Resolve() from a different correlation error = %v, want KindTokenNotFound", err)
	}

	// The owning correlation can still resolve it.
	if _, err := s.Resolve("corr-1", tok); err != nil {
		t.Errorf("Resolve() from the minting correlation error = %v, want nil", err)
	}
}

func TestResolveUnknownToken(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	if _, err := s.Resolve("corr-1", "does-not-exist"); !errs.Is(err, errs.KindTokenNotFound) {
		t.Errorf("Resolve() of unknown token error = %v, want KindTokenNotFound", err)
	}
}

func TestCleanupEvictsAllTokensForCorrelation(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	tok1, _ := s.Mint("corr-1", "a")
	tok2, _ := s.Mint("corr-1", "b")
	if s.Count() != 2 {
		t.Fatalf("Count() = %d, want 2 before cleanup", s.Count())
	}

	if n := s.Cleanup("corr-1"); n != 2 {
		t.Errorf("Cleanup() = %d, want 2", n)
	}

	if s.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after cleanup", s.Count())
	}
	for _, tok := range []string{tok1, tok2} {
		if _, err := s.Resolve("corr-1", tok); !errs.Is(err, errs.KindTokenNotFound) {
			t.Errorf("Resolve(%q) after cleanup error = %v, want KindTokenNotFound", tok, err)
		}
	}
}

func TestCleanupReturnsCountForSingleToken(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	s.Mint("corr-1", "a")

	if n := s.Cleanup("corr-1"); n != 1 {
		t.Errorf("Cleanup() = %d, want 1", n)
	}
}

func TestCleanupOfUnknownCorrelationReturnsZero(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	if n := s.Cleanup("does-not-exist"); n != 0 {
		t.Errorf("Cleanup() = %d, want 0", n)
	}
}

func TestTTLExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = 10 * time.Millisecond
	cfg.SweepInterval = time.Hour // disable the background sweeper racing this test
	s := newTestStore(t, cfg)

	tok, err := s.Mint("corr-1", "secret")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := s.Resolve("corr-1", tok); !errs.Is(err, errs.KindTokenNotFound) {
		t.Errorf("Resolve() of expired token error = %v, want KindTokenNotFound", err)
	}
}

func TestCapacityExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 1
	s := newTestStore(t, cfg)

	if _, err := s.Mint("corr-1", "a"); err != nil {
		t.Fatalf("first Mint() error = %v", err)
	}
	if _, err := s.Mint("corr-2", "b"); !errs.Is(err, errs.KindCapacityExceeded) {
		t.Errorf("Mint() at capacity error = %v, want KindCapacityExceeded", err)
	}
}

func TestPrefixedFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = FormatPrefixed
	cfg.Prefix = "tok"
	s := newTestStore(t, cfg)

	tok, err := s.Mint("corr-1", "secret")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if len(tok) < len("tok_") || tok[:4] != "tok_" {
		t.Errorf("Mint() with FormatPrefixed = %q, want tok_ prefix", tok)
	}
}
