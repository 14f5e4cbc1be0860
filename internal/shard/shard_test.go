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

package shard

import "testing"

func TestRingSingleShardAlwaysZero(t *testing.T) {
	r := NewRing(1)
	for _, key := range []string{"a", "b", "corr-123"} {
		if got := r.Shard(key); got != 0 {
			t.Errorf("Shard(%q) = %d, want 0 for a single-shard ring", key, got)
		}
	}
}

func TestRingIsStableForSameKey(t *testing.T) {
	r := NewRing(8)
	key := "correlation-42"
	first := r.Shard(key)
	for i := 0; i < 100; i++ {
		if got := r.Shard(key); got != first {
			t.Fatalf("Shard(%q) = %d on call %d, want stable %d", key, got, i, first)
		}
	}
}

func TestRingStaysInRange(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 1000; i++ {
		key := itoa(i)
		s := r.Shard(key)
		if s < 0 || s >= r.N() {
			t.Fatalf("Shard(%q) = %d, want in [0,%d)", key, s, r.N())
		}
	}
}

func TestRingDistributesAcrossShards(t *testing.T) {
	r := NewRing(8)
	seen := make(map[int]bool)
	for i := 0; i < 2000; i++ {
		seen[r.Shard(itoa(i))] = true
	}
	if len(seen) != r.N() {
		t.Errorf("observed %d distinct shards across 2000 keys, want all %d used", len(seen), r.N())
	}
}

func TestNReportsShardCount(t *testing.T) {
	r := NewRing(5)
	if r.N() != 5 {
		t.Errorf("N() = %d, want 5", r.N())
	}
}
