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

package coalesce

import (
	"errors"
	"testing"
)

func TestCounterDoesNotFlushBelowHighWatermark(t *testing.T) {
	c := NewCounter()
	c.Add(5)
	if should, _ := c.ShouldFlush(10, 2); should {
		t.Error("ShouldFlush() = true below the high watermark")
	}
}

func TestCounterFlushesAtHighWatermark(t *testing.T) {
	c := NewCounter()
	c.Add(10)
	should, pending := c.ShouldFlush(10, 2)
	if !should || pending != 10 {
		t.Errorf("ShouldFlush() = (%v, %d), want (true, 10)", should, pending)
	}
}

func TestCounterFlushMovesPendingToTotal(t *testing.T) {
	c := NewCounter()
	c.Add(10)
	_, pending := c.ShouldFlush(10, 2)
	c.Flush(pending)

	total, stillPending := c.Snapshot()
	if total != 10 || stillPending != 0 {
		t.Errorf("Snapshot() = (%d, %d), want (10, 0)", total, stillPending)
	}
}

func TestCounterStaysDisarmedUntilItDipsBelowLowWatermark(t *testing.T) {
	c := NewCounter()
	c.Add(10)
	should, pending := c.ShouldFlush(10, 2)
	if !should {
		t.Fatal("first crossing of the high watermark should flush")
	}
	c.Flush(pending) // disarms; pending back to 0

	// Re-crossing high without an intervening dip to <= low should not
	// flush again: the counter is still disarmed.
	c.Add(10)
	if should, _ := c.ShouldFlush(10, 2); should {
		t.Error("ShouldFlush() = true on a re-crossing with no dip below the low watermark")
	}

	// Dip back down to the low watermark band; this re-arms the counter
	// but does not itself trigger a flush.
	c.Add(-9) // pending now 1, within the low band
	if should, _ := c.ShouldFlush(10, 2); should {
		t.Error("ShouldFlush() = true merely from dipping into the low band")
	}

	// Crossing high again after re-arming should flush.
	c.Add(9) // pending back to 10
	should, pending = c.ShouldFlush(10, 2)
	if !should || pending != 10 {
		t.Errorf("ShouldFlush() = (%v, %d) after re-arming, want (true, 10)", should, pending)
	}
}

func TestRegistryGetOrCreateReturnsSameCounter(t *testing.T) {
	r := NewRegistry()
	a := r.GetOrCreate("route-1")
	b := r.GetOrCreate("route-1")
	if a != b {
		t.Error("GetOrCreate() returned distinct counters for the same key")
	}
}

func TestRegistryForEachVisitsEveryKey(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate("a").Add(1)
	r.GetOrCreate("b").Add(2)

	seen := map[string]bool{}
	r.ForEach(func(key string, c *Counter) { seen[key] = true })
	if !seen["a"] || !seen["b"] {
		t.Errorf("ForEach() visited %v, want both a and b", seen)
	}
}

func TestRegistryFlushDueCommitsOnlyDueCounters(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate("due").Add(10)
	r.GetOrCreate("not-due").Add(3)

	flushed := map[string]int64{}
	err := r.FlushDue(10, 2, func(key string, pending int64) error {
		flushed[key] = pending
		return nil
	})
	if err != nil {
		t.Fatalf("FlushDue() error = %v", err)
	}
	if flushed["due"] != 10 {
		t.Errorf("FlushDue() flushed[due] = %d, want 10", flushed["due"])
	}
	if _, ok := flushed["not-due"]; ok {
		t.Error("FlushDue() flushed a counter below the high watermark")
	}

	total, pending := r.GetOrCreate("due").Snapshot()
	if total != 10 || pending != 0 {
		t.Errorf("due counter Snapshot() = (%d, %d), want (10, 0) after FlushDue commits it", total, pending)
	}
}

func TestRegistryFlushDuePropagatesErrorAndLeavesCounterUncommitted(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate("due").Add(10)
	boom := errors.New("sink unavailable")

	err := r.FlushDue(10, 2, func(key string, pending int64) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("FlushDue() error = %v, want %v", err, boom)
	}

	total, pending := r.GetOrCreate("due").Snapshot()
	if total != 0 || pending != 10 {
		t.Errorf("Snapshot() = (%d, %d), want (0, 10) since the flush callback failed", total, pending)
	}
}
