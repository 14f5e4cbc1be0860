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

// Package coalesce batches per-key counters in memory and flushes them
// to a durable sink only once their accumulated magnitude crosses a high
// watermark, re-arming only after falling back below a low watermark.
// This is the same scalar/vector hysteresis split the teacher's VSA type
// uses to avoid a database write per request, repurposed here to batch
// audit-record and metrics-counter flushes instead of rate-limit
// commits: a Counter tracks an uncommitted delta per key, and Flush
// moves it to the durable total exactly the way VSA.Commit folds its
// vector into its scalar.
package coalesce

import (
	"sync"
)

// Counter is a thread-safe, in-memory accumulator for one key's
// uncommitted delta, with hysteresis so flush decisions don't flap when
// traffic hovers near the threshold.
type Counter struct {
	mu      sync.Mutex
	total   int64 // durable, already-flushed value
	pending int64 // uncommitted delta since the last flush
	armed   bool
}

// NewCounter constructs a Counter starting armed (eligible to flush as
// soon as it crosses the high watermark).
func NewCounter() *Counter {
	return &Counter{armed: true}
}

// Add records a delta against the counter's pending total.
func (c *Counter) Add(delta int64) {
	c.mu.Lock()
	c.pending += delta
	c.mu.Unlock()
}

// ShouldFlush reports whether pending has crossed high, respecting the
// armed/disarmed hysteresis state, and returns the pending value to
// flush if so.
func (c *Counter) ShouldFlush(high, low int64) (shouldFlush bool, pending int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	abs := c.pending
	if abs < 0 {
		abs = -abs
	}
	if abs >= high {
		if low <= 0 || c.armed {
			return true, c.pending
		}
		return false, 0
	}
	if low > 0 && !c.armed && abs <= low {
		c.armed = true
	}
	return false, 0
}

// Flush moves committedDelta from pending into the durable total and
// disarms the counter, mirroring VSA.Commit's scalar/vector fold.
func (c *Counter) Flush(committedDelta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += committedDelta
	c.pending -= committedDelta
	c.armed = false
}

// Snapshot returns the durable total and the still-pending delta.
func (c *Counter) Snapshot() (total, pending int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, c.pending
}

// Registry holds one Counter per key, created on first use, the same
// lazy sync.Map-backed allocation pattern the teacher's Store uses for
// managedVSA instances.
type Registry struct {
	counters sync.Map // string -> *Counter
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// GetOrCreate returns the Counter for key, creating it on first access.
func (r *Registry) GetOrCreate(key string) *Counter {
	if v, ok := r.counters.Load(key); ok {
		return v.(*Counter)
	}
	c := NewCounter()
	actual, _ := r.counters.LoadOrStore(key, c)
	return actual.(*Counter)
}

// ForEach iterates every tracked key and its Counter.
func (r *Registry) ForEach(f func(key string, c *Counter)) {
	r.counters.Range(func(k, v any) bool {
		f(k.(string), v.(*Counter))
		return true
	})
}

// FlushDue scans the registry and calls flush(key, pending) for every
// counter whose pending delta has crossed (high, low) hysteresis
// thresholds, committing it via Counter.Flush on success.
func (r *Registry) FlushDue(high, low int64, flush func(key string, pending int64) error) error {
	var firstErr error
	r.ForEach(func(key string, c *Counter) {
		should, pending := c.ShouldFlush(high, low)
		if !should {
			return
		}
		if err := flush(key, pending); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		c.Flush(pending)
	})
	return firstErr
}
