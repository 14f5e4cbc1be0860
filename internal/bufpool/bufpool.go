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

// Package bufpool provides a bounded pool of pooled byte buffers for the
// frame codec's serialization hot path. It mirrors the teacher's
// pattern of a small, atomics-backed stats surface around a shared
// resource (core.Store's counters), here tracking allocated/reused/
// dropped/current instead of commit counts.
package bufpool

import (
	"sync"
	"sync/atomic"
)

const (
	// DefaultBufferSize is the minimum capacity a freshly allocated
	// buffer is given.
	DefaultBufferSize = 64 * 1024
	// MaxPooledSize is the largest buffer capacity the pool will keep;
	// larger buffers are dropped on release rather than retained.
	MaxPooledSize = 256 * 1024
	// MaxPoolSize bounds how many buffers a single pool instance holds.
	MaxPoolSize = 16
)

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Allocated int64
	Reused    int64
	Dropped   int64
	Current   int64
}

// Buffer is a pooled byte buffer. Callers treat it as a []byte via Bytes
// and must call the release func returned by Acquire exactly once.
type Buffer struct {
	data []byte
}

// Bytes returns the buffer's backing slice, length 0, capacity >= DefaultBufferSize.
func (b *Buffer) Bytes() []byte { return b.data }

// Reset truncates the buffer to length zero, keeping its capacity.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// Append grows the buffer, allocating a larger backing array if needed.
func (b *Buffer) Append(p []byte) { b.data = append(b.data, p...) }

// Pool is a bounded, concurrency-safe pool of *Buffer.
type Pool struct {
	mu    sync.Mutex
	free  []*Buffer
	stats Stats
}

// New constructs an empty pool.
func New() *Pool {
	return &Pool{free: make([]*Buffer, 0, MaxPoolSize)}
}

// Acquire returns a buffer and a release function. The release function
// must run on every exit path (use defer) so the buffer returns to the
// pool deterministically.
func (p *Pool) Acquire() (*Buffer, func()) {
	p.mu.Lock()
	n := len(p.free)
	var buf *Buffer
	if n > 0 {
		buf = p.free[n-1]
		p.free = p.free[:n-1]
		atomic.AddInt64(&p.stats.Reused, 1)
	}
	p.mu.Unlock()

	if buf == nil {
		buf = &Buffer{data: make([]byte, 0, DefaultBufferSize)}
		atomic.AddInt64(&p.stats.Allocated, 1)
	}
	atomic.AddInt64(&p.stats.Current, 1)

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		p.release(buf)
	}
	return buf, release
}

func (p *Pool) release(buf *Buffer) {
	atomic.AddInt64(&p.stats.Current, -1)
	if cap(buf.data) > MaxPooledSize {
		atomic.AddInt64(&p.stats.Dropped, 1)
		return
	}
	buf.Reset()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= MaxPoolSize {
		atomic.AddInt64(&p.stats.Dropped, 1)
		return
	}
	p.free = append(p.free, buf)
}

// Stats returns a snapshot of pool activity counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Allocated: atomic.LoadInt64(&p.stats.Allocated),
		Reused:    atomic.LoadInt64(&p.stats.Reused),
		Dropped:   atomic.LoadInt64(&p.stats.Dropped),
		Current:   atomic.LoadInt64(&p.stats.Current),
	}
}

// perThread holds one Pool per logical caller class (reader/writer/etc)
// so goroutines of different classes never contend on the same pool's
// mutex; goroutines within one class share that class's pool.
var perThread sync.Map // map[string]*Pool

// ForClass returns (creating if necessary) the pool for a named caller
// class, e.g. "frame-encode" or "frame-decode".
func ForClass(class string) *Pool {
	if p, ok := perThread.Load(class); ok {
		return p.(*Pool)
	}
	p := New()
	actual, _ := perThread.LoadOrStore(class, p)
	return actual.(*Pool)
}
