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

// Package breaker implements the per-agent circuit breaker state machine:
// Closed, Open, and HalfOpen, transitioned with compare-and-swap the same
// way the teacher's atomic limiter avoids a mutex on its hot path.
package breaker

import (
	"sync/atomic"
	"time"
)

// State is the circuit breaker's three-valued state.
type State uint32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config bounds when a Breaker opens and how it probes recovery.
type Config struct {
	FailureThreshold  uint32
	SuccessThreshold  uint32
	OpenDuration      time.Duration
	HalfOpenMaxProbes uint32
}

// DefaultConfig matches the spec's default circuit-breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		OpenDuration:      30 * time.Second,
		HalfOpenMaxProbes: 3,
	}
}

// Breaker is a lock-free circuit breaker for one agent connection or pool
// member. All mutation happens through atomic compare-and-swap loops;
// there is no mutex anywhere in the hot path.
type Breaker struct {
	cfg Config

	state       atomic.Uint32
	failures    atomic.Uint32
	successes   atomic.Uint32
	openedAtNS  atomic.Int64
	halfOpenInFlight atomic.Uint32
}

// New constructs a Breaker starting in the Closed state.
func New(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg}
	b.state.Store(uint32(Closed))
	return b
}

// State returns the breaker's current state, resolving an elapsed Open
// period into HalfOpen on read so callers never need a separate poller.
func (b *Breaker) State() State {
	cur := State(b.state.Load())
	if cur == Open && b.openElapsed() {
		b.state.CompareAndSwap(uint32(Open), uint32(HalfOpen))
		return State(b.state.Load())
	}
	return cur
}

func (b *Breaker) openElapsed() bool {
	openedAt := b.openedAtNS.Load()
	return openedAt != 0 && time.Since(time.Unix(0, openedAt)) >= b.cfg.OpenDuration
}

// Allow reports whether a new call may proceed, and reserves a HalfOpen
// probe slot if the breaker is currently probing recovery.
func (b *Breaker) Allow() bool {
	switch b.State() {
	case Closed:
		return true
	case HalfOpen:
		for {
			in := b.halfOpenInFlight.Load()
			if in >= b.cfg.HalfOpenMaxProbes {
				return false
			}
			if b.halfOpenInFlight.CompareAndSwap(in, in+1) {
				return true
			}
		}
	default: // Open
		return false
	}
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	switch State(b.state.Load()) {
	case HalfOpen:
		b.halfOpenInFlight.Add(^uint32(0)) // decrement
		n := b.successes.Add(1)
		if n >= b.cfg.SuccessThreshold {
			if b.state.CompareAndSwap(uint32(HalfOpen), uint32(Closed)) {
				b.failures.Store(0)
				b.successes.Store(0)
			}
		}
	case Closed:
		b.failures.Store(0)
	}
}

// RecordFailure reports a failed call outcome, tripping the breaker open
// once the failure threshold is crossed.
func (b *Breaker) RecordFailure() {
	switch State(b.state.Load()) {
	case HalfOpen:
		b.halfOpenInFlight.Add(^uint32(0))
		b.trip()
	case Closed:
		n := b.failures.Add(1)
		if n >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.openedAtNS.Store(time.Now().UnixNano())
	b.successes.Store(0)
	b.halfOpenInFlight.Store(0)
	b.state.Store(uint32(Open))
}

// Reset forces the breaker back to Closed, used by admin/test tooling.
func (b *Breaker) Reset() {
	b.failures.Store(0)
	b.successes.Store(0)
	b.halfOpenInFlight.Store(0)
	b.openedAtNS.Store(0)
	b.state.Store(uint32(Closed))
}
