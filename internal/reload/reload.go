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

// Package reload coordinates hot configuration swaps: it tracks
// in-flight request count, drains up to a deadline before applying a new
// snapshot, and bridges OS signals into typed reload/shutdown messages,
// the same signal.Notify/select idiom the teacher's cmd binaries use for
// graceful shutdown, generalized here to also trigger a config reload on
// SIGHUP.
package reload

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Signal is the typed message reload bridges OS signals into.
type Signal uint8

const (
	SignalReload Signal = iota
	SignalShutdown
)

// Snapshot is the opaque config value Coordinator swaps atomically.
// Callers store their real *config.Config behind this interface so
// reload doesn't need to import config and create a cycle.
type Snapshot = any

// Coordinator owns the active config snapshot and the active-request
// counter that gates a safe swap.
type Coordinator struct {
	current atomic.Value // holds Snapshot

	activeRequests atomic.Int64
	drainDeadline  time.Duration

	signals chan Signal
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Coordinator holding the initial snapshot.
func New(initial Snapshot, drainDeadline time.Duration) *Coordinator {
	c := &Coordinator{
		drainDeadline: drainDeadline,
		signals:       make(chan Signal, 1),
		stopCh:        make(chan struct{}),
	}
	c.current.Store(initial)
	return c
}

// ListenOS bridges SIGHUP to SignalReload and SIGINT/SIGTERM to
// SignalShutdown onto Signals().
func (c *Coordinator) ListenOS() {
	raw := make(chan os.Signal, 1)
	signal.Notify(raw, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case sig := <-raw:
				switch sig {
				case syscall.SIGHUP:
					select {
					case c.signals <- SignalReload:
					default:
					}
				default:
					select {
					case c.signals <- SignalShutdown:
					default:
					}
					return
				}
			case <-c.stopCh:
				signal.Stop(raw)
				return
			}
		}
	}()
}

// Signals is the channel ListenOS publishes typed reload/shutdown
// requests to.
func (c *Coordinator) Signals() <-chan Signal { return c.signals }

// Stop halts the OS signal bridge goroutine.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Current returns the active snapshot.
func (c *Coordinator) Current() Snapshot { return c.current.Load() }

// BeginRequest marks one request as in-flight against the current
// snapshot; call the returned func when the request finishes.
func (c *Coordinator) BeginRequest() func() {
	c.activeRequests.Add(1)
	return func() { c.activeRequests.Add(-1) }
}

// Swap drains in-flight requests (bounded by drainDeadline) and then
// atomically publishes next as the current snapshot. It returns false if
// the drain deadline elapsed with requests still active; next is
// published regardless, since blocking a reload indefinitely on a
// straggling request is worse than a brief overlap between old and new
// config semantics.
func (c *Coordinator) Swap(next Snapshot) bool {
	deadline := time.Now().Add(c.drainDeadline)
	drained := true
	for c.activeRequests.Load() > 0 {
		if time.Now().After(deadline) {
			drained = false
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.current.Store(next)
	return drained
}

// ActiveRequests reports the current in-flight request count.
func (c *Coordinator) ActiveRequests() int64 { return c.activeRequests.Load() }
