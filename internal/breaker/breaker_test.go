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

package breaker

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		OpenDuration:      20 * time.Millisecond,
		HalfOpenMaxProbes: 1,
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	b := New(testConfig())
	if b.State() != Closed {
		t.Errorf("State() = %v, want Closed", b.State())
	}
	if !b.Allow() {
		t.Error("Allow() = false in Closed state")
	}
}

func TestBreakerTripsOnThreshold(t *testing.T) {
	b := New(testConfig())
	for i := uint32(0); i < testConfig().FailureThreshold; i++ {
		b.RecordFailure()
	}
	if b.State() != Open {
		t.Errorf("State() = %v, want Open after %d failures", b.State(), testConfig().FailureThreshold)
	}
	if b.Allow() {
		t.Error("Allow() = true in Open state")
	}
}

func TestBreakerSuccessResetsFailureCountInClosedState(t *testing.T) {
	b := New(testConfig())
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Errorf("State() = %v, want Closed (success should have reset the failure streak)", b.State())
	}
}

func TestBreakerTransitionsToHalfOpenAfterOpenDuration(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	for i := uint32(0); i < cfg.FailureThreshold; i++ {
		b.RecordFailure()
	}
	time.Sleep(cfg.OpenDuration + 5*time.Millisecond)
	if b.State() != HalfOpen {
		t.Errorf("State() = %v, want HalfOpen after the open duration elapses", b.State())
	}
}

func TestBreakerHalfOpenLimitsConcurrentProbes(t *testing.T) {
	cfg := testConfig()
	cfg.HalfOpenMaxProbes = 1
	b := New(cfg)
	for i := uint32(0); i < cfg.FailureThreshold; i++ {
		b.RecordFailure()
	}
	time.Sleep(cfg.OpenDuration + 5*time.Millisecond)

	if !b.Allow() {
		t.Fatal("first HalfOpen probe should be allowed")
	}
	if b.Allow() {
		t.Error("a second concurrent HalfOpen probe should be rejected once HalfOpenMaxProbes is exhausted")
	}
}

func TestBreakerClosesAfterSuccessThresholdInHalfOpen(t *testing.T) {
	cfg := testConfig()
	cfg.HalfOpenMaxProbes = 2
	b := New(cfg)
	for i := uint32(0); i < cfg.FailureThreshold; i++ {
		b.RecordFailure()
	}
	time.Sleep(cfg.OpenDuration + 5*time.Millisecond)

	for i := uint32(0); i < cfg.SuccessThreshold; i++ {
		if !b.Allow() {
			t.Fatalf("probe %d should be allowed", i)
		}
		b.RecordSuccess()
	}
	if b.State() != Closed {
		t.Errorf("State() = %v, want Closed after SuccessThreshold probes succeed", b.State())
	}
}

func TestBreakerFailureInHalfOpenReopens(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	for i := uint32(0); i < cfg.FailureThreshold; i++ {
		b.RecordFailure()
	}
	time.Sleep(cfg.OpenDuration + 5*time.Millisecond)

	if !b.Allow() {
		t.Fatal("probe should be allowed in HalfOpen")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("State() = %v, want Open after a HalfOpen probe fails", b.State())
	}
}

func TestBreakerReset(t *testing.T) {
	b := New(testConfig())
	for i := uint32(0); i < testConfig().FailureThreshold; i++ {
		b.RecordFailure()
	}
	b.Reset()
	if b.State() != Closed {
		t.Errorf("State() = %v, want Closed after Reset", b.State())
	}
	if !b.Allow() {
		t.Error("Allow() = false after Reset")
	}
}
