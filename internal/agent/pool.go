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

package agent

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sentinelproxy/sentinelproxy/internal/errs"
	"github.com/sentinelproxy/sentinelproxy/internal/protocol"
)

// Strategy names a load-balancing policy across a Pool's members.
type Strategy uint8

const (
	RoundRobin Strategy = iota
	LeastConnections
	HealthBased
	Random
)

// member wraps one Client with pool bookkeeping: an in-flight counter
// for LeastConnections and a running health score for HealthBased.
type member struct {
	client      *Client
	inFlight    atomic.Int64
	healthScore atomic.Int64 // 0..100, higher is healthier
}

// PoolConfig tunes a Pool.
type PoolConfig struct {
	Strategy       Strategy
	DialFunc       func(ctx context.Context) (Transport, error)
	HandshakeReq   protocol.HandshakeRequest
	ClientConfig   ClientConfig
	MinSize        int
	MaxSize        int
	MaintainEvery  time.Duration
	DrainDeadline  time.Duration
}

// Pool load-balances dispatches across a set of agent Clients. A
// backoff-governed maintenance loop dials new members whenever the set
// falls below MinSize. MaxSize is not enforced: AddReverse admits
// connections without an upper-bound check.
type Pool struct {
	cfg PoolConfig

	mu      sync.RWMutex
	members []*member
	rrIndex atomic.Uint64

	stopChan chan struct{}
	wg       sync.WaitGroup
	draining atomic.Bool
}

// NewPool constructs a Pool and starts its background maintenance loop.
func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{cfg: cfg, stopChan: make(chan struct{})}
	p.wg.Add(1)
	go p.maintainLoop()
	return p
}

// AddReverse registers an agent connection that dialed in to the proxy
// (the reverse-connection acceptance path), skipping Pool's own dial
// step but still running the handshake.
func (p *Pool) AddReverse(ctx context.Context, transport Transport) error {
	c := NewClient(p.cfg.ClientConfig, transport)
	if err := c.Start(ctx, p.cfg.HandshakeReq, 5*time.Second); err != nil {
		return err
	}
	p.mu.Lock()
	p.members = append(p.members, &member{client: c})
	p.mu.Unlock()
	return nil
}

func (p *Pool) dialOne(ctx context.Context) error {
	transport, err := p.cfg.DialFunc(ctx)
	if err != nil {
		return err
	}
	c := NewClient(p.cfg.ClientConfig, transport)
	if err := c.Start(ctx, p.cfg.HandshakeReq, 5*time.Second); err != nil {
		transport.Close()
		return err
	}
	p.mu.Lock()
	p.members = append(p.members, &member{client: c})
	p.mu.Unlock()
	return nil
}

// maintainLoop keeps the pool topped up to MinSize, redialing with
// exponential backoff the same way the teacher's worker redrives its
// commit cycle on a fixed ticker, except failures here back off instead
// of retrying on a flat interval.
func (p *Pool) maintainLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.MaintainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if p.draining.Load() {
				continue
			}
			p.pruneClosed()
			p.topUp()
		case <-p.stopChan:
			return
		}
	}
}

func (p *Pool) pruneClosed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := p.members[:0]
	for _, m := range p.members {
		if m.client.State() != "closed" {
			live = append(live, m)
		}
	}
	p.members = live
}

func (p *Pool) topUp() {
	p.mu.RLock()
	n := len(p.members)
	p.mu.RUnlock()
	if n >= p.cfg.MinSize || p.cfg.DialFunc == nil {
		return
	}

	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = p.cfg.MaintainEvery
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.MaintainEvery)
	defer cancel()
	_ = backoff.Retry(func() error {
		return p.dialOne(ctx)
	}, backoff.WithContext(boff, ctx))
}

// Dispatch picks one member by the configured Strategy and dispatches
// through it. A failed dispatch lowers that member's health score and is
// returned to the caller; it is not retried on another member.
func (p *Pool) Dispatch(ctx context.Context, correlationID string, frameType protocol.FrameType, payload []byte, timeout time.Duration) (protocol.AgentResponse, error) {
	m := p.pick()
	if m == nil {
		return protocol.AgentResponse{}, errs.New(errs.KindConnectionFailed, "no healthy agent connections available")
	}
	m.inFlight.Add(1)
	defer m.inFlight.Add(-1)

	resp, err := m.client.Dispatch(ctx, correlationID, frameType, payload, timeout)
	if err != nil {
		m.healthScore.Add(-10)
	} else {
		m.healthScore.Add(1)
	}
	return resp, err
}

func (p *Pool) pick() *member {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var healthy []*member
	for _, m := range p.members {
		if m.client.Healthy() {
			healthy = append(healthy, m)
		}
	}
	if len(healthy) == 0 {
		return nil
	}

	switch p.cfg.Strategy {
	case LeastConnections:
		best := healthy[0]
		for _, m := range healthy[1:] {
			if m.inFlight.Load() < best.inFlight.Load() {
				best = m
			}
		}
		return best
	case HealthBased:
		best := healthy[0]
		for _, m := range healthy[1:] {
			if m.healthScore.Load() > best.healthScore.Load() {
				best = m
			}
		}
		return best
	case Random:
		return healthy[rand.Intn(len(healthy))]
	default: // RoundRobin
		idx := p.rrIndex.Add(1)
		return healthy[int(idx)%len(healthy)]
	}
}

// Drain marks the pool as no longer accepting new member replenishment
// and drains every member connection with the configured deadline.
func (p *Pool) Drain() {
	p.draining.Store(true)
	p.mu.RLock()
	members := append([]*member(nil), p.members...)
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			m.client.Drain(p.cfg.DrainDeadline)
		}(m)
	}
	wg.Wait()
}

// CancelAll asks every member of the pool to cancel correlationID.
// Affinity is deliberately loose (§4.5), so the pool doesn't track which
// member actually handled a given correlation; broadcasting is the only
// way to guarantee the right connection hears about it.
func (p *Pool) CancelAll(correlationID, reason string) {
	p.mu.RLock()
	members := append([]*member(nil), p.members...)
	p.mu.RUnlock()
	for _, m := range members {
		m.client.CancelRequest(correlationID, reason)
	}
}

// Size returns the current member count.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.members)
}

// Stop halts the maintenance loop. Call Drain first to close members
// gracefully.
func (p *Pool) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}
