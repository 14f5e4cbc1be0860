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

// Package audit records the per-request decision trail (agent verdicts,
// masking actions, token mints) to a durable Sink. RedisSink follows the
// teacher's RedisEvaler/RedisPersister split: a narrow interface over
// the real go-redis client plus a thin persister on top of it, so a test
// double can stand in for the client without pulling in a Redis server.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Record is one audited decision, written once per completed request.
type Record struct {
	CorrelationID string            `json:"correlation_id"`
	RouteID       string            `json:"route_id"`
	Decision      string            `json:"decision"`
	Status        int               `json:"status"`
	DurationMS    int64             `json:"duration_ms"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RecordedAt    time.Time         `json:"recorded_at"`
}

// Sink persists audit records. Implementations must be safe for
// concurrent use.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// MockSink collects records in memory; used by tests and by deployments
// that want audit trail assertions without a real backing store.
type MockSink struct {
	mu      sync.Mutex
	Records []Record
}

// NewMockSink constructs an empty MockSink.
func NewMockSink() *MockSink { return &MockSink{} }

// Write implements Sink.
func (m *MockSink) Write(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, rec)
	return nil
}

// Close implements Sink.
func (m *MockSink) Close() error { return nil }

// RedisClient abstracts the minimal surface audit needs from a Redis
// client so tests can supply a fake instead of a live server.
type RedisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Close() error
}

// RedisSink persists audit records as JSON entries in a capped Redis
// list, one list per route so a single hot route can't crowd out
// another route's recent history.
type RedisSink struct {
	client   RedisClient
	maxLen   int64
	keyPrefix string
}

// NewRedisSink constructs a RedisSink over an already-configured
// *redis.Client (or any RedisClient-compatible fake).
func NewRedisSink(client RedisClient, keyPrefix string, maxLen int64) *RedisSink {
	if maxLen <= 0 {
		maxLen = 10_000
	}
	if keyPrefix == "" {
		keyPrefix = "sentinelproxy:audit"
	}
	return &RedisSink{client: client, maxLen: maxLen, keyPrefix: keyPrefix}
}

// NewRedisSinkFromAddr dials a real go-redis client at addr and wraps it.
func NewRedisSinkFromAddr(addr, keyPrefix string, maxLen int64) *RedisSink {
	c := redis.NewClient(&redis.Options{Addr: addr})
	return NewRedisSink(c, keyPrefix, maxLen)
}

func (s *RedisSink) key(routeID string) string {
	if routeID == "" {
		routeID = "default"
	}
	return fmt.Sprintf("%s:%s", s.keyPrefix, routeID)
}

// Write implements Sink.
func (s *RedisSink) Write(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := s.key(rec.RouteID)
	if err := s.client.LPush(ctx, key, payload).Err(); err != nil {
		return err
	}
	return s.client.LTrim(ctx, key, 0, s.maxLen-1).Err()
}

// Close implements Sink.
func (s *RedisSink) Close() error { return s.client.Close() }
