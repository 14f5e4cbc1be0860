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

// Package token implements the reversible token store: mint maps a
// sensitive value to an opaque token scoped to one correlation, Resolve
// reverses it, and a background sweeper evicts entries past their TTL.
// The store's entry map and sweep loop follow the teacher's
// core.Store/core.Worker split: a sync.Map keyed store mutated on the hot
// path, and a ticker-driven goroutine pair doing the background cleanup.
package token

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelproxy/sentinelproxy/internal/errs"
	"github.com/sentinelproxy/sentinelproxy/internal/shard"
)

// Format selects how minted token strings are rendered.
type Format uint8

const (
	FormatUUID Format = iota
	FormatPrefixed
)

// Config tunes the store's capacity, TTL, and format.
type Config struct {
	Format          Format
	Prefix          string
	TTL             time.Duration
	MaxEntries      int64
	SweepInterval   time.Duration
	ShardCount      int
}

// DefaultConfig matches spec defaults: 15 minute TTL, uuid tokens.
func DefaultConfig() Config {
	return Config{
		Format:        FormatUUID,
		Prefix:        "tok",
		TTL:           15 * time.Minute,
		MaxEntries:    1_000_000,
		SweepInterval: 30 * time.Second,
		ShardCount:    16,
	}
}

type entry struct {
	token         string
	value         string
	correlationID string
	mintedAtNS    int64
}

// Store is a concurrency-safe reversible token store, striped across
// shard.Ring shards so unrelated correlations never contend on one lock.
type Store struct {
	cfg   Config
	ring  *shard.Ring
	byToken  []sync.Map // token -> *entry, one map per shard
	byCorrelation sync.Map // correlationID -> *[]string (tokens minted under it)

	count    atomic.Int64
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  atomic.Bool
}

// New constructs a Store and starts its background sweeper.
func New(cfg Config) *Store {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	s := &Store{
		cfg:      cfg,
		ring:     shard.NewRing(cfg.ShardCount),
		byToken:  make([]sync.Map, cfg.ShardCount),
		stopChan: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

// Stop halts the sweeper. Idempotent.
func (s *Store) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
}

// Mint issues a token for value scoped to correlationID, or returns the
// existing token if this correlation already minted one for the same
// value: a scan of the correlation's own token list before any new
// allocation, per the spec's idempotent-mint requirement.
func (s *Store) Mint(correlationID, value string) (string, error) {
	if listAny, ok := s.byCorrelation.Load(correlationID); ok {
		list := listAny.(*tokenList)
		for _, tok := range list.snapshot() {
			if e, ok := s.lookupEntry(tok); ok && e.value == value {
				return tok, nil
			}
		}
	}

	if s.count.Load() >= s.cfg.MaxEntries {
		return "", errs.New(errs.KindCapacityExceeded, "token store at capacity")
	}
	tok := s.newToken()
	e := &entry{token: tok, value: value, correlationID: correlationID, mintedAtNS: time.Now().UnixNano()}

	idx := s.ring.Shard(tok)
	s.byToken[idx].Store(tok, e)
	s.count.Add(1)

	listAny, _ := s.byCorrelation.LoadOrStore(correlationID, &tokenList{})
	list := listAny.(*tokenList)
	list.add(tok)
	return tok, nil
}

func (s *Store) lookupEntry(tok string) (*entry, bool) {
	idx := s.ring.Shard(tok)
	v, ok := s.byToken[idx].Load(tok)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if s.cfg.TTL > 0 && time.Since(time.Unix(0, e.mintedAtNS)) > s.cfg.TTL {
		return nil, false
	}
	return e, true
}

func (s *Store) newToken() string {
	switch s.cfg.Format {
	case FormatPrefixed:
		return fmt.Sprintf("%s_%s", s.cfg.Prefix, uuid.NewString())
	default:
		return uuid.NewString()
	}
}

// Resolve reverses a token back to its original value, but only for the
// correlation that minted it: a token looked up under any other
// correlationID returns TokenNotFound even though the token exists,
// preventing one request from reading another's detokenized data.
func (s *Store) Resolve(correlationID, token string) (string, error) {
	idx := s.ring.Shard(token)
	v, ok := s.byToken[idx].Load(token)
	if !ok {
		return "", errs.New(errs.KindTokenNotFound, "token not found")
	}
	e := v.(*entry)
	if s.cfg.TTL > 0 && time.Since(time.Unix(0, e.mintedAtNS)) > s.cfg.TTL {
		s.byToken[idx].Delete(token)
		s.count.Add(-1)
		return "", errs.New(errs.KindTokenNotFound, "token expired")
	}
	if e.correlationID != correlationID {
		return "", errs.New(errs.KindTokenNotFound, "token not minted under this correlation")
	}
	return e.value, nil
}

// Cleanup evicts every token minted under correlationID and returns the
// number removed. Called once a request/response cycle completes so
// tokens don't outlive their request unless TTL says otherwise (TTL
// still wins if shorter than request life, cleanup just guarantees an
// upper bound tied to the correlation).
func (s *Store) Cleanup(correlationID string) int {
	listAny, ok := s.byCorrelation.LoadAndDelete(correlationID)
	if !ok {
		return 0
	}
	list := listAny.(*tokenList)
	removed := 0
	for _, tok := range list.snapshot() {
		idx := s.ring.Shard(tok)
		if _, deleted := s.byToken[idx].LoadAndDelete(tok); deleted {
			s.count.Add(-1)
			removed++
		}
	}
	return removed
}

// Count returns the current number of live tokens.
func (s *Store) Count() int64 { return s.count.Load() }

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Store) sweepExpired() {
	if s.cfg.TTL <= 0 {
		return
	}
	now := time.Now()
	for i := range s.byToken {
		shardMap := &s.byToken[i]
		shardMap.Range(func(key, value any) bool {
			e := value.(*entry)
			if now.Sub(time.Unix(0, e.mintedAtNS)) > s.cfg.TTL {
				if _, deleted := shardMap.LoadAndDelete(key); deleted {
					s.count.Add(-1)
				}
			}
			return true
		})
	}
}

// tokenList is a small mutex-guarded append-only slice of tokens minted
// for one correlation; a plain slice under a mutex beats sync.Map here
// because correlations mint a handful of tokens, not millions of keys.
type tokenList struct {
	mu     sync.Mutex
	tokens []string
}

func (l *tokenList) add(tok string) {
	l.mu.Lock()
	l.tokens = append(l.tokens, tok)
	l.mu.Unlock()
}

func (l *tokenList) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.tokens))
	copy(out, l.tokens)
	return out
}
