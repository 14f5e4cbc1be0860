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

// Package geo resolves a client IP to a country code and applies an
// allow/block/log-only policy, caching lookups with a TTL so the hot
// path doesn't hit the backing Database on every request. No MaxMind or
// IP2Location Go client appears anywhere in the retrieved example
// corpus, so Database is an interface this package defines itself —
// see DESIGN.md.
package geo

import (
	"net/netip"
	"sync"
	"time"

	"github.com/sentinelproxy/sentinelproxy/internal/shard"
)

// Database resolves an IP address to an ISO 3166-1 alpha-2 country code.
// Two concrete implementations satisfy it: StaticDatabase (a CIDR-range
// table loaded from config, for tests and small deployments) and
// anything wrapping an external lookup service behind the same
// interface.
type Database interface {
	Lookup(ip netip.Addr) (country string, ok error)
}

// Mode selects the filter's enforcement behavior.
type Mode uint8

const (
	ModeBlock Mode = iota
	ModeAllow
	ModeLogOnly
)

// Config tunes the Filter.
type Config struct {
	Mode          Mode
	Countries     map[string]struct{}
	CacheTTL      time.Duration
	FailOpen      bool // if true, a Database error allows the request through
	ShardCount    int
}

// DefaultConfig matches the spec's default geo filter tuning: fail
// closed, 10 minute cache.
func DefaultConfig() Config {
	return Config{
		Mode:       ModeBlock,
		Countries:  map[string]struct{}{},
		CacheTTL:   10 * time.Minute,
		FailOpen:   false,
		ShardCount: 8,
	}
}

type cacheEntry struct {
	country  string
	cachedAt time.Time
}

// Filter applies Config against a Database, with a sharded TTL cache in
// front of it.
type Filter struct {
	cfg  Config
	db   Database
	ring *shard.Ring
	caches []sync.Map // netip.Addr.String() -> cacheEntry
}

// NewFilter builds a Filter over db.
func NewFilter(cfg Config, db Database) *Filter {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	return &Filter{
		cfg:    cfg,
		db:     db,
		ring:   shard.NewRing(cfg.ShardCount),
		caches: make([]sync.Map, cfg.ShardCount),
	}
}

// Decision is the filter's verdict: Allowed false means the request
// should be blocked (unless Mode is ModeLogOnly, in which case the
// caller logs but still proceeds).
type Decision struct {
	Allowed bool
	Country string
	LogOnly bool
	FailedOpen bool
}

// Evaluate resolves ip's country and applies the configured Mode.
func (f *Filter) Evaluate(ip netip.Addr) Decision {
	country, err := f.lookup(ip)
	if err != nil {
		if f.cfg.FailOpen {
			return Decision{Allowed: true, FailedOpen: true}
		}
		return Decision{Allowed: false, FailedOpen: true}
	}

	_, listed := f.cfg.Countries[country]
	var allowed bool
	switch f.cfg.Mode {
	case ModeAllow:
		// An empty allow-list permits everything; a non-empty one
		// permits only listed countries.
		allowed = len(f.cfg.Countries) == 0 || listed
	case ModeBlock:
		allowed = !listed
	case ModeLogOnly:
		allowed = true
	}
	return Decision{Allowed: allowed, Country: country, LogOnly: f.cfg.Mode == ModeLogOnly}
}

func (f *Filter) lookup(ip netip.Addr) (string, error) {
	key := ip.String()
	idx := f.ring.Shard(key)
	cache := &f.caches[idx]

	if v, ok := cache.Load(key); ok {
		entry := v.(cacheEntry)
		if time.Since(entry.cachedAt) < f.cfg.CacheTTL {
			return entry.country, nil
		}
		cache.Delete(key)
	}

	country, err := f.db.Lookup(ip)
	if err != nil {
		return "", err
	}
	cache.Store(key, cacheEntry{country: country, cachedAt: time.Now()})
	return country, nil
}

// CIDRRange maps an address range to a country code for StaticDatabase.
type CIDRRange struct {
	Prefix  netip.Prefix
	Country string
}

// StaticDatabase is a small in-memory Database backed by a CIDR table,
// suitable for tests and deployments that ship their own geo table
// instead of querying a hosted service.
type StaticDatabase struct {
	ranges []CIDRRange
}

// NewStaticDatabase builds a StaticDatabase from ranges. Overlapping
// ranges resolve to the first match in slice order.
func NewStaticDatabase(ranges []CIDRRange) *StaticDatabase {
	return &StaticDatabase{ranges: ranges}
}

// Lookup implements Database.
func (d *StaticDatabase) Lookup(ip netip.Addr) (string, error) {
	for _, r := range d.ranges {
		if r.Prefix.Contains(ip) {
			return r.Country, nil
		}
	}
	return "", errUnresolved
}

type unresolvedError struct{}

func (unresolvedError) Error() string { return "geo: address not found in database" }

var errUnresolved = unresolvedError{}
