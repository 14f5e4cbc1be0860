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

// Package shard stripes a keyed resource (the token store, the geo IP
// cache) across N independent locks/maps using rendezvous hashing, so a
// single hot key never serializes every caller behind one mutex.
package shard

import (
	"github.com/dgryski/go-rendezvous"
)

// hasher is rendezvous's required string->uint64 hash; fnv-1a-ish mixing
// is enough here since we only need an even, stable distribution, not a
// cryptographic one.
func hasher(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// Ring assigns keys to one of N shards using rendezvous (highest random
// weight) hashing, so adding or removing a shard only remaps the keys
// that belonged to the changed shard instead of the whole keyspace.
type Ring struct {
	n  int
	rv *rendezvous.Rendezvous
}

// NewRing builds a Ring over n equally weighted shards, numbered 0..n-1.
func NewRing(n int) *Ring {
	nodes := make([]string, n)
	for i := range nodes {
		nodes[i] = itoa(i)
	}
	return &Ring{n: n, rv: rendezvous.New(nodes, hasher)}
}

// Shard returns the shard index key is assigned to.
func (r *Ring) Shard(key string) int {
	if r.n <= 1 {
		return 0
	}
	node := r.rv.Lookup(key)
	return atoiSafe(node)
}

// N returns the shard count.
func (r *Ring) N() int { return r.n }

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func atoiSafe(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0
		}
		n = n*10 + int(s[i]-'0')
	}
	return n
}
