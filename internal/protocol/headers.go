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

package protocol

import "strings"

// Get returns all values stored under name, in insertion order.
func (h Headers) Get(name string) []string {
	var out []string
	for _, kv := range h {
		if strings.EqualFold(kv.Name, name) {
			out = append(out, kv.Value)
		}
	}
	return out
}

// Apply applies a single HeaderOp to h, returning the updated multimap.
// Set replaces all values for Name; Add appends; Remove deletes all
// values for Name. Name comparisons are case-insensitive.
func (h Headers) Apply(op HeaderOp) Headers {
	switch op.Kind {
	case HeaderOpSet:
		out := make(Headers, 0, len(h)+1)
		inserted := false
		for _, kv := range h {
			if strings.EqualFold(kv.Name, op.Name) {
				if !inserted {
					out = append(out, Header{Name: op.Name, Value: op.Value})
					inserted = true
				}
				continue
			}
			out = append(out, kv)
		}
		if !inserted {
			out = append(out, Header{Name: op.Name, Value: op.Value})
		}
		return out
	case HeaderOpAdd:
		return append(append(Headers{}, h...), Header{Name: op.Name, Value: op.Value})
	case HeaderOpRemove:
		out := make(Headers, 0, len(h))
		for _, kv := range h {
			if strings.EqualFold(kv.Name, op.Name) {
				continue
			}
			out = append(out, kv)
		}
		return out
	default:
		return h
	}
}

// ApplyAll applies ops left to right, matching the spec's
// header-operation-associativity-by-order invariant.
func (h Headers) ApplyAll(ops []HeaderOp) Headers {
	cur := h
	for _, op := range ops {
		cur = cur.Apply(op)
	}
	return cur
}
