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

// Package pipeline drives one request through the filter phase state
// machine: RequestHeaders, RequestBody, ResponseHeaders, ResponseBody,
// RequestComplete. Configured filters run in order; the first one to
// return a non-Allow decision short-circuits the rest, and token cleanup
// is guaranteed once the correlation completes regardless of which
// phase terminated it.
package pipeline

import (
	"context"

	"github.com/oklog/ulid/v2"

	"github.com/sentinelproxy/sentinelproxy/internal/protocol"
	"github.com/sentinelproxy/sentinelproxy/internal/token"
)

// NewCorrelationID mints a new ULID-based correlation ID for a request,
// lexicographically sortable by mint time which keeps audit logs and
// trace exports naturally ordered.
func NewCorrelationID() string {
	return ulid.Make().String()
}

// Pipeline builds Sessions bound to a fixed, ordered filter chain and a
// shared token store for end-of-request cleanup.
type Pipeline struct {
	filters []Filter
	tokens  *token.Store
}

// New constructs a Pipeline. filters run in the given order for every
// phase of every request driven through it.
func New(filters []Filter, tokens *token.Store) *Pipeline {
	return &Pipeline{filters: filters, tokens: tokens}
}

// NewSession starts tracking one request's correlation through the
// pipeline's filter chain.
func (p *Pipeline) NewSession(correlationID string) *Session {
	return &Session{
		correlationID:         correlationID,
		filters:               p.filters,
		tokens:                p.tokens,
		touched:                make(map[string]struct{}),
		requestBodyInterested:  make(map[string]bool),
		responseBodyInterested: make(map[string]bool),
	}
}

// Outcome is the result of driving one phase through a Session: either
// every filter allowed and processing continues, or one filter
// terminated the request.
type Outcome struct {
	Decision     protocol.Decision
	Headers      protocol.Headers
	Terminated   bool
	TerminatedBy string
}

// Session drives one HTTP request's correlation through its Pipeline's
// filter chain, tracking which filters asked for body chunks at each
// phase and which filters have been addressed at all (for cancellation
// fan-out).
type Session struct {
	correlationID string
	filters       []Filter
	tokens        *token.Store

	touched                map[string]struct{}
	requestBodyInterested  map[string]bool
	responseBodyInterested map[string]bool
}

func (s *Session) mark(filterID string) { s.touched[filterID] = struct{}{} }

func (s *Session) callResult(filterID string, policy FailurePolicy, res Result, err error) Result {
	s.mark(filterID)
	if err != nil {
		return policy.fallback()
	}
	return res
}

// RunRequestHeaders drives the RequestHeaders phase across every
// configured filter in order, applying each filter's request_header_ops
// before the next filter runs so later filters observe earlier
// mutations.
func (s *Session) RunRequestHeaders(ctx context.Context, ev protocol.RequestHeadersEvent) (Outcome, error) {
	ev.CorrelationID = s.correlationID
	headers := ev.Headers
	for _, f := range s.filters {
		ev.Headers = headers
		res, err := f.RequestHeaders(ctx, &ev)
		res = s.callResult(f.ID(), f.FailurePolicy(), res, err)
		headers = headers.ApplyAll(res.RequestHeaderOps)
		if res.NeedsMore {
			s.requestBodyInterested[f.ID()] = true
		}
		if res.Decision.Kind != protocol.DecisionAllow {
			return Outcome{Decision: res.Decision, Headers: headers, Terminated: true, TerminatedBy: f.ID()}, nil
		}
	}
	return Outcome{Decision: protocol.Allow(), Headers: headers}, nil
}

// RunRequestBodyChunk drives one request body chunk across only the
// filters that asked for the body during RunRequestHeaders.
func (s *Session) RunRequestBodyChunk(ctx context.Context, ev protocol.BodyChunkEvent) (protocol.BodyChunkEvent, Outcome, error) {
	ev.CorrelationID = s.correlationID
	for _, f := range s.filters {
		if !s.requestBodyInterested[f.ID()] {
			continue
		}
		res, err := f.RequestBodyChunk(ctx, &ev)
		res = s.callResult(f.ID(), f.FailurePolicy(), res, err)
		if !res.NeedsMore {
			delete(s.requestBodyInterested, f.ID())
		}
		if res.Decision.Kind != protocol.DecisionAllow {
			return ev, Outcome{Decision: res.Decision, Terminated: true, TerminatedBy: f.ID()}, nil
		}
	}
	return ev, Outcome{Decision: protocol.Allow()}, nil
}

// RunResponseHeaders drives the ResponseHeaders phase across every
// filter in order, the same pattern as RunRequestHeaders.
func (s *Session) RunResponseHeaders(ctx context.Context, ev protocol.ResponseHeadersEvent) (Outcome, error) {
	ev.CorrelationID = s.correlationID
	headers := ev.Headers
	for _, f := range s.filters {
		ev.Headers = headers
		res, err := f.ResponseHeaders(ctx, &ev)
		res = s.callResult(f.ID(), f.FailurePolicy(), res, err)
		headers = headers.ApplyAll(res.ResponseHeaderOps)
		if res.NeedsMore {
			s.responseBodyInterested[f.ID()] = true
		}
		if res.Decision.Kind != protocol.DecisionAllow {
			return Outcome{Decision: res.Decision, Headers: headers, Terminated: true, TerminatedBy: f.ID()}, nil
		}
	}
	return Outcome{Decision: protocol.Allow(), Headers: headers}, nil
}

// RunResponseBodyChunk drives one response body chunk across only the
// filters that asked for the response body during RunResponseHeaders.
func (s *Session) RunResponseBodyChunk(ctx context.Context, ev protocol.BodyChunkEvent) (protocol.BodyChunkEvent, Outcome, error) {
	ev.CorrelationID = s.correlationID
	for _, f := range s.filters {
		if !s.responseBodyInterested[f.ID()] {
			continue
		}
		res, err := f.ResponseBodyChunk(ctx, &ev)
		res = s.callResult(f.ID(), f.FailurePolicy(), res, err)
		if !res.NeedsMore {
			delete(s.responseBodyInterested, f.ID())
		}
		if res.Decision.Kind != protocol.DecisionAllow {
			return ev, Outcome{Decision: res.Decision, Terminated: true, TerminatedBy: f.ID()}, nil
		}
	}
	return ev, Outcome{Decision: protocol.Allow()}, nil
}

// Complete fans the terminal RequestComplete event out to every filter
// this session ever addressed, fire-and-forget, then guarantees token
// cleanup for the correlation regardless of what those calls do.
func (s *Session) Complete(ctx context.Context, ev protocol.RequestCompleteEvent) {
	ev.CorrelationID = s.correlationID
	defer func() {
		if s.tokens != nil {
			s.tokens.Cleanup(s.correlationID)
		}
	}()
	for _, f := range s.filters {
		if _, ok := s.touched[f.ID()]; !ok {
			continue
		}
		f.Complete(ctx, ev)
	}
}

// CancelAll asks every filter this session addressed to cancel its
// work for the correlation, used on client disconnect or upstream
// failure mid-flow.
func (s *Session) CancelAll(reason string) {
	for _, f := range s.filters {
		if _, ok := s.touched[f.ID()]; !ok {
			continue
		}
		f.Cancel(s.correlationID, reason)
	}
	if s.tokens != nil {
		s.tokens.Cleanup(s.correlationID)
	}
}

// ApplyHeaderOps folds a phase result's header ops into an existing
// Headers value, used by the HTTP layer for both request and response
// sides.
func ApplyHeaderOps(h protocol.Headers, ops []protocol.HeaderOp) protocol.Headers {
	return h.ApplyAll(ops)
}
