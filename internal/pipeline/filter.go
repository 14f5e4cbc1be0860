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

package pipeline

import (
	"bytes"
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/sentinelproxy/sentinelproxy/internal/agent"
	"github.com/sentinelproxy/sentinelproxy/internal/content"
	"github.com/sentinelproxy/sentinelproxy/internal/errs"
	"github.com/sentinelproxy/sentinelproxy/internal/geo"
	"github.com/sentinelproxy/sentinelproxy/internal/masking"
	"github.com/sentinelproxy/sentinelproxy/internal/protocol"
)

// FailurePolicy selects what happens when a filter errors or its circuit
// is open: FailOpen lets the request proceed unfiltered, FailClosed
// blocks it with a 503.
type FailurePolicy uint8

const (
	FailOpen FailurePolicy = iota
	FailClosed
)

func (p FailurePolicy) fallback() Result {
	if p == FailClosed {
		return Result{Decision: protocol.Decision{Kind: protocol.DecisionBlock, BlockStatus: 503}}
	}
	return Result{Decision: protocol.Allow()}
}

// Result is one filter's verdict for a single phase call.
type Result struct {
	Decision          protocol.Decision
	RequestHeaderOps  []protocol.HeaderOp
	ResponseHeaderOps []protocol.HeaderOp
	NeedsMore         bool
}

// Filter is one configured agent-call site in the pipeline: either a
// remote agent addressed through an agent.Pool, or an in-process filter
// (masking, geo) that never leaves the proxy. Every phase not relevant
// to a given filter kind returns the zero Result (Allow, no ops).
type Filter interface {
	ID() string
	FailurePolicy() FailurePolicy
	RequestHeaders(ctx context.Context, ev *protocol.RequestHeadersEvent) (Result, error)
	RequestBodyChunk(ctx context.Context, ev *protocol.BodyChunkEvent) (Result, error)
	ResponseHeaders(ctx context.Context, ev *protocol.ResponseHeadersEvent) (Result, error)
	ResponseBodyChunk(ctx context.Context, ev *protocol.BodyChunkEvent) (Result, error)
	Complete(ctx context.Context, ev protocol.RequestCompleteEvent)
	Cancel(correlationID, reason string)
}

// AgentFilter dispatches every phase to a remote agent over the pool,
// framing each event the same way regardless of phase.
type AgentFilter struct {
	id      string
	pool    *agent.Pool
	timeout time.Duration
	policy  FailurePolicy
}

// NewAgentFilter constructs a Filter backed by pool.
func NewAgentFilter(id string, pool *agent.Pool, timeout time.Duration, policy FailurePolicy) *AgentFilter {
	return &AgentFilter{id: id, pool: pool, timeout: timeout, policy: policy}
}

func (f *AgentFilter) ID() string                 { return f.id }
func (f *AgentFilter) FailurePolicy() FailurePolicy { return f.policy }

func (f *AgentFilter) dispatch(ctx context.Context, correlationID string, payload []byte) (Result, error) {
	resp, err := f.pool.Dispatch(ctx, correlationID, protocol.FrameEvent, payload, f.timeout)
	if err != nil {
		return f.policy.fallback(), nil
	}
	return Result{
		Decision:          resp.Decision,
		RequestHeaderOps:  resp.RequestHeaderOps,
		ResponseHeaderOps: resp.ResponseHeaderOps,
		NeedsMore:         resp.NeedsMore,
	}, nil
}

func (f *AgentFilter) RequestHeaders(ctx context.Context, ev *protocol.RequestHeadersEvent) (Result, error) {
	return f.dispatch(ctx, ev.CorrelationID, protocol.EncodeRequestHeadersEvent(*ev, nil))
}

func (f *AgentFilter) RequestBodyChunk(ctx context.Context, ev *protocol.BodyChunkEvent) (Result, error) {
	return f.dispatch(ctx, ev.CorrelationID, protocol.EncodeBodyChunkEvent(*ev, nil))
}

func (f *AgentFilter) ResponseHeaders(ctx context.Context, ev *protocol.ResponseHeadersEvent) (Result, error) {
	return f.dispatch(ctx, ev.CorrelationID, protocol.EncodeResponseHeadersEvent(*ev, nil))
}

func (f *AgentFilter) ResponseBodyChunk(ctx context.Context, ev *protocol.BodyChunkEvent) (Result, error) {
	return f.dispatch(ctx, ev.CorrelationID, protocol.EncodeBodyChunkEvent(*ev, nil))
}

func (f *AgentFilter) Complete(ctx context.Context, ev protocol.RequestCompleteEvent) {
	_, _ = f.dispatch(ctx, ev.CorrelationID, protocol.EncodeRequestCompleteEvent(ev, nil))
}

func (f *AgentFilter) Cancel(correlationID, reason string) {
	f.pool.CancelAll(correlationID, reason)
}

// GeoFilter wraps geo.Filter as an in-process pipeline Filter that only
// acts on the RequestHeaders phase, evaluating the client IP carried in
// the event's metadata.
type GeoFilter struct {
	id           string
	geo          *geo.Filter
	policy       FailurePolicy
	addCountryHdr bool
	blockStatus  uint16
	blockMessage string
}

// NewGeoFilter constructs a Filter wrapping a geo.Filter.
func NewGeoFilter(id string, gf *geo.Filter, policy FailurePolicy, addCountryHeader bool, blockStatus uint16, blockMessage string) *GeoFilter {
	if blockStatus == 0 {
		blockStatus = 403
	}
	return &GeoFilter{id: id, geo: gf, policy: policy, addCountryHdr: addCountryHeader, blockStatus: blockStatus, blockMessage: blockMessage}
}

func (f *GeoFilter) ID() string                 { return f.id }
func (f *GeoFilter) FailurePolicy() FailurePolicy { return f.policy }

func (f *GeoFilter) RequestHeaders(ctx context.Context, ev *protocol.RequestHeadersEvent) (Result, error) {
	addr, err := netip.ParseAddr(ev.Metadata.ClientIP)
	if err != nil {
		return f.policy.fallback(), nil
	}
	decision := f.geo.Evaluate(addr)

	var ops []protocol.HeaderOp
	if f.addCountryHdr && decision.Country != "" {
		ops = append(ops, protocol.HeaderOp{Kind: protocol.HeaderOpSet, Name: "X-Geo-Country", Value: decision.Country})
	}
	if !decision.Allowed {
		body := f.blockMessage
		return Result{
			Decision: protocol.Decision{
				Kind:         protocol.DecisionBlock,
				BlockStatus:  f.blockStatus,
				BlockBody:    body,
				HasBlockBody: body != "",
			},
			RequestHeaderOps: ops,
		}, nil
	}
	return Result{Decision: protocol.Allow(), RequestHeaderOps: ops}, nil
}

func (f *GeoFilter) RequestBodyChunk(context.Context, *protocol.BodyChunkEvent) (Result, error) {
	return Result{Decision: protocol.Allow()}, nil
}
func (f *GeoFilter) ResponseHeaders(context.Context, *protocol.ResponseHeadersEvent) (Result, error) {
	return Result{Decision: protocol.Allow()}, nil
}
func (f *GeoFilter) ResponseBodyChunk(context.Context, *protocol.BodyChunkEvent) (Result, error) {
	return Result{Decision: protocol.Allow()}, nil
}
func (f *GeoFilter) Complete(context.Context, protocol.RequestCompleteEvent) {}
func (f *GeoFilter) Cancel(string, string)                                  {}

// maskState accumulates one correlation's body across chunks until
// IsLast, per §4.10's bounded-buffer streaming contract.
type maskState struct {
	mu          sync.Mutex
	contentType string
	buf         bytes.Buffer
}

// MaskingFilter wraps masking.Engine as an in-process pipeline Filter.
// It always asks for the body (NeedsMore=true) once it has seen a
// supported Content-Type, buffers chunks until the last one, then
// parses, masks, and reserializes in a single pass, rewriting the final
// chunk's Data and zeroing out the earlier chunks it already buffered.
type MaskingFilter struct {
	id       string
	engine   *masking.Engine
	policy   FailurePolicy
	maxBytes int

	mu     sync.Mutex
	states map[string]*maskState // correlationID -> state, cleared on Complete/Cancel
}

// NewMaskingFilter constructs a Filter wrapping a masking.Engine.
func NewMaskingFilter(id string, engine *masking.Engine, policy FailurePolicy, maxBytes int) *MaskingFilter {
	return &MaskingFilter{id: id, engine: engine, policy: policy, maxBytes: maxBytes, states: make(map[string]*maskState)}
}

func (f *MaskingFilter) ID() string                 { return f.id }
func (f *MaskingFilter) FailurePolicy() FailurePolicy { return f.policy }

func (f *MaskingFilter) stateFor(correlationID string) *maskState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[correlationID]
	if !ok {
		st = &maskState{}
		f.states[correlationID] = st
	}
	return st
}

func (f *MaskingFilter) forget(correlationID string) {
	f.mu.Lock()
	delete(f.states, correlationID)
	f.mu.Unlock()
}

func (f *MaskingFilter) RequestHeaders(ctx context.Context, ev *protocol.RequestHeadersEvent) (Result, error) {
	return f.wantBody(ev.CorrelationID, ev.Headers)
}

func (f *MaskingFilter) ResponseHeaders(ctx context.Context, ev *protocol.ResponseHeadersEvent) (Result, error) {
	return f.wantBody(ev.CorrelationID, ev.Headers)
}

func (f *MaskingFilter) wantBody(correlationID string, headers protocol.Headers) (Result, error) {
	ct := firstHeader(headers, "Content-Type")
	if !content.Supported(ct) {
		return Result{Decision: protocol.Allow()}, nil
	}
	f.stateFor(correlationID).contentType = ct
	return Result{Decision: protocol.Allow(), NeedsMore: true}, nil
}

func firstHeader(h protocol.Headers, name string) string {
	vals := h.Get(name)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (f *MaskingFilter) RequestBodyChunk(ctx context.Context, ev *protocol.BodyChunkEvent) (Result, error) {
	return f.maskChunk(ev, masking.DirectionRequest)
}

func (f *MaskingFilter) ResponseBodyChunk(ctx context.Context, ev *protocol.BodyChunkEvent) (Result, error) {
	return f.maskChunk(ev, masking.DirectionResponse)
}

func (f *MaskingFilter) maskChunk(ev *protocol.BodyChunkEvent, dir masking.Direction) (Result, error) {
	st := f.stateFor(ev.CorrelationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if f.maxBytes > 0 && st.buf.Len()+len(ev.Data) > f.maxBytes {
		st.buf.Write(ev.Data)
		ev.Data = append([]byte(nil), st.buf.Bytes()...)
		st.buf.Reset()
		return f.policy.fallback(), nil
	}
	st.buf.Write(ev.Data)
	ev.Data = nil
	if !ev.IsLast {
		return Result{Decision: protocol.Allow(), NeedsMore: true}, nil
	}

	body := append([]byte(nil), st.buf.Bytes()...)
	st.buf.Reset()
	ev.Data = body
	acc, err := content.ParseByContentType(st.contentType, body)
	if err != nil {
		if errs.Is(err, errs.KindUnsupportedContentType) {
			return Result{Decision: protocol.Allow()}, nil
		}
		return f.policy.fallback(), nil
	}
	if err := f.engine.Apply(ev.CorrelationID, acc, len(body), dir); err != nil {
		return f.policy.fallback(), nil
	}
	out, err := acc.Marshal()
	if err != nil {
		return f.policy.fallback(), nil
	}
	ev.Data = out
	return Result{Decision: protocol.Allow()}, nil
}

func (f *MaskingFilter) Complete(_ context.Context, ev protocol.RequestCompleteEvent) {
	f.forget(ev.CorrelationID)
}
func (f *MaskingFilter) Cancel(correlationID, _ string)                         { f.forget(correlationID) }
