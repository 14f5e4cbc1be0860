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

// Package agent implements one external-agent connection's lifecycle
// (Dial, Handshake, Active, Drain) and the pool that load-balances
// requests across many such connections. A connection runs a pair of
// goroutines, a reader and a writer, the same two-goroutine split the
// teacher's Worker uses for its commit and eviction loops, connected by
// channels instead of a shared store.
package agent

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelproxy/sentinelproxy/internal/breaker"
	"github.com/sentinelproxy/sentinelproxy/internal/bufpool"
	"github.com/sentinelproxy/sentinelproxy/internal/errs"
	"github.com/sentinelproxy/sentinelproxy/internal/protocol"
)

// Transport is the minimal duplex byte-stream contract a connection
// needs; UDS sockets, gRPC streams, and reverse websocket connections
// all satisfy it through small adapters in transport.go and
// transport_grpc.go.
type Transport interface {
	io.ReadWriter
	Close() error
}

// connState is the connection-lifecycle state machine named in the spec:
// a fresh client starts Dialing, becomes Active after a successful
// Handshake, and transitions to Draining on an operator-initiated or
// pool-initiated drain.
type connState uint32

const (
	stateDialing connState = iota
	stateHandshaking
	stateActive
	stateDraining
	stateClosed
)

// pendingCall tracks one in-flight request awaiting its AgentResponse.
type pendingCall struct {
	respCh chan protocol.AgentResponse
	errCh  chan error
}

// Client manages one physical connection to one agent process.
type Client struct {
	id        string
	transport Transport
	maxFrame  uint32

	state   atomic.Uint32
	breaker *breaker.Breaker

	writeCh  chan writeRequest
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pendingCall

	caps protocol.Capabilities
}

type writeRequest struct {
	frameType protocol.FrameType
	payload   []byte
	errCh     chan error
}

// ClientConfig tunes one Client.
type ClientConfig struct {
	ID              string
	MaxFrameSize    uint32
	HandshakeTimeout time.Duration
	CallTimeout     time.Duration
	BreakerConfig   breaker.Config
}

// NewClient constructs a Client bound to transport but does not yet
// dial/handshake; call Start for that.
func NewClient(cfg ClientConfig, transport Transport) *Client {
	c := &Client{
		id:        cfg.ID,
		transport: transport,
		maxFrame:  cfg.MaxFrameSize,
		breaker:   breaker.New(cfg.BreakerConfig),
		writeCh:   make(chan writeRequest, 64),
		stopChan:  make(chan struct{}),
		pending:   make(map[string]*pendingCall),
	}
	c.state.Store(uint32(stateDialing))
	return c
}

// Start performs the handshake and launches the reader/writer tasks.
func (c *Client) Start(ctx context.Context, req protocol.HandshakeRequest, handshakeTimeout time.Duration) error {
	c.state.Store(uint32(stateHandshaking))

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	resp, err := c.handshake(hctx, req)
	if err != nil {
		c.state.Store(uint32(stateClosed))
		return err
	}
	if !resp.Success {
		c.state.Store(uint32(stateClosed))
		return errs.New(errs.KindVersionMismatch, "agent rejected handshake: "+resp.Error)
	}
	c.caps = resp.Capabilities
	c.state.Store(uint32(stateActive))

	c.wg.Add(2)
	go c.readerLoop()
	go c.writerLoop()
	return nil
}

func (c *Client) handshake(ctx context.Context, req protocol.HandshakeRequest) (protocol.HandshakeResponse, error) {
	scratch := make([]byte, 0, 256)
	e := struct{}{}
	_ = e
	payload := encodeHandshakeRequest(req, scratch)
	if err := protocol.WriteFrame(c.transport, protocol.FrameHandshakeRequest, payload, make([]byte, 5)); err != nil {
		return protocol.HandshakeResponse{}, err
	}
	frame, err := protocol.ReadFrame(c.transport, c.maxFrame)
	if err != nil {
		return protocol.HandshakeResponse{}, err
	}
	if frame.Type != protocol.FrameHandshakeResponse {
		return protocol.HandshakeResponse{}, errs.New(errs.KindInvalidMessage, "expected handshake response")
	}
	return decodeHandshakeResponse(frame.Payload)
}

// Capabilities returns the negotiated handshake capabilities.
func (c *Client) Capabilities() protocol.Capabilities { return c.caps }

// State reports the connection's current lifecycle state.
func (c *Client) State() string {
	switch connState(c.state.Load()) {
	case stateDialing:
		return "dialing"
	case stateHandshaking:
		return "handshaking"
	case stateActive:
		return "active"
	case stateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Healthy reports whether the breaker currently allows new calls.
func (c *Client) Healthy() bool {
	return connState(c.state.Load()) == stateActive && c.breaker.Allow()
}

// Dispatch sends an event frame and waits for its AgentResponse,
// honoring ctx's deadline and the client's per-call timeout.
func (c *Client) Dispatch(ctx context.Context, correlationID string, frameType protocol.FrameType, payload []byte, timeout time.Duration) (protocol.AgentResponse, error) {
	if connState(c.state.Load()) != stateActive {
		return protocol.AgentResponse{}, errs.New(errs.KindConnectionClosed, "connection not active")
	}
	if !c.breaker.Allow() {
		return protocol.AgentResponse{}, errs.New(errs.KindCircuitOpen, "circuit open for agent "+c.id)
	}

	call := &pendingCall{respCh: make(chan protocol.AgentResponse, 1), errCh: make(chan error, 1)}
	c.mu.Lock()
	c.pending[correlationID] = call
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
	}()

	errCh := make(chan error, 1)
	c.writeCh <- writeRequest{frameType: frameType, payload: payload, errCh: errCh}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case err := <-errCh:
		if err != nil {
			c.breaker.RecordFailure()
			return protocol.AgentResponse{}, err
		}
	case <-callCtx.Done():
		c.breaker.RecordFailure()
		return protocol.AgentResponse{}, errs.Wrap(errs.KindTimeout, "dispatch write timed out", callCtx.Err())
	}

	select {
	case resp := <-call.respCh:
		c.breaker.RecordSuccess()
		return resp, nil
	case err := <-call.errCh:
		c.breaker.RecordFailure()
		return protocol.AgentResponse{}, err
	case <-callCtx.Done():
		c.breaker.RecordFailure()
		c.sendCancel(correlationID, "timeout")
		return protocol.AgentResponse{}, errs.Wrap(errs.KindTimeout, "dispatch response timed out", callCtx.Err())
	}
}

// CancelRequest sends a Cancel frame for correlationID and drops any
// pending entry for it, so a response the agent sends afterward is
// discarded instead of delivered to a caller who already gave up.
func (c *Client) CancelRequest(correlationID, reason string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
	c.sendCancel(correlationID, reason)
}

func (c *Client) sendCancel(correlationID, reason string) {
	payload := encodeCancel(protocol.Cancel{CorrelationID: correlationID, Reason: reason}, nil)
	select {
	case c.writeCh <- writeRequest{frameType: protocol.FrameCancel, payload: payload, errCh: make(chan error, 1)}:
	default:
	}
}

// writerLoop serializes all outbound frames onto the transport, drawing
// its header scratch buffer from the shared frame-encode pool instead of
// allocating one per call.
func (c *Client) writerLoop() {
	defer c.wg.Done()
	pool := bufpool.ForClass("frame-encode")
	for {
		select {
		case wr := <-c.writeCh:
			buf, release := pool.Acquire()
			err := protocol.WriteFrame(c.transport, wr.frameType, wr.payload, buf.Bytes())
			release()
			if wr.errCh != nil {
				wr.errCh <- err
			}
			if err != nil {
				return
			}
		case <-c.stopChan:
			return
		}
	}
}

// readerLoop hands each inbound agent response to its pending call and
// answers Ping with Pong; every other frame type is read and discarded.
func (c *Client) readerLoop() {
	defer c.wg.Done()
	for {
		frame, err := protocol.ReadFrame(c.transport, c.maxFrame)
		if err != nil {
			c.failAllPending(err)
			c.state.Store(uint32(stateClosed))
			return
		}
		switch frame.Type {
		case protocol.FrameAgentResponse:
			resp, err := protocol.DecodeAgentResponse(frame.Payload)
			if err != nil {
				continue
			}
			c.mu.Lock()
			call, ok := c.pending[resp.CorrelationID]
			c.mu.Unlock()
			if ok {
				call.respCh <- resp
			}
		case protocol.FramePing:
			select {
			case c.writeCh <- writeRequest{frameType: protocol.FramePong, payload: nil, errCh: nil}:
			default:
			}
		default:
			// Health status, metrics reports, and flow control frames
			// are discarded; no other component reads them.
		}

		select {
		case <-c.stopChan:
			return
		default:
		}
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, call := range c.pending {
		call.errCh <- err
		delete(c.pending, id)
	}
}

// Drain marks the connection as no longer eligible for new dispatches
// and waits (bounded by deadline) for in-flight calls to finish before
// closing the transport.
func (c *Client) Drain(deadline time.Duration) error {
	c.state.Store(uint32(stateDraining))
	done := make(chan struct{})
	go func() {
		for {
			c.mu.Lock()
			n := len(c.pending)
			c.mu.Unlock()
			if n == 0 {
				close(done)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	select {
	case <-done:
	case <-time.After(deadline):
	}
	return c.Close()
}

// Close stops the reader/writer goroutines and closes the transport.
func (c *Client) Close() error {
	c.state.Store(uint32(stateClosed))
	close(c.stopChan)
	err := c.transport.Close()
	c.wg.Wait()
	return err
}
