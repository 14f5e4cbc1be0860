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

import (
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/sentinelproxy/sentinelproxy/internal/errs"
)

// FrameType is the wire-level discriminant carried in every frame's type
// byte. It is a closed set; an unknown value on decode is InvalidMessage.
type FrameType uint8

const (
	FrameHandshakeRequest FrameType = iota
	FrameHandshakeResponse
	FrameEvent
	FrameAgentResponse
	FrameHealthStatus
	FrameMetricsReport
	FrameConfigUpdateRequest
	FrameConfigUpdateResponse
	FrameFlowControl
	FrameCancel
	FrameCancelAll
	FramePing
	FramePong
)

const frameTypeCount = FramePong + 1

// MaxMessageSizeV1 bounds frame payload+type length for the v1/gRPC path.
const MaxMessageSizeV1 = 10 * 1024 * 1024

// MaxMessageSizeV2UDS bounds frame payload+type length for the v2 UDS path.
const MaxMessageSizeV2UDS = 16 * 1024 * 1024

// Frame is a decoded wire frame: a type discriminant plus an opaque
// payload. ReadFrame allocates a fresh buffer for every frame, so a
// Payload stays valid after further reads.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// WriteFrame encodes and writes a single frame to w. buf is scratch space
// reused across calls (acquire it from bufpool in the hot path).
func WriteFrame(w io.Writer, typ FrameType, payload []byte, buf []byte) error {
	header := buf[:0]
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(payload)+1))
	header = append(header, lenBytes[:]...)
	header = append(header, byte(typ))
	if _, err := w.Write(header); err != nil {
		return errs.Wrap(errs.KindConnectionClosed, "write frame header", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errs.Wrap(errs.KindConnectionClosed, "write frame payload", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r. maxSize bounds the declared length
// (10 MiB for v1/gRPC, 16 MiB for v2 UDS per spec).
func ReadFrame(r io.Reader, maxSize uint32) (Frame, error) {
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return Frame{}, errs.Wrap(errs.KindConnectionClosed, "read frame length", err)
	}
	length := binary.BigEndian.Uint32(lenBytes[:])
	if length == 0 {
		return Frame{}, errs.New(errs.KindInvalidMessage, "zero-length frame")
	}
	if length > maxSize {
		return Frame{}, errs.New(errs.KindMessageTooLarge, "frame exceeds maximum size")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, errs.Wrap(errs.KindConnectionClosed, "read frame body", err)
	}
	typ := FrameType(body[0])
	if typ >= frameTypeCount {
		return Frame{}, errs.New(errs.KindInvalidMessage, "unknown frame type discriminant")
	}
	return Frame{Type: typ, Payload: body[1:]}, nil
}

// --- nested-record grammar: length-prefixed u16 strings, header
// multimaps, optional strings, and decisions. Shared by the binary
// encoder and by anything that wants a canonical byte form (e.g. an
// FPE tweak or a token-store idempotency key) without duplicating the
// grammar.

type encoder struct {
	buf []byte
}

func newEncoder(buf []byte) *encoder { return &encoder{buf: buf[:0]} }

func (e *encoder) putU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putString(s string) {
	e.putU16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) putOptionalString(s string, present bool) {
	if !present {
		e.buf = append(e.buf, 0)
		return
	}
	e.buf = append(e.buf, 1)
	e.putString(s)
}

func (e *encoder) putHeaders(h Headers) {
	e.putU16(uint16(len(h)))
	for _, kv := range h {
		e.putString(kv.Name)
		e.putString(kv.Value)
	}
}

type decoder struct {
	buf []byte
	pos int
}

func newDecoder(buf []byte) *decoder { return &decoder{buf: buf} }

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) getU16() (uint16, error) {
	if d.remaining() < 2 {
		return 0, errs.New(errs.KindInvalidMessage, "truncated u16")
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decoder) getU32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, errs.New(errs.KindInvalidMessage, "truncated u32")
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) getU64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, errs.New(errs.KindInvalidMessage, "truncated u64")
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decoder) getString() (string, error) {
	n, err := d.getU16()
	if err != nil {
		return "", err
	}
	if d.remaining() < int(n) {
		return "", errs.New(errs.KindInvalidMessage, "truncated string")
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	if !utf8.Valid(b) {
		return "", errs.New(errs.KindInvalidMessage, "invalid utf-8 string")
	}
	return string(b), nil
}

func (d *decoder) getOptionalString() (string, bool, error) {
	if d.remaining() < 1 {
		return "", false, errs.New(errs.KindInvalidMessage, "truncated optional string tag")
	}
	present := d.buf[d.pos]
	d.pos++
	if present == 0 {
		return "", false, nil
	}
	if present != 1 {
		return "", false, errs.New(errs.KindInvalidMessage, "invalid optional-string tag")
	}
	s, err := d.getString()
	return s, true, err
}

func (d *decoder) getHeaders() (Headers, error) {
	count, err := d.getU16()
	if err != nil {
		return nil, err
	}
	out := make(Headers, 0, count)
	for i := uint16(0); i < count; i++ {
		name, err := d.getString()
		if err != nil {
			return nil, err
		}
		value, err := d.getString()
		if err != nil {
			return nil, err
		}
		out = append(out, Header{Name: name, Value: value})
	}
	return out, nil
}

// EncodeRequestHeadersEvent renders a RequestHeadersEvent into the
// nested-record grammar.
func EncodeRequestHeadersEvent(ev RequestHeadersEvent, scratch []byte) []byte {
	e := newEncoder(scratch)
	e.putString(ev.CorrelationID)
	e.putString(ev.Metadata.ClientIP)
	e.putU16(ev.Metadata.ClientPort)
	e.putString(ev.Metadata.ServerName)
	e.putString(ev.Metadata.Protocol)
	e.putString(ev.Metadata.TLSVersion)
	e.putString(ev.Metadata.RouteID)
	e.putString(ev.Metadata.UpstreamID)
	e.putString(ev.Metadata.Traceparent)
	e.putString(ev.Method)
	e.putString(ev.URI)
	e.putHeaders(ev.Headers)
	return e.buf
}

// DecodeRequestHeadersEvent is the inverse of EncodeRequestHeadersEvent.
func DecodeRequestHeadersEvent(buf []byte) (RequestHeadersEvent, error) {
	d := newDecoder(buf)
	var ev RequestHeadersEvent
	var err error
	if ev.CorrelationID, err = d.getString(); err != nil {
		return ev, err
	}
	if ev.Metadata.ClientIP, err = d.getString(); err != nil {
		return ev, err
	}
	if ev.Metadata.ClientPort, err = d.getU16(); err != nil {
		return ev, err
	}
	if ev.Metadata.ServerName, err = d.getString(); err != nil {
		return ev, err
	}
	if ev.Metadata.Protocol, err = d.getString(); err != nil {
		return ev, err
	}
	if ev.Metadata.TLSVersion, err = d.getString(); err != nil {
		return ev, err
	}
	if ev.Metadata.RouteID, err = d.getString(); err != nil {
		return ev, err
	}
	if ev.Metadata.UpstreamID, err = d.getString(); err != nil {
		return ev, err
	}
	if ev.Metadata.Traceparent, err = d.getString(); err != nil {
		return ev, err
	}
	if ev.Method, err = d.getString(); err != nil {
		return ev, err
	}
	if ev.URI, err = d.getString(); err != nil {
		return ev, err
	}
	if ev.Headers, err = d.getHeaders(); err != nil {
		return ev, err
	}
	return ev, nil
}

// EncodeBodyChunkEvent renders a BodyChunkEvent (request or response).
func EncodeBodyChunkEvent(ev BodyChunkEvent, scratch []byte) []byte {
	e := newEncoder(scratch)
	e.putString(ev.CorrelationID)
	e.putU32(ev.ChunkIndex)
	if ev.IsLast {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
	e.putU32(uint32(len(ev.Data)))
	e.buf = append(e.buf, ev.Data...)
	return e.buf
}

// DecodeBodyChunkEvent is the inverse of EncodeBodyChunkEvent. The
// returned Data aliases buf; copy it if it must outlive the frame.
func DecodeBodyChunkEvent(buf []byte) (BodyChunkEvent, error) {
	d := newDecoder(buf)
	var ev BodyChunkEvent
	var err error
	if ev.CorrelationID, err = d.getString(); err != nil {
		return ev, err
	}
	if ev.ChunkIndex, err = d.getU32(); err != nil {
		return ev, err
	}
	if d.remaining() < 1 {
		return ev, errs.New(errs.KindInvalidMessage, "truncated is_last flag")
	}
	ev.IsLast = d.buf[d.pos] == 1
	d.pos++
	n, err := d.getU32()
	if err != nil {
		return ev, err
	}
	if d.remaining() < int(n) {
		return ev, errs.New(errs.KindInvalidMessage, "truncated chunk data")
	}
	ev.Data = d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return ev, nil
}

// EncodeResponseHeadersEvent renders a ResponseHeadersEvent.
func EncodeResponseHeadersEvent(ev ResponseHeadersEvent, scratch []byte) []byte {
	e := newEncoder(scratch)
	e.putString(ev.CorrelationID)
	e.putU16(ev.Status)
	e.putHeaders(ev.Headers)
	return e.buf
}

// DecodeResponseHeadersEvent is the inverse of EncodeResponseHeadersEvent.
func DecodeResponseHeadersEvent(buf []byte) (ResponseHeadersEvent, error) {
	d := newDecoder(buf)
	var ev ResponseHeadersEvent
	var err error
	if ev.CorrelationID, err = d.getString(); err != nil {
		return ev, err
	}
	if ev.Status, err = d.getU16(); err != nil {
		return ev, err
	}
	if ev.Headers, err = d.getHeaders(); err != nil {
		return ev, err
	}
	return ev, nil
}

// EncodeRequestCompleteEvent renders a RequestCompleteEvent.
func EncodeRequestCompleteEvent(ev RequestCompleteEvent, scratch []byte) []byte {
	e := newEncoder(scratch)
	e.putString(ev.CorrelationID)
	e.putU16(ev.Status)
	e.putU64(ev.DurationMS)
	e.putU64(ev.RequestBodySize)
	e.putU64(ev.ResponseBodySize)
	e.putU32(ev.UpstreamAttempts)
	e.putOptionalString(ev.Error, ev.Error != "")
	return e.buf
}

// DecodeRequestCompleteEvent is the inverse of EncodeRequestCompleteEvent.
func DecodeRequestCompleteEvent(buf []byte) (RequestCompleteEvent, error) {
	d := newDecoder(buf)
	var ev RequestCompleteEvent
	var err error
	if ev.CorrelationID, err = d.getString(); err != nil {
		return ev, err
	}
	if ev.Status, err = d.getU16(); err != nil {
		return ev, err
	}
	if ev.DurationMS, err = d.getU64(); err != nil {
		return ev, err
	}
	if ev.RequestBodySize, err = d.getU64(); err != nil {
		return ev, err
	}
	if ev.ResponseBodySize, err = d.getU64(); err != nil {
		return ev, err
	}
	if ev.UpstreamAttempts, err = d.getU32(); err != nil {
		return ev, err
	}
	errStr, present, err := d.getOptionalString()
	if err != nil {
		return ev, err
	}
	if present {
		ev.Error = errStr
	}
	return ev, nil
}

// EncodeDecision renders a Decision in the kind-then-fields grammar.
func EncodeDecision(dec Decision, scratch []byte) []byte {
	e := newEncoder(scratch)
	e.buf = append(e.buf, byte(dec.Kind))
	switch dec.Kind {
	case DecisionBlock:
		e.putU16(dec.BlockStatus)
		e.putOptionalString(dec.BlockBody, dec.HasBlockBody)
		e.putU16(uint16(len(dec.BlockHeaders)))
		for k, v := range dec.BlockHeaders {
			e.putString(k)
			e.putString(v)
		}
	case DecisionRedirect:
		e.putString(dec.RedirectURL)
		e.putU16(dec.RedirectStatus)
	case DecisionChallenge:
		e.putString(dec.ChallengeType)
		e.putU16(uint16(len(dec.ChallengeParams)))
		for k, v := range dec.ChallengeParams {
			e.putString(k)
			e.putString(v)
		}
	}
	return e.buf
}

// DecodeDecision is the inverse of EncodeDecision.
func DecodeDecision(buf []byte) (Decision, error) {
	d := newDecoder(buf)
	if d.remaining() < 1 {
		return Decision{}, errs.New(errs.KindInvalidMessage, "truncated decision kind")
	}
	kind := DecisionKind(d.buf[d.pos])
	d.pos++
	dec := Decision{Kind: kind}
	switch kind {
	case DecisionAllow:
		// no fields
	case DecisionBlock:
		var err error
		if dec.BlockStatus, err = d.getU16(); err != nil {
			return dec, err
		}
		body, present, err := d.getOptionalString()
		if err != nil {
			return dec, err
		}
		dec.HasBlockBody = present
		dec.BlockBody = body
		n, err := d.getU16()
		if err != nil {
			return dec, err
		}
		if n > 0 {
			dec.BlockHeaders = make(map[string]string, n)
		}
		for i := uint16(0); i < n; i++ {
			k, err := d.getString()
			if err != nil {
				return dec, err
			}
			v, err := d.getString()
			if err != nil {
				return dec, err
			}
			dec.BlockHeaders[k] = v
		}
	case DecisionRedirect:
		var err error
		if dec.RedirectURL, err = d.getString(); err != nil {
			return dec, err
		}
		if dec.RedirectStatus, err = d.getU16(); err != nil {
			return dec, err
		}
	case DecisionChallenge:
		var err error
		if dec.ChallengeType, err = d.getString(); err != nil {
			return dec, err
		}
		n, err := d.getU16()
		if err != nil {
			return dec, err
		}
		if n > 0 {
			dec.ChallengeParams = make(map[string]string, n)
		}
		for i := uint16(0); i < n; i++ {
			k, err := d.getString()
			if err != nil {
				return dec, err
			}
			v, err := d.getString()
			if err != nil {
				return dec, err
			}
			dec.ChallengeParams[k] = v
		}
	default:
		return dec, errs.New(errs.KindInvalidMessage, "unknown decision kind")
	}
	return dec, nil
}

// EncodeAgentResponse renders a full AgentResponse.
func EncodeAgentResponse(resp AgentResponse, scratch []byte) []byte {
	e := newEncoder(scratch)
	e.putString(resp.CorrelationID)
	decBytes := EncodeDecision(resp.Decision, nil)
	e.putU32(uint32(len(decBytes)))
	e.buf = append(e.buf, decBytes...)

	e.putU16(uint16(len(resp.RequestHeaderOps)))
	for _, op := range resp.RequestHeaderOps {
		e.buf = append(e.buf, byte(op.Kind))
		e.putString(op.Name)
		e.putString(op.Value)
	}
	e.putU16(uint16(len(resp.ResponseHeaderOps)))
	for _, op := range resp.ResponseHeaderOps {
		e.buf = append(e.buf, byte(op.Kind))
		e.putString(op.Name)
		e.putString(op.Value)
	}
	e.putU16(uint16(len(resp.AuditMetadata)))
	for k, v := range resp.AuditMetadata {
		e.putString(k)
		e.putString(v)
	}
	e.putOptionalString("", resp.ProcessingTimeMS == nil)
	if resp.ProcessingTimeMS != nil {
		e.putU64(*resp.ProcessingTimeMS)
	}
	if resp.NeedsMore {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
	return e.buf
}

// DecodeAgentResponse is the inverse of EncodeAgentResponse.
func DecodeAgentResponse(buf []byte) (AgentResponse, error) {
	d := newDecoder(buf)
	var resp AgentResponse
	var err error
	if resp.CorrelationID, err = d.getString(); err != nil {
		return resp, err
	}
	declen, err := d.getU32()
	if err != nil {
		return resp, err
	}
	if d.remaining() < int(declen) {
		return resp, errs.New(errs.KindInvalidMessage, "truncated decision")
	}
	resp.Decision, err = DecodeDecision(d.buf[d.pos : d.pos+int(declen)])
	if err != nil {
		return resp, err
	}
	d.pos += int(declen)

	reqOpCount, err := d.getU16()
	if err != nil {
		return resp, err
	}
	for i := uint16(0); i < reqOpCount; i++ {
		op, err := d.getHeaderOp()
		if err != nil {
			return resp, err
		}
		resp.RequestHeaderOps = append(resp.RequestHeaderOps, op)
	}
	respOpCount, err := d.getU16()
	if err != nil {
		return resp, err
	}
	for i := uint16(0); i < respOpCount; i++ {
		op, err := d.getHeaderOp()
		if err != nil {
			return resp, err
		}
		resp.ResponseHeaderOps = append(resp.ResponseHeaderOps, op)
	}
	auditCount, err := d.getU16()
	if err != nil {
		return resp, err
	}
	if auditCount > 0 {
		resp.AuditMetadata = make(map[string]string, auditCount)
	}
	for i := uint16(0); i < auditCount; i++ {
		k, err := d.getString()
		if err != nil {
			return resp, err
		}
		v, err := d.getString()
		if err != nil {
			return resp, err
		}
		resp.AuditMetadata[k] = v
	}
	_, present, err := d.getOptionalString()
	if err != nil {
		return resp, err
	}
	if !present {
		v, err := d.getU64()
		if err != nil {
			return resp, err
		}
		resp.ProcessingTimeMS = &v
	}
	if d.remaining() < 1 {
		return resp, errs.New(errs.KindInvalidMessage, "truncated needs_more flag")
	}
	resp.NeedsMore = d.buf[d.pos] == 1
	d.pos++
	return resp, nil
}

func (d *decoder) getHeaderOp() (HeaderOp, error) {
	if d.remaining() < 1 {
		return HeaderOp{}, errs.New(errs.KindInvalidMessage, "truncated header op kind")
	}
	kind := HeaderOpKind(d.buf[d.pos])
	d.pos++
	name, err := d.getString()
	if err != nil {
		return HeaderOp{}, err
	}
	value, err := d.getString()
	if err != nil {
		return HeaderOp{}, err
	}
	return HeaderOp{Kind: kind, Name: name, Value: value}, nil
}
