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

package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinelproxy/sentinelproxy/internal/audit"
	"github.com/sentinelproxy/sentinelproxy/internal/config"
	"github.com/sentinelproxy/sentinelproxy/internal/metrics"
	"github.com/sentinelproxy/sentinelproxy/internal/pipeline"
	"github.com/sentinelproxy/sentinelproxy/internal/protocol"
	"github.com/sentinelproxy/sentinelproxy/internal/rangeutil"
	"github.com/sentinelproxy/sentinelproxy/internal/reload"
)

// proxyHandler drives every request on one listener through its route's
// filter pipeline and on to the matched upstream. It always reads the
// full body rather than streaming true chunks: a real listener would
// split on the agent's preferred chunk size, but a single "whole body as
// one chunk" call satisfies the same phase contract for this demo scope.
type proxyHandler struct {
	listenerID string
	coord      *reload.Coordinator
	httpClient *http.Client
	audit      audit.Sink
	log        zerolog.Logger
	rrCounter  atomic.Uint64
	negotiator *rangeutil.Negotiator
	reqCounts  *metrics.RequestCoalescer
}

func newProxyHandler(listenerID string, coord *reload.Coordinator, sink audit.Sink, log zerolog.Logger) *proxyHandler {
	return &proxyHandler{
		listenerID: listenerID,
		coord:      coord,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		audit:      sink,
		log:        log,
		negotiator: rangeutil.NewNegotiator(rangeutil.GzipEncoder),
		reqCounts:  metrics.NewRequestCoalescer(20, 5),
	}
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	c := h.coord.Current().(*composition)
	done := h.coord.BeginRequest()
	defer done()

	route, ok := matchRoute(c, h.listenerID, r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	ps := c.pipelines[route.ID]
	session := ps.NewSession(pipeline.NewCorrelationID())

	clientIP, clientPort := splitHostPort(r.RemoteAddr)
	reqHeaders := headersFromHTTP(r.Header)

	hdrOutcome, err := session.RunRequestHeaders(r.Context(), protocol.RequestHeadersEvent{
		Metadata: protocol.RequestMetadata{
			ClientIP:   clientIP,
			ClientPort: clientPort,
			ServerName: r.Host,
			Protocol:   r.Proto,
			RouteID:    route.ID,
			UpstreamID: route.UpstreamID,
		},
		Method:  r.Method,
		URI:     r.URL.RequestURI(),
		Headers: reqHeaders,
	})
	if err != nil || hdrOutcome.Terminated {
		h.writeTerminal(w, hdrOutcome, route.ID, start, session)
		return
	}
	reqHeaders = hdrOutcome.Headers

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed reading request body", http.StatusBadGateway)
		session.CancelAll("body read error")
		return
	}
	chunk, bodyOutcome, err := session.RunRequestBodyChunk(r.Context(), protocol.BodyChunkEvent{IsLast: true, Data: body})
	if err != nil || bodyOutcome.Terminated {
		h.writeTerminal(w, bodyOutcome, route.ID, start, session)
		return
	}

	upstream, ok := c.upstreams[route.UpstreamID]
	if !ok || len(upstream.Targets) == 0 {
		http.Error(w, "no upstream target configured", http.StatusBadGateway)
		session.CancelAll("no upstream target")
		return
	}
	target := h.pickTarget(upstream)

	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, target+r.URL.RequestURI(), bytes.NewReader(chunk.Data))
	if err != nil {
		http.Error(w, "failed building upstream request", http.StatusBadGateway)
		session.CancelAll("upstream request build error")
		return
	}
	applyHTTPHeaders(upReq.Header, reqHeaders)

	upResp, err := h.httpClient.Do(upReq)
	if err != nil {
		h.reqCounts.Count(route.ID, "upstream_error")
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		session.CancelAll("upstream dispatch error")
		return
	}
	defer upResp.Body.Close()

	respHeaders := headersFromHTTP(upResp.Header)
	respOutcome, err := session.RunResponseHeaders(r.Context(), protocol.ResponseHeadersEvent{
		Status:  uint16(upResp.StatusCode),
		Headers: respHeaders,
	})
	if err != nil || respOutcome.Terminated {
		h.writeTerminal(w, respOutcome, route.ID, start, session)
		return
	}
	respHeaders = respOutcome.Headers

	respBody, err := io.ReadAll(upResp.Body)
	if err != nil {
		http.Error(w, "failed reading upstream response", http.StatusBadGateway)
		session.CancelAll("response read error")
		return
	}
	respChunk, respBodyOutcome, err := session.RunResponseBodyChunk(r.Context(), protocol.BodyChunkEvent{IsLast: true, Data: respBody})
	if err != nil || respBodyOutcome.Terminated {
		h.writeTerminal(w, respBodyOutcome, route.ID, start, session)
		return
	}

	applyHTTPHeaders(w.Header(), respHeaders)
	h.writeShapedResponse(w, r, upResp.StatusCode, respHeaders, respChunk.Data)

	session.Complete(r.Context(), protocol.RequestCompleteEvent{
		Status:           uint16(upResp.StatusCode),
		DurationMS:       uint64(time.Since(start).Milliseconds()),
		RequestBodySize:  uint64(len(body)),
		ResponseBodySize: uint64(len(respBody)),
	})
	h.reqCounts.Count(route.ID, "allow")
	h.writeAudit(route.ID, "allow", upResp.StatusCode, start)
}

func (h *proxyHandler) writeTerminal(w http.ResponseWriter, outcome pipeline.Outcome, routeID string, start time.Time, session *pipeline.Session) {
	dec := outcome.Decision
	status := int(dec.BlockStatus)
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	if dec.HasBlockBody {
		w.Write([]byte(dec.BlockBody)) //nolint:errcheck
	}
	session.Complete(context.Background(), protocol.RequestCompleteEvent{
		Status:     uint16(status),
		DurationMS: uint64(time.Since(start).Milliseconds()),
	})
	h.reqCounts.Count(routeID, "block")
	h.writeAudit(routeID, "block", status, start)
}

// writeShapedResponse applies conditional-request short-circuiting,
// single-range partial content, and content-encoding negotiation before
// the filtered response reaches the client, the response-shaping layer
// a real reverse proxy sits between the upstream and the wire.
func (h *proxyHandler) writeShapedResponse(w http.ResponseWriter, r *http.Request, status int, headers protocol.Headers, body []byte) {
	etag := firstHeader(headers, "Etag")
	var lastModified time.Time
	if lm := firstHeader(headers, "Last-Modified"); lm != "" {
		lastModified, _ = http.ParseTime(lm)
	}

	cond := rangeutil.ConditionalRequest{
		IfNoneMatch:     r.Header.Get("If-None-Match"),
		IfModifiedSince: r.Header.Get("If-Modified-Since"),
		IfRange:         r.Header.Get("If-Range"),
	}
	if (cond.IfNoneMatch != "" || cond.IfModifiedSince != "") && rangeutil.EvaluateConditional(cond, etag, lastModified) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" && rangeutil.IfRangeSatisfied(cond.IfRange, etag, lastModified) {
		if ranges, err := rangeutil.ParseRange(rangeHeader, int64(len(body))); err == nil && len(ranges) == 1 {
			rg := ranges[0]
			w.Header().Set("Content-Range", rangeutil.ContentRangeHeader(rg, int64(len(body))))
			w.Header().Set("Content-Length", strconv.FormatInt(rg.Length(), 10))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(body[rg.Start : rg.End+1])
			return
		}
	}

	if w.Header().Get("Content-Encoding") == "" {
		if enc := h.negotiator.Negotiate(r.Header.Get("Accept-Encoding")); enc != nil {
			w.Header().Set("Content-Encoding", enc.Name())
			w.Header().Del("Content-Length")
			w.WriteHeader(status)
			cw, err := enc.NewWriter(w)
			if err == nil {
				_, _ = cw.Write(body)
				_ = cw.Close()
				return
			}
			w.Header().Del("Content-Encoding")
		}
	}

	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func firstHeader(headers protocol.Headers, name string) string {
	vals := headers.Get(name)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (h *proxyHandler) writeAudit(routeID, decision string, status int, start time.Time) {
	if h.audit == nil {
		return
	}
	_ = h.audit.Write(context.Background(), audit.Record{
		RouteID:    routeID,
		Decision:   decision,
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
		RecordedAt: time.Now(),
	})
}

func (h *proxyHandler) pickTarget(u config.UpstreamConfig) string {
	idx := h.rrCounter.Add(1)
	return u.Targets[int(idx)%len(u.Targets)]
}

// matchRoute picks the route bound to listenerID whose path_prefix is
// the longest match for path, the same longest-prefix-wins convention
// most of the retrieved corpus's HTTP routers use.
func matchRoute(c *composition, listenerID, path string) (config.RouteConfig, bool) {
	var best config.RouteConfig
	found := false
	for _, r := range c.routes {
		if r.ListenerID != listenerID {
			continue
		}
		if !strings.HasPrefix(path, r.PathPrefix) {
			continue
		}
		if !found || len(r.PathPrefix) > len(best.PathPrefix) {
			best = r
			found = true
		}
	}
	return best, found
}

func splitHostPort(addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	var port uint16
	for _, ch := range portStr {
		if ch < '0' || ch > '9' {
			return host, 0
		}
		port = port*10 + uint16(ch-'0')
	}
	return host, port
}

func headersFromHTTP(h http.Header) protocol.Headers {
	out := make(protocol.Headers, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, protocol.Header{Name: name, Value: v})
		}
	}
	return out
}

func applyHTTPHeaders(dst http.Header, h protocol.Headers) {
	for _, kv := range h {
		dst.Add(kv.Name, kv.Value)
	}
}
