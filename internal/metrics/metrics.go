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

// Package metrics exposes the proxy's Prometheus surface: request
// counters, agent dispatch latency histograms, circuit breaker state
// gauges, and pool size gauges. Metric construction and registration
// follows the teacher's telemetry/churn package (global collectors,
// registered once in init, served through promhttp).
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelproxy/sentinelproxy/internal/coalesce"
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinelproxy_requests_total",
		Help: "Total requests processed by route and final decision.",
	}, []string{"route", "decision"})

	AgentDispatchSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinelproxy_agent_dispatch_seconds",
		Help:    "Latency of one agent event dispatch round trip.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"agent_id", "event"})

	AgentDispatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinelproxy_agent_dispatch_errors_total",
		Help: "Total agent dispatch failures by kind.",
	}, []string{"agent_id", "kind"})

	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinelproxy_circuit_breaker_state",
		Help: "Circuit breaker state per agent (0=closed,1=open,2=half_open).",
	}, []string{"agent_id"})

	PoolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinelproxy_pool_size",
		Help: "Current number of live connections in an agent pool.",
	}, []string{"agent_id"})

	TokenStoreSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinelproxy_token_store_size",
		Help: "Current number of live tokens in the token store.",
	})

	ReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinelproxy_config_reloads_total",
		Help: "Total configuration reloads by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		AgentDispatchSeconds,
		AgentDispatchErrors,
		CircuitBreakerState,
		PoolSize,
		TokenStoreSize,
		ReloadsTotal,
	)
}

// ObserveDispatch records one agent dispatch's outcome and latency.
func ObserveDispatch(agentID, event string, start time.Time, errKind string) {
	AgentDispatchSeconds.WithLabelValues(agentID, event).Observe(time.Since(start).Seconds())
	if errKind != "" {
		AgentDispatchErrors.WithLabelValues(agentID, errKind).Inc()
	}
}

// Handler returns the HTTP handler that serves the registry in the
// Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RequestCoalescer batches per-route, per-decision request counts in
// memory and only touches the Prometheus counter once a batch's
// magnitude crosses the high watermark, so a busy route doesn't pay a
// CounterVec lookup and atomic add on every single request.
type RequestCoalescer struct {
	registry  *coalesce.Registry
	high, low int64
}

// NewRequestCoalescer builds a RequestCoalescer with the given flush
// hysteresis thresholds.
func NewRequestCoalescer(high, low int64) *RequestCoalescer {
	return &RequestCoalescer{registry: coalesce.NewRegistry(), high: high, low: low}
}

// Count records one request outcome for routeID/decision, flushing to
// RequestsTotal immediately if this observation crosses the watermark.
func (c *RequestCoalescer) Count(routeID, decision string) {
	key := routeID + "|" + decision
	counter := c.registry.GetOrCreate(key)
	counter.Add(1)
	c.flushKey(key, counter)
}

func (c *RequestCoalescer) flushKey(key string, counter *coalesce.Counter) {
	should, pending := counter.ShouldFlush(c.high, c.low)
	if !should {
		return
	}
	route, decision, ok := strings.Cut(key, "|")
	if !ok {
		return
	}
	RequestsTotal.WithLabelValues(route, decision).Add(float64(pending))
	counter.Flush(pending)
}

// Flush forces every counter holding a nonzero pending delta out to
// RequestsTotal regardless of watermark, for use on a shutdown or
// periodic safety-net tick so slow routes don't hide traffic forever.
func (c *RequestCoalescer) Flush() {
	c.registry.ForEach(func(key string, counter *coalesce.Counter) {
		_, pending := counter.Snapshot()
		if pending == 0 {
			return
		}
		route, decision, ok := strings.Cut(key, "|")
		if !ok {
			return
		}
		RequestsTotal.WithLabelValues(route, decision).Add(float64(pending))
		counter.Flush(pending)
	})
}
