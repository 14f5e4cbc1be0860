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
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinelproxy/sentinelproxy/internal/agent"
	"github.com/sentinelproxy/sentinelproxy/internal/breaker"
	"github.com/sentinelproxy/sentinelproxy/internal/config"
	"github.com/sentinelproxy/sentinelproxy/internal/fpe"
	"github.com/sentinelproxy/sentinelproxy/internal/geo"
	"github.com/sentinelproxy/sentinelproxy/internal/masking"
	"github.com/sentinelproxy/sentinelproxy/internal/pipeline"
	"github.com/sentinelproxy/sentinelproxy/internal/protocol"
	"github.com/sentinelproxy/sentinelproxy/internal/token"
)

// composition is everything build() assembles from one validated Config:
// the runtime objects a server generation needs and nothing it doesn't,
// so swapping to a new generation on reload is just building a new one
// of these and handing it to the reload coordinator.
type composition struct {
	cfg       *config.Config
	registry  *agent.Registry
	tokens    *token.Store
	pipelines map[string]*pipeline.Pipeline // route id -> pipeline
	routes    map[string]config.RouteConfig
	listeners map[string]config.ListenerConfig
	upstreams map[string]config.UpstreamConfig
}

// build wires one generation's runtime objects from cfg. It creates the
// agent pools but does not dial them: each pool's maintenance loop makes
// the first dial on its first tick.
func build(cfg *config.Config, log zerolog.Logger) (*composition, error) {
	tokens := token.New(token.DefaultConfig())

	var cipher fpe.Cipher
	if cfg.FPE.Enabled {
		key := os.Getenv(cfg.FPE.KeyEnvVar)
		c, err := fpe.NewFeistelCipher(key)
		if err != nil {
			return nil, fmt.Errorf("fpe: %w", err)
		}
		cipher = c
	}

	geoFilter, err := buildGeoFilter(cfg.Geo)
	if err != nil {
		return nil, fmt.Errorf("geo: %w", err)
	}
	maskEngine := buildMaskingEngine(cfg.Masking, cfg.Buffering, tokens, cipher)

	registry := agent.NewRegistry()
	filtersByID := make(map[string]pipeline.Filter, len(cfg.Filters.Specs))
	for _, spec := range cfg.Filters.Specs {
		f, err := buildFilter(spec, registry, geoFilter, maskEngine, log)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", spec.ID, err)
		}
		filtersByID[spec.ID] = f
	}

	pipelines := make(map[string]*pipeline.Pipeline, len(cfg.Routes))
	for _, r := range cfg.Routes {
		chain := make([]pipeline.Filter, 0, len(r.Filters))
		for _, fid := range r.Filters {
			chain = append(chain, filtersByID[fid])
		}
		pipelines[r.ID] = pipeline.New(chain, tokens)
	}

	routes := make(map[string]config.RouteConfig, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes[r.ID] = r
	}
	listeners := make(map[string]config.ListenerConfig, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		listeners[l.ID] = l
	}
	upstreams := make(map[string]config.UpstreamConfig, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		upstreams[u.ID] = u
	}

	return &composition{
		cfg:       cfg,
		registry:  registry,
		tokens:    tokens,
		pipelines: pipelines,
		routes:    routes,
		listeners: listeners,
		upstreams: upstreams,
	}, nil
}

// stop tears down everything build() started: draining agent pools and
// halting the token store sweeper. Safe to call on a composition that
// never fully finished dialing.
func (c *composition) stop() {
	if c.registry != nil {
		c.registry.DrainAll()
	}
	if c.tokens != nil {
		c.tokens.Stop()
	}
}

func failurePolicyOf(s string) pipeline.FailurePolicy {
	if s == "fail_closed" {
		return pipeline.FailClosed
	}
	return pipeline.FailOpen
}

func strategyOf(s string) agent.Strategy {
	switch s {
	case "least_connections":
		return agent.LeastConnections
	case "health_based":
		return agent.HealthBased
	case "random":
		return agent.Random
	default:
		return agent.RoundRobin
	}
}

// buildFilter realizes one §6.3 filter spec as a pipeline.Filter, dialing
// an agent.Pool for Kind "agent" (registered in registry so the pool can
// be looked up, drained, and replaced independent of the route that
// references it) or wrapping the shared in-process geo/masking engine.
func buildFilter(spec config.FilterSpec, registry *agent.Registry, geoFilter *geo.Filter, maskEngine *masking.Engine, log zerolog.Logger) (pipeline.Filter, error) {
	policy := failurePolicyOf(spec.FailurePolicy)

	switch spec.Kind {
	case "geo":
		if geoFilter == nil {
			return nil, fmt.Errorf("geo filter requested but geo.database_path is unset")
		}
		return pipeline.NewGeoFilter(spec.ID, geoFilter, policy, true, 403, "request blocked by geo policy"), nil
	case "masking":
		maxBytes := 0
		return pipeline.NewMaskingFilter(spec.ID, maskEngine, policy, maxBytes), nil
	default: // "" or "agent"
		pool := dialPool(spec, log)
		registry.Register(spec.ID, pool)
		timeout := spec.EventTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		return pipeline.NewAgentFilter(spec.ID, pool, timeout, policy), nil
	}
}

func dialPool(spec config.FilterSpec, log zerolog.Logger) *agent.Pool {
	var dialFunc func(ctx context.Context) (agent.Transport, error)
	method := spec.GRPCMethod
	if method == "" {
		method = "/sentinelproxy.agent.v1.AgentTransport/Stream"
	}
	switch spec.Transport {
	case "grpc":
		addr := spec.Address
		dialFunc = func(ctx context.Context) (agent.Transport, error) {
			return agent.DialGRPC(ctx, addr, method)
		}
	case "reverse":
		dialFunc = nil // members arrive via Pool.AddReverse instead
	default: // "uds"
		path := spec.Address
		dialFunc = func(ctx context.Context) (agent.Transport, error) {
			return agent.DialUDS(path)
		}
	}

	minSize, maxSize := spec.MinPoolSize, spec.MaxPoolSize
	if maxSize <= 0 {
		maxSize = minSize
	}
	return agent.NewPool(agent.PoolConfig{
		Strategy: strategyOf(spec.Strategy),
		DialFunc: dialFunc,
		HandshakeReq: protocol.HandshakeRequest{
			SupportedVersions: []uint32{1},
			ProxyID:           "sentinelproxy",
			ProxyVersion:      "dev",
		},
		ClientConfig: agent.ClientConfig{
			ID:               spec.ID,
			MaxFrameSize:     16 << 20,
			HandshakeTimeout: 5 * time.Second,
			CallTimeout:      2 * time.Second,
			BreakerConfig:    breaker.DefaultConfig(),
		},
		MinSize:       minSize,
		MaxSize:       maxSize,
		MaintainEvery: 10 * time.Second,
		DrainDeadline: 10 * time.Second,
	})
}

func buildGeoFilter(cfg config.GeoConfig) (*geo.Filter, error) {
	if cfg.DatabasePath == "" {
		return nil, nil
	}
	ranges, err := loadGeoRanges(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	gcfg := geo.DefaultConfig()
	switch cfg.Mode {
	case "allow":
		gcfg.Mode = geo.ModeAllow
	case "log_only":
		gcfg.Mode = geo.ModeLogOnly
	default:
		gcfg.Mode = geo.ModeBlock
	}
	gcfg.Countries = make(map[string]struct{}, len(cfg.Countries))
	for _, c := range cfg.Countries {
		gcfg.Countries[c] = struct{}{}
	}
	if cfg.CacheTTL > 0 {
		gcfg.CacheTTL = cfg.CacheTTL
	}
	gcfg.FailOpen = cfg.FailOpen
	return geo.NewFilter(gcfg, geo.NewStaticDatabase(ranges)), nil
}

// geoRangeFile is the on-disk JSON shape for a StaticDatabase: a flat
// list of CIDR-to-country entries, the format a small deployment ships
// its own geo table in rather than calling a hosted lookup service.
type geoRangeFile struct {
	CIDR    string `json:"cidr"`
	Country string `json:"country"`
}

func loadGeoRanges(path string) ([]geo.CIDRRange, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []geoRangeFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	out := make([]geo.CIDRRange, 0, len(entries))
	for _, e := range entries {
		prefix, err := netip.ParsePrefix(e.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", e.CIDR, err)
		}
		out = append(out, geo.CIDRRange{Prefix: prefix, Country: e.Country})
	}
	return out, nil
}

func buildMaskingEngine(cfg config.MaskingConfig, buf config.BufferingConfig, tokens *token.Store, cipher fpe.Cipher) *masking.Engine {
	mcfg := masking.Config{MaxBufferBytes: buf.MaxBufferBytes}

	if cfg.Builtins.CreditCard != "" {
		mcfg.PatternRules = append(mcfg.PatternRules, masking.BuiltinCreditCardPattern(actionOf(cfg.Builtins.CreditCard), masking.DirectionBoth))
	}
	if cfg.Builtins.SSN != "" {
		mcfg.PatternRules = append(mcfg.PatternRules, masking.BuiltinSSNPattern(actionOf(cfg.Builtins.SSN), masking.DirectionBoth))
	}
	if cfg.Builtins.Email != "" {
		mcfg.PatternRules = append(mcfg.PatternRules, masking.BuiltinEmailPattern(actionOf(cfg.Builtins.Email), masking.DirectionBoth))
	}
	for _, p := range cfg.Custom {
		// Regex compiles cleanly here: config.Validate already rejected
		// the config if it didn't.
		mcfg.PatternRules = append(mcfg.PatternRules, masking.PatternRule{
			Kind:      masking.PatternCustom,
			Regex:     regexp.MustCompile(p.Regex),
			Action:    actionOf(p.Action),
			Direction: directionOf(p.Direction),
		})
	}
	for _, f := range cfg.FieldRules {
		mcfg.FieldRules = append(mcfg.FieldRules, masking.FieldRule{
			Path:      f.Path,
			Action:    actionOf(f.Action),
			Direction: directionOf(f.Direction),
			Priority:  f.Priority,
			MaskChar:  maskCharOf(f.MaskChar),
			Keep:      f.Keep,
		})
	}
	return masking.NewEngine(mcfg, tokens, cipher)
}

func actionOf(s string) masking.Action {
	switch s {
	case "fpe":
		return masking.ActionFPE
	case "char_mask":
		return masking.ActionCharMask
	case "redact":
		return masking.ActionRedact
	case "hash":
		return masking.ActionHash
	default:
		return masking.ActionTokenize
	}
}

func directionOf(s string) masking.Direction {
	switch s {
	case "request":
		return masking.DirectionRequest
	case "response":
		return masking.DirectionResponse
	default:
		return masking.DirectionBoth
	}
}

func maskCharOf(s string) byte {
	if s == "" {
		return '*'
	}
	return s[0]
}

