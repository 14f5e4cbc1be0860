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

// Package config defines the proxy's declarative configuration shape
// and loads/validates it via spf13/viper, the teacher repo's nearest
// relative having used plain flag.FlagSet for its small demo binaries;
// viper is adopted here (grounded on the rest of the retrieved example
// pack's CLI services) because the spec's config surface is large enough
// to need layered file/env/flag precedence and live hot-reload off a
// file watch, which flag alone cannot do.
package config

import "time"

// Config is the root of the proxy's declarative configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Listeners []ListenerConfig `mapstructure:"listeners"`
	Upstreams []UpstreamConfig `mapstructure:"upstreams"`
	Routes    []RouteConfig    `mapstructure:"routes"`
	Filters   FiltersConfig    `mapstructure:"filters"`
	FPE       FPEConfig        `mapstructure:"fpe"`
	Buffering BufferingConfig  `mapstructure:"buffering"`
	Masking   MaskingConfig    `mapstructure:"masking"`
	Geo       GeoConfig        `mapstructure:"geo"`
}

// ServerConfig tunes process-wide behavior.
type ServerConfig struct {
	LogLevel        string        `mapstructure:"log_level"`
	DrainDeadline   time.Duration `mapstructure:"drain_deadline"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ACMEDirectoryURL string       `mapstructure:"acme_directory_url"`
	ACMEEmail       string        `mapstructure:"acme_email"`
	CertStoreDir    string        `mapstructure:"cert_store_dir"`
}

// ListenerConfig is one network listener the proxy accepts client
// connections on.
type ListenerConfig struct {
	ID       string `mapstructure:"id"`
	Address  string `mapstructure:"address"`
	TLS      bool   `mapstructure:"tls"`
	ACMEDomains []string `mapstructure:"acme_domains"`
}

// UpstreamConfig is one backend the proxy can forward to.
type UpstreamConfig struct {
	ID      string   `mapstructure:"id"`
	Targets []string `mapstructure:"targets"`
}

// FilterSpec is one entry of the §6.3 `filters{id -> spec}` map: the
// transport locus and pool shape for a single named external agent.
// Built-in in-process filters (masking, geo) are named the same way but
// carry no transport; the pipeline recognizes them by Kind instead of
// dialing a pool.
type FilterSpec struct {
	ID            string        `mapstructure:"id"`
	Kind          string        `mapstructure:"kind"` // "agent" | "masking" | "geo"
	Transport     string        `mapstructure:"transport"` // "uds" | "grpc" | "reverse"
	Address       string        `mapstructure:"address"`
	GRPCMethod    string        `mapstructure:"grpc_method"` // full "/service/method" path, grpc transport only
	Strategy      string        `mapstructure:"strategy"` // "round_robin" | "least_connections" | "health_based" | "random"
	MinPoolSize   int           `mapstructure:"min_pool_size"`
	MaxPoolSize   int           `mapstructure:"max_pool_size"`
	EventTimeout  time.Duration `mapstructure:"event_timeout"`
	FailurePolicy string        `mapstructure:"failure_policy"` // "fail_open" | "fail_closed"
}

// RouteConfig binds a listener+path match to an upstream and an ordered
// list of filter ids, resolved against FiltersConfig.Specs at startup.
type RouteConfig struct {
	ID         string   `mapstructure:"id"`
	ListenerID string   `mapstructure:"listener_id"`
	PathPrefix string   `mapstructure:"path_prefix"`
	UpstreamID string   `mapstructure:"upstream_id"`
	Filters    []string `mapstructure:"filters"`
}

// FiltersConfig declares the proxy-wide named filter set routes select
// from by id, per §6.3's `filters{id -> spec}` table.
type FiltersConfig struct {
	Specs []FilterSpec `mapstructure:"specs"`
}

// FPEConfig configures the format-preserving encryption cipher.
type FPEConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	KeyEnvVar  string `mapstructure:"key_env_var"`
}

// BufferingConfig tunes the shared buffer pool and masking's streaming
// buffer cap.
type BufferingConfig struct {
	MaxBufferBytes int `mapstructure:"max_buffer_bytes"`
}

// PatternConfig declares one masking pattern-detection rule.
type PatternConfig struct {
	Kind      string `mapstructure:"kind"` // "credit_card" | "email" | "ssn" | "custom"
	Regex     string `mapstructure:"regex"`
	Action    string `mapstructure:"action"`    // "tokenize" | "fpe" | "char_mask" | "redact" | "hash"
	Direction string `mapstructure:"direction"` // "request" | "response" | "both"
}

// FieldMaskConfig declares one path-scoped masking field rule.
type FieldMaskConfig struct {
	Path      string `mapstructure:"path"`
	Action    string `mapstructure:"action"`
	Direction string `mapstructure:"direction"`
	Priority  int    `mapstructure:"priority"`
	MaskChar  string `mapstructure:"mask_char"`
	Keep      int    `mapstructure:"keep"`
}

// MaskingConfig is the §6.3 `patterns` section plus the field-rule table
// the masking engine (C10) compiles at startup: built-in pattern
// toggles, custom patterns, and explicit path-scoped field rules.
type MaskingConfig struct {
	Builtins struct {
		CreditCard string `mapstructure:"credit_card"` // "" (off) | action name
		SSN        string `mapstructure:"ssn"`
		Email      string `mapstructure:"email"`
		Phone      string `mapstructure:"phone"`
	} `mapstructure:"builtins"`
	Custom     []PatternConfig   `mapstructure:"custom"`
	FieldRules []FieldMaskConfig `mapstructure:"field_rules"`
}

// GeoConfig configures the geo IP filter.
type GeoConfig struct {
	Mode      string        `mapstructure:"mode"` // "block" | "allow" | "log_only"
	Countries []string      `mapstructure:"countries"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	FailOpen  bool          `mapstructure:"fail_open"`
	DatabasePath string     `mapstructure:"database_path"`
}
