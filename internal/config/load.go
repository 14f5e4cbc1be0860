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

package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load reads configuration from path (and the SENTINEL_ prefixed
// environment, which always wins over the file) and validates it.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch reads path and calls onChange with every subsequently reloaded,
// re-validated Config whenever the file changes on disk. Invalid
// reloads are reported through onError and the previous Config stays
// active.
func Watch(path string, onChange func(*Config), onError func(error)) (stop func(), err error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			onError(fmt.Errorf("unmarshal reloaded config: %w", err))
			return
		}
		if err := Validate(&cfg); err != nil {
			onError(err)
			return
		}
		onChange(&cfg)
	})
	v.WatchConfig()
	return func() {}, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SENTINEL")
	v.AutomaticEnv()

	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.drain_deadline", 30*time.Second)
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("buffering.max_buffer_bytes", 4*1024*1024)
	v.SetDefault("geo.mode", "block")
	v.SetDefault("geo.cache_ttl", 10*time.Minute)
	v.SetDefault("fpe.key_env_var", "SENTINEL_FPE_KEY")

	return v
}
