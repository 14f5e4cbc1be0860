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
	"os"
	"regexp"
)

// Validate checks cfg for internal consistency: duplicate IDs, dangling
// references between routes/listeners/upstreams/filters, TLS listeners
// without acme_domains or without server.cert_store_dir, uncompilable
// pattern regexes, and a geo database_path that does not exist. It
// returns the first problem found and never contacts the network.
func Validate(cfg *Config) error {
	listenerIDs := make(map[string]ListenerConfig, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		if _, dup := listenerIDs[l.ID]; dup {
			return fmt.Errorf("duplicate listener id %q", l.ID)
		}
		listenerIDs[l.ID] = l
		if l.TLS && len(l.ACMEDomains) == 0 {
			return fmt.Errorf("listener %q enables tls but declares no acme_domains", l.ID)
		}
	}

	upstreamIDs := make(map[string]struct{}, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		if _, dup := upstreamIDs[u.ID]; dup {
			return fmt.Errorf("duplicate upstream id %q", u.ID)
		}
		if len(u.Targets) == 0 {
			return fmt.Errorf("upstream %q declares no targets", u.ID)
		}
		upstreamIDs[u.ID] = struct{}{}
	}

	filterSpecs := make(map[string]FilterSpec, len(cfg.Filters.Specs))
	for _, f := range cfg.Filters.Specs {
		if _, dup := filterSpecs[f.ID]; dup {
			return fmt.Errorf("duplicate filter id %q", f.ID)
		}
		if err := validateFilterSpec(f); err != nil {
			return err
		}
		filterSpecs[f.ID] = f
	}

	routeIDs := make(map[string]struct{}, len(cfg.Routes))
	for _, r := range cfg.Routes {
		if _, dup := routeIDs[r.ID]; dup {
			return fmt.Errorf("duplicate route id %q", r.ID)
		}
		routeIDs[r.ID] = struct{}{}

		if _, ok := listenerIDs[r.ListenerID]; !ok {
			return fmt.Errorf("route %q references unknown listener %q", r.ID, r.ListenerID)
		}
		if _, ok := upstreamIDs[r.UpstreamID]; !ok {
			return fmt.Errorf("route %q references unknown upstream %q", r.ID, r.UpstreamID)
		}
		for _, fid := range r.Filters {
			if _, ok := filterSpecs[fid]; !ok {
				return fmt.Errorf("route %q references unknown filter %q", r.ID, fid)
			}
		}
	}

	for _, l := range cfg.Listeners {
		if !l.TLS {
			continue
		}
		if cfg.Server.CertStoreDir == "" {
			return fmt.Errorf("listener %q enables tls but server.cert_store_dir is unset", l.ID)
		}
	}

	for i, p := range cfg.Masking.Custom {
		if p.Regex == "" {
			continue
		}
		if _, err := regexp.Compile(p.Regex); err != nil {
			return fmt.Errorf("masking.custom[%d]: invalid regex %q: %w", i, p.Regex, err)
		}
	}

	if cfg.Geo.DatabasePath != "" {
		if _, err := os.Stat(cfg.Geo.DatabasePath); err != nil {
			return fmt.Errorf("geo.database_path %q: %w", cfg.Geo.DatabasePath, err)
		}
	}

	return nil
}

func validateFilterSpec(f FilterSpec) error {
	switch f.Kind {
	case "", "agent":
		switch f.Transport {
		case "uds", "grpc", "reverse":
		default:
			return fmt.Errorf("filter %q: unknown agent transport %q", f.ID, f.Transport)
		}
		if f.Transport != "reverse" && f.Address == "" {
			return fmt.Errorf("filter %q: agent transport %q requires an address", f.ID, f.Transport)
		}
		if f.MinPoolSize < 0 || f.MaxPoolSize < f.MinPoolSize {
			return fmt.Errorf("filter %q: invalid pool size bounds [%d,%d]", f.ID, f.MinPoolSize, f.MaxPoolSize)
		}
	case "masking", "geo":
		// In-process filters carry no transport; pool bounds don't apply.
	default:
		return fmt.Errorf("filter %q: unknown kind %q", f.ID, f.Kind)
	}
	switch f.Strategy {
	case "", "round_robin", "least_connections", "health_based", "random":
	default:
		return fmt.Errorf("filter %q: unknown load balancing strategy %q", f.ID, f.Strategy)
	}
	switch f.FailurePolicy {
	case "", "fail_open", "fail_closed":
	default:
		return fmt.Errorf("filter %q: unknown failure policy %q", f.ID, f.FailurePolicy)
	}
	return nil
}
