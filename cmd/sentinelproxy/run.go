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
	"crypto/tls"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sentinelproxy/sentinelproxy/internal/audit"
	"github.com/sentinelproxy/sentinelproxy/internal/certstore"
	"github.com/sentinelproxy/sentinelproxy/internal/config"
	"github.com/sentinelproxy/sentinelproxy/internal/metrics"
	"github.com/sentinelproxy/sentinelproxy/internal/reload"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(flags)
		},
	}
}

func runServer(flags *globalFlags) error {
	log := newLogger(flags)
	path := resolveConfigPath(flags)

	cfg, err := config.Load(path)
	if err != nil {
		log.Error().Err(err).Str("config", path).Msg("failed to load configuration")
		return err
	}

	comp, err := build(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to build server composition")
		return err
	}

	coord := reload.New(comp, cfg.Server.DrainDeadline)
	coord.ListenOS()

	var certStore *certstore.Store
	if cfg.Server.CertStoreDir != "" {
		certStore, err = certstore.Open(cfg.Server.CertStoreDir)
		if err != nil {
			log.Error().Err(err).Msg("failed to open cert store")
			return err
		}
	}

	auditSink := audit.Sink(audit.NewMockSink())

	servers := make([]*http.Server, 0, len(cfg.Listeners))
	handlers := make([]*proxyHandler, 0, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		handler := newProxyHandler(l.ID, coord, auditSink, log)
		srv := &http.Server{Addr: l.Address, Handler: handler}
		if l.TLS && certStore != nil {
			srv.TLSConfig = &tls.Config{GetCertificate: certStore.GetCertificate}
		}
		servers = append(servers, srv)
		handlers = append(handlers, handler)
		go serveListener(srv, l, log)
	}

	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()

	flushTicker := time.NewTicker(5 * time.Second)
	defer flushTicker.Stop()
	flushDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-flushTicker.C:
				for _, h := range handlers {
					h.reqCounts.Flush()
				}
			case <-flushDone:
				return
			}
		}
	}()

	log.Info().Str("config", path).Int("listeners", len(servers)).Msg("sentinelproxy started")

	for sig := range coord.Signals() {
		switch sig {
		case reload.SignalReload:
			reloadConfig(path, coord, log)
		case reload.SignalShutdown:
			log.Info().Msg("shutting down")
			close(flushDone)
			shutdownAll(servers, metricsSrv, coord, log)
			for _, h := range handlers {
				h.reqCounts.Flush()
			}
			return nil
		}
	}
	return nil
}

func reloadConfig(path string, coord *reload.Coordinator, log zerolog.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		log.Error().Err(err).Msg("config reload failed, keeping previous generation")
		metrics.ReloadsTotal.WithLabelValues("invalid").Inc()
		return
	}
	next, err := build(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to build reloaded composition, keeping previous generation")
		metrics.ReloadsTotal.WithLabelValues("build_error").Inc()
		return
	}
	prev := coord.Current().(*composition)
	drained := coord.Swap(next)
	prev.stop()
	if !drained {
		log.Warn().Msg("reload swapped config before all in-flight requests drained")
		metrics.ReloadsTotal.WithLabelValues("swapped_undrained").Inc()
		return
	}
	metrics.ReloadsTotal.WithLabelValues("success").Inc()
	log.Info().Msg("configuration reloaded")
}

func serveListener(srv *http.Server, l config.ListenerConfig, log zerolog.Logger) {
	var err error
	if l.TLS {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Str("listener", l.ID).Msg("listener stopped unexpectedly")
	}
}

func shutdownAll(servers []*http.Server, metricsSrv *http.Server, coord *reload.Coordinator, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(ctx)
	}
	_ = metricsSrv.Shutdown(ctx)
	coord.Current().(*composition).stop()
	coord.Stop()
}
