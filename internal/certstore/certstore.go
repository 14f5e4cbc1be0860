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

// Package certstore persists per-domain certificates on disk, schedules
// renewal before expiry through a caller-supplied issue function, and
// provides an HTTP-01 challenge solver for acmez. Layout:
//
//	<base>/domains/<domain>/cert.pem
//	<base>/domains/<domain>/key.pem
//	<base>/domains/<domain>/meta.json
//
// ACME account state (account metadata, credentials) is not stored by
// this package.
package certstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mholt/acmez/v3"
	"github.com/mholt/acmez/v3/acme"

	"github.com/sentinelproxy/sentinelproxy/internal/errs"
)

// Meta is the per-domain bookkeeping persisted alongside a certificate.
type Meta struct {
	Domain     string    `json:"domain"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Serial     string    `json:"serial"`
}

// Store persists issued certificates under a base directory; it holds
// no ACME account state.
type Store struct {
	baseDir string

	mu    sync.RWMutex
	certs map[string]*tls.Certificate
	metas map[string]Meta
}

// Open loads any certificates already present under baseDir.
func Open(baseDir string) (*Store, error) {
	s := &Store{
		baseDir: baseDir,
		certs:   make(map[string]*tls.Certificate),
		metas:   make(map[string]Meta),
	}
	domainsDir := filepath.Join(baseDir, "domains")
	entries, err := os.ReadDir(domainsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errs.Wrap(errs.KindInvalidContent, "read domains dir", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := s.loadDomain(entry.Name()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) loadDomain(domain string) error {
	dir := filepath.Join(s.baseDir, "domains", domain)
	certPEM, err := os.ReadFile(filepath.Join(dir, "cert.pem"))
	if err != nil {
		return errs.Wrap(errs.KindInvalidContent, "read cert.pem", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, "key.pem"))
	if err != nil {
		return errs.Wrap(errs.KindInvalidContent, "read key.pem", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return errs.Wrap(errs.KindInvalidContent, "parse keypair", err)
	}
	var meta Meta
	if metaBytes, err := os.ReadFile(filepath.Join(dir, "meta.json")); err == nil {
		_ = json.Unmarshal(metaBytes, &meta)
	}
	s.mu.Lock()
	s.certs[domain] = &cert
	s.metas[domain] = meta
	s.mu.Unlock()
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate hook, serving
// the stored certificate for the requested SNI name.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certs[hello.ServerName]
	if !ok {
		return nil, errs.New(errs.KindInvalidContent, "no certificate for "+hello.ServerName)
	}
	return cert, nil
}

func (s *Store) save(domain string, cert *tls.Certificate, certPEM, keyPEM []byte, meta Meta) error {
	dir := filepath.Join(s.baseDir, "domains", domain)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errs.Wrap(errs.KindInvalidContent, "create domain dir", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cert.pem"), certPEM, 0o600); err != nil {
		return errs.Wrap(errs.KindInvalidContent, "write cert.pem", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "key.pem"), keyPEM, 0o600); err != nil {
		return errs.Wrap(errs.KindInvalidContent, "write key.pem", err)
	}
	metaBytes, _ := json.Marshal(meta)
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), metaBytes, 0o600); err != nil {
		return errs.Wrap(errs.KindInvalidContent, "write meta.json", err)
	}
	s.mu.Lock()
	s.certs[domain] = cert
	s.metas[domain] = meta
	s.mu.Unlock()
	return nil
}

// ExpiresWithin reports whether domain's certificate expires within d,
// or is absent entirely (treated as due).
func (s *Store) ExpiresWithin(domain string, d time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.metas[domain]
	if !ok {
		return true
	}
	return time.Until(meta.ExpiresAt) < d
}

// ChallengeManager satisfies acmez's Solver interface for HTTP-01
// challenges, handing token/key-authorization pairs to whatever HTTP
// handler serves /.well-known/acme-challenge/.
type ChallengeManager struct {
	mu      sync.Mutex
	tokens  map[string]string // token -> key authorization
}

// NewChallengeManager constructs an empty ChallengeManager.
func NewChallengeManager() *ChallengeManager {
	return &ChallengeManager{tokens: make(map[string]string)}
}

// Present implements acmez.Solver.
func (m *ChallengeManager) Present(ctx context.Context, chal acme.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[chal.Token] = chal.KeyAuthorization
	return nil
}

// CleanUp implements acmez.Solver.
func (m *ChallengeManager) CleanUp(ctx context.Context, chal acme.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, chal.Token)
	return nil
}

// KeyAuthorization looks up the key authorization for a token, for the
// HTTP handler serving the well-known challenge path.
func (m *ChallengeManager) KeyAuthorization(token string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.tokens[token]
	return v, ok
}

// RenewalScheduler periodically checks every configured domain's
// certificate against its renewal window and calls the issue function
// passed to Start for ones that are due. The acmez client given to
// NewRenewalScheduler is stored but not used by the scheduler.
type RenewalScheduler struct {
	store    *Store
	client   *acmez.Client
	domains  []string
	renewWithin time.Duration
	checkEvery  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRenewalScheduler constructs a scheduler over domains.
func NewRenewalScheduler(store *Store, client *acmez.Client, domains []string, renewWithin, checkEvery time.Duration) *RenewalScheduler {
	return &RenewalScheduler{
		store:       store,
		client:      client,
		domains:     domains,
		renewWithin: renewWithin,
		checkEvery:  checkEvery,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the renewal check loop.
func (r *RenewalScheduler) Start(issue func(ctx context.Context, domain string) (cert *tls.Certificate, certPEM, keyPEM []byte, err error)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.checkEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.checkAll(issue)
			case <-r.stopCh:
				return
			}
		}
	}()
}

func (r *RenewalScheduler) checkAll(issue func(ctx context.Context, domain string) (*tls.Certificate, []byte, []byte, error)) {
	for _, domain := range r.domains {
		if !r.store.ExpiresWithin(domain, r.renewWithin) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		cert, certPEM, keyPEM, err := issue(ctx, domain)
		cancel()
		if err != nil {
			continue
		}
		meta := Meta{Domain: domain, IssuedAt: time.Now(), ExpiresAt: cert.Leaf.NotAfter}
		_ = r.store.save(domain, cert, certPEM, keyPEM, meta)
	}
}

// Stop halts the renewal check loop.
func (r *RenewalScheduler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}
