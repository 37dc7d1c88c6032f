// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxy implements the request-forwarding engine: client
// authorization, credential rotation, conditional-GET caching and the
// header-filtering forward step.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/abcxyz/github-proxy/config"
	"github.com/abcxyz/github-proxy/credentials"
	"github.com/abcxyz/github-proxy/ratelimit"
	"github.com/abcxyz/github-proxy/respcache"
	"github.com/abcxyz/github-proxy/telemetry"
)

// ErrAllCredentialsRateLimited is returned when every configured credential
// was skipped or rejected for quota exhaustion. Operators should treat this
// as a paging signal: the fleet's combined budget is gone.
var ErrAllCredentialsRateLimited = errors.New("all configured credentials are rate limited")

// ErrUpstreamFailure wraps network errors and timeouts against GitHub. A
// failed attempt terminates the request rather than rotating to the next
// credential: transient upstream errors are not quota exhaustion, and
// retrying them with a fresh credential would burn budget while hiding the
// outage.
var ErrUpstreamFailure = errors.New("upstream request failed")

// Proxy multiplexes proxy clients onto the configured GitHub credentials. It
// is safe for concurrent use; construct one per process so the upstream
// connection pool is shared.
type Proxy struct {
	apiURL string

	// httpClient is the single shared connection pool for upstream traffic.
	// Cookies are shared across proxy clients; the GitHub REST API uses none.
	httpClient *http.Client

	respCache   respcache.Backend
	rateLimited *ratelimit.Map
	creds       *credentials.Source
	registry    *config.Registry
	tel         telemetry.Sink
}

// Option is a function that provides an option to the Proxy creation.
type Option func(p *Proxy) *Proxy

// WithTelemetry installs a telemetry sink. The default drops all telemetry.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(p *Proxy) *Proxy {
		p.tel = sink
		return p
	}
}

// WithBackend overrides the response cache backend chosen from the
// configuration.
func WithBackend(b respcache.Backend) Option {
	return func(p *Proxy) *Proxy {
		p.respCache = b
		return p
	}
}

// WithHTTPClient overrides the shared upstream http client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Proxy) *Proxy {
		p.httpClient = client
		return p
	}
}

// New builds a Proxy from the loaded configuration and client registry.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*Proxy, error) {
	p := &Proxy{
		apiURL:   strings.TrimSuffix(cfg.GitHubAPIURL, "/"),
		registry: registry,
		tel:      telemetry.Noop{},
	}

	for _, opt := range opts {
		p = opt(p)
	}

	if p.httpClient == nil {
		p.httpClient = &http.Client{
			Timeout: cfg.UpstreamTimeout,
		}
	}

	if p.respCache == nil {
		backend, err := respcache.New(ctx, cfg.CacheBackendURL, cfg.CacheTTL())
		if err != nil {
			return nil, fmt.Errorf("failed to create response cache: %w", err)
		}
		p.respCache = backend
	}

	apps := make([]*credentials.App, 0, len(cfg.Apps))
	for _, entry := range cfg.Apps {
		app, err := credentials.NewApp(entry.Name, entry.ID, entry.InstallationID, entry.PEM,
			credentials.WithAccessTokenURLPattern(cfg.AccessTokenURLPattern()),
			credentials.WithHTTPClient(p.httpClient))
		if err != nil {
			return nil, fmt.Errorf("failed to create app %q: %w", entry.Name, err)
		}
		apps = append(apps, app)
	}

	p.creds = credentials.NewSource(apps, cfg.PATs, cfg.CredsCacheMaxSize, cfg.CredsCachePadding())
	p.rateLimited = ratelimit.NewMap(cfg.CredsCacheMaxSize, cfg.CredsCachePadding())

	return p, nil
}

// Stop releases the proxy's caches and, when the backend supports it, its
// connection to the remote store.
func (p *Proxy) Stop() {
	p.creds.Stop()
	p.rateLimited.Stop()

	switch b := p.respCache.(type) {
	case *respcache.InMemory:
		b.Stop()
	case io.Closer:
		_ = b.Close()
	}
}

// Authorize returns the client name for the inbound request iff its bearer
// token is registered and one of the client's scopes admits the request.
func (p *Proxy) Authorize(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "token") {
		return "", false
	}

	return p.registry.Authorize(strings.TrimSpace(token), r.Method, r.URL.Path)
}
