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

package proxy

import (
	"context"
	"io"
	"net/http"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/github-proxy/respcache"
	"github.com/abcxyz/github-proxy/telemetry"
)

// CachedGet is the only entry point for safe reads. It looks the request up
// in the response cache, forwards a conditional request upstream, refreshes
// the cache from the answer and emits telemetry.
//
// A 304 from upstream returns the cached response verbatim, original headers
// included: the rate-limit headers a client observes on a collapsed hit are
// the values cached with the entry, not the current upstream ones.
func (p *Proxy) CachedGet(ctx context.Context, path string, r *http.Request, client string) (*respcache.Response, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}

	key := cacheKey(path, r)
	cached := p.cacheGet(ctx, key)

	if cached == nil {
		// Client-supplied conditional headers pass through on a cold cache,
		// so the stored response can be a 304 carrying a validator. It is
		// replayed like any other validated response.
		resp, err := p.forward(ctx, path, r, body, "", "")
		if err != nil {
			return nil, err
		}

		var hit *bool
		if resp.Cacheable() {
			p.cacheSet(ctx, key, resp)
			hit = telemetry.CacheHit(false)
		}
		p.tel.InboundRequest(ctx, client, r, hit)
		return resp, nil
	}

	resp, err := p.forward(ctx, path, r, body, cached.ETag(), cached.LastModified())
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified {
		p.tel.InboundRequest(ctx, client, r, telemetry.CacheHit(true))
		return cached, nil
	}

	if resp.Cacheable() {
		p.cacheSet(ctx, key, resp)
	}
	p.tel.InboundRequest(ctx, client, r, telemetry.CacheHit(false))
	return resp, nil
}

// Request forwards a mutating request upstream. No cache is read or written.
func (p *Proxy) Request(ctx context.Context, path string, r *http.Request, client string) (*respcache.Response, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}

	resp, err := p.forward(ctx, path, r, body, "", "")
	if err != nil {
		return nil, err
	}

	p.tel.InboundRequest(ctx, client, r, nil)
	return resp, nil
}

// Healthy probes GitHub's zen endpoint through the full read path and
// reports whether it answered 200.
func (p *Proxy) Healthy(ctx context.Context) bool {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, "/zen", nil)
	if err != nil {
		return false
	}

	resp, err := p.CachedGet(ctx, "zen", r, "healthcheck")
	if err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "health probe failed", "error", err)
		return false
	}
	return resp.StatusCode == http.StatusOK
}

// cacheKey derives the response variant: path, raw query string (absent when
// empty) and best Accept media type. Query parameters drive pagination and
// filtering, so they are part of the identity.
func cacheKey(path string, r *http.Request) string {
	return path + "\n" + r.URL.RawQuery + "\n" + bestAcceptMediaType(r.Header.Get("Accept"))
}

// cacheGet reads through to the backend, degrading a backend failure to a
// miss. A broken cache must never break the request.
func (p *Proxy) cacheGet(ctx context.Context, key string) *respcache.Response {
	resp, err := p.respCache.Get(ctx, key)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "response cache read failed", "error", err)
		return nil
	}
	return resp
}

// cacheSet writes through to the backend, degrading a backend failure to a
// no-op.
func (p *Proxy) cacheSet(ctx context.Context, key string, resp *respcache.Response) {
	if err := p.respCache.Set(ctx, key, resp); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "response cache write failed", "error", err)
	}
}

// readBody consumes the inbound body so it can be replayed across credential
// rotation attempts.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	b, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err //nolint:wrapcheck // io errors carry enough context
	}
	return b, nil
}
