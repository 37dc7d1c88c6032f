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
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"

	"github.com/abcxyz/github-proxy/config"
	"github.com/abcxyz/github-proxy/respcache"
)

// Routes returns the proxy's HTTP surface: an unauthenticated health probe
// on /healthz and the authenticated forwarding handler on everything else.
func (p *Proxy) Routes(ctx context.Context) (http.Handler, error) {
	h, err := renderer.New(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", p.handleHealth(h))
	mux.Handle("/", p.handleProxy(h))
	return mux, nil
}

// handleHealth probes GitHub through the full read path.
func (p *Proxy) handleHealth(h *renderer.Renderer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Healthy(r.Context()) {
			h.RenderJSON(w, http.StatusServiceUnavailable, fmt.Errorf("github is unreachable"))
			return
		}
		h.RenderJSON(w, http.StatusOK, nil)
	})
}

// handleProxy authenticates the client and forwards the request: GETs through
// the response cache, mutating verbs straight upstream.
func (p *Proxy) handleProxy(h *renderer.Renderer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		client, ok := p.Authorize(r)
		if !ok {
			h.RenderJSON(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
			return
		}

		// Enterprise-style clients prefix their paths with /api/v3; GitHub
		// itself does not want to see it.
		path := strings.TrimPrefix(config.TrimEnterprisePrefix(r.URL.Path), "/")

		var resp *respcache.Response
		var err error
		switch r.Method {
		case http.MethodGet:
			resp, err = p.CachedGet(ctx, path, r, client)
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			resp, err = p.Request(ctx, path, r, client)
		default:
			h.RenderJSON(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}

		if err != nil {
			if errors.Is(err, ErrAllCredentialsRateLimited) {
				logger.ErrorContext(ctx, "all credentials rate limited",
					"client", client,
					"path", path)
				h.RenderJSON(w, http.StatusInternalServerError, err)
				return
			}

			logger.ErrorContext(ctx, "failed to reach upstream",
				"client", client,
				"path", path,
				"error", err)
			h.RenderJSON(w, http.StatusBadGateway, fmt.Errorf("bad gateway"))
			return
		}

		writeResponse(w, resp)
	})
}

// writeResponse copies a stored or forwarded response onto the wire.
func writeResponse(w http.ResponseWriter, resp *respcache.Response) {
	header := w.Header()
	for k, vs := range resp.Header {
		header[k] = append([]string(nil), vs...)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
