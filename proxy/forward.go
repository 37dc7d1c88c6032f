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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/github-proxy/ratelimit"
	"github.com/abcxyz/github-proxy/respcache"
)

// hopByHopHeaders never travel across the proxy, in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Te",
	"Trailer",
	"Upgrade",
	"Proxy-Authorization",
	"Proxy-Authenticate",
}

// forward sends the inbound request upstream, rotating through the usable
// credentials until one is not rejected for quota exhaustion. At most one of
// the conditional headers is sent: Last-Modified takes precedence because
// ETags are credential-specific and break across rotation, while
// Last-Modified is portable.
//
// Rate-limit responses are recorded into the rate-limit map before moving on,
// so concurrent requests skip the exhausted credential. The first
// non-rate-limited response is returned with entity and hop-by-hop headers
// stripped.
func (p *Proxy) forward(ctx context.Context, path string, r *http.Request, body []byte, etag, lastModified string) (*respcache.Response, error) {
	logger := logging.FromContext(ctx)

	header := outboundHeader(r.Header)
	if lastModified != "" {
		header.Set("If-Modified-Since", lastModified)
	} else if etag != "" {
		header.Set("If-None-Match", etag)
	}

	upstreamURL := p.apiURL + "/" + path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	it := p.creds.Iterator(p.rateLimited.Contains)
	for {
		tok, ok := it.Next(ctx)
		if !ok {
			break
		}

		req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create upstream request: %w", err)
		}
		req.Header = header.Clone()
		req.Header.Set("Authorization", "token "+tok.Value)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			// Not a rate-limit signal: the credential stays usable and the
			// request fails without rotating.
			return nil, fmt.Errorf("%w: credential %q: %w", ErrUpstreamFailure, tok.Name, err)
		}

		p.tel.UpstreamResponse(ctx, tok, resp)

		if ratelimit.IsRateLimited(resp) {
			if resetAt, ok := ratelimit.Reset(resp.Header); ok {
				p.rateLimited.Mark(tok.Origin, tok.Name, resetAt)
				logger.WarnContext(ctx, "credential is rate limited",
					"credential_origin", string(tok.Origin),
					"credential_name", tok.Name,
					"reset_at", resetAt)
			} else {
				logger.WarnContext(ctx, "credential is rate limited without a reset header",
					"credential_origin", string(tok.Origin),
					"credential_name", tok.Name)
			}

			// Drain so the pooled connection can be reused.
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: credential %q: failed to read response body: %w", ErrUpstreamFailure, tok.Name, err)
		}

		return &respcache.Response{
			StatusCode: resp.StatusCode,
			Header:     inboundHeader(resp.Header),
			Body:       respBody,
		}, nil
	}

	return nil, ErrAllCredentialsRateLimited
}

// outboundHeader copies the inbound request headers, dropping Host and the
// hop-by-hop set.
func outboundHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	out.Del("Host")
	for _, k := range hopByHopHeaders {
		out.Del(k)
	}
	return out
}

// inboundHeader copies the upstream response headers, dropping the entity
// headers invalidated by proxying and the hop-by-hop set.
func inboundHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	out.Del("Content-Length")
	out.Del("Content-Encoding")
	for _, k := range hopByHopHeaders {
		out.Del(k)
	}
	return out
}
