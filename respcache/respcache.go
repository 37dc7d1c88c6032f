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

// Package respcache stores validated upstream GitHub responses so the proxy
// can answer conditional GETs without spending upstream quota.
//
// Backends are selected by the scheme of the configured backend URL. They may
// return errors; the proxy treats the cache as a performance aid and degrades
// to pass-through when a backend fails.
package respcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Response is a stored upstream response. It carries everything needed to
// answer a client verbatim: status code, headers (including the validators
// ETag and/or Last-Modified) and body bytes.
type Response struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
}

// ETag returns the response's entity tag, or "" if absent.
func (r *Response) ETag() string {
	return r.Header.Get("ETag")
}

// LastModified returns the response's Last-Modified header, or "" if absent.
func (r *Response) LastModified() string {
	return r.Header.Get("Last-Modified")
}

// Cacheable reports whether the response carries at least one validator. Only
// cacheable responses may be stored.
func (r *Response) Cacheable() bool {
	return r.ETag() != "" || r.LastModified() != ""
}

// Backend is a response store. Get returns (nil, nil) on a miss. Both methods
// may return errors; callers must degrade gracefully, never fail the request.
type Backend interface {
	Get(ctx context.Context, key string) (*Response, error)
	Set(ctx context.Context, key string, resp *Response) error
}

// New constructs the backend selected by the URL scheme: "inmemory" for the
// in-process cache, "redis" or "rediss" for a Redis store. Entries expire ttl
// after they are set. An unknown scheme is a configuration error.
func New(ctx context.Context, backendURL string, ttl time.Duration) (Backend, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache backend url: %w", err)
	}

	switch u.Scheme {
	case "inmemory":
		return NewInMemory(ttl), nil
	case "redis", "rediss":
		return NewRedis(ctx, backendURL, ttl)
	default:
		return nil, fmt.Errorf("unknown cache backend scheme %q", u.Scheme)
	}
}
