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

// Package telemetry defines the hooks the proxy calls as it forwards traffic.
// The default sink drops everything; an OpenTelemetry sink is provided for
// deployments that run a collector.
package telemetry

import (
	"context"
	"net/http"

	"github.com/abcxyz/github-proxy/credentials"
)

// Sink receives one call per upstream GitHub response and one call per
// inbound proxy request. cacheHit is nil when the request was not cacheable
// (mutating verbs, or responses without validators), otherwise it reports
// whether the response was collapsed onto the cache.
//
// Implementations must be safe for concurrent use and must not block the
// request path.
type Sink interface {
	UpstreamResponse(ctx context.Context, token *credentials.Token, resp *http.Response)
	InboundRequest(ctx context.Context, client string, req *http.Request, cacheHit *bool)
}

// CacheHit is a convenience for building the tri-state cacheHit argument.
func CacheHit(hit bool) *bool {
	return &hit
}

// Noop is a Sink that discards all telemetry. It is the default.
type Noop struct{}

// UpstreamResponse implements [Sink].
func (Noop) UpstreamResponse(context.Context, *credentials.Token, *http.Response) {}

// InboundRequest implements [Sink].
func (Noop) InboundRequest(context.Context, string, *http.Request, *bool) {}
