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

package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/abcxyz/github-proxy/credentials"
	"github.com/abcxyz/github-proxy/ratelimit"
)

const meterName = "github.com/abcxyz/github-proxy/telemetry"

// OTel is a Sink that exports counters and quota observations through an
// OpenTelemetry meter provider. Setting up the provider (exporter, resource,
// export interval) is the caller's responsibility.
type OTel struct {
	upstreamResponses  metric.Int64Counter
	ratelimitRemaining metric.Int64Histogram
	inboundRequests    metric.Int64Counter
}

// NewOTel creates an OTel sink on the given meter provider.
func NewOTel(mp metric.MeterProvider) (*OTel, error) {
	meter := mp.Meter(meterName)

	upstreamResponses, err := meter.Int64Counter("github_proxy.upstream.responses",
		metric.WithDescription("Upstream GitHub responses, by credential and status"))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream response counter: %w", err)
	}

	ratelimitRemaining, err := meter.Int64Histogram("github_proxy.upstream.ratelimit_remaining",
		metric.WithDescription("Remaining quota observed on upstream responses, by credential"))
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit remaining histogram: %w", err)
	}

	inboundRequests, err := meter.Int64Counter("github_proxy.requests",
		metric.WithDescription("Inbound proxy requests, by client and cache outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create inbound request counter: %w", err)
	}

	return &OTel{
		upstreamResponses:  upstreamResponses,
		ratelimitRemaining: ratelimitRemaining,
		inboundRequests:    inboundRequests,
	}, nil
}

// UpstreamResponse implements [Sink].
func (o *OTel) UpstreamResponse(ctx context.Context, token *credentials.Token, resp *http.Response) {
	attrs := []attribute.KeyValue{
		attribute.String("credential_origin", string(token.Origin)),
		attribute.String("credential_name", token.Name),
	}

	o.upstreamResponses.Add(ctx, 1, metric.WithAttributes(
		append(attrs, attribute.Int("status", resp.StatusCode))...))

	if remaining, ok := ratelimit.Remaining(resp.Header); ok {
		o.ratelimitRemaining.Record(ctx, remaining, metric.WithAttributes(attrs...))
	}
}

// InboundRequest implements [Sink].
func (o *OTel) InboundRequest(ctx context.Context, client string, req *http.Request, cacheHit *bool) {
	cache := "uncacheable"
	if cacheHit != nil {
		if *cacheHit {
			cache = "hit"
		} else {
			cache = "miss"
		}
	}

	o.inboundRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client", client),
		attribute.String("method", req.Method),
		attribute.String("cache", cache)))
}
