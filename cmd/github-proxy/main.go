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

// github-proxy is a caching, authenticating reverse proxy for the GitHub
// REST API. It multiplexes internal clients onto a pool of GitHub
// credentials, rotating as they hit their rate limits, and collapses
// idempotent reads onto a shared conditional-GET response cache.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/serving"

	"github.com/abcxyz/github-proxy/config"
	"github.com/abcxyz/github-proxy/proxy"
)

func main() {
	ctx, done := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer done()

	logger := logging.NewFromEnv("")
	ctx = logging.WithLogger(ctx, logger)

	if err := realMain(ctx); err != nil {
		done()
		logger.ErrorContext(ctx, "process exited with error", "error", err)
		os.Exit(1)
	}
	logger.InfoContext(ctx, "successful shutdown")
}

func realMain(ctx context.Context) error {
	cfg, err := config.Load(ctx, os.Environ())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.ClientRegistryPath == "" {
		return fmt.Errorf("CLIENT_REGISTRY_FILE_PATH is required")
	}
	registry, err := config.LoadRegistry(cfg.ClientRegistryPath, os.Getenv)
	if err != nil {
		return fmt.Errorf("failed to load client registry: %w", err)
	}

	p, err := proxy.New(ctx, cfg, registry)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}
	defer p.Stop()

	handler, err := p.Routes(ctx)
	if err != nil {
		return fmt.Errorf("failed to create routes: %w", err)
	}

	server, err := serving.New(cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	httpServer := &http.Server{
		ReadHeaderTimeout: 2 * time.Second,
		Handler:           handler,
	}

	// This blocks until the provided context is cancelled.
	if err := server.StartHTTP(ctx, httpServer); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}
