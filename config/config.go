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

// Package config loads the proxy configuration from the environment and the
// client registry from a YAML file. All validation happens here, at startup;
// configuration is read-only afterwards.
package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/abcxyz/pkg/cfgloader"
	"github.com/sethvargo/go-envconfig"

	"github.com/abcxyz/github-proxy/credentials"
)

// AppEntry is the raw registration of a GitHub App installation, scanned from
// GITHUB_APP_<name>_{ID,INSTALLATION_ID,PEM} environment variables.
type AppEntry struct {
	Name           string
	ID             string
	InstallationID string
	PEM            string
}

// Config is the process configuration.
type Config struct {
	GitHubAPIURL    string `env:"GITHUB_API_URL,overwrite,default=https://api.github.com"`
	CacheTTLSeconds int    `env:"CACHE_TTL,overwrite,default=3600"`
	CacheBackendURL string `env:"CACHE_BACKEND_URL,overwrite,default=inmemory://"`

	CredsCacheMaxSize    int `env:"GITHUB_CREDS_CACHE_MAXSIZE,overwrite,default=256"`
	CredsCacheTTLPadding int `env:"GITHUB_CREDS_CACHE_TTL_PADDING,overwrite,default=5"`

	ClientRegistryPath string `env:"CLIENT_REGISTRY_FILE_PATH,overwrite"`

	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT,overwrite,default=30s"`

	Port string `env:"PORT,overwrite,default=8080"`

	// PATs and Apps are scanned from prefixed environment variables, in
	// lexical name order for determinism.
	PATs []credentials.PAT
	Apps []AppEntry
}

// Validate implements [cfgloader.Validatable].
func (c *Config) Validate() error {
	if c.CacheTTLSeconds <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %d", c.CacheTTLSeconds)
	}
	if c.CredsCacheMaxSize <= 0 {
		return fmt.Errorf("GITHUB_CREDS_CACHE_MAXSIZE must be positive, got %d", c.CredsCacheMaxSize)
	}
	if c.CredsCacheTTLPadding < 0 {
		return fmt.Errorf("GITHUB_CREDS_CACHE_TTL_PADDING must not be negative, got %d", c.CredsCacheTTLPadding)
	}
	return nil
}

// CacheTTL is the response cache expiry.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// CredsCachePadding is the safety margin applied to credential expiry and
// rate-limit reset instants.
func (c *Config) CredsCachePadding() time.Duration {
	return time.Duration(c.CredsCacheTTLPadding) * time.Minute
}

// AccessTokenURLPattern derives the installation token endpoint from the
// configured API base so Enterprise deployments mint against their own host.
func (c *Config) AccessTokenURLPattern() string {
	return strings.TrimSuffix(c.GitHubAPIURL, "/") + "/app/installations/%s/access_tokens"
}

// Load builds the configuration from the given environment, usually
// os.Environ(). Static fields are processed with envconfig; GitHub
// credentials are scanned from GITHUB_PAT_* and GITHUB_APP_* variables.
func Load(ctx context.Context, environ []string) (*Config, error) {
	env := envMap(environ)

	var cfg Config
	if err := cfgloader.Load(ctx, &cfg, cfgloader.WithLookuper(envconfig.MapLookuper(env))); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	pats, err := scanPATs(env)
	if err != nil {
		return nil, err
	}
	cfg.PATs = pats

	apps, err := scanApps(env)
	if err != nil {
		return nil, err
	}
	cfg.Apps = apps

	return &cfg, nil
}

const (
	patPrefix = "GITHUB_PAT_"
	appPrefix = "GITHUB_APP_"

	appIDSuffix        = "_ID"
	appInstallIDSuffix = "_INSTALLATION_ID"
	appPEMSuffix       = "_PEM"
)

// scanPATs collects GITHUB_PAT_<name> variables. Names are lowercased; the
// resulting order is lexical by name.
func scanPATs(env map[string]string) ([]credentials.PAT, error) {
	var pats []credentials.PAT
	for k, v := range env {
		if !strings.HasPrefix(k, patPrefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(k, patPrefix))
		if name == "" {
			return nil, fmt.Errorf("invalid PAT variable %q: empty name", k)
		}
		pats = append(pats, credentials.PAT{Name: name, Token: v})
	}

	sort.Slice(pats, func(i, j int) bool { return pats[i].Name < pats[j].Name })
	return pats, nil
}

// scanApps collects GITHUB_APP_<name>_{ID,INSTALLATION_ID,PEM} variable
// triples. A partial registration is a configuration error. Names are
// lowercased; the resulting order is lexical by name.
func scanApps(env map[string]string) ([]AppEntry, error) {
	byName := make(map[string]*AppEntry)

	entry := func(name string) *AppEntry {
		name = strings.ToLower(name)
		e, ok := byName[name]
		if !ok {
			e = &AppEntry{Name: name}
			byName[name] = e
		}
		return e
	}

	for k, v := range env {
		if !strings.HasPrefix(k, appPrefix) {
			continue
		}
		rest := strings.TrimPrefix(k, appPrefix)

		// Order matters: _INSTALLATION_ID also ends in _ID.
		switch {
		case strings.HasSuffix(rest, appInstallIDSuffix):
			entry(strings.TrimSuffix(rest, appInstallIDSuffix)).InstallationID = v
		case strings.HasSuffix(rest, appPEMSuffix):
			entry(strings.TrimSuffix(rest, appPEMSuffix)).PEM = v
		case strings.HasSuffix(rest, appIDSuffix):
			entry(strings.TrimSuffix(rest, appIDSuffix)).ID = v
		default:
			return nil, fmt.Errorf("unrecognized app variable %q", k)
		}
	}

	apps := make([]AppEntry, 0, len(byName))
	for name, e := range byName {
		if name == "" {
			return nil, fmt.Errorf("invalid app variable: empty name")
		}
		if e.ID == "" || e.InstallationID == "" || e.PEM == "" {
			return nil, fmt.Errorf("incomplete registration for app %q: need %s<name>%s, %s and %s", name,
				appPrefix, appIDSuffix, appInstallIDSuffix, appPEMSuffix)
		}
		apps = append(apps, *e)
	}

	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	return apps, nil
}

// envMap splits KEY=VALUE pairs the way the process environment delivers
// them.
func envMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		m[k] = v
	}
	return m
}
