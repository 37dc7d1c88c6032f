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

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// registryVersion is the only client registry schema version we accept.
const registryVersion = 1

// enterprisePathPrefix is stripped from inbound request paths before scope
// matching, so scopes written against api.github.com paths also authorize the
// Enterprise routing form.
const enterprisePathPrefix = "/api/v3"

// Scope gates which upstream routes a client may invoke. A request is allowed
// when the method regex matches the lowercase or uppercase form of the
// request method and the path regex matches the logical request path. Both
// regexes are full-match.
type Scope struct {
	method *regexp.Regexp
	path   *regexp.Regexp
}

// Allows reports whether the scope admits the method and logical path.
func (s *Scope) Allows(method, path string) bool {
	if !s.method.MatchString(strings.ToLower(method)) && !s.method.MatchString(strings.ToUpper(method)) {
		return false
	}
	return s.path.MatchString(path)
}

// Client is a registered proxy client.
type Client struct {
	Name   string
	Scopes []*Scope
}

// Registry maps inbound bearer tokens to clients. Immutable after load.
type Registry struct {
	byToken map[string]*Client
}

// registryFile is the YAML schema of the client registry.
type registryFile struct {
	Version int `yaml:"version"`
	Clients []struct {
		Name   string `yaml:"name"`
		Token  string `yaml:"token"`
		Scopes []struct {
			Method string `yaml:"method"`
			Path   string `yaml:"path"`
		} `yaml:"scopes"`
	} `yaml:"clients"`
}

// LoadRegistry reads the registry file at path, expands ${VAR} references
// against lookup (so tokens can live in the environment rather than on disk)
// and parses the result.
func LoadRegistry(path string, lookup func(string) string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client registry: %w", err)
	}
	return ParseRegistry([]byte(os.Expand(string(b), lookup)))
}

// ParseRegistry parses and validates registry YAML. Client names and tokens
// must be unique; a client without scopes gets full access.
func ParseRegistry(b []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse client registry yaml: %w", err)
	}
	if f.Version != registryVersion {
		return nil, fmt.Errorf("unsupported client registry version %d (want %d)", f.Version, registryVersion)
	}

	byToken := make(map[string]*Client, len(f.Clients))
	names := make(map[string]struct{}, len(f.Clients))

	for _, rc := range f.Clients {
		if rc.Name == "" {
			return nil, fmt.Errorf("client with empty name")
		}
		if rc.Token == "" {
			return nil, fmt.Errorf("client %q has an empty token", rc.Name)
		}
		if _, ok := names[rc.Name]; ok {
			return nil, fmt.Errorf("duplicate client name %q", rc.Name)
		}
		names[rc.Name] = struct{}{}
		if _, ok := byToken[rc.Token]; ok {
			return nil, fmt.Errorf("duplicate token for client %q", rc.Name)
		}

		client := &Client{Name: rc.Name}
		for _, rs := range rc.Scopes {
			scope, err := compileScope(rs.Method, rs.Path)
			if err != nil {
				return nil, fmt.Errorf("client %q: %w", rc.Name, err)
			}
			client.Scopes = append(client.Scopes, scope)
		}
		if len(client.Scopes) == 0 {
			// Missing scopes means full access.
			scope, err := compileScope("", "")
			if err != nil {
				return nil, fmt.Errorf("client %q: %w", rc.Name, err)
			}
			client.Scopes = append(client.Scopes, scope)
		}

		byToken[rc.Token] = client
	}

	return &Registry{byToken: byToken}, nil
}

// TrimEnterprisePrefix removes the Enterprise routing prefix from an inbound
// request path. Paths without the prefix are returned unchanged.
func TrimEnterprisePrefix(path string) string {
	return strings.TrimPrefix(path, enterprisePathPrefix)
}

// Authorize returns the client name for the token iff the token is registered
// and at least one of the client's scopes admits the request. The Enterprise
// path prefix is stripped before matching.
func (r *Registry) Authorize(token, method, path string) (string, bool) {
	client, ok := r.byToken[token]
	if !ok {
		return "", false
	}

	// Scopes are written against the slash-rooted api.github.com form, e.g.
	// "/repos/my-org/.*".
	logical := TrimEnterprisePrefix(path)
	for _, scope := range client.Scopes {
		if scope.Allows(method, logical) {
			return client.Name, true
		}
	}
	return "", false
}

// compileScope compiles a scope's regexes, anchored to match the full string.
// Empty expressions default to matching everything.
func compileScope(method, path string) (*Scope, error) {
	if method == "" {
		method = ".*"
	}
	if path == "" {
		path = ".*"
	}

	m, err := regexp.Compile(`\A(?:` + method + `)\z`)
	if err != nil {
		return nil, fmt.Errorf("invalid method pattern %q: %w", method, err)
	}
	p, err := regexp.Compile(`\A(?:` + path + `)\z`)
	if err != nil {
		return nil, fmt.Errorf("invalid path pattern %q: %w", path, err)
	}

	return &Scope{method: m, path: p}, nil
}
