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

// Package credentials produces the ordered sequence of GitHub credentials the
// proxy rotates through: GitHub App installation tokens first, then user
// personal access tokens. Installation tokens are minted on demand and cached
// until shortly before they expire.
package credentials

import (
	"context"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/github-proxy/cache"
)

// Origin identifies the kind of GitHub credential a token came from.
type Origin string

const (
	// OriginGitHubApp marks tokens minted for a GitHub App installation.
	OriginGitHubApp = Origin("GitHub App")

	// OriginUserPAT marks long-lived user personal access tokens.
	OriginUserPAT = Origin("user PAT")
)

// Token is a single usable GitHub credential. Values are materialized on
// demand and never persisted.
type Token struct {
	Name   string
	Origin Origin
	Value  string
}

// PAT is a named personal access token from the configuration.
type PAT struct {
	Name  string
	Token string
}

// Source holds the configured credentials and the shared installation token
// cache. It is safe for concurrent use; construct one per process.
type Source struct {
	apps    []*App
	pats    []PAT
	tokens  *cache.Cache[*InstallationToken]
	padding time.Duration
}

// NewSource creates a credential source over the given Apps (in configuration
// order) and PATs (in configuration order). Installation tokens are cached in
// a bounded cache of maxSize entries and evicted padding before the
// GitHub-reported expiry, to absorb clock drift between the proxy and GitHub.
func NewSource(apps []*App, pats []PAT, maxSize int, padding time.Duration) *Source {
	return &Source{
		apps:    apps,
		pats:    pats,
		tokens:  cache.New[*InstallationToken](maxSize),
		padding: padding,
	}
}

// Stop releases the token cache. The source must not be used afterwards.
func (s *Source) Stop() {
	s.tokens.Stop()
}

// InstallationToken returns a cached, non-expired installation token for the
// app, minting a new one if necessary. Two concurrent callers finding the
// cache cold may both mint; the second mint supersedes the first.
func (s *Source) InstallationToken(ctx context.Context, app *App) (*InstallationToken, error) {
	if tok, ok := s.tokens.Lookup(app.Name); ok {
		return tok, nil
	}

	tok, err := app.mintInstallationToken(ctx)
	if err != nil {
		return nil, err
	}
	s.tokens.Set(app.Name, tok, tok.ExpiresAt.Add(-s.padding))

	return tok, nil
}

// Iterator returns a fresh single-shot iterator over the usable credentials.
// Credentials for which skip returns true are not yielded. Callers construct
// one iterator per inbound request.
func (s *Source) Iterator(skip func(origin Origin, name string) bool) *Iterator {
	if skip == nil {
		skip = func(Origin, string) bool { return false }
	}
	return &Iterator{source: s, skip: skip}
}

// Iterator lazily walks the configured credentials: Apps in configuration
// order, then PATs in configuration order. It is finite and not restartable.
type Iterator struct {
	source *Source
	skip   func(origin Origin, name string) bool

	appIdx int
	patIdx int
}

// Next returns the next usable credential, or false when the sequence is
// exhausted. Apps whose token cannot be minted are skipped and logged; App
// tokens are resolved lazily so a skipped App costs nothing.
func (it *Iterator) Next(ctx context.Context) (*Token, bool) {
	logger := logging.FromContext(ctx)

	for ; it.appIdx < len(it.source.apps); it.appIdx++ {
		app := it.source.apps[it.appIdx]
		if it.skip(OriginGitHubApp, app.Name) {
			continue
		}

		tok, err := it.source.InstallationToken(ctx, app)
		if err != nil {
			logger.WarnContext(ctx, "failed to mint installation token, skipping app",
				"app", app.Name,
				"error", err)
			continue
		}

		it.appIdx++
		return &Token{
			Name:   app.Name,
			Origin: OriginGitHubApp,
			Value:  tok.Value,
		}, true
	}

	for ; it.patIdx < len(it.source.pats); it.patIdx++ {
		pat := it.source.pats[it.patIdx]
		if it.skip(OriginUserPAT, pat.Name) {
			continue
		}

		it.patIdx++
		return &Token{
			Name:   pat.Name,
			Origin: OriginUserPAT,
			Value:  pat.Token,
		}, true
	}

	return nil, false
}
