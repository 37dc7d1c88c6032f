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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/google/go-cmp/cmp"

	"github.com/abcxyz/github-proxy/config"
	"github.com/abcxyz/github-proxy/credentials"
	"github.com/abcxyz/github-proxy/ratelimit"
	"github.com/abcxyz/github-proxy/respcache"
)

const testRegistryYAML = `
version: 1
clients:
  - name: ci
    token: tok-ci
    scopes:
      - method: get
        path: /repos/my-org/.*
  - name: admin
    token: tok-admin
`

// upstreamCall is one request observed by the fake GitHub.
type upstreamCall struct {
	method string
	path   string
	query  string
	header http.Header
}

// fakeGitHub records the requests it receives and answers with the installed
// handler. It also serves the App installation token endpoint so App
// credentials can mint against it.
type fakeGitHub struct {
	mu      sync.Mutex
	calls   []upstreamCall
	handler func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/app/installations/") {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token": "ghs_minted", "expires_at": %q}`,
			time.Now().UTC().Add(time.Hour).Format(time.RFC3339))
		return
	}

	f.mu.Lock()
	f.calls = append(f.calls, upstreamCall{
		method: r.Method,
		path:   r.URL.Path,
		query:  r.URL.RawQuery,
		header: r.Header.Clone(),
	})
	f.mu.Unlock()

	f.handler(w, r)
}

func (f *fakeGitHub) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGitHub) call(i int) upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func testContext(tb testing.TB) context.Context {
	tb.Helper()
	return logging.WithLogger(context.Background(), logging.TestLogger(tb))
}

func testConfig(tb testing.TB, apiURL string) *config.Config {
	tb.Helper()

	return &config.Config{
		GitHubAPIURL:         apiURL,
		CacheTTLSeconds:      3600,
		CacheBackendURL:      "inmemory://",
		CredsCacheMaxSize:    16,
		CredsCacheTTLPadding: 5,
		UpstreamTimeout:      5 * time.Second,
		PATs:                 []credentials.PAT{{Name: "pat", Token: "ghp_test"}},
	}
}

func testRegistry(tb testing.TB) *config.Registry {
	tb.Helper()

	r, err := config.ParseRegistry([]byte(testRegistryYAML))
	if err != nil {
		tb.Fatal(err)
	}
	return r
}

// testProxy wires a proxy to a fake GitHub with a single PAT credential.
// Mutate cfg via the callback before construction.
func testProxy(tb testing.TB, gh *fakeGitHub, mutate func(cfg *config.Config), opts ...Option) *Proxy {
	tb.Helper()

	srv := httptest.NewServer(gh)
	tb.Cleanup(srv.Close)

	cfg := testConfig(tb, srv.URL)
	if mutate != nil {
		mutate(cfg)
	}

	p, err := New(testContext(tb), cfg, testRegistry(tb), opts...)
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(p.Stop)
	return p
}

// respondWithETag answers 200 with an ETag validator, or 304 when the
// conditional matches.
func respondWithETag(etag, body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set(ratelimit.HeaderRemaining, "4999")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

func TestCachedGet_MissThenHit(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	gh := &fakeGitHub{handler: respondWithETag(`"abc"`, `{"number": 1}`)}
	p := testProxy(t, gh, nil)

	get := func() *respcache.Response {
		r := httptest.NewRequest(http.MethodGet, "/repos/my-org/website/pulls/1", nil)
		resp, err := p.CachedGet(ctx, "repos/my-org/website/pulls/1", r, "ci")
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	// Miss: the upstream response is stored and returned.
	first := get()
	if got, want := first.StatusCode, http.StatusOK; got != want {
		t.Errorf("expected status %d to be %d", got, want)
	}
	if got := gh.call(0).header.Get("If-None-Match"); got != "" {
		t.Errorf("expected no conditional header on a cold cache, got %q", got)
	}

	// Hit: upstream revalidates with 304 and the client gets the stored
	// response verbatim, cached rate-limit headers included.
	second := get()
	if got, want := gh.callCount(), 2; got != want {
		t.Fatalf("expected %d upstream calls to be %d", got, want)
	}
	if got, want := gh.call(1).header.Get("If-None-Match"), `"abc"`; got != want {
		t.Errorf("expected conditional header %q to be %q", got, want)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("response diff (-miss, +hit):\n%s", diff)
	}
	if got, want := second.Header.Get(ratelimit.HeaderRemaining), "4999"; got != want {
		t.Errorf("expected cached rate-limit header %q to be %q", got, want)
	}
}

func TestCachedGet_MediaTypeVariants(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	gh := &fakeGitHub{handler: respondWithETag(`"abc"`, `{}`)}
	p := testProxy(t, gh, nil)

	get := func(accept string) {
		r := httptest.NewRequest(http.MethodGet, "/repos/my-org/website/pulls/1", nil)
		if accept != "" {
			r.Header.Set("Accept", accept)
		}
		if _, err := p.CachedGet(ctx, "repos/my-org/website/pulls/1", r, "ci"); err != nil {
			t.Fatal(err)
		}
	}

	get("application/vnd.github.v3+json")
	get("application/vnd.github.v3.diff")
	get("")

	// Three distinct variants: none of them may revalidate another's entry.
	if got, want := gh.callCount(), 3; got != want {
		t.Fatalf("expected %d upstream calls to be %d", got, want)
	}
	for i := 0; i < 3; i++ {
		if got := gh.call(i).header.Get("If-None-Match"); got != "" {
			t.Errorf("expected call %d to be unconditional, got If-None-Match %q", i, got)
		}
	}
}

func TestCachedGet_QueryStringVariants(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	gh := &fakeGitHub{handler: respondWithETag(`"abc"`, `[]`)}
	p := testProxy(t, gh, nil)

	get := func(target string) {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		if _, err := p.CachedGet(ctx, "repos/my-org/website/pulls", r, "ci"); err != nil {
			t.Fatal(err)
		}
	}

	get("/repos/my-org/website/pulls?page=1")
	get("/repos/my-org/website/pulls?page=2")

	if got, want := gh.callCount(), 2; got != want {
		t.Fatalf("expected %d upstream calls to be %d", got, want)
	}
	if got := gh.call(1).header.Get("If-None-Match"); got != "" {
		t.Errorf("expected a different page to be a distinct entry, got If-None-Match %q", got)
	}
	if got, want := gh.call(1).path, "/repos/my-org/website/pulls"; got != want {
		t.Errorf("expected upstream path %q to be %q", got, want)
	}
	// The query string travels upstream untouched.
	if got, want := gh.call(1).query, "page=2"; got != want {
		t.Errorf("expected upstream query %q to be %q", got, want)
	}
}

func TestCachedGet_UncacheableNotStored(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	gh := &fakeGitHub{handler: func(w http.ResponseWriter, r *http.Request) {
		// No validator at all.
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}}
	p := testProxy(t, gh, nil)

	for i := 0; i < 2; i++ {
		r := httptest.NewRequest(http.MethodGet, "/rate_limit", nil)
		if _, err := p.CachedGet(ctx, "rate_limit", r, "ci"); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 2; i++ {
		c := gh.call(i)
		if got := c.header.Get("If-None-Match"); got != "" {
			t.Errorf("expected call %d to be unconditional, got If-None-Match %q", i, got)
		}
		if got := c.header.Get("If-Modified-Since"); got != "" {
			t.Errorf("expected call %d to be unconditional, got If-Modified-Since %q", i, got)
		}
	}
}

func TestCachedGet_LastModifiedTakesPrecedence(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	gh := &fakeGitHub{handler: respondWithETag(`"abc"`, `{}`)}

	backend := respcache.NewInMemory(time.Hour)
	p := testProxy(t, gh, nil, WithBackend(backend))

	// Seed an entry that carries both validators.
	seeded := &respcache.Response{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Etag":          []string{`"abc"`},
			"Last-Modified": []string{"Fri, 04 Mar 2022 16:44:37 GMT"},
		},
		Body: []byte(`{}`),
	}
	if err := backend.Set(ctx, "repos/my-org/website\n\n", seeded); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodGet, "/repos/my-org/website", nil)
	if _, err := p.CachedGet(ctx, "repos/my-org/website", r, "ci"); err != nil {
		t.Fatal(err)
	}

	c := gh.call(0)
	if got, want := c.header.Get("If-Modified-Since"), "Fri, 04 Mar 2022 16:44:37 GMT"; got != want {
		t.Errorf("expected If-Modified-Since %q to be %q", got, want)
	}
	if got := c.header.Get("If-None-Match"); got != "" {
		t.Errorf("expected If-None-Match to be suppressed, got %q", got)
	}
}

// failingBackend errors on every operation.
type failingBackend struct{}

func (failingBackend) Get(context.Context, string) (*respcache.Response, error) {
	return nil, fmt.Errorf("backend is down")
}

func (failingBackend) Set(context.Context, string, *respcache.Response) error {
	return fmt.Errorf("backend is down")
}

func TestCachedGet_BrokenBackendDegradesToPassThrough(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	gh := &fakeGitHub{handler: respondWithETag(`"abc"`, `{"ok": true}`)}
	p := testProxy(t, gh, nil, WithBackend(failingBackend{}))

	r := httptest.NewRequest(http.MethodGet, "/repos/my-org/website", nil)
	resp, err := p.CachedGet(ctx, "repos/my-org/website", r, "ci")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Errorf("expected status %d to be %d", got, want)
	}
	if got, want := string(resp.Body), `{"ok": true}`; got != want {
		t.Errorf("expected body %q to be %q", got, want)
	}
}

func TestForward_HeaderFiltering(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	gh := &fakeGitHub{handler: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("X-Github-Request-Id", "C0FFEE")
		fmt.Fprint(w, `{}`)
	}}
	p := testProxy(t, gh, nil)

	r := httptest.NewRequest(http.MethodGet, "/repos/my-org/website", nil)
	r.Header.Set("Authorization", "token tok-ci")
	r.Header.Set("Proxy-Authorization", "basic secret")
	r.Header.Set("Connection", "keep-alive")
	r.Header.Set("X-Request-Id", "inbound-1")

	resp, err := p.CachedGet(ctx, "repos/my-org/website", r, "ci")
	if err != nil {
		t.Fatal(err)
	}

	c := gh.call(0)
	// The client's proxy credential is replaced with the GitHub one.
	if got, want := c.header.Get("Authorization"), "token ghp_test"; got != want {
		t.Errorf("expected upstream authorization %q to be %q", got, want)
	}
	for _, k := range []string{"Proxy-Authorization", "Connection"} {
		if got := c.header.Get(k); got != "" {
			t.Errorf("expected hop-by-hop header %s to be dropped, got %q", k, got)
		}
	}
	if got, want := c.header.Get("X-Request-Id"), "inbound-1"; got != want {
		t.Errorf("expected end-to-end header %q to be %q", got, want)
	}

	// Response side: entity headers recalculated by the proxy are dropped,
	// everything else passes through.
	if got := resp.Header.Get("Content-Length"); got != "" {
		t.Errorf("expected Content-Length to be dropped, got %q", got)
	}
	if got, want := resp.Header.Get("X-Github-Request-Id"), "C0FFEE"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
}

func rateLimitedHandler(resetAt string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ratelimit.HeaderRemaining, "0")
		w.Header().Set(ratelimit.HeaderReset, resetAt)
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message": "API rate limit exceeded"}`)
	}
}

func TestForward_RotatesOnRateLimit(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	wantReset := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	gh := &fakeGitHub{}
	gh.handler = func(w http.ResponseWriter, r *http.Request) {
		// The App's minted token is exhausted; the PAT works.
		if r.Header.Get("Authorization") == "token ghs_minted" {
			rateLimitedHandler(fmt.Sprintf("%d", wantReset.Unix()))(w, r)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		fmt.Fprint(w, `{}`)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	p := testProxy(t, gh, func(cfg *config.Config) {
		cfg.Apps = []config.AppEntry{{
			Name:           "ci-app",
			ID:             "1234",
			InstallationID: "5678",
			PEM:            string(pemBytes),
		}}
	})

	r := httptest.NewRequest(http.MethodGet, "/repos/my-org/website", nil)
	resp, err := p.CachedGet(ctx, "repos/my-org/website", r, "ci")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Errorf("expected status %d to be %d", got, want)
	}

	// App first, then PAT.
	if got, want := gh.callCount(), 2; got != want {
		t.Fatalf("expected %d upstream calls to be %d", got, want)
	}
	if got, want := gh.call(0).header.Get("Authorization"), "token ghs_minted"; got != want {
		t.Errorf("expected first attempt %q to be %q", got, want)
	}
	if got, want := gh.call(1).header.Get("Authorization"), "token ghp_test"; got != want {
		t.Errorf("expected second attempt %q to be %q", got, want)
	}

	// The exhausted App is recorded with its advertised reset instant.
	resetAt, ok := p.rateLimited.ResetAt(credentials.OriginGitHubApp, "ci-app")
	if !ok {
		t.Fatal("expected the app credential to be marked rate limited")
	}
	if diff := cmp.Diff(wantReset, resetAt); diff != "" {
		t.Errorf("reset instant diff (-want, +got):\n%s", diff)
	}
	if p.rateLimited.Contains(credentials.OriginUserPAT, "pat") {
		t.Error("expected the pat to stay usable")
	}
}

func TestForward_AllCredentialsExhausted(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	resetAt := fmt.Sprintf("%d", time.Now().UTC().Add(time.Hour).Unix())
	gh := &fakeGitHub{handler: rateLimitedHandler(resetAt)}
	p := testProxy(t, gh, nil)

	r := httptest.NewRequest(http.MethodGet, "/repos/my-org/website", nil)
	_, err := p.CachedGet(ctx, "repos/my-org/website", r, "ci")
	if !errors.Is(err, ErrAllCredentialsRateLimited) {
		t.Fatalf("expected ErrAllCredentialsRateLimited, got %v", err)
	}

	// A second request skips the marked credential without touching upstream.
	before := gh.callCount()
	_, err = p.CachedGet(ctx, "repos/my-org/website", r, "ci")
	if !errors.Is(err, ErrAllCredentialsRateLimited) {
		t.Fatalf("expected ErrAllCredentialsRateLimited, got %v", err)
	}
	if got, want := gh.callCount(), before; got != want {
		t.Errorf("expected %d upstream calls to be %d", got, want)
	}
}

func TestForward_NetworkErrorDoesNotRotate(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // the upstream is unreachable

	cfg := testConfig(t, srv.URL)
	cfg.PATs = append(cfg.PATs, credentials.PAT{Name: "pat2", Token: "ghp_other"})

	p, err := New(ctx, cfg, testRegistry(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Stop)

	r := httptest.NewRequest(http.MethodGet, "/repos/my-org/website", nil)
	_, err = p.CachedGet(ctx, "repos/my-org/website", r, "ci")
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("expected ErrUpstreamFailure, got %v", err)
	}

	// The failing credential is not marked: it was not rate limited.
	if p.rateLimited.Contains(credentials.OriginUserPAT, "pat") {
		t.Error("expected the credential to stay usable after a network error")
	}
}

func TestRequest_BypassesCache(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	gh := &fakeGitHub{handler: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": 1}`)
	}}
	p := testProxy(t, gh, nil)

	post := func() {
		r := httptest.NewRequest(http.MethodPost, "/repos/my-org/website/issues",
			strings.NewReader(`{"title": "bug"}`))
		resp, err := p.Request(ctx, "repos/my-org/website/issues", r, "admin")
		if err != nil {
			t.Fatal(err)
		}
		if got, want := resp.StatusCode, http.StatusCreated; got != want {
			t.Errorf("expected status %d to be %d", got, want)
		}
	}

	post()
	post()

	// Even with a validator on the response, writes never collapse.
	if got, want := gh.callCount(), 2; got != want {
		t.Fatalf("expected %d upstream calls to be %d", got, want)
	}
	for i := 0; i < 2; i++ {
		if got, want := gh.call(i).method, http.MethodPost; got != want {
			t.Errorf("expected method %q to be %q", got, want)
		}
	}
}

func TestAuthorize(t *testing.T) {
	t.Parallel()

	gh := &fakeGitHub{handler: respondWithETag(`"abc"`, `{}`)}
	p := testProxy(t, gh, nil)

	cases := []struct {
		name       string
		auth       string
		method     string
		target     string
		wantClient string
		wantOK     bool
	}{
		{
			name:       "valid_token_in_scope",
			auth:       "token tok-ci",
			method:     http.MethodGet,
			target:     "/repos/my-org/website/pulls",
			wantClient: "ci",
			wantOK:     true,
		},
		{
			name:       "scheme_is_case_insensitive",
			auth:       "Token tok-ci",
			method:     http.MethodGet,
			target:     "/repos/my-org/website/pulls",
			wantClient: "ci",
			wantOK:     true,
		},
		{
			name:   "out_of_scope_path",
			auth:   "token tok-ci",
			method: http.MethodGet,
			target: "/repos/other-org/website/pulls",
			wantOK: false,
		},
		{
			name:   "out_of_scope_method",
			auth:   "token tok-ci",
			method: http.MethodDelete,
			target: "/repos/my-org/website",
			wantOK: false,
		},
		{
			name:   "bearer_scheme_rejected",
			auth:   "Bearer tok-ci",
			method: http.MethodGet,
			target: "/repos/my-org/website/pulls",
			wantOK: false,
		},
		{
			name:   "missing_header",
			auth:   "",
			method: http.MethodGet,
			target: "/repos/my-org/website/pulls",
			wantOK: false,
		},
		{
			name:   "unknown_token",
			auth:   "token tok-nobody",
			method: http.MethodGet,
			target: "/repos/my-org/website/pulls",
			wantOK: false,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(tc.method, tc.target, nil)
			if tc.auth != "" {
				r.Header.Set("Authorization", tc.auth)
			}

			client, ok := p.Authorize(r)
			if ok != tc.wantOK {
				t.Fatalf("expected ok=%t to be %t", ok, tc.wantOK)
			}
			if client != tc.wantClient {
				t.Errorf("expected client %q to be %q", client, tc.wantClient)
			}
		})
	}
}

func TestHealthy(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	t.Run("reachable", func(t *testing.T) {
		t.Parallel()

		gh := &fakeGitHub{handler: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "Keep it logically awesome.")
		}}
		p := testProxy(t, gh, nil)

		if !p.Healthy(ctx) {
			t.Error("expected a healthy upstream")
		}
		if got, want := gh.call(0).path, "/zen"; got != want {
			t.Errorf("expected probe path %q to be %q", got, want)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		t.Parallel()

		gh := &fakeGitHub{handler: rateLimitedHandler("1646414677")}
		p := testProxy(t, gh, nil)

		if p.Healthy(ctx) {
			t.Error("expected an exhausted upstream to be unhealthy")
		}
	})
}
