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

package credentials

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sethvargo/go-retry"
)

// URL used to retrieve access tokens. The pattern must contain a single '%s'
// which represents where in the url to insert the installation id.
const defaultAccessTokenURLPattern = "https://api.github.com/app/installations/%s/access_tokens" //nolint

// InstallationToken is an ephemeral credential obtained by exchanging an App
// JWT. GitHub expires these roughly one hour after minting.
type InstallationToken struct {
	Value     string
	ExpiresAt time.Time
}

// App holds the registration of a single GitHub App installation. Immutable
// after configuration load.
type App struct {
	Name           string
	AppID          string
	InstallationID string
	PrivateKey     *rsa.PrivateKey

	accessTokenURLPattern string
	jwtTokenExpiration    time.Duration
	httpClient            *http.Client
}

// AppOption is a function that provides an option to the App creation.
type AppOption func(a *App) *App

// WithAccessTokenURLPattern allows overriding of the GitHub api url that is
// used when generating installation access tokens. The default is the primary
// GitHub api url which should only be overridden for Enterprise GitHub
// installations.
//
// The `pattern` parameter expects a single `%s` that represents the
// installation id that is provided with the rest of the configuration.
func WithAccessTokenURLPattern(pattern string) AppOption {
	return func(a *App) *App {
		a.accessTokenURLPattern = pattern
		return a
	}
}

// WithJWTTokenExpiration is an option that allows overriding the default
// expiration date of the application JWTs.
func WithJWTTokenExpiration(exp time.Duration) AppOption {
	return func(a *App) *App {
		a.jwtTokenExpiration = exp
		return a
	}
}

// WithHTTPClient is an option that allows a consumer to provide their own
// http client implementation.
func WithHTTPClient(client *http.Client) AppOption {
	return func(a *App) *App {
		a.httpClient = client
		return a
	}
}

// NewApp creates a new GitHub App registration from the given inputs.
//
// The privateKey can be the [*rsa.PrivateKey], or a PEM-encoded string (or
// []byte) of the private key material.
func NewApp[T *rsa.PrivateKey | string | []byte](name, appID, installationID string, privateKeyT T, opts ...AppOption) (*App, error) {
	var privateKey *rsa.PrivateKey
	var err error

	switch t := any(privateKeyT).(type) {
	case nil:
		return nil, fmt.Errorf("missing private key")
	case *rsa.PrivateKey:
		privateKey = t
	case string:
		privateKey, err = parseRSAPrivateKeyPEM([]byte(t))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key as a PEM-encoded string: %w", err)
		}
	case []byte:
		privateKey, err = parseRSAPrivateKeyPEM(t)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key as a PEM-encoded []byte: %w", err)
		}
	default:
		panic("impossible")
	}

	app := &App{
		Name:           name,
		AppID:          appID,
		InstallationID: installationID,
		PrivateKey:     privateKey,

		accessTokenURLPattern: defaultAccessTokenURLPattern,

		jwtTokenExpiration: 10 * time.Minute,

		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	for _, opt := range opts {
		app = opt(app)
	}

	return app, nil
}

// appJWT builds a signed JWT that can be used to communicate with GitHub as
// an application.
func (a *App) appJWT() ([]byte, error) {
	// Make the current time 30 seconds in the past to combat clock skew issues
	// where the JWT we issue looks like it is coming from the future when it
	// gets to GitHub.
	iat := time.Now().Add(-30 * time.Second)
	exp := iat.Add(a.jwtTokenExpiration)

	token, err := jwt.NewBuilder().
		Expiration(exp).
		IssuedAt(iat).
		Issuer(a.AppID).
		Build()
	if err != nil {
		return nil, fmt.Errorf("error building JWT: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, a.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("error signing JWT: %w", err)
	}
	return signed, nil
}

// mintInstallationToken calls the GitHub API to generate a new installation
// access token for this App. Transient upstream failures (network errors and
// 5xx responses) are retried with a capped backoff; anything else surfaces as
// a credential-acquisition error.
func (a *App) mintInstallationToken(ctx context.Context) (*InstallationToken, error) {
	appJWT, err := a.appJWT()
	if err != nil {
		return nil, fmt.Errorf("failed to generate github app jwt: %w", err)
	}
	requestURL := fmt.Sprintf(a.accessTokenURLPattern, a.InstallationID)

	b := retry.NewFibonacci(250 * time.Millisecond)
	b = retry.WithCappedDuration(2*time.Second, b)
	b = retry.WithMaxDuration(10*time.Second, b)

	var tok *InstallationToken
	if err := retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create http request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", appJWT))

		res, err := a.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to make http request: %w", err))
		}
		defer res.Body.Close()

		body, err := io.ReadAll(io.LimitReader(res.Body, 64_000))
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if res.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("upstream error minting token (status %d): %s", res.StatusCode, body))
		}
		if got, want := res.StatusCode, http.StatusCreated; got != want {
			return fmt.Errorf("invalid http response status (expected %d to be %d): %s", got, want, string(body))
		}

		var resp struct {
			Token     string    `json:"token"`
			ExpiresAt time.Time `json:"expires_at"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("failed to parse response as json: %w: %s", err, string(body))
		}
		if resp.Token == "" {
			return fmt.Errorf("no token in response: %s", string(body))
		}

		tok = &InstallationToken{
			Value:     resp.Token,
			ExpiresAt: resp.ExpiresAt,
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to mint installation token for app %q: %w", a.Name, err)
	}

	return tok, nil
}

// parseRSAPrivateKeyPEM parses the input as a PEM-encoded RSA private key.
func parseRSAPrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to parse pem: no pem block found")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key pem: %w", err)
	}
	return key, nil
}
