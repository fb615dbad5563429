// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// CredentialOptions configures a CredentialManager
type CredentialOptions struct {
	BaseURL      string
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Margin       time.Duration
	Logger       *Logger
	Metrics      *Metrics
	Now          func() time.Time
}

// CredentialManager obtains and caches the bearer token for the SmartData
// API. A cached token is served without network I/O until its safety-adjusted
// expiry. Concurrent callers that find it stale share one exchange.
type CredentialManager struct {
	config   oauth2.Config
	username string
	password string
	client   *http.Client
	margin   time.Duration
	now      func() time.Time
	logger   *Logger
	metrics  *Metrics

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group     singleflight.Group
	exchanges atomic.Int64
}

// NewCredentialManager creates a credential manager for the password grant
func NewCredentialManager(opts CredentialOptions) *CredentialManager {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: HTTPClientTimeout}
	}

	margin := opts.Margin
	if margin <= 0 {
		margin = TokenSafetyMargin
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewDiscardLogger()
	}

	return &CredentialManager{
		config: oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  base + PathToken,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		username: opts.Username,
		password: opts.Password,
		client:   httpClient,
		margin:   margin,
		now:      now,
		logger:   logger.WithComponent("credentials").WithUsername(opts.Username),
		metrics:  opts.Metrics,
	}
}

// Token returns a valid bearer token, exchanging credentials when the cached
// one is missing or expired.
func (m *CredentialManager) Token(ctx context.Context) (string, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	ch := m.group.DoChan("token", func() (interface{}, error) {
		// another caller may have refreshed while we waited
		if tok, ok := m.cached(); ok {
			return tok, nil
		}
		// the exchange must not die with whichever caller arrived first
		return m.exchange(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token if it is still the one given. A request
// that was rejected with an older token does not discard a newer one.
func (m *CredentialManager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token != "" && m.token != token {
		return
	}
	m.token = ""
	m.expiresAt = time.Time{}
	m.logger.Debug("Cached token invalidated")
}

// ExpiresAt returns the safety-adjusted expiry of the cached token
func (m *CredentialManager) ExpiresAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiresAt
}

// Exchanges returns how many token exchanges have been attempted
func (m *CredentialManager) Exchanges() int64 {
	return m.exchanges.Load()
}

func (m *CredentialManager) cached() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.token == "" || !m.now().Before(m.expiresAt) {
		return "", false
	}
	return m.token, true
}

func (m *CredentialManager) exchange(ctx context.Context) (string, error) {
	m.exchanges.Add(1)
	m.logger.Debug("Requesting new access token", "token_url", m.config.Endpoint.TokenURL)

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	start := time.Now()
	tok, err := m.config.PasswordCredentialsToken(ctx, m.username, m.password)
	m.metrics.ObserveAPIRequest(PathToken, exchangeStatus(err), time.Since(start))

	if err != nil {
		m.metrics.IncTokenExchange("failure")
		authErr := m.mapExchangeError(err)
		m.logger.Error("Token exchange failed",
			"status_code", authErr.StatusCode,
			"class", ErrorClassAuth,
			"error", authErr.Message,
		)
		return "", authErr
	}
	if tok.AccessToken == "" {
		m.metrics.IncTokenExchange("failure")
		return "", &AuthError{Message: "token response carried no access_token"}
	}

	lifetime := m.lifetimeOf(tok)
	margin := m.margin
	if margin > lifetime/2 {
		margin = lifetime / 2
	}
	expiresAt := m.now().Add(lifetime - margin)

	m.mu.Lock()
	m.token = tok.AccessToken
	m.expiresAt = expiresAt
	m.mu.Unlock()

	m.metrics.IncTokenExchange("success")
	m.logger.Info("Access token obtained",
		"lifetime_seconds", int(lifetime.Seconds()),
		"expires_at", expiresAt.Format(time.RFC3339),
	)
	return tok.AccessToken, nil
}

// lifetimeOf prefers expires_in, then the JWT exp claim, then the default
func (m *CredentialManager) lifetimeOf(tok *oauth2.Token) time.Duration {
	if !tok.Expiry.IsZero() {
		if d := time.Until(tok.Expiry).Round(time.Second); d > 0 {
			return d
		}
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			if d := exp.Time.Sub(m.now()); d > 0 {
				return d
			}
		}
	}

	return DefaultTokenLifetime
}

func (m *CredentialManager) mapExchangeError(err error) *AuthError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		msg := "token endpoint rejected credentials"
		if retrieveErr.ErrorCode != "" {
			msg += ": " + retrieveErr.ErrorCode
		}
		return &AuthError{
			StatusCode: status,
			Body:       truncateBody(string(retrieveErr.Body)),
			Message:    msg,
			Err:        err,
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) {
		return &AuthError{
			Message: "token endpoint unreachable",
			Err:     &TransportError{Endpoint: PathToken, Err: err},
		}
	}

	return &AuthError{Message: "token exchange failed", Err: err}
}

// exchangeStatus returns the HTTP status of a token exchange, 0 when none
func exchangeStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return retrieveErr.Response.StatusCode
	}
	return 0
}
