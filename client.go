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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// MeterAPI is the subset of the SmartData API the pollers depend on
type MeterAPI interface {
	Probe(ctx context.Context) (*ProbeResult, error)
	ListCustomers(ctx context.Context) ([]CustomerRecord, error)
	FetchProfile(ctx context.Context, meterID string, from, to time.Time) ([]ProfileRecord, error)
	FetchAlerts(ctx context.Context) ([]AlertRecord, error)
}

// TokenSource supplies and invalidates bearer tokens
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(token string)
}

type pollIDKey struct{}

// WithPollID attaches a poll id that is sent as X-Request-ID
func WithPollID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, pollIDKey{}, id)
}

// PollIDFrom returns the poll id carried by ctx, if any
func PollIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(pollIDKey{}).(string)
	return id
}

// ClientOptions configures a VASClient
type ClientOptions struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Debug      bool
	Logger     *Logger
	Metrics    *Metrics
}

// VASClient talks to the SmartData API
type VASClient struct {
	BaseURL string
	tokens  TokenSource
	client  *http.Client
	limiter *rate.Limiter
	debug   bool
	logger  *Logger
	metrics *Metrics
}

var _ MeterAPI = (*VASClient)(nil)

// NewVASClient creates a new API client
func NewVASClient(opts ClientOptions) *VASClient {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: HTTPClientTimeout}
	}

	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(HTTPMinInterval), HTTPRateBurst)
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewDiscardLogger()
	}

	return &VASClient{
		BaseURL: base,
		tokens:  opts.Tokens,
		client:  httpClient,
		limiter: limiter,
		debug:   opts.Debug,
		logger:  logger.WithComponent("vas_client"),
		metrics: opts.Metrics,
	}
}

// Probe calls the HelloWorld liveness endpoint. The body is opaque and
// returned as text without interpretation.
func (c *VASClient) Probe(ctx context.Context) (*ProbeResult, error) {
	body, err := c.get(ctx, PathHelloWorld, nil)
	if err != nil {
		return nil, err
	}
	return &ProbeResult{
		Text:       strings.TrimSpace(string(body)),
		ObservedAt: time.Now(),
	}, nil
}

// ListCustomers returns every customer record together with its meters
func (c *VASClient) ListCustomers(ctx context.Context) ([]CustomerRecord, error) {
	var customers []CustomerRecord
	if err := c.getJSON(ctx, PathCustomerData, nil, &customers); err != nil {
		return nil, err
	}
	if customers == nil {
		customers = []CustomerRecord{}
	}
	return customers, nil
}

// FetchProfile returns the daily readings of one meter between from and to
func (c *VASClient) FetchProfile(ctx context.Context, meterID string, from, to time.Time) ([]ProfileRecord, error) {
	if meterID == "" {
		return nil, &ValidationError{Field: "meter_id", Message: "must not be empty"}
	}

	query := url.Values{}
	query.Set("METERID", meterID)
	query.Set("dateFrom", from.Format(ProfileDateLayout))
	query.Set("dateTo", to.Format(ProfileDateLayout))

	var records []ProfileRecord
	if err := c.getJSON(ctx, PathProfileData, query, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []ProfileRecord{}
	}
	return records, nil
}

// FetchAlerts returns the current alert list
func (c *VASClient) FetchAlerts(ctx context.Context) ([]AlertRecord, error) {
	var alerts []AlertRecord
	if err := c.getJSON(ctx, PathAlertData, nil, &alerts); err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []AlertRecord{}
	}
	return alerts, nil
}

func (c *VASClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return NewAPIError(http.StatusOK, path, "failed to decode response", string(body), err)
	}
	return nil
}

// get performs an authenticated GET. A 401 or 403 invalidates the token
// and is retried exactly once with a fresh one.
func (c *VASClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if c.tokens == nil {
		return nil, &AuthError{Message: "no credential manager configured"}
	}

	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		status, body, err := c.do(ctx, path, query, token)
		if err != nil {
			return nil, err
		}

		switch {
		case status >= 200 && status < 300:
			return body, nil
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			c.tokens.Invalidate(token)
			if attempt == 0 {
				c.logger.Debug("Token rejected, refreshing and retrying", "endpoint", path, "status_code", status)
				continue
			}
			return nil, &AuthError{
				StatusCode: status,
				Body:       truncateBody(string(body)),
				Message:    fmt.Sprintf("request to %s rejected after token refresh", path),
			}
		default:
			return nil, NewAPIError(status, path, http.StatusText(status), string(body), nil)
		}
	}
}

func (c *VASClient) do(ctx context.Context, path string, query url.Values, token string) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, &TransportError{Endpoint: path, Err: err}
	}

	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", GetUserAgent())
	if id := PollIDFrom(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	c.debugLogRequest(req.Method, endpoint, req.Header)

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.metrics.ObserveAPIRequest(path, 0, duration)
		return 0, nil, &TransportError{Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBodyBytes))
	if err != nil {
		c.metrics.ObserveAPIRequest(path, 0, duration)
		return 0, nil, &TransportError{Endpoint: path, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.metrics.ObserveAPIRequest(path, resp.StatusCode, duration)
	c.logger.LogAPIRequest(req.Method, path, resp.StatusCode, duration.Seconds())
	c.debugLogResponse(resp, body, duration)

	return resp.StatusCode, body, nil
}

// debugLogRequest logs detailed request information in debug mode
func (c *VASClient) debugLogRequest(method, url string, headers http.Header) {
	if !c.debug {
		return
	}

	// Mask sensitive headers
	maskedHeaders := make(map[string]string)
	for key, values := range headers {
		if len(values) == 0 {
			continue
		}
		if key == "Authorization" {
			maskedHeaders[key] = maskSecret(values[0])
		} else {
			maskedHeaders[key] = values[0]
		}
	}

	c.logger.Debug("→ HTTP Request",
		"method", method,
		"url", url,
		"headers", maskedHeaders,
	)
}

// debugLogResponse logs detailed response information in debug mode
func (c *VASClient) debugLogResponse(resp *http.Response, body []byte, duration time.Duration) {
	if !c.debug {
		return
	}

	c.logger.Debug("← HTTP Response",
		"status", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_type", resp.Header.Get("Content-Type"),
	)

	if len(body) > 0 {
		bodyStr := string(body)
		if len(bodyStr) > 500 {
			bodyStr = bodyStr[:500] + "... (truncated)"
		}
		c.logger.Debug("  Response Body", "body", bodyStr)
	}
}

// parseTimestamp accepts the date and date-time layouts the API uses
func parseTimestamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if isNullSentinel(v) {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	ProfileDateLayout,
}

// isNullSentinel reports whether v is one of the textual null markers the
// backend emits for absent dates
func isNullSentinel(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "null", "none":
		return true
	}
	return false
}

// IsAuthError reports whether err came from a credential or auth failure
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
