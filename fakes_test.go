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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// fakeBackend imitates the SmartData token endpoint and API. Only the most
// recently issued tokens that have not been revoked are accepted.
type fakeBackend struct {
	server *httptest.Server

	mu           sync.Mutex
	tokenCalls   int
	tokenStatus  int
	tokenDelay   time.Duration
	expiresIn    int
	tokenFactory func(n int) string
	valid        map[string]bool
	lastForm     url.Values
	apiCalls     map[string]int
	routes       map[string]http.HandlerFunc
	requestIDs   []string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		expiresIn: 3600,
		valid:     make(map[string]bool),
		apiCalls:  make(map[string]int),
		routes:    make(map[string]http.HandlerFunc),
	}
	fb.server = httptest.NewServer(http.HandlerFunc(fb.serve))
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBackend) URL() string {
	return fb.server.URL
}

func (fb *fakeBackend) handle(path string, h http.HandlerFunc) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.routes[path] = h
}

func (fb *fakeBackend) handleJSON(path string, body string) {
	fb.handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	})
}

func (fb *fakeBackend) revokeAll() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.valid = make(map[string]bool)
}

func (fb *fakeBackend) setTokenStatus(status int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.tokenStatus = status
}

func (fb *fakeBackend) tokenCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.tokenCalls
}

func (fb *fakeBackend) callCount(path string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.apiCalls[path]
}

func (fb *fakeBackend) form() url.Values {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.lastForm
}

func (fb *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == PathToken {
		fb.serveToken(w, r)
		return
	}

	fb.mu.Lock()
	fb.apiCalls[r.URL.Path]++
	if id := r.Header.Get("X-Request-ID"); id != "" {
		fb.requestIDs = append(fb.requestIDs, id)
	}
	route := fb.routes[r.URL.Path]
	auth := r.Header.Get("Authorization")
	ok := len(auth) > len("Bearer ") && fb.valid[auth[len("Bearer "):]]
	fb.mu.Unlock()

	if !ok {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if route == nil {
		http.NotFound(w, r)
		return
	}
	route(w, r)
}

func (fb *fakeBackend) serveToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	fb.mu.Lock()
	fb.tokenCalls++
	fb.lastForm = r.PostForm
	n := fb.tokenCalls
	status := fb.tokenStatus
	delay := fb.tokenDelay
	expiresIn := fb.expiresIn
	factory := fb.tokenFactory
	var token string
	if status == 0 || status == http.StatusOK {
		token = fmt.Sprintf("token-%d", n)
		if factory != nil {
			token = factory(n)
		}
		fb.valid[token] = true
	}
	fb.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	w.Header().Set("Content-Type", "application/json")
	if token == "" {
		w.WriteHeader(status)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"bad credentials"}`)
		return
	}

	resp := map[string]interface{}{
		"access_token": token,
		"token_type":   "Bearer",
	}
	if expiresIn > 0 {
		resp["expires_in"] = expiresIn
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCredentials(fb *fakeBackend, clock *fakeClock) *CredentialManager {
	opts := CredentialOptions{
		BaseURL:      fb.URL(),
		Username:     "user@example.com",
		Password:     "s3cret-password",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	return NewCredentialManager(opts)
}

func newTestClient(fb *fakeBackend, creds *CredentialManager) *VASClient {
	return NewVASClient(ClientOptions{
		BaseURL: fb.URL(),
		Tokens:  creds,
		Limiter: rate.NewLimiter(rate.Inf, 1),
	})
}

func testConfig(baseURL string) *Config {
	cfg := &Config{
		Username:     "user@example.com",
		Password:     "s3cret-password",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		BaseURL:      baseURL,
	}
	cfg.ApplyDefaults()
	return cfg
}

// fakeAPI is an in-memory MeterAPI for orchestration tests
type fakeAPI struct {
	mu          sync.Mutex
	probeText   string
	probeErr    error
	customers   []CustomerRecord
	dirErr      error
	profiles    map[string][]ProfileRecord
	profileErrs map[string]error
	alerts      []AlertRecord
	calls       map[string]int

	// when set, FetchProfile announces itself on started and waits on release
	started chan string
	release chan struct{}

	// the same for ListCustomers
	dirStarted chan struct{}
	dirRelease chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		probeText:   "Hello World",
		profiles:    make(map[string][]ProfileRecord),
		profileErrs: make(map[string]error),
		calls:       make(map[string]int),
	}
}

func (f *fakeAPI) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeAPI) setProfile(meterID string, records []ProfileRecord, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[meterID] = records
	f.profileErrs[meterID] = err
}

func (f *fakeAPI) Probe(ctx context.Context) (*ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["probe"]++
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return &ProbeResult{Text: f.probeText, ObservedAt: time.Now()}, nil
}

func (f *fakeAPI) ListCustomers(ctx context.Context) ([]CustomerRecord, error) {
	f.mu.Lock()
	f.calls["customers"]++
	started, release := f.dirStarted, f.dirRelease
	customers, err := f.customers, f.dirErr
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return customers, nil
}

func (f *fakeAPI) FetchProfile(ctx context.Context, meterID string, from, to time.Time) ([]ProfileRecord, error) {
	f.mu.Lock()
	f.calls["profile:"+meterID]++
	started, release := f.started, f.release
	records, err := f.profiles[meterID], f.profileErrs[meterID]
	f.mu.Unlock()

	if started != nil {
		started <- meterID
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return records, err
}

func (f *fakeAPI) FetchAlerts(ctx context.Context) ([]AlertRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["alerts"]++
	return f.alerts, nil
}

func newFlexString(v string) FlexString {
	return FlexString{Value: v, Valid: true}
}

func profile(date, state, heat string) ProfileRecord {
	rec := ProfileRecord{Date: newFlexString(date), State: newFlexString(state)}
	if heat != "" {
		rec.Heat = newFlexString(heat)
	}
	return rec
}

func testMeter(id string) MeterIdentity {
	return MeterIdentity{
		MeterID:     id,
		MeterNumber: "N-" + id,
		InstallFrom: "2020-01-01",
		Customer:    CustomerContext{CustomerID: "C1", City: "Olomouc"},
	}
}

// customersJSON builds a CustomerData payload with one customer per meter id
func customersJSON(meterIDs ...string) string {
	var customers []map[string]interface{}
	for _, id := range meterIDs {
		customers = append(customers, map[string]interface{}{
			"CP_ID": "CP-" + id,
			"CP_ADRESS": map[string]interface{}{
				"CITY":     "Olomouc",
				"CITYPART": "Nová Ulice",
				"STREET":   "Tržní",
				"HOUSENUM": "12",
			},
			"TECHNUM1": "T1",
			"TECHNUM2": nil,
			"INSTALLED_METERS": []map[string]interface{}{{
				"METER_ID":        id,
				"METER_NUMBER":    "N-" + id,
				"METER_DATE_FROM": "2020-01-01",
				"METER_DATE_TO":   nil,
				"RADIO_NUMBER":    "R-" + id,
				"MP_TYPE":         "SV",
			}},
		})
	}
	data, _ := json.Marshal(customers)
	return string(data)
}
