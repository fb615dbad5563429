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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	return w.Body.String()
}

func TestMetricsHTTPEndpoint(t *testing.T) {
	m := NewMetrics()

	body := scrape(t, m)

	if !strings.Contains(body, "vasmeter_info{version=") {
		t.Error("Expected vasmeter_info metric in response")
	}
	if !strings.Contains(body, "# HELP") || !strings.Contains(body, "# TYPE") {
		t.Error("Expected HELP and TYPE comments in metrics output")
	}
}

func TestMetricsRecordSnapshot(t *testing.T) {
	m := NewMetrics()
	reading, temperature := 123.5, 11.25

	m.RecordSnapshot(&Snapshot{Meter: &MeterState{
		MeterID:     "M1",
		Reading:     &reading,
		Temperature: &temperature,
		Installed:   true,
	}})
	m.RecordSnapshot(&Snapshot{Batch: &BatchSummary{Meters: map[string]*MeterState{
		"M2": {MeterID: "M2", Installed: false},
	}}})

	body := scrape(t, m)
	expected := []string{
		`vasmeter_meter_reading_cubic_meters{meter_id="M1"} 123.5`,
		`vasmeter_meter_temperature_celsius{meter_id="M1"} 11.25`,
		`vasmeter_meter_installed{meter_id="M1"} 1`,
		`vasmeter_meter_installed{meter_id="M2"} 0`,
	}
	for _, want := range expected {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in output", want)
		}
	}
	if strings.Contains(body, `vasmeter_meter_reading_cubic_meters{meter_id="M2"}`) {
		t.Error("A meter without a reading should not export a reading series")
	}
}

func TestMetricsPollAndForget(t *testing.T) {
	m := NewMetrics()

	m.ObservePoll("meter:M1", KindMeter, "success", 0, 20*time.Millisecond)
	m.ObservePoll("meter:M1", KindMeter, ErrorClassTransport, 1, 10*time.Millisecond)
	m.ObservePoll("meter:M1", KindMeter, "skipped", 0, 0)
	m.ObserveAPIRequest(PathProfileData, 200, 5*time.Millisecond)
	m.ObserveAPIRequest(PathProfileData, 0, time.Millisecond)
	m.IncTokenExchange("success")

	body := scrape(t, m)
	expected := []string{
		`vasmeter_poll_total{kind="meter",result="success"} 1`,
		`vasmeter_poll_total{kind="meter",result="transport"} 1`,
		`vasmeter_poll_total{kind="meter",result="skipped"} 1`,
		`vasmeter_poll_duration_seconds_count{kind="meter"} 2`,
		`vasmeter_target_consecutive_failures{target="meter:M1"} 1`,
		`vasmeter_api_request_duration_seconds_count{endpoint="/api/SmartData/ProfileData",status="200"} 1`,
		`vasmeter_api_request_duration_seconds_count{endpoint="/api/SmartData/ProfileData",status="error"} 1`,
		`vasmeter_token_exchanges_total{result="success"} 1`,
		`vasmeter_target_last_success_timestamp_seconds{target="meter:M1"}`,
	}
	for _, want := range expected {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in output", want)
		}
	}

	reading := 1.0
	m.RecordSnapshot(&Snapshot{Meter: &MeterState{MeterID: "M1", Reading: &reading}})
	m.ForgetTarget("meter:M1", "M1")

	body = scrape(t, m)
	for _, gone := range []string{
		`vasmeter_target_consecutive_failures{target="meter:M1"}`,
		`vasmeter_target_last_success_timestamp_seconds{target="meter:M1"}`,
		`vasmeter_meter_reading_cubic_meters{meter_id="M1"}`,
	} {
		if strings.Contains(body, gone) {
			t.Errorf("Expected %q to be removed", gone)
		}
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics

	m.ObserveAPIRequest(PathToken, 200, time.Second)
	m.IncTokenExchange("failure")
	m.ObservePoll("liveness", KindLiveness, "success", 0, time.Second)
	m.RecordSnapshot(&Snapshot{})
	m.ForgetTarget("liveness", "")

	if m.Registry() != nil {
		t.Error("Expected nil registry for nil metrics")
	}

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 from nil metrics handler, got %d", w.Code)
	}
}
