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
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the daemon. All methods are
// safe to call on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	meterReading     *prometheus.GaugeVec
	meterTemperature *prometheus.GaugeVec
	meterInstalled   *prometheus.GaugeVec
	pollTotal        *prometheus.CounterVec
	pollDuration     *prometheus.HistogramVec
	apiDuration      *prometheus.HistogramVec
	tokenExchanges   *prometheus.CounterVec
	lastSuccess      *prometheus.GaugeVec
	consecutiveFails *prometheus.GaugeVec
	info             *prometheus.GaugeVec
}

// NewMetrics registers all collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		meterReading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vasmeter_meter_reading_cubic_meters",
			Help: "Most recent meter register reading in m³",
		}, []string{"meter_id"}),
		meterTemperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vasmeter_meter_temperature_celsius",
			Help: "Most recent temperature reported by the meter in °C",
		}, []string{"meter_id"}),
		meterInstalled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vasmeter_meter_installed",
			Help: "Whether the meter is currently installed (1) or removed (0)",
		}, []string{"meter_id"}),
		pollTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vasmeter_poll_total",
			Help: "Poll attempts by target kind and result class",
		}, []string{"kind", "result"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vasmeter_poll_duration_seconds",
			Help:    "Duration of a target refresh",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vasmeter_api_request_duration_seconds",
			Help:    "SmartData API request durations by endpoint and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint", "status"}),
		tokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vasmeter_token_exchanges_total",
			Help: "Credential exchanges by result",
		}, []string{"result"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vasmeter_target_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful refresh per target",
		}, []string{"target"}),
		consecutiveFails: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vasmeter_target_consecutive_failures",
			Help: "Consecutive failed refreshes per target",
		}, []string{"target"}),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vasmeter_info",
			Help: "Build information",
		}, []string{"version"}),
	}

	m.registry.MustRegister(
		m.meterReading,
		m.meterTemperature,
		m.meterInstalled,
		m.pollTotal,
		m.pollDuration,
		m.apiDuration,
		m.tokenExchanges,
		m.lastSuccess,
		m.consecutiveFails,
		m.info,
	)
	m.info.WithLabelValues(GetVersion()).Set(1)

	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAPIRequest records one API call. status 0 means no response.
func (m *Metrics) ObserveAPIRequest(endpoint string, status int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status != 0 {
		label = strconv.Itoa(status)
	}
	m.apiDuration.WithLabelValues(endpoint, label).Observe(d.Seconds())
}

// IncTokenExchange counts one credential exchange
func (m *Metrics) IncTokenExchange(result string) {
	if m == nil {
		return
	}
	m.tokenExchanges.WithLabelValues(result).Inc()
}

// ObservePoll records the outcome of one refresh. result is "success",
// "skipped" or an error class.
func (m *Metrics) ObservePoll(targetID, kind, result string, failures int, d time.Duration) {
	if m == nil {
		return
	}
	m.pollTotal.WithLabelValues(kind, result).Inc()
	if result == "skipped" {
		return
	}
	m.pollDuration.WithLabelValues(kind).Observe(d.Seconds())
	m.consecutiveFails.WithLabelValues(targetID).Set(float64(failures))
	if result == "success" {
		m.lastSuccess.WithLabelValues(targetID).Set(float64(time.Now().Unix()))
	}
}

// RecordSnapshot updates the per-meter gauges from a published snapshot
func (m *Metrics) RecordSnapshot(snap *Snapshot) {
	if m == nil || snap == nil {
		return
	}
	if snap.Meter != nil {
		m.recordMeter(snap.Meter)
	}
	if snap.Batch != nil {
		for _, st := range snap.Batch.Meters {
			m.recordMeter(st)
		}
	}
}

func (m *Metrics) recordMeter(st *MeterState) {
	if st == nil {
		return
	}
	if st.Reading != nil {
		m.meterReading.WithLabelValues(st.MeterID).Set(*st.Reading)
	}
	if st.Temperature != nil {
		m.meterTemperature.WithLabelValues(st.MeterID).Set(*st.Temperature)
	}
	installed := 0.0
	if st.Installed {
		installed = 1
	}
	m.meterInstalled.WithLabelValues(st.MeterID).Set(installed)
}

// ForgetTarget removes the series of a dropped target
func (m *Metrics) ForgetTarget(targetID, meterID string) {
	if m == nil {
		return
	}
	m.lastSuccess.DeleteLabelValues(targetID)
	m.consecutiveFails.DeleteLabelValues(targetID)
	if meterID != "" {
		m.meterReading.DeleteLabelValues(meterID)
		m.meterTemperature.DeleteLabelValues(meterID)
		m.meterInstalled.DeleteLabelValues(meterID)
	}
}
