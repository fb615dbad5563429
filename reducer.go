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
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MeterState is the reduced "latest observation" for one meter
type MeterState struct {
	MeterID         string   `json:"meter_id"`
	MeterNumber     string   `json:"meter_number"`
	Reading         *float64 `json:"reading"`
	RawReading      string   `json:"raw_reading,omitempty"`
	Temperature     *float64 `json:"temperature"`
	RawTemperature  string   `json:"raw_temperature,omitempty"`
	Installed       bool     `json:"installed"`
	InstallTo       string   `json:"install_to,omitempty"`
	SourceTimestamp string   `json:"source_timestamp,omitempty"`
	// LastUpdate is the record date when present, else the fetch time
	LastUpdate string    `json:"last_update"`
	FetchedAt  time.Time `json:"fetched_at"`
	HasData    bool      `json:"has_data"`
	Issues     []string  `json:"issues,omitempty"`
}

// Reduce picks the last record of an ascending series and derives the
// published values from it. It performs no I/O.
func Reduce(records []ProfileRecord, meter MeterIdentity, fetchedAt time.Time) MeterState {
	st := MeterState{
		MeterID:     meter.MeterID,
		MeterNumber: meter.MeterNumber,
		InstallTo:   meter.InstallTo,
		Installed:   meter.Installed(),
		LastUpdate:  fetchedAt.Format(time.RFC3339),
		FetchedAt:   fetchedAt,
	}

	if len(records) == 0 {
		return st
	}
	st.HasData = true

	last := records[len(records)-1]

	st.RawReading = last.State.String()
	if v, err := parseMeasurement("STATE", last.State); err != nil {
		st.Issues = append(st.Issues, err.Error())
	} else {
		st.Reading = v
	}

	st.RawTemperature = last.Heat.String()
	if v, err := parseMeasurement("HEAT", last.Heat); err != nil {
		st.Issues = append(st.Issues, err.Error())
	} else {
		st.Temperature = v
	}

	if last.MeterDateTo.Present() {
		st.InstallTo = last.MeterDateTo.String()
		st.Installed = isNullSentinel(st.InstallTo)
	}

	if last.Date.Present() {
		st.SourceTimestamp = last.Date.String()
		st.LastUpdate = st.SourceTimestamp
	}

	return st
}

// parseMeasurement parses a numeric field. A missing field yields nil with
// no error; anything unparseable yields nil and a ValidationError.
func parseMeasurement(field string, raw FlexString) (*float64, error) {
	if !raw.Present() {
		return nil, nil
	}

	text := strings.TrimSpace(raw.String())
	if strings.Count(text, ",") == 1 && !strings.Contains(text, ".") {
		text = strings.Replace(text, ",", ".", 1)
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, &ValidationError{
			Field:   field,
			Value:   raw.String(),
			Message: "not a finite number",
		}
	}
	return &v, nil
}

// Attributes returns the freshness attributes published with a meter value
func (s MeterState) Attributes(seenAt time.Time) map[string]interface{} {
	attrs := map[string]interface{}{
		"last_update": s.LastUpdate,
		"last_seen":   seenAt.Format(time.RFC3339),
		"installed":   s.Installed,
		"has_data":    s.HasData,
	}
	if s.RawReading != "" && s.Reading == nil {
		attrs["raw_reading"] = s.RawReading
	}
	if s.RawTemperature != "" && s.Temperature == nil {
		attrs["raw_temperature"] = s.RawTemperature
	}
	if len(s.Issues) > 0 {
		attrs["issues"] = s.Issues
	}
	return attrs
}

// FormatReading renders a reading for tables, "-" when unknown
func FormatReading(v *float64, unit string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.3f %s", *v, unit)
}
