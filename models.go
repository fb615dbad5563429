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
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FlexString holds a JSON scalar that the API sends inconsistently as a
// string, a number or null. The raw text is preserved.
type FlexString struct {
	Value string
	Valid bool
}

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = FlexString{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString{Value: s, Valid: true}
		return nil
	}

	if data[0] == '{' || data[0] == '[' {
		return fmt.Errorf("expected scalar, got %s", string(data))
	}

	// numbers and booleans keep their literal text
	*f = FlexString{Value: string(data), Valid: true}
	return nil
}

func (f FlexString) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// String returns the value, or "" when null
func (f FlexString) String() string {
	if !f.Valid {
		return ""
	}
	return f.Value
}

// Present reports whether the field carries a non-empty value
func (f FlexString) Present() bool {
	return f.Valid && strings.TrimSpace(f.Value) != ""
}

// CustomerAddress is the CP_ADRESS block of a customer record
type CustomerAddress struct {
	City        FlexString `json:"CITY"`
	CityPart    FlexString `json:"CITYPART"`
	Street      FlexString `json:"STREET"`
	HouseNumber FlexString `json:"HOUSENUM"`
}

// InstalledMeter is one entry of a customer's INSTALLED_METERS
type InstalledMeter struct {
	MeterID       FlexString `json:"METER_ID"`
	MeterNumber   FlexString `json:"METER_NUMBER"`
	MeterDateFrom FlexString `json:"METER_DATE_FROM"`
	MeterDateTo   FlexString `json:"METER_DATE_TO"`
	RadioNumber   FlexString `json:"RADIO_NUMBER"`
	RadioDateFrom FlexString `json:"RADIO_DATE_FROM"`
	RadioDateTo   FlexString `json:"RADIO_DATE_TO"`
	MPType        FlexString `json:"MP_TYPE"`
}

// CustomerRecord is one element of the CustomerData directory
type CustomerRecord struct {
	CustomerID      FlexString       `json:"CP_ID"`
	Address         CustomerAddress  `json:"CP_ADRESS"`
	TechNumber1     FlexString       `json:"TECHNUM1"`
	TechNumber2     FlexString       `json:"TECHNUM2"`
	InstalledMeters []InstalledMeter `json:"INSTALLED_METERS"`
}

// ProfileRecord is one daily observation from ProfileData
type ProfileRecord struct {
	Date        FlexString `json:"DATE"`
	State       FlexString `json:"STATE"`
	Heat        FlexString `json:"HEAT"`
	MeterDateTo FlexString `json:"METER_DATE_TO"`
}

// AlertRecord is one element of AlertData. The payload has no fixed schema
// so it is kept as decoded JSON.
type AlertRecord map[string]interface{}

// Get returns a field rendered as text, or "" if absent or null
func (a AlertRecord) Get(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// ProbeResult is the HelloWorld liveness response
type ProbeResult struct {
	Text       string    `json:"text"`
	ObservedAt time.Time `json:"observed_at"`
}
