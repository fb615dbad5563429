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
	"fmt"
	"sort"
	"strings"
)

// CustomerContext is the static customer metadata attached to each meter
type CustomerContext struct {
	CustomerID  string `json:"customer_id"`
	City        string `json:"city"`
	CityPart    string `json:"city_part"`
	Street      string `json:"street"`
	HouseNumber string `json:"house_number"`
	TechNumber1 string `json:"technical_number1"`
	TechNumber2 string `json:"technical_number2"`
}

// MeterIdentity is one pollable meter with its static metadata. It is built
// once per directory load and never mutated afterwards.
type MeterIdentity struct {
	MeterID       string          `json:"meter_id"`
	MeterNumber   string          `json:"meter_number"`
	InstallFrom   string          `json:"meter_date_from"`
	InstallTo     string          `json:"meter_date_to"`
	RadioNumber   string          `json:"radio_number"`
	RadioDateFrom string          `json:"radio_date_from"`
	RadioDateTo   string          `json:"radio_date_to"`
	MPType        string          `json:"mp_type"`
	Customer      CustomerContext `json:"customer"`
}

// Installed is derived from the removal date
func (m MeterIdentity) Installed() bool {
	return isNullSentinel(m.InstallTo)
}

// Attributes returns the static metadata exposed alongside a meter's value
func (m MeterIdentity) Attributes() map[string]interface{} {
	return map[string]interface{}{
		"meter_id":          m.MeterID,
		"meter_number":      m.MeterNumber,
		"customer_id":       m.Customer.CustomerID,
		"city":              m.Customer.City,
		"city_part":         m.Customer.CityPart,
		"street":            m.Customer.Street,
		"house_number":      m.Customer.HouseNumber,
		"technical_number1": m.Customer.TechNumber1,
		"technical_number2": m.Customer.TechNumber2,
		"meter_date_from":   m.InstallFrom,
		"meter_date_to":     m.InstallTo,
		"radio_number":      m.RadioNumber,
		"radio_date_from":   m.RadioDateFrom,
		"radio_date_to":     m.RadioDateTo,
		"mp_type":           m.MPType,
	}
}

// Address renders the customer address on one line
func (m MeterIdentity) Address() string {
	var parts []string
	street := strings.TrimSpace(m.Customer.Street + " " + m.Customer.HouseNumber)
	for _, p := range []string{street, m.Customer.CityPart, m.Customer.City} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// FlattenDirectory turns the customer directory into meter identities keyed
// by meter id. Meters without an id are skipped; when an id appears twice
// the first occurrence wins. The result is sorted by meter id.
func FlattenDirectory(customers []CustomerRecord) []MeterIdentity {
	seen := make(map[string]bool)
	var meters []MeterIdentity

	for _, customer := range customers {
		cc := CustomerContext{
			CustomerID:  customer.CustomerID.String(),
			City:        customer.Address.City.String(),
			CityPart:    customer.Address.CityPart.String(),
			Street:      customer.Address.Street.String(),
			HouseNumber: customer.Address.HouseNumber.String(),
			TechNumber1: customer.TechNumber1.String(),
			TechNumber2: customer.TechNumber2.String(),
		}

		for _, im := range customer.InstalledMeters {
			id := strings.TrimSpace(im.MeterID.String())
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true

			number := im.MeterNumber.String()
			if number == "" {
				number = id
			}

			meters = append(meters, MeterIdentity{
				MeterID:       id,
				MeterNumber:   number,
				InstallFrom:   im.MeterDateFrom.String(),
				InstallTo:     im.MeterDateTo.String(),
				RadioNumber:   im.RadioNumber.String(),
				RadioDateFrom: im.RadioDateFrom.String(),
				RadioDateTo:   im.RadioDateTo.String(),
				MPType:        im.MPType.String(),
				Customer:      cc,
			})
		}
	}

	sort.Slice(meters, func(i, j int) bool { return meters[i].MeterID < meters[j].MeterID })
	return meters
}

// LoadMeters fetches the directory and flattens it
func LoadMeters(ctx context.Context, api MeterAPI) ([]MeterIdentity, int, error) {
	customers, err := api.ListCustomers(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load meter directory: %w", err)
	}
	return FlattenDirectory(customers), len(customers), nil
}
