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
	"fmt"
	"time"
)

type livenessPoller struct {
	api MeterAPI
}

func (p *livenessPoller) Poll(ctx context.Context) (*Snapshot, error) {
	probe, err := p.api.Probe(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{FetchedAt: time.Now(), Probe: probe}, nil
}

// directoryPoller reloads the meter directory. Reconciling the meter set
// happens on publish, once the result is known to be kept.
type directoryPoller struct {
	api MeterAPI
}

func (p *directoryPoller) Poll(ctx context.Context) (*Snapshot, error) {
	meters, customers, err := LoadMeters(ctx, p.api)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		FetchedAt: time.Now(),
		Directory: &DirectorySummary{Meters: meters, CustomerCount: customers},
	}, nil
}

// meterPoller fetches and reduces the profile of one meter. The identity is
// bound at construction, one poller per meter.
type meterPoller struct {
	api    MeterAPI
	meter  MeterIdentity
	now    func() time.Time
	logger *Logger
}

func newMeterPoller(api MeterAPI, meter MeterIdentity, logger *Logger) *meterPoller {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	return &meterPoller{
		api:    api,
		meter:  meter,
		now:    time.Now,
		logger: logger.WithMeterID(meter.MeterID),
	}
}

func (p *meterPoller) Poll(ctx context.Context) (*Snapshot, error) {
	st, err := p.fetch(ctx)
	if err != nil || st == nil {
		return nil, err
	}
	return &Snapshot{FetchedAt: st.FetchedAt, Meter: st}, nil
}

func (p *meterPoller) fetch(ctx context.Context) (*MeterState, error) {
	now := p.now()

	window, werr := WindowFor(p.meter, now)
	if werr != nil {
		p.logger.Warn("Using fallback query window", "error", werr.Error())
	}

	records, err := p.api.FetchProfile(ctx, p.meter.MeterID, window.From, window.To)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		p.logger.Warn("No profile data in window, keeping last known value",
			"date_from", window.From.Format(ProfileDateLayout),
			"date_to", window.To.Format(ProfileDateLayout),
		)
		return nil, nil
	}

	st := Reduce(records, p.meter, now)
	for _, issue := range st.Issues {
		p.logger.Warn("Unparseable profile value", "issue", issue)
	}
	return &st, nil
}

// batchPoller refreshes every meter in one scheduled unit. Meters are
// fetched concurrently and a failing meter only affects its own entry.
type batchPoller struct {
	meters func() []*meterBinding
}

// meterBinding pairs a meter's poller with the target that publishes it
type meterBinding struct {
	target *Target
	meter  MeterIdentity
}

func (p *batchPoller) Poll(ctx context.Context) (*Snapshot, error) {
	bindings := p.meters()
	if len(bindings) == 0 {
		return nil, nil
	}

	targets := make([]*Target, 0, len(bindings))
	for _, b := range bindings {
		targets = append(targets, b.target)
	}
	errs := refreshConcurrently(ctx, targets)

	summary := &BatchSummary{Meters: make(map[string]*MeterState, len(bindings))}
	var failures []error
	for i, b := range bindings {
		if errs[i] != nil && !errors.Is(errs[i], ErrRefreshInProgress) {
			summary.Failed++
			failures = append(failures, fmt.Errorf("meter %s: %w", b.meter.MeterID, errs[i]))
		} else {
			summary.Refreshed++
		}
		if snap := b.target.Snapshot(); snap != nil && snap.Meter != nil {
			summary.Meters[b.meter.MeterID] = snap.Meter
		}
	}

	if summary.Refreshed == 0 && len(failures) > 0 {
		return nil, errors.Join(failures...)
	}
	return &Snapshot{FetchedAt: time.Now(), Batch: summary}, nil
}
