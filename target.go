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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Target kinds
const (
	KindLiveness  = "liveness"
	KindDirectory = "directory"
	KindMeter     = "meter"
	KindMeters    = "meters"
)

// Target ids for the singleton targets
const (
	TargetLiveness  = "liveness"
	TargetDirectory = "directory"
	TargetMeters    = "meters"
)

// MeterTargetID returns the target id for a meter
func MeterTargetID(meterID string) string {
	return "meter:" + meterID
}

// DirectorySummary is the published result of a directory load
type DirectorySummary struct {
	Meters        []MeterIdentity `json:"meters"`
	CustomerCount int             `json:"customer_count"`
}

// BatchSummary is the published result of a batch refresh
type BatchSummary struct {
	Meters    map[string]*MeterState `json:"meters"`
	Refreshed int                    `json:"refreshed"`
	Failed    int                    `json:"failed"`
}

// Snapshot is the last good result of a target. Once published it is never
// mutated; a refresh replaces it whole.
type Snapshot struct {
	TargetID  string            `json:"target_id"`
	Kind      string            `json:"kind"`
	FetchedAt time.Time         `json:"fetched_at"`
	Meter     *MeterState       `json:"meter,omitempty"`
	Probe     *ProbeResult      `json:"probe,omitempty"`
	Directory *DirectorySummary `json:"directory,omitempty"`
	Batch     *BatchSummary     `json:"batch,omitempty"`
	Restored  bool              `json:"restored,omitempty"`
}

// Poller performs the fetch for one target. Returning a nil snapshot with a
// nil error keeps the previous snapshot.
type Poller interface {
	Poll(ctx context.Context) (*Snapshot, error)
}

// PublishFunc receives every snapshot a target publishes
type PublishFunc func(t *Target, snap *Snapshot)

// TargetStatus is a point-in-time view of a target's bookkeeping
type TargetStatus struct {
	ID                  string     `json:"id"`
	Kind                string     `json:"kind"`
	Interval            string     `json:"interval"`
	Fetching            bool       `json:"fetching"`
	LastAttempt         *time.Time `json:"last_attempt,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastErrorClass      string     `json:"last_error_class,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Skipped             int64      `json:"skipped"`
	Polls               int64      `json:"polls"`
}

// Target is one independently scheduled unit of polling
type Target struct {
	ID       string
	Kind     string
	Interval time.Duration
	MeterID  string

	poller  Poller
	pool    *semaphore.Weighted
	logger  *Logger
	metrics *Metrics
	publish PublishFunc

	inFlight atomic.Bool
	dropped  atomic.Bool
	current  atomic.Pointer[Snapshot]
	skipped  atomic.Int64
	polls    atomic.Int64

	mu          sync.Mutex
	lastAttempt time.Time
	lastSuccess time.Time
	lastErr     error
	failures    int

	cancel context.CancelFunc
}

// TargetOptions configures a new Target
type TargetOptions struct {
	ID       string
	Kind     string
	Interval time.Duration
	MeterID  string
	Poller   Poller
	Pool     *semaphore.Weighted
	Logger   *Logger
	Metrics  *Metrics
	Publish  PublishFunc
}

// NewTarget creates an idle target
func NewTarget(opts TargetOptions) *Target {
	logger := opts.Logger
	if logger == nil {
		logger = NewDiscardLogger()
	}
	logger = logger.WithTarget(opts.ID, opts.Kind)
	if opts.MeterID != "" {
		logger = logger.WithMeterID(opts.MeterID)
	}

	return &Target{
		ID:       opts.ID,
		Kind:     opts.Kind,
		Interval: opts.Interval,
		MeterID:  opts.MeterID,
		poller:   opts.Poller,
		pool:     opts.Pool,
		logger:   logger,
		metrics:  opts.Metrics,
		publish:  opts.Publish,
	}
}

// Refresh runs one fetch. If a fetch is already outstanding the call is a
// no-op returning ErrRefreshInProgress. Fetch errors are recorded and
// returned but never clear the current snapshot.
func (t *Target) Refresh(ctx context.Context) error {
	if t.dropped.Load() {
		return ErrTargetDropped
	}
	if !t.inFlight.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		t.metrics.ObservePoll(t.ID, t.Kind, "skipped", 0, 0)
		t.logger.Debug("Refresh skipped, fetch already in flight")
		return ErrRefreshInProgress
	}
	defer t.inFlight.Store(false)

	if t.pool != nil {
		if err := t.pool.Acquire(ctx, 1); err != nil {
			return err
		}
		defer t.pool.Release(1)
	}

	pollID := uuid.NewString()
	ctx = WithPollID(ctx, pollID)
	logger := t.logger.With("poll_id", pollID)

	start := time.Now()
	t.mu.Lock()
	t.lastAttempt = start
	t.mu.Unlock()
	t.polls.Add(1)

	snap, err := t.poller.Poll(ctx)
	duration := time.Since(start)

	if t.dropped.Load() {
		logger.Debug("Discarding result for dropped target")
		return ErrTargetDropped
	}

	if err != nil {
		class := ErrorClass(err)
		t.mu.Lock()
		t.lastErr = err
		t.failures++
		failures := t.failures
		t.mu.Unlock()

		t.metrics.ObservePoll(t.ID, t.Kind, class, failures, duration)
		if errors.Is(err, context.Canceled) {
			logger.Debug("Refresh canceled")
		} else {
			logger.Warn("Refresh failed, keeping last known value",
				"class", class,
				"consecutive_failures", failures,
				"error", err.Error(),
			)
		}
		return err
	}

	t.mu.Lock()
	t.lastErr = nil
	t.failures = 0
	t.lastSuccess = time.Now()
	t.mu.Unlock()
	t.metrics.ObservePoll(t.ID, t.Kind, "success", 0, duration)

	if snap == nil {
		logger.Debug("Refresh returned no new data, keeping last known value")
		return nil
	}

	snap.TargetID = t.ID
	snap.Kind = t.Kind
	t.current.Store(snap)
	logger.Debug("Refresh published", "duration_ms", duration.Milliseconds())

	if t.publish != nil {
		t.publish(t, snap)
	}
	return nil
}

// Seed installs a restored snapshot if the target has none yet
func (t *Target) Seed(snap *Snapshot) {
	if snap == nil {
		return
	}
	t.current.CompareAndSwap(nil, snap)
}

// Snapshot returns the last published snapshot or nil
func (t *Target) Snapshot() *Snapshot {
	return t.current.Load()
}

// CurrentValue returns the primary value of the target for display
func (t *Target) CurrentValue() interface{} {
	snap := t.current.Load()
	if snap == nil {
		return nil
	}
	switch {
	case snap.Meter != nil:
		if snap.Meter.Reading == nil {
			return nil
		}
		return *snap.Meter.Reading
	case snap.Probe != nil:
		return snap.Probe.Text
	case snap.Directory != nil:
		return len(snap.Directory.Meters)
	case snap.Batch != nil:
		return snap.Batch.Refreshed
	}
	return nil
}

// CurrentAttributes returns freshness timestamps and static metadata
func (t *Target) CurrentAttributes(meter *MeterIdentity) map[string]interface{} {
	attrs := map[string]interface{}{}
	if meter != nil {
		for k, v := range meter.Attributes() {
			attrs[k] = v
		}
	}

	snap := t.current.Load()
	if snap == nil {
		return attrs
	}

	attrs["fetched_at"] = snap.FetchedAt.Format(time.RFC3339)
	if snap.Restored {
		attrs["restored"] = true
	}
	switch {
	case snap.Meter != nil:
		for k, v := range snap.Meter.Attributes(snap.FetchedAt) {
			attrs[k] = v
		}
		if snap.Meter.Temperature != nil {
			attrs["temperature"] = *snap.Meter.Temperature
		}
	case snap.Probe != nil:
		attrs["last_update"] = snap.Probe.ObservedAt.Format(time.RFC3339)
	case snap.Directory != nil:
		attrs["customer_count"] = snap.Directory.CustomerCount
	case snap.Batch != nil:
		attrs["failed"] = snap.Batch.Failed
	}
	return attrs
}

// Status returns the bookkeeping of the target
func (t *Target) Status() TargetStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := TargetStatus{
		ID:                  t.ID,
		Kind:                t.Kind,
		Fetching:            t.inFlight.Load(),
		ConsecutiveFailures: t.failures,
		Skipped:             t.skipped.Load(),
		Polls:               t.polls.Load(),
	}
	if t.Interval > 0 {
		st.Interval = t.Interval.String()
	}
	if !t.lastAttempt.IsZero() {
		at := t.lastAttempt
		st.LastAttempt = &at
	}
	if !t.lastSuccess.IsZero() {
		at := t.lastSuccess
		st.LastSuccess = &at
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
		st.LastErrorClass = ErrorClass(t.lastErr)
	}
	return st
}

// Dropped reports whether the target was removed
func (t *Target) Dropped() bool {
	return t.dropped.Load()
}

// run ticks until ctx is done. Each tick dispatches the refresh on its own
// goroutine so a slow fetch makes the next tick skip rather than queue.
func (t *Target) run(ctx context.Context, wg *sync.WaitGroup) {
	if t.Interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = t.Refresh(ctx)
			}()
		}
	}
}
