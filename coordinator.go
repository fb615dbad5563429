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
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// CoordinatorOptions configures a Coordinator
type CoordinatorOptions struct {
	API               MeterAPI
	Workers           int
	MeterMode         string
	PollInterval      time.Duration
	LivenessInterval  time.Duration
	DirectoryInterval time.Duration
	Logger            *Logger
	Metrics           *Metrics
	Publish           PublishFunc
}

// Coordinator owns the set of poll targets. Every target has its own timer
// and last good snapshot. Meter targets are keyed by meter id through an
// explicit map, never through closures over loop variables.
type Coordinator struct {
	api     MeterAPI
	opts    CoordinatorOptions
	pool    *semaphore.Weighted
	logger  *Logger
	metrics *Metrics

	mu      sync.RWMutex
	targets map[string]*Target
	meters  map[string]MeterIdentity
	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	wg sync.WaitGroup
}

// NewCoordinator creates an empty coordinator
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MeterMode == "" {
		opts.MeterMode = MeterModePerMeter
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = DefaultLivenessInterval
	}
	if opts.DirectoryInterval <= 0 {
		opts.DirectoryInterval = DefaultDirectoryInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewDiscardLogger()
	}

	return &Coordinator{
		api:     opts.API,
		opts:    opts,
		pool:    semaphore.NewWeighted(int64(opts.Workers)),
		logger:  logger.WithComponent("coordinator"),
		metrics: opts.Metrics,
		targets: make(map[string]*Target),
		meters:  make(map[string]MeterIdentity),
	}
}

// AddLiveness registers the HelloWorld probe target
func (c *Coordinator) AddLiveness() *Target {
	return c.add(TargetOptions{
		ID:       TargetLiveness,
		Kind:     KindLiveness,
		Interval: c.opts.LivenessInterval,
		Poller:   &livenessPoller{api: c.api},
		Pool:     c.pool,
	})
}

// AddDirectory registers the directory reload target. onLoad receives the
// meter set of every published reload; a reload that finishes after the
// target was dropped or the coordinator stopped never reaches it.
func (c *Coordinator) AddDirectory(onLoad func(meters []MeterIdentity)) *Target {
	var hook PublishFunc
	if onLoad != nil {
		hook = func(t *Target, snap *Snapshot) {
			if snap.Directory == nil || t.Dropped() {
				return
			}
			onLoad(snap.Directory.Meters)
		}
	}
	return c.add(TargetOptions{
		ID:       TargetDirectory,
		Kind:     KindDirectory,
		Interval: c.opts.DirectoryInterval,
		Poller:   &directoryPoller{api: c.api},
		Pool:     c.pool,
		Publish:  hook,
	})
}

// AddMeter registers a meter target, seeding it with a restored snapshot if
// one is given. In batch mode the meter target is not scheduled on its own.
func (c *Coordinator) AddMeter(meter MeterIdentity, seed *Snapshot) *Target {
	interval := c.opts.PollInterval
	if c.opts.MeterMode == MeterModeBatch {
		interval = 0
		c.ensureBatch()
	}

	c.mu.Lock()
	c.meters[meter.MeterID] = meter
	c.mu.Unlock()

	t := c.add(TargetOptions{
		ID:       MeterTargetID(meter.MeterID),
		Kind:     KindMeter,
		Interval: interval,
		MeterID:  meter.MeterID,
		Poller:   newMeterPoller(c.api, meter, c.logger),
		Pool:     c.pool,
	})
	t.Seed(seed)
	return t
}

func (c *Coordinator) ensureBatch() {
	c.mu.RLock()
	_, ok := c.targets[TargetMeters]
	c.mu.RUnlock()
	if ok {
		return
	}
	// the batch unit takes no worker slot itself, its meters do
	c.add(TargetOptions{
		ID:       TargetMeters,
		Kind:     KindMeters,
		Interval: c.opts.PollInterval,
		Poller:   &batchPoller{meters: c.meterBindings},
	})
}

func (c *Coordinator) add(opts TargetOptions) *Target {
	opts.Logger = c.logger
	opts.Metrics = c.metrics
	if hook, publish := opts.Publish, c.opts.Publish; hook != nil && publish != nil {
		opts.Publish = func(t *Target, snap *Snapshot) {
			publish(t, snap)
			hook(t, snap)
		}
	} else if hook == nil {
		opts.Publish = publish
	}
	t := NewTarget(opts)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.targets[t.ID]; ok {
		c.stopLocked(old)
		t.Seed(old.Snapshot())
	}
	c.targets[t.ID] = t
	if c.running {
		c.startLocked(t)
	}
	c.logger.Debug("Target added", "target", t.ID, "kind", t.Kind, "interval", t.Interval.String())
	return t
}

// Drop stops a target's timer. A fetch that completes afterwards is
// discarded and never published.
func (c *Coordinator) Drop(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.targets[id]
	if !ok {
		return false
	}
	c.stopLocked(t)
	delete(c.targets, id)
	if t.MeterID != "" {
		delete(c.meters, t.MeterID)
	}
	c.metrics.ForgetTarget(t.ID, t.MeterID)
	c.logger.Info("Target dropped", "target", id)
	return true
}

func (c *Coordinator) stopLocked(t *Target) {
	t.dropped.Store(true)
	if t.cancel != nil {
		t.cancel()
	}
}

func (c *Coordinator) startLocked(t *Target) {
	ctx, cancel := context.WithCancel(c.ctx)
	t.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t.run(ctx, &c.wg)
	}()
}

// Start begins the per-target timers. Targets added later start immediately.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	for _, t := range c.targets {
		c.startLocked(t)
	}
	c.logger.Info("Polling started", "targets", len(c.targets), "meter_mode", c.opts.MeterMode)
}

// Stop cancels all timers and in-flight fetches and waits for them. No
// snapshot is published after Stop returns.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	for _, t := range c.targets {
		t.dropped.Store(true)
	}
	c.cancel()
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("Polling stopped")
}

// Target returns a target by id
func (c *Coordinator) Target(id string) (*Target, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.targets[id]
	return t, ok
}

// Targets returns all targets sorted by id
func (c *Coordinator) Targets() []*Target {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Target, 0, len(c.targets))
	for _, t := range c.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Meter returns the identity bound to a meter target
func (c *Coordinator) Meter(meterID string) (MeterIdentity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.meters[meterID]
	return m, ok
}

// Meters returns the currently bound meter identities sorted by id
func (c *Coordinator) Meters() []MeterIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MeterIdentity, 0, len(c.meters))
	for _, m := range c.meters {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeterID < out[j].MeterID })
	return out
}

func (c *Coordinator) meterBindings() []*meterBinding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*meterBinding, 0, len(c.meters))
	for id, m := range c.meters {
		if t, ok := c.targets[MeterTargetID(id)]; ok {
			out = append(out, &meterBinding{target: t, meter: m})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].meter.MeterID < out[j].meter.MeterID })
	return out
}

// RefreshNow triggers an immediate refresh of one target
func (c *Coordinator) RefreshNow(ctx context.Context, id string) error {
	t, ok := c.Target(id)
	if !ok {
		return fmt.Errorf("unknown target %q", id)
	}
	return t.Refresh(ctx)
}

// RefreshAll refreshes every target concurrently and returns the per-target
// errors. One target failing never cancels the others.
func (c *Coordinator) RefreshAll(ctx context.Context) map[string]error {
	targets := c.Targets()
	if c.opts.MeterMode == MeterModeBatch {
		// meters are covered by the batch unit
		filtered := targets[:0]
		for _, t := range targets {
			if t.Kind != KindMeter {
				filtered = append(filtered, t)
			}
		}
		targets = filtered
	}

	errs := refreshConcurrently(ctx, targets)
	out := make(map[string]error)
	for i, t := range targets {
		if errs[i] != nil {
			out[t.ID] = errs[i]
		}
	}
	return out
}

// refreshConcurrently refreshes targets in parallel and returns their errors
// index-aligned with targets.
func refreshConcurrently(ctx context.Context, targets []*Target) []error {
	errs := make([]error, len(targets))
	// a plain Group, not WithContext, so siblings are never canceled
	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			errs[i] = t.Refresh(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
