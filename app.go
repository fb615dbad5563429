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
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// AppOptions carries optional collaborators, mainly for tests
type AppOptions struct {
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Publishers []StatePublisher
	Metrics    *Metrics
	State      *AppState
	StatePath  string
}

// App is the context object built once at startup and handed to every
// component that needs the client or the poll targets.
type App struct {
	Config      *Config
	Logger      *Logger
	Credentials *CredentialManager
	Client      *VASClient
	Coordinator *Coordinator
	Metrics     *Metrics
	State       *AppState

	statePath  string
	publishers []StatePublisher
	started    atomic.Bool
	runCtx     context.Context
}

// NewApp wires the components together. It performs no network I/O.
func NewApp(cfg *Config, logger *Logger, opts AppOptions) *App {
	if logger == nil {
		logger = NewDiscardLogger()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeoutDuration()}
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	state := opts.State
	if state == nil {
		state = NewAppState()
	}

	creds := NewCredentialManager(CredentialOptions{
		BaseURL:      cfg.BaseURL,
		Username:     cfg.Username,
		Password:     cfg.Password,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		HTTPClient:   httpClient,
		Logger:       logger,
		Metrics:      metrics,
	})

	client := NewVASClient(ClientOptions{
		BaseURL:    cfg.BaseURL,
		Tokens:     creds,
		HTTPClient: httpClient,
		Limiter:    opts.Limiter,
		Debug:      cfg.Debug,
		Logger:     logger,
		Metrics:    metrics,
	})

	app := &App{
		Config:      cfg,
		Logger:      logger.WithComponent("app"),
		Credentials: creds,
		Client:      client,
		Metrics:     metrics,
		State:       state,
		statePath:   opts.StatePath,
		publishers:  opts.Publishers,
		runCtx:      context.Background(),
	}

	app.Coordinator = NewCoordinator(CoordinatorOptions{
		API:               client,
		Workers:           cfg.Workers,
		MeterMode:         cfg.MeterMode,
		PollInterval:      cfg.PollEvery(),
		LivenessInterval:  cfg.LivenessEvery(),
		DirectoryInterval: cfg.DirectoryEvery(),
		Logger:            logger,
		Metrics:           metrics,
		Publish:           app.onPublish,
	})

	return app
}

// Setup authenticates, loads the meter directory and registers the poll
// targets, then runs one refresh of everything. Only a credential failure
// is fatal; a directory failure leaves liveness and the directory reload
// target running so meters appear once the backend recovers.
func (a *App) Setup(ctx context.Context) error {
	if _, err := a.Credentials.Token(ctx); err != nil {
		return fmt.Errorf("setup failed, could not authenticate: %w", err)
	}

	a.Coordinator.AddLiveness()

	meters, customers, err := LoadMeters(ctx, a.Client)
	directory := a.Coordinator.AddDirectory(a.reconcile)
	if err != nil {
		a.Logger.Error("Meter directory unavailable, continuing with liveness only",
			"class", ErrorClass(err),
			"error", err.Error(),
		)
	} else {
		a.reconcile(meters)
		directory.Seed(&Snapshot{
			TargetID:  directory.ID,
			Kind:      directory.Kind,
			FetchedAt: time.Now(),
			Directory: &DirectorySummary{Meters: meters, CustomerCount: customers},
		})
		a.Logger.Info("Meter directory loaded", "customers", customers, "meters", len(meters))
	}

	var targets []*Target
	for _, t := range a.Coordinator.Targets() {
		// the directory was just loaded, and batch mode meters go through their unit
		if t.Kind == KindDirectory && err == nil {
			continue
		}
		if t.Kind == KindMeter && a.Config.MeterMode == MeterModeBatch {
			continue
		}
		targets = append(targets, t)
	}
	for i, rerr := range refreshConcurrently(ctx, targets) {
		if rerr != nil {
			a.Logger.Debug("Initial refresh failed", "target", targets[i].ID, "class", ErrorClass(rerr))
		}
	}

	a.started.Store(true)
	return nil
}

// reconcile applies a freshly loaded meter set: new meters get a target,
// vanished ones are dropped and meters whose static metadata changed are
// rebound with their last snapshot carried over.
func (a *App) reconcile(meters []MeterIdentity) {
	wanted := make(map[string]MeterIdentity, len(meters))
	for _, m := range meters {
		wanted[m.MeterID] = m
	}

	for _, existing := range a.Coordinator.Meters() {
		if _, ok := wanted[existing.MeterID]; ok {
			continue
		}
		id := MeterTargetID(existing.MeterID)
		a.Coordinator.Drop(id)
		a.State.Forget(existing.MeterID)
		a.removeMirrored(id)
		a.Logger.Info("Meter removed from directory", "meter_id", existing.MeterID)
	}

	for _, m := range meters {
		existing, ok := a.Coordinator.Meter(m.MeterID)
		switch {
		case !ok:
			seed := a.State.Restore(m.MeterID, StateMaxSnapshotAge)
			t := a.Coordinator.AddMeter(m, seed)
			a.Logger.Info("Meter added",
				"meter_id", m.MeterID,
				"meter_number", m.MeterNumber,
				"installed", m.Installed(),
				"restored", seed != nil,
			)
			a.refreshLater(t)
		case existing != m:
			t := a.Coordinator.AddMeter(m, nil)
			a.Logger.Info("Meter metadata changed, rebinding", "meter_id", m.MeterID)
			a.refreshLater(t)
		}
	}
}

// refreshLater refreshes a target added after setup without blocking the
// directory poll that discovered it
func (a *App) refreshLater(t *Target) {
	if !a.started.Load() || t.Interval <= 0 {
		return
	}
	ctx := a.runCtx
	go func() {
		_ = t.Refresh(ctx)
	}()
}

func (a *App) onPublish(t *Target, snap *Snapshot) {
	a.Metrics.RecordSnapshot(snap)
	if snap.Meter != nil {
		a.State.Record(snap.Meter.MeterID, snap)
	}

	for _, p := range a.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
		if err := p.Publish(ctx, snap); err != nil {
			a.Logger.Warn("Failed to mirror snapshot", "target", t.ID, "error", err.Error())
		}
		cancel()
	}
}

func (a *App) removeMirrored(targetID string) {
	for _, p := range a.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
		if err := p.Remove(ctx, targetID); err != nil {
			a.Logger.Warn("Failed to remove mirrored snapshot", "target", targetID, "error", err.Error())
		}
		cancel()
	}
}

// Run starts the per-target timers and blocks until ctx is canceled
func (a *App) Run(ctx context.Context, web *WebServer) error {
	a.runCtx = ctx
	a.Coordinator.Start(ctx)

	webErr := make(chan error, 1)
	if web != nil {
		go func() {
			webErr <- web.Run(ctx)
		}()
	}

	ticker := time.NewTicker(StateSaveInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-webErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				runErr = fmt.Errorf("web server: %w", err)
				break loop
			}
		case <-ticker.C:
			a.saveState()
		}
	}

	a.Logger.Info("Shutting down")
	a.Coordinator.Stop()
	a.saveState()
	return runErr
}

// Close releases external sinks
func (a *App) Close() {
	for _, p := range a.publishers {
		if err := p.Close(); err != nil {
			a.Logger.Warn("Failed to close publisher", "error", err.Error())
		}
	}
}

func (a *App) saveState() {
	if a.statePath == "" || !a.State.Dirty() {
		return
	}
	if err := a.State.Save(a.statePath); err != nil {
		a.Logger.Warn("Failed to save state", "error", err.Error())
	}
}

// SaveState flushes the state file immediately
func (a *App) SaveState() {
	a.saveState()
}

// MeterView is one row of the meter overview
type MeterView struct {
	Identity MeterIdentity          `json:"identity"`
	State    *MeterState            `json:"state,omitempty"`
	Status   TargetStatus           `json:"status"`
	Restored bool                   `json:"restored,omitempty"`
	Attrs    map[string]interface{} `json:"attributes"`
}

// MeterViews returns the current state of every bound meter
func (a *App) MeterViews() []MeterView {
	var views []MeterView
	for _, m := range a.Coordinator.Meters() {
		t, ok := a.Coordinator.Target(MeterTargetID(m.MeterID))
		if !ok {
			continue
		}
		meter := m
		view := MeterView{
			Identity: m,
			Status:   t.Status(),
			Attrs:    t.CurrentAttributes(&meter),
		}
		if snap := t.Snapshot(); snap != nil {
			view.State = snap.Meter
			view.Restored = snap.Restored
		}
		views = append(views, view)
	}
	return views
}

// formatAge renders an elapsed duration for tables
func formatAge(since time.Duration) string {
	hours := int(since.Hours())
	minutes := int(since.Minutes()) % 60

	if hours >= 48 {
		return fmt.Sprintf("%dd", hours/24)
	} else if hours > 0 && minutes > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%dh", hours)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return "just now"
}
