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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// AppState holds the most recent snapshot of every meter so the last known
// value survives a restart. It never holds credentials.
type AppState struct {
	mu sync.Mutex

	Meters      map[string]*Snapshot `json:"meters"`
	LastUpdated time.Time            `json:"last_updated"`

	dirty bool
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DefaultStateFilePath returns ~/.config/vasmeter/state_<username>.json
func DefaultStateFilePath(username string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	name := unsafeFileChars.ReplaceAllString(username, "_")
	if name == "" {
		name = "default"
	}

	// Use the username in the filename to separate state per account
	return filepath.Join(homeDir, ".config", "vasmeter", fmt.Sprintf("state_%s.json", name)), nil
}

// NewAppState returns an empty state
func NewAppState() *AppState {
	return &AppState{
		Meters:      make(map[string]*Snapshot),
		LastUpdated: time.Now(),
	}
}

// LoadState reads the state file. A missing file yields an empty state.
func LoadState(path string) (*AppState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewAppState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	state := NewAppState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if state.Meters == nil {
		state.Meters = make(map[string]*Snapshot)
	}

	return state, nil
}

// Save writes the state atomically through a temp file
func (s *AppState) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	s.LastUpdated = time.Now()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	s.dirty = false
	return nil
}

// Record stores the latest snapshot of a meter
func (s *AppState) Record(meterID string, snap *Snapshot) {
	if snap == nil || snap.Meter == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Meters[meterID] = snap
	s.dirty = true
}

// Forget removes a meter that no longer exists
func (s *AppState) Forget(meterID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Meters[meterID]; ok {
		delete(s.Meters, meterID)
		s.dirty = true
	}
}

// Restore returns a copy of the stored snapshot of a meter if it is still
// younger than maxAge, marked as restored.
func (s *AppState) Restore(meterID string, maxAge time.Duration) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.Meters[meterID]
	if !ok || snap == nil || snap.Meter == nil {
		return nil
	}
	if !s.IsCacheValid(snap.FetchedAt, maxAge) {
		return nil
	}

	restored := *snap
	restored.Restored = true
	return &restored
}

// Dirty reports whether there are unsaved changes
func (s *AppState) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *AppState) MarshalJSON() ([]byte, error) {
	type stateFile struct {
		Meters      map[string]*Snapshot `json:"meters"`
		LastUpdated time.Time            `json:"last_updated"`
	}
	return json.Marshal(stateFile{Meters: s.Meters, LastUpdated: s.LastUpdated})
}

func (s *AppState) IsCacheValid(cacheTime time.Time, maxAge time.Duration) bool {
	return !cacheTime.IsZero() && time.Since(cacheTime) < maxAge
}
