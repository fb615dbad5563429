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

import "time"

// SmartData API locations
const (
	// DefaultBaseURL - VAS Vodárenská CRM host, token and API paths hang off it
	DefaultBaseURL = "https://crm.vodarenska.cz:65000"

	PathToken        = "/connect/token"
	PathHelloWorld   = "/api/HelloWorld"
	PathCustomerData = "/api/SmartData/CustomerData"
	PathProfileData  = "/api/SmartData/ProfileData"
	PathAlertData    = "/api/SmartData/AlertData"

	// ProfileDateLayout - dateFrom/dateTo query format and METER_DATE_* format
	ProfileDateLayout = "2006-01-02"
)

// Credential settings
const (
	// TokenSafetyMargin - Treat tokens as expired this long before the server does
	TokenSafetyMargin = 60 * time.Second

	// DefaultTokenLifetime - Used when neither expires_in nor a JWT exp claim is available
	DefaultTokenLifetime = 1 * time.Hour
)

// HTTP client settings
const (
	// HTTPClientTimeout - Maximum time for a single HTTP request
	HTTPClientTimeout = 15 * time.Second

	// HTTPMinInterval - Minimum time between API requests (rate limiting)
	HTTPMinInterval = 250 * time.Millisecond

	// HTTPRateBurst - Requests allowed back to back before pacing applies
	HTTPRateBurst = 4

	// MaxResponseBodyBytes - Upper bound on a decoded response body
	MaxResponseBodyBytes = 8 << 20

	// MaxErrorBodyLength - Error bodies are truncated to this many bytes
	MaxErrorBodyLength = 512
)

// Poll scheduling
const (
	// DefaultPollInterval - Meter profile refresh cadence
	DefaultPollInterval = 5 * time.Minute

	// DefaultLivenessInterval - HelloWorld probe cadence
	DefaultLivenessInterval = 5 * time.Minute

	// DefaultDirectoryInterval - Customer/meter directory reload cadence
	DefaultDirectoryInterval = 60 * time.Minute

	// DefaultWorkers - Maximum concurrent fetches across all targets
	DefaultWorkers = 4

	// PublishTimeout - Upper bound for mirroring one snapshot to an external sink
	PublishTimeout = 5 * time.Second
)

// Meter modes
const (
	// MeterModePerMeter - One scheduled target per meter
	MeterModePerMeter = "per_meter"

	// MeterModeBatch - One scheduled target refreshing all meters together
	MeterModeBatch = "batch"
)

// State management settings
const (
	// StateMaxSnapshotAge - Restored snapshots older than this are discarded
	StateMaxSnapshotAge = 7 * 24 * time.Hour

	// StateSaveInterval - How often dirty state is flushed to disk in daemon mode
	StateSaveInterval = 1 * time.Minute
)

// Redis mirror settings
const (
	// RedisKeyPrefix - Published snapshots live under this prefix
	RedisKeyPrefix = "vasmeter:target:"

	// DefaultRedisTTL - Mirrored snapshots expire unless refreshed
	DefaultRedisTTL = 24 * time.Hour
)

// Web settings
const (
	// WebDashboardRefreshInterval - Auto-refresh interval for web dashboard (client-side)
	WebDashboardRefreshInterval = 30 * time.Second

	// WebManualRefreshTimeout - Bound on a refresh triggered over HTTP
	WebManualRefreshTimeout = 60 * time.Second
)
