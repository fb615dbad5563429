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
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Username     string `yaml:"username" env:"VAS_USERNAME"`
	Password     string `yaml:"password" env:"VAS_PASSWORD"`
	ClientID     string `yaml:"client_id" env:"VAS_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"VAS_CLIENT_SECRET"`
	BaseURL      string `yaml:"base_url" env:"VAS_BASE_URL"`

	PollInterval      int    `yaml:"poll_interval_minutes" env:"VAS_POLL_INTERVAL_MINUTES"`
	LivenessInterval  int    `yaml:"liveness_interval_minutes" env:"VAS_LIVENESS_INTERVAL_MINUTES"`
	DirectoryInterval int    `yaml:"directory_interval_minutes" env:"VAS_DIRECTORY_INTERVAL_MINUTES"`
	MeterMode         string `yaml:"meter_mode" env:"VAS_METER_MODE"`
	Workers           int    `yaml:"workers" env:"VAS_WORKERS"`
	RequestTimeout    int    `yaml:"request_timeout_seconds" env:"VAS_REQUEST_TIMEOUT_SECONDS"`

	Daemon    bool   `yaml:"daemon" env:"VAS_DAEMON"`
	WebUI     bool   `yaml:"web_ui" env:"VAS_WEB_UI"`
	WebPort   int    `yaml:"web_port" env:"VAS_WEB_PORT"`
	Debug     bool   `yaml:"debug" env:"VAS_DEBUG"`
	JSONLogs  bool   `yaml:"json_logs" env:"VAS_JSON_LOGS"`
	StateFile string `yaml:"state_file" env:"VAS_STATE_FILE"`

	RedisAddr     string `yaml:"redis_addr" env:"VAS_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"VAS_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"VAS_REDIS_DB"`
	RedisTTL      int    `yaml:"redis_ttl_seconds" env:"VAS_REDIS_TTL_SECONDS"`
}

// LoadConfig reads the YAML file (if any) and overlays VAS_* environment
// variables on top of it.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{
		BaseURL:           DefaultBaseURL,
		PollInterval:      int(DefaultPollInterval / time.Minute),
		LivenessInterval:  int(DefaultLivenessInterval / time.Minute),
		DirectoryInterval: int(DefaultDirectoryInterval / time.Minute),
		MeterMode:         MeterModePerMeter,
		Workers:           DefaultWorkers,
		RequestTimeout:    int(HTTPClientTimeout / time.Second),
		WebPort:           8080,
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", configPath)
		}

		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	return config, nil
}

func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.PollInterval <= 0 {
		c.PollInterval = int(DefaultPollInterval / time.Minute)
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = c.PollInterval
	}
	if c.DirectoryInterval <= 0 {
		c.DirectoryInterval = int(DefaultDirectoryInterval / time.Minute)
	}
	if c.MeterMode == "" {
		c.MeterMode = MeterModePerMeter
	}
	c.MeterMode = strings.ToLower(c.MeterMode)
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = int(HTTPClientTimeout / time.Second)
	}
	if c.WebPort <= 0 {
		c.WebPort = 8080
	}
	if c.RedisTTL <= 0 {
		c.RedisTTL = int(DefaultRedisTTL / time.Second)
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errors []string

	if c.Username == "" {
		errors = append(errors, "username is required")
	}
	if c.Password == "" {
		errors = append(errors, "password is required")
	}
	if c.ClientID == "" {
		errors = append(errors, "client ID is required")
	}
	if c.ClientSecret == "" {
		errors = append(errors, "client secret is required")
	}

	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, fmt.Sprintf("base URL must be an absolute URL, got: %s", c.BaseURL))
	} else if u.Scheme != "https" && u.Scheme != "http" {
		errors = append(errors, fmt.Sprintf("base URL scheme must be http or https, got: %s", u.Scheme))
	}

	// Validate web port
	if c.WebPort < 1 || c.WebPort > 65535 {
		errors = append(errors, fmt.Sprintf("web port must be between 1-65535, got: %d", c.WebPort))
	}

	// Validate intervals
	if c.PollInterval < 1 {
		errors = append(errors, fmt.Sprintf("poll interval must be at least 1 minute, got: %d", c.PollInterval))
	}
	if c.PollInterval > 1440 {
		errors = append(errors, fmt.Sprintf("poll interval seems too long (%d minutes = %.1f hours), the backend only publishes daily data", c.PollInterval, float64(c.PollInterval)/60.0))
	}
	if c.LivenessInterval < 1 {
		errors = append(errors, fmt.Sprintf("liveness interval must be at least 1 minute, got: %d", c.LivenessInterval))
	}
	if c.DirectoryInterval < 1 {
		errors = append(errors, fmt.Sprintf("directory interval must be at least 1 minute, got: %d", c.DirectoryInterval))
	}

	if c.MeterMode != MeterModePerMeter && c.MeterMode != MeterModeBatch {
		errors = append(errors, fmt.Sprintf("meter mode must be %q or %q, got: %s", MeterModePerMeter, MeterModeBatch, c.MeterMode))
	}
	if c.Workers < 1 || c.Workers > 64 {
		errors = append(errors, fmt.Sprintf("workers must be between 1-64, got: %d", c.Workers))
	}
	if c.RequestTimeout < 1 {
		errors = append(errors, fmt.Sprintf("request timeout must be at least 1 second, got: %d", c.RequestTimeout))
	}
	if c.RedisDB < 0 {
		errors = append(errors, fmt.Sprintf("redis db cannot be negative, got: %d", c.RedisDB))
	}

	// Logical validations
	if c.WebUI && !c.Daemon {
		errors = append(errors, "web UI requires daemon mode (use both -daemon and -web flags)")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// PollEvery returns the meter poll cadence
func (c *Config) PollEvery() time.Duration {
	return time.Duration(c.PollInterval) * time.Minute
}

// LivenessEvery returns the liveness probe cadence
func (c *Config) LivenessEvery() time.Duration {
	return time.Duration(c.LivenessInterval) * time.Minute
}

// DirectoryEvery returns the directory reload cadence
func (c *Config) DirectoryEvery() time.Duration {
	return time.Duration(c.DirectoryInterval) * time.Minute
}

// RequestTimeoutDuration returns the per-request HTTP timeout
func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// RedisTTLDuration returns the TTL of mirrored snapshots
func (c *Config) RedisTTLDuration() time.Duration {
	return time.Duration(c.RedisTTL) * time.Second
}
