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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	return configFile
}

func TestLoadConfig(t *testing.T) {
	configFile := writeConfig(t, `username: jan.novak@example.cz
password: hunter2
client_id: vas-client
client_secret: vas-secret
base_url: https://smartdata.example.cz/
poll_interval_minutes: 15
directory_interval_minutes: 120
meter_mode: Batch
workers: 8
daemon: true
web_ui: true
web_port: 9090
debug: true
redis_addr: localhost:6379
redis_db: 2
`)

	config, err := LoadConfig(configFile)
	if err != nil {
		t.Fatalf("Expected no error loading config, got %v", err)
	}

	if config.Username != "jan.novak@example.cz" {
		t.Errorf("Expected Username 'jan.novak@example.cz', got %s", config.Username)
	}
	if config.Password != "hunter2" {
		t.Errorf("Expected Password 'hunter2', got %s", config.Password)
	}
	if config.ClientID != "vas-client" || config.ClientSecret != "vas-secret" {
		t.Errorf("Expected client credentials to load, got %s/%s", config.ClientID, config.ClientSecret)
	}
	if config.PollInterval != 15 {
		t.Errorf("Expected PollInterval 15, got %d", config.PollInterval)
	}
	if config.DirectoryInterval != 120 {
		t.Errorf("Expected DirectoryInterval 120, got %d", config.DirectoryInterval)
	}
	if config.Workers != 8 {
		t.Errorf("Expected Workers 8, got %d", config.Workers)
	}
	if !config.Daemon || !config.WebUI || !config.Debug {
		t.Error("Expected Daemon, WebUI and Debug to be true")
	}
	if config.WebPort != 9090 {
		t.Errorf("Expected WebPort 9090, got %d", config.WebPort)
	}
	if config.RedisAddr != "localhost:6379" || config.RedisDB != 2 {
		t.Errorf("Expected redis settings to load, got %s db %d", config.RedisAddr, config.RedisDB)
	}

	config.ApplyDefaults()
	if config.MeterMode != MeterModeBatch {
		t.Errorf("Expected MeterMode %q, got %q", MeterModeBatch, config.MeterMode)
	}
	if config.BaseURL != "https://smartdata.example.cz" {
		t.Errorf("Expected trailing slash to be trimmed, got %s", config.BaseURL)
	}
	if config.LivenessInterval != 5 {
		t.Errorf("Expected LivenessInterval to keep the default 5, got %d", config.LivenessInterval)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestLoadConfigEnvironmentOverridesFile(t *testing.T) {
	configFile := writeConfig(t, `username: from-file
password: file-password
poll_interval_minutes: 15
`)
	t.Setenv("VAS_USERNAME", "from-env")
	t.Setenv("VAS_CLIENT_SECRET", "env-secret")
	t.Setenv("VAS_POLL_INTERVAL_MINUTES", "30")
	t.Setenv("VAS_DAEMON", "true")

	config, err := LoadConfig(configFile)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if config.Username != "from-env" {
		t.Errorf("Expected env to override username, got %s", config.Username)
	}
	if config.Password != "file-password" {
		t.Errorf("Expected file password to survive, got %s", config.Password)
	}
	if config.ClientSecret != "env-secret" {
		t.Errorf("Expected ClientSecret from env, got %s", config.ClientSecret)
	}
	if config.PollInterval != 30 {
		t.Errorf("Expected PollInterval 30, got %d", config.PollInterval)
	}
	if !config.Daemon {
		t.Error("Expected Daemon from env")
	}
}

func TestLoadConfigInvalidEnvironment(t *testing.T) {
	t.Setenv("VAS_WORKERS", "many")

	if _, err := LoadConfig(""); err == nil {
		t.Error("Expected error for a non-numeric VAS_WORKERS")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Expected no error loading with empty config path, got %v", err)
	}

	if config.BaseURL != DefaultBaseURL {
		t.Errorf("Expected default BaseURL %s, got %s", DefaultBaseURL, config.BaseURL)
	}
	if config.PollInterval != 5 {
		t.Errorf("Expected default PollInterval 5, got %d", config.PollInterval)
	}
	if config.DirectoryInterval != 60 {
		t.Errorf("Expected default DirectoryInterval 60, got %d", config.DirectoryInterval)
	}
	if config.MeterMode != MeterModePerMeter {
		t.Errorf("Expected default MeterMode %q, got %q", MeterModePerMeter, config.MeterMode)
	}
	if config.Workers != DefaultWorkers {
		t.Errorf("Expected default Workers %d, got %d", DefaultWorkers, config.Workers)
	}
	if config.WebPort != 8080 {
		t.Errorf("Expected default WebPort 8080, got %d", config.WebPort)
	}
	if config.Daemon || config.WebUI || config.Debug {
		t.Error("Expected Daemon, WebUI and Debug to default to false")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("Expected missing file error, got %v", err)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	configFile := writeConfig(t, `username: test
password: [invalid: yaml: content
debug: true`)

	_, err := LoadConfig(configFile)
	if err == nil {
		t.Error("Expected error loading invalid YAML config, got nil")
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	config := Config{
		Username:     "test",
		PollInterval: 0, // Should be set to default
		WebPort:      0, // Should be set to default
	}

	config.ApplyDefaults()

	if config.PollInterval != 5 {
		t.Errorf("Expected PollInterval to default to 5, got %d", config.PollInterval)
	}
	if config.LivenessInterval != config.PollInterval {
		t.Errorf("Expected LivenessInterval to follow PollInterval, got %d", config.LivenessInterval)
	}
	if config.WebPort != 8080 {
		t.Errorf("Expected WebPort to default to 8080, got %d", config.WebPort)
	}
	if config.RequestTimeoutDuration() != HTTPClientTimeout {
		t.Errorf("Expected request timeout %v, got %v", HTTPClientTimeout, config.RequestTimeoutDuration())
	}
	if config.RedisTTLDuration() != DefaultRedisTTL {
		t.Errorf("Expected redis TTL %v, got %v", DefaultRedisTTL, config.RedisTTLDuration())
	}

	// Test with valid values (should not change)
	config2 := Config{
		PollInterval:     3,
		LivenessInterval: 1,
		WebPort:          3000,
	}

	config2.ApplyDefaults()

	if config2.PollEvery() != 3*time.Minute {
		t.Errorf("Expected PollEvery 3m, got %v", config2.PollEvery())
	}
	if config2.LivenessEvery() != time.Minute {
		t.Errorf("Expected LivenessEvery 1m, got %v", config2.LivenessEvery())
	}
	if config2.DirectoryEvery() != DefaultDirectoryInterval {
		t.Errorf("Expected DirectoryEvery %v, got %v", DefaultDirectoryInterval, config2.DirectoryEvery())
	}
	if config2.WebPort != 3000 {
		t.Errorf("Expected WebPort to remain 3000, got %d", config2.WebPort)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{
			Username:     "user",
			Password:     "pass",
			ClientID:     "id",
			ClientSecret: "secret",
		}
		c.ApplyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing username", func(c *Config) { c.Username = "" }, "username is required"},
		{"missing secret", func(c *Config) { c.ClientSecret = "" }, "client secret is required"},
		{"relative base url", func(c *Config) { c.BaseURL = "smartdata" }, "absolute URL"},
		{"ftp base url", func(c *Config) { c.BaseURL = "ftp://example.cz" }, "http or https"},
		{"port too high", func(c *Config) { c.WebPort = 70000 }, "web port"},
		{"poll interval too long", func(c *Config) { c.PollInterval = 2000 }, "too long"},
		{"unknown mode", func(c *Config) { c.MeterMode = "grouped" }, "meter mode"},
		{"too many workers", func(c *Config) { c.Workers = 100 }, "workers"},
		{"negative redis db", func(c *Config) { c.RedisDB = -1 }, "redis db"},
		{"web without daemon", func(c *Config) { c.WebUI = true }, "web UI requires daemon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidateAggregatesErrors(t *testing.T) {
	c := &Config{}
	c.ApplyDefaults()

	err := c.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"username", "password", "client ID", "client secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in %v", want, err)
		}
	}
}
