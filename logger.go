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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger for structured logging throughout the application
type Logger struct {
	*slog.Logger
}

func levelFor(debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// NewLogger creates a new structured logger
func NewLogger(debug bool) *Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: levelFor(debug)})
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a new JSON structured logger (useful for production/log aggregation)
func NewJSONLogger(debug bool) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelFor(debug)})
	return &Logger{Logger: slog.New(handler)}
}

// NewDiscardLogger returns a logger that drops everything. Used by tests.
func NewDiscardLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithComponent returns a logger with a component field pre-set
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component)}
}

// WithMeterID returns a logger with a meter_id field pre-set
func (l *Logger) WithMeterID(meterID string) *Logger {
	return &Logger{Logger: l.Logger.With("meter_id", meterID)}
}

// WithTarget returns a logger tagged with a poll target
func (l *Logger) WithTarget(id, kind string) *Logger {
	return &Logger{Logger: l.Logger.With("target", id, "kind", kind)}
}

// WithUsername returns a logger with a masked username field pre-set
func (l *Logger) WithUsername(username string) *Logger {
	return &Logger{Logger: l.Logger.With("username", maskIdentifier(username))}
}

// maskIdentifier keeps only a short prefix of an account identifier
func maskIdentifier(v string) string {
	if len(v) > 3 {
		return v[:3] + "***"
	}
	return "***"
}

// maskSecret shows the first 6 and last 4 characters of long secrets
func maskSecret(v string) string {
	if len(v) > 12 {
		return v[:6] + "..." + v[len(v)-4:]
	}
	return "***"
}

// LogAPIRequest logs an API request with common fields
func (l *Logger) LogAPIRequest(method, endpoint string, statusCode int, duration float64) {
	l.Debug("API request",
		"method", method,
		"endpoint", endpoint,
		"status_code", statusCode,
		"duration_ms", duration*1000,
	)
}

// LogAPIError logs an API error with details
func (l *Logger) LogAPIError(err error, endpoint string) {
	var apiErr *APIError
	var authErr *AuthError

	switch {
	case errors.As(err, &apiErr):
		l.Error("API request failed",
			"endpoint", endpoint,
			"class", ErrorClassAPI,
			"status_code", apiErr.StatusCode,
			"retryable", apiErr.Retryable,
			"error", apiErr.Message,
		)
	case errors.As(err, &authErr):
		l.Error("API request failed",
			"endpoint", endpoint,
			"class", ErrorClassAuth,
			"status_code", authErr.StatusCode,
			"error", authErr.Message,
		)
	default:
		l.Error("API request failed",
			"endpoint", endpoint,
			"class", ErrorClass(err),
			"error", err.Error(),
		)
	}
}

// UserMessage outputs a user-friendly message (bypasses structured logging)
// Use this for primary user-facing output in non-daemon mode
func (l *Logger) UserMessage(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}
