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
)

// Error classes used in logs and metric labels
const (
	ErrorClassAuth       = "auth"
	ErrorClassAPI        = "api"
	ErrorClassTransport  = "transport"
	ErrorClassValidation = "validation"
	ErrorClassCanceled   = "canceled"
	ErrorClassOther      = "other"
)

// ErrRefreshInProgress is returned when a refresh is requested for a target
// that already has a fetch outstanding.
var ErrRefreshInProgress = errors.New("refresh already in progress")

// ErrTargetDropped is returned when refreshing a target that has been removed.
var ErrTargetDropped = errors.New("target has been dropped")

// APIError represents a non-2xx response from the SmartData API
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
	Body       string // Response body, truncated, kept for diagnostics
	Retryable  bool
	Err        error // Underlying error if any
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error (%d) at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	if e.Body != "" {
		msg += fmt.Sprintf(" [body: %s]", e.Body)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new APIError with automatic retryable detection.
// Retryable is advisory: the client itself never retries these, the next
// scheduled poll does.
func NewAPIError(statusCode int, endpoint, message, body string, err error) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Endpoint:   endpoint,
		Message:    message,
		Body:       truncateBody(body),
		Retryable:  isRetryableStatus(statusCode),
		Err:        err,
	}
}

// isRetryableStatus determines if an HTTP status code is worth retrying later
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	default:
		return false
	}
}

// AuthError represents a failed credential exchange or a request that was
// still rejected after one token refresh.
type AuthError struct {
	StatusCode int    // 0 when the exchange never got a response
	Body       string // Upstream response body, truncated
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	msg := "authentication error"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (%d)", e.StatusCode)
	}
	msg += ": " + e.Message
	if e.Body != "" {
		msg += fmt.Sprintf(" [body: %s]", e.Body)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Err)
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// TransportError represents a network level failure (timeout, refused
// connection, TLS) where no HTTP response was received.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error at %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidationError represents configuration or input validation errors
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation error for %s (value: %v): %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// ErrorClass maps an error onto one of the ErrorClass* labels.
// AuthError is checked first because a failed exchange wraps a TransportError.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}

	var authErr *AuthError
	var apiErr *APIError
	var transportErr *TransportError
	var validationErr *ValidationError

	switch {
	case errors.As(err, &authErr):
		return ErrorClassAuth
	case errors.As(err, &apiErr):
		return ErrorClassAPI
	case errors.Is(err, context.Canceled):
		return ErrorClassCanceled
	case errors.As(err, &transportErr):
		return ErrorClassTransport
	case errors.As(err, &validationErr):
		return ErrorClassValidation
	default:
		return ErrorClassOther
	}
}

func truncateBody(body string) string {
	if len(body) > MaxErrorBodyLength {
		return body[:MaxErrorBodyLength] + "... (truncated)"
	}
	return body
}
