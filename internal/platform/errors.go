// Copyright 2025 Tom Barlow
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

package platform

import (
	"errors"
	"fmt"
)

// ErrorType classifies platform errors for routing and retry decisions.
type ErrorType string

const (
	// ErrorTypeConnection indicates network or DNS errors
	ErrorTypeConnection ErrorType = "connection"

	// ErrorTypeTimeout indicates request timeout or deadline exceeded
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeAuth indicates authentication failure (401, 403, expired token)
	ErrorTypeAuth ErrorType = "auth"

	// ErrorTypeRateLimit indicates rate limiting (429 Too Many Requests)
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeServer indicates control-plane server errors (5xx)
	ErrorTypeServer ErrorType = "server"

	// ErrorTypeClient indicates client errors (4xx, non-retryable)
	ErrorTypeClient ErrorType = "client"

	// ErrorTypeGraphQL indicates an error reported in the GraphQL response body
	ErrorTypeGraphQL ErrorType = "graphql"

	// ErrorTypeConfig indicates missing or invalid required configuration
	ErrorTypeConfig ErrorType = "config"

	// ErrorTypeCancelled indicates context was cancelled
	ErrorTypeCancelled ErrorType = "cancelled"
)

// Error represents a structured error from a control-plane operation.
// All platform calls return *Error for failures to enable consistent
// error handling and retry decisions.
type Error struct {
	// Type classifies the error for routing and retry decisions
	Type ErrorType

	// StatusCode is the HTTP status code if applicable
	// Zero for non-HTTP errors (connection, timeout, etc.)
	StatusCode int

	// Message is a user-facing error message with credentials redacted
	Message string

	// Retryable indicates whether the error is retryable
	Retryable bool

	// Cause is the underlying error
	// May contain sensitive data - use Message for user-facing errors
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("platform %s error (status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("platform %s error: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if the error should be retried.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// IsType returns true if the error is of the given type.
func (e *Error) IsType(t ErrorType) bool {
	return e.Type == t
}

// IsAuthError reports whether err is a non-retriable authentication failure.
func IsAuthError(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Type == ErrorTypeAuth
}

// IsConfigError reports whether err is a configuration validation failure.
func IsConfigError(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Type == ErrorTypeConfig
}
