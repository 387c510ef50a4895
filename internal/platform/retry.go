package platform

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for control-plane operations.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (default: 3)
	MaxAttempts int

	// InitialBackoff is the initial backoff duration (default: 1s)
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration (default: 30s)
	MaxBackoff time.Duration

	// BackoffFactor is the exponential backoff multiplier (default: 2.0)
	BackoffFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Validate checks if the retry configuration is valid.
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.InitialBackoff < 0 {
		return fmt.Errorf("initial_backoff must be non-negative, got %v", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max_backoff (%v) must be >= initial_backoff (%v)", c.MaxBackoff, c.InitialBackoff)
	}
	if c.BackoffFactor < 1.0 {
		return fmt.Errorf("backoff_factor must be >= 1.0, got %f", c.BackoffFactor)
	}
	return nil
}

// attemptFunc executes a single attempt of a control-plane call.
type attemptFunc func(ctx context.Context) error

// retry runs fn with bounded exponential backoff and jitter.
//
// Retry behavior:
// - Retries on errors marked Retryable (connection, timeout, 5xx, 429)
// - Does NOT retry auth or other client errors
// - Stops immediately on context cancellation
func retry(ctx context.Context, config *RetryConfig, fn attemptFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt >= config.MaxAttempts || !shouldRetry(lastErr) {
			return lastErr
		}

		if ctx.Err() != nil {
			return &Error{
				Type:      ErrorTypeCancelled,
				Message:   "request cancelled before retry",
				Retryable: false,
				Cause:     ctx.Err(),
			}
		}

		select {
		case <-time.After(backoffDelay(config, attempt)):
		case <-ctx.Done():
			return &Error{
				Type:      ErrorTypeCancelled,
				Message:   "request cancelled during retry backoff",
				Retryable: false,
				Cause:     ctx.Err(),
			}
		}
	}

	return lastErr
}

// shouldRetry determines if an error should be retried.
func shouldRetry(err error) bool {
	pe, ok := err.(*Error)
	if !ok {
		// Unknown error type - don't retry
		return false
	}
	return pe.Retryable
}

// backoffDelay calculates the backoff delay for a retry attempt.
//
// Formula: delay = min(InitialBackoff * (BackoffFactor ^ (attempt - 1)), MaxBackoff) + jitter
// Jitter: random [0ms, 100ms]
func backoffDelay(config *RetryConfig, attempt int) time.Duration {
	baseDelay := float64(config.InitialBackoff)
	for i := 1; i < attempt; i++ {
		baseDelay *= config.BackoffFactor
	}

	if baseDelay > float64(config.MaxBackoff) {
		baseDelay = float64(config.MaxBackoff)
	}

	jitter := time.Duration(rand.Int63n(101)) * time.Millisecond

	return time.Duration(baseDelay) + jitter
}
