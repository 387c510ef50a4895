package platform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := retry(context.Background(), fastRetry(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetryableErrorEventuallySucceeds(t *testing.T) {
	calls := 0
	err := retry(context.Background(), fastRetry(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &Error{Type: ErrorTypeServer, Message: "boom", Retryable: true}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := retry(context.Background(), fastRetry(), func(ctx context.Context) error {
		calls++
		return &Error{Type: ErrorTypeAuth, Message: "denied", Retryable: false}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_UnknownErrorTypeNotRetried(t *testing.T) {
	calls := 0
	err := retry(context.Background(), fastRetry(), func(ctx context.Context) error {
		calls++
		return errors.New("plain error")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Minute,
		BackoffFactor:  2.0,
	}

	done := make(chan error, 1)
	go func() {
		done <- retry(ctx, cfg, func(ctx context.Context) error {
			return &Error{Type: ErrorTypeServer, Message: "boom", Retryable: true}
		})
	}()

	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		pe, ok := err.(*Error)
		require.True(t, ok)
		assert.Equal(t, ErrorTypeCancelled, pe.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not return after context cancellation")
	}
}

func TestBackoffDelay_Grows(t *testing.T) {
	cfg := &RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2.0,
	}

	// Jitter is at most 100ms, so ranges do not overlap across attempts.
	d1 := backoffDelay(cfg, 1)
	assert.GreaterOrEqual(t, d1, 100*time.Millisecond)
	assert.Less(t, d1, 201*time.Millisecond)

	d3 := backoffDelay(cfg, 3)
	assert.GreaterOrEqual(t, d3, 400*time.Millisecond)
	assert.Less(t, d3, 501*time.Millisecond)

	// Capped at MaxBackoff (plus jitter).
	d10 := backoffDelay(cfg, 10)
	assert.LessOrEqual(t, d10, time.Second+101*time.Millisecond)
}

func TestRetryConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultRetryConfig().Validate())

	bad := &RetryConfig{MaxAttempts: 0, InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffFactor: 2}
	assert.Error(t, bad.Validate())

	bad = &RetryConfig{MaxAttempts: 3, InitialBackoff: 2 * time.Second, MaxBackoff: time.Second, BackoffFactor: 2}
	assert.Error(t, bad.Validate())

	bad = &RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 2 * time.Second, BackoffFactor: 0.5}
	assert.Error(t, bad.Validate())
}
