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

package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastProber(timeout time.Duration) *Prober {
	return New(Config{
		GraceDelay:     time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		Timeout:        timeout,
		RequestTimeout: 100 * time.Millisecond,
	})
}

func TestWait_HealthyImmediately(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := fastProber(time.Second)
	res, err := p.Wait(context.Background(), server.URL)
	require.NoError(t, err)
	assert.True(t, res.Healthy)
	assert.Equal(t, 1, res.Attempts)
	assert.NoError(t, res.LastErr)
}

func TestWait_HealthyAfterFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := fastProber(5 * time.Second)
	res, err := p.Wait(context.Background(), server.URL)
	require.NoError(t, err)
	assert.True(t, res.Healthy)
	assert.Equal(t, 4, res.Attempts)
	// LastErr keeps the most recent failure even on eventual success.
	assert.Error(t, res.LastErr)
}

func TestWait_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	p := fastProber(50 * time.Millisecond)
	res, err := p.Wait(context.Background(), server.URL)
	require.Error(t, err)
	assert.False(t, res.Healthy)
	assert.Greater(t, res.Attempts, 0)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, server.URL, te.URL)
	assert.Error(t, te.LastErr)
}

func TestWait_ConnectionRefusedSwallowed(t *testing.T) {
	// Nothing listens on this address; every poll fails with a connection
	// error which must be swallowed until the deadline.
	p := fastProber(50 * time.Millisecond)
	res, err := p.Wait(context.Background(), "http://127.0.0.1:1")
	require.Error(t, err)
	assert.False(t, res.Healthy)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
}

func TestWait_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := fastProber(time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := p.Wait(ctx, server.URL)
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after context cancellation")
	}
}

func TestWait_GraceDelayBeforeFirstPoll(t *testing.T) {
	var firstPoll atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firstPoll.CompareAndSwap(0, time.Now().UnixNano())
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := New(Config{
		GraceDelay:   50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Timeout:      time.Second,
	})

	start := time.Now()
	_, err := p.Wait(context.Background(), server.URL)
	require.NoError(t, err)
	require.NotZero(t, firstPoll.Load())
	assert.GreaterOrEqual(t, time.Unix(0, firstPoll.Load()).Sub(start), 50*time.Millisecond)
}
