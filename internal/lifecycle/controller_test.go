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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/snooze/internal/invoke"
	"github.com/tombee/snooze/internal/platform"
	"github.com/tombee/snooze/internal/probe"
)

// fakePlatform records the sequence of control-plane calls.
type fakePlatform struct {
	mu       sync.Mutex
	running  bool
	calls    []string
	startErr error
	stopErr  error
	startAck platform.Ack
}

func (f *fakePlatform) Start(ctx context.Context, serviceID string) (platform.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start")
	if f.startErr != nil {
		return platform.Ack{}, f.startErr
	}
	f.running = true
	return f.startAck, nil
}

func (f *fakePlatform) Stop(ctx context.Context, serviceID string) (platform.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop")
	if f.stopErr != nil {
		return platform.Ack{}, f.stopErr
	}
	f.running = false
	return platform.Ack{}, nil
}

func (f *fakePlatform) Status(ctx context.Context, serviceID string) (platform.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return platform.StateRunning, nil
	}
	return platform.StateStopped, nil
}

func (f *fakePlatform) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakePlatform) sequence() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeProber reports healthy or a timeout without real waiting.
type fakeProber struct {
	mu      sync.Mutex
	healthy bool
	waits   int
}

func (f *fakeProber) Wait(ctx context.Context, url string) (probe.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
	if f.healthy {
		return probe.Result{Healthy: true, Attempts: 1}, nil
	}
	res := probe.Result{Attempts: 5, LastErr: errors.New("connection refused")}
	return res, &probe.TimeoutError{URL: url, Attempts: 5, LastErr: res.LastErr}
}

// fakeInvoker records invocations and returns a canned result.
type fakeInvoker struct {
	mu     sync.Mutex
	calls  []string
	err    error
	output any
}

func (f *fakeInvoker) Invoke(ctx context.Context, workflowID string, payload any) (*invoke.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, workflowID)
	if f.err != nil {
		return nil, f.err
	}
	return &invoke.Result{StatusCode: 200, Output: f.output}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, pc PlatformClient, pr ReadinessProber, inv WorkflowInvoker) *Controller {
	t.Helper()
	c, err := New(Config{
		ServiceID: "svc-1",
		HealthURL: "http://backend.test/healthz",
		Logger:    quietLogger(),
	}, pc, pr, inv)
	require.NoError(t, err)
	return c
}

func TestExecute_ColdPath(t *testing.T) {
	pf := &fakePlatform{}
	pr := &fakeProber{healthy: true}
	inv := &fakeInvoker{output: map[string]any{"ok": true}}
	c := newTestController(t, pf, pr, inv)

	res, err := c.Execute(context.Background(), Request{WorkflowID: "mail-digest", Payload: map[string]any{"msg": "hi"}})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, []string{"start", "stop"}, pf.sequence())
	assert.Equal(t, []string{"mail-digest"}, inv.calls)
	assert.True(t, res.Started)
	assert.Equal(t, map[string]any{"ok": true}, res.Output)
	assert.NoError(t, res.Err)
	assert.NoError(t, res.StopWarning)
	assert.Equal(t, platform.StateStopped, c.Snapshot().State)
}

func TestExecute_StartFailureAbortsBeforeInvoke(t *testing.T) {
	pf := &fakePlatform{startErr: &platform.Error{Type: platform.ErrorTypeServer, Message: "boom"}}
	inv := &fakeInvoker{}
	c := newTestController(t, pf, &fakeProber{healthy: true}, inv)

	res, err := c.Execute(context.Background(), Request{WorkflowID: "wf-1"})
	require.Error(t, err)
	assert.Nil(t, res)

	var se *StartError
	require.True(t, errors.As(err, &se))
	assert.Empty(t, inv.calls, "workflow must not run when start fails")
	assert.Equal(t, 0, pf.count("stop"))
}

func TestExecute_ReadinessTimeoutTriggersCleanupStop(t *testing.T) {
	pf := &fakePlatform{}
	pr := &fakeProber{healthy: false}
	inv := &fakeInvoker{}
	c := newTestController(t, pf, pr, inv)

	res, err := c.Execute(context.Background(), Request{WorkflowID: "wf-1"})
	require.Error(t, err)
	assert.Nil(t, res)

	var re *ReadinessError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "svc-1", re.ServiceID)
	assert.Equal(t, 5, re.Probe.Attempts)

	assert.Empty(t, inv.calls)
	assert.Equal(t, 1, pf.count("stop"), "cleanup stop must be attempted exactly once")
}

func TestExecute_ReadinessTimeoutStopFailureDoesNotMaskError(t *testing.T) {
	pf := &fakePlatform{stopErr: &platform.Error{Type: platform.ErrorTypeServer, Message: "stop failed"}}
	c := newTestController(t, pf, &fakeProber{healthy: false}, &fakeInvoker{})

	_, err := c.Execute(context.Background(), Request{WorkflowID: "wf-1"})
	var re *ReadinessError
	require.True(t, errors.As(err, &re), "readiness timeout must surface even when cleanup stop fails")
}

func TestExecute_InvokeFailureStillStops(t *testing.T) {
	pf := &fakePlatform{}
	invErr := &invoke.Error{Class: invoke.ErrorClassHTTP, StatusCode: 500, WorkflowID: "wf-1"}
	inv := &fakeInvoker{err: invErr}
	c := newTestController(t, pf, &fakeProber{healthy: true}, inv)

	res, err := c.Execute(context.Background(), Request{WorkflowID: "wf-1"})
	require.Error(t, err)
	require.NotNil(t, res, "result must carry the stop outcome even on invoke failure")

	assert.Equal(t, invErr, res.Err)
	assert.Equal(t, 1, pf.count("stop"), "stop must run even though the workflow failed")
	assert.NoError(t, res.StopWarning)
}

func TestExecute_StopFailureIsWarningNotError(t *testing.T) {
	pf := &fakePlatform{stopErr: &platform.Error{Type: platform.ErrorTypeServer, Message: "stop failed"}}
	inv := &fakeInvoker{output: "done"}
	c := newTestController(t, pf, &fakeProber{healthy: true}, inv)

	res, err := c.Execute(context.Background(), Request{WorkflowID: "wf-1"})
	require.NoError(t, err, "a stop failure must never erase a successful workflow result")
	require.NotNil(t, res)
	assert.Equal(t, "done", res.Output)
	assert.Error(t, res.StopWarning)
	assert.Equal(t, platform.StateUnknown, c.Snapshot().State)
}

func TestExecute_UnscopedKeepAliveRejected(t *testing.T) {
	pf := &fakePlatform{}
	c := newTestController(t, pf, &fakeProber{healthy: true}, &fakeInvoker{})

	res, err := c.Execute(context.Background(), Request{WorkflowID: "wf-1", KeepAlive: true})
	require.ErrorIs(t, err, ErrUnscopedKeepAlive)
	assert.Nil(t, res)
	assert.Empty(t, pf.sequence(), "no control-plane calls for rejected requests")
}

func TestExecute_IdempotentStartSkipsProbe(t *testing.T) {
	// The platform reports the service was already running: no readiness
	// wait is needed and no second start side-effect is counted.
	pf := &fakePlatform{startAck: platform.Ack{AlreadyInState: true}}
	pr := &fakeProber{healthy: true}
	c := newTestController(t, pf, pr, &fakeInvoker{})

	res, err := c.Execute(context.Background(), Request{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, pf.count("start"))
	assert.Equal(t, 0, pr.waits, "no probe when the backend was already running")
	assert.Equal(t, 0, res.ProbeAttempts)
}

func TestExecute_ConcurrentCallsBalanceStartsAndStops(t *testing.T) {
	pf := &fakePlatform{}
	c := newTestController(t, pf, &fakeProber{healthy: true}, &fakeInvoker{})

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Execute(context.Background(), Request{WorkflowID: fmt.Sprintf("wf-%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	starts := pf.count("start")
	stops := pf.count("stop")
	assert.Equal(t, starts, stops, "no leaked running backend, no duplicate stops")
	assert.Greater(t, starts, 0)
	assert.Equal(t, platform.StateStopped, c.Snapshot().State)
}

// TestExecute_EndToEndColdStart exercises the real prober and invoker
// against a fake backend whose health flips with the platform state.
func TestExecute_EndToEndColdStart(t *testing.T) {
	pf := &fakePlatform{}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			pf.mu.Lock()
			running := pf.running
			pf.mu.Unlock()
			if !running {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		case "/webhook/mail-digest":
			w.Write([]byte(`{"status":"ok","digest":["a","b"]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer backend.Close()

	prober := probe.New(probe.Config{
		GraceDelay:   time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Timeout:      2 * time.Second,
		Logger:       quietLogger(),
	})
	invoker, err := invoke.New(invoke.Config{BaseURL: backend.URL, Logger: quietLogger()})
	require.NoError(t, err)

	c, err := New(Config{
		ServiceID: "svc-1",
		HealthURL: backend.URL + "/healthz",
		Logger:    quietLogger(),
	}, pf, prober, invoker)
	require.NoError(t, err)

	res, err := c.Execute(context.Background(), Request{
		WorkflowID: "mail-digest",
		Payload:    map[string]any{"msg": "hi"},
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, []string{"start", "stop"}, pf.sequence())
	assert.True(t, res.Started)
	assert.GreaterOrEqual(t, res.ProbeAttempts, 1)

	out, ok := res.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", out["status"])
}
