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

package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/snooze/internal/backendapi"
	"github.com/tombee/snooze/internal/config"
	"github.com/tombee/snooze/internal/history"
	"github.com/tombee/snooze/internal/invoke"
	"github.com/tombee/snooze/internal/lifecycle"
	"github.com/tombee/snooze/internal/platform"
	"github.com/tombee/snooze/internal/probe"
)

type fakePlatform struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
}

func (f *fakePlatform) Start(ctx context.Context, serviceID string) (platform.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.running = true
	return platform.Ack{}, nil
}

func (f *fakePlatform) Stop(ctx context.Context, serviceID string) (platform.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
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

func (f *fakePlatform) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakeProber struct{}

func (fakeProber) Wait(ctx context.Context, url string) (probe.Result, error) {
	return probe.Result{Healthy: true, Attempts: 1}, nil
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeInvoker) Invoke(ctx context.Context, workflowID string, payload any) (*invoke.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, workflowID)
	if f.err != nil {
		return nil, f.err
	}
	return &invoke.Result{StatusCode: 200, Output: map[string]any{"ok": true}}, nil
}

type testEnv struct {
	srv      *httptest.Server
	platform *fakePlatform
	invoker  *fakeInvoker
	store    *history.Store
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config), backend *backendapi.Client) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Platform.Token = "tok"
	cfg.Platform.ServiceID = "svc-1"
	cfg.Backend.BaseURL = "https://n8n.example.app"
	if mutate != nil {
		mutate(cfg)
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	pf := &fakePlatform{}
	inv := &fakeInvoker{}
	ctrl, err := lifecycle.New(lifecycle.Config{
		ServiceID: cfg.Platform.ServiceID,
		HealthURL: cfg.HealthURL(),
		Logger:    quiet,
	}, pf, fakeProber{}, inv)
	require.NoError(t, err)

	store, err := history.New(history.Config{Path: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s, err := NewServer(ServerConfig{
		Config:     cfg,
		Controller: ctrl,
		History:    store,
		Backend:    backend,
		Logger:     quiet,
		Version:    "test",
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, platform: pf, invoker: inv, store: store}
}

func doJSON(t *testing.T, method, url, token string, body string) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &decoded), "body: %s", data)
	}
	return resp, decoded
}

func TestExecuteEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, body := doJSON(t, http.MethodPost,
		env.srv.URL+"/v1/workflows/mail-digest/execute", "",
		`{"payload":{"msg":"hi"}}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "mail-digest", body["workflow_id"])
	assert.Equal(t, true, body["started_backend"])
	assert.Equal(t, map[string]any{"ok": true}, body["output"])

	starts, stops := env.platform.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)

	// The run landed in history.
	execs, err := env.store.List(context.Background(), history.ListFilter{})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "mail-digest", execs[0].WorkflowID)
	assert.Equal(t, history.StatusOK, execs[0].Status)
}

func TestExecuteEndpoint_UnscopedKeepAlive(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, body := doJSON(t, http.MethodPost,
		env.srv.URL+"/v1/workflows/wf/execute", "",
		`{"keep_alive":true}`)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "keep_alive")
}

func TestExecuteEndpoint_KeepAliveViaQueryParam(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	// keep_alive as a query parameter is equivalent to the body field, so
	// outside a batch scope it is rejected the same way.
	resp, body := doJSON(t, http.MethodPost,
		env.srv.URL+"/v1/workflows/wf/execute?keep_alive=true", "", `{}`)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "keep_alive")
}

func TestExecuteEndpoint_WorkflowFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.invoker.err = &invoke.Error{Class: invoke.ErrorClassHTTP, StatusCode: 500, WorkflowID: "wf"}

	resp, _ := doJSON(t, http.MethodPost,
		env.srv.URL+"/v1/workflows/wf/execute", "", `{}`)

	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	// Failure still stopped the backend and was recorded.
	_, stops := env.platform.counts()
	assert.Equal(t, 1, stops)

	execs, err := env.store.List(context.Background(), history.ListFilter{Status: history.StatusError})
	require.NoError(t, err)
	require.Len(t, execs, 1)
}

func TestBatchEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/v1/batch", "", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	batchID, _ := body["batch_id"].(string)
	require.NotEmpty(t, batchID)

	// Several executions inside the scope share one start.
	for i := 0; i < 3; i++ {
		resp, _ := doJSON(t, http.MethodPost,
			env.srv.URL+"/v1/workflows/wf/execute", "", `{"keep_alive":true}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	starts, stops := env.platform.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, stops)

	resp, _ = doJSON(t, http.MethodDelete, env.srv.URL+"/v1/batch/"+batchID, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	starts, stops = env.platform.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)

	// Releasing again is a 404: the handle is gone.
	resp, _ = doJSON(t, http.MethodDelete, env.srv.URL+"/v1/batch/"+batchID, "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/v1/status", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "svc-1", body["service_id"])
	assert.Equal(t, "unknown", body["state"])

	resp, body = doJSON(t, http.MethodGet, env.srv.URL+"/v1/status?live=true", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", body["platform_state"])
}

func TestAuth_BearerToken(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.AuthToken = "secret-token"
	}, nil)

	resp, _ := doJSON(t, http.MethodGet, env.srv.URL+"/v1/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, env.srv.URL+"/v1/status", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, env.srv.URL+"/v1/status", "secret-token", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health and metrics stay open.
	resp, _ = doJSON(t, http.MethodGet, env.srv.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_JWT(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.JWTSecret = "jwt-secret"
	}, nil)

	claims := jwt.MapClaims{
		"sub": "caia",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("jwt-secret"))
	require.NoError(t, err)

	resp, _ := doJSON(t, http.MethodGet, env.srv.URL+"/v1/status", token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	expired := jwt.MapClaims{
		"sub": "caia",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}
	badToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expired).SignedString([]byte("jwt-secret"))
	require.NoError(t, err)

	resp, _ = doJSON(t, http.MethodGet, env.srv.URL+"/v1/status", badToken, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestExecutionListEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	for i := 0; i < 2; i++ {
		resp, _ := doJSON(t, http.MethodPost,
			env.srv.URL+"/v1/workflows/wf/execute", "", `{}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/v1/executions?workflow=wf&limit=10", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	execs, ok := body["executions"].([]any)
	require.True(t, ok)
	assert.Len(t, execs, 2)
}

func TestBackendProxy_WrapsCallsInBatchScope(t *testing.T) {
	// Fake n8n management API.
	n8n := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/workflows", r.URL.Path)
		assert.Equal(t, "api-key", r.Header.Get("X-N8N-API-KEY"))
		w.Write([]byte(`[{"id":"1","name":"mail-digest","active":true}]`))
	}))
	defer n8n.Close()

	backend, err := backendapi.New(backendapi.Config{BaseURL: n8n.URL, APIKey: "api-key"})
	require.NoError(t, err)

	env := newTestEnv(t, nil, backend)

	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/v1/backend/workflows", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	wfs, ok := body["workflows"].([]any)
	require.True(t, ok)
	require.Len(t, wfs, 1)

	// The proxy started the backend for the call and stopped it after.
	starts, stops := env.platform.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestBackendProxy_RunOnce(t *testing.T) {
	n8n := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/rest/workflows/wf-1/run", r.URL.Path)

		var runData map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&runData))
		assert.Equal(t, "hi", runData["msg"])

		w.Write([]byte(`{"executionId":"ex-9"}`))
	}))
	defer n8n.Close()

	backend, err := backendapi.New(backendapi.Config{BaseURL: n8n.URL, APIKey: "api-key"})
	require.NoError(t, err)

	env := newTestEnv(t, nil, backend)

	resp, body := doJSON(t, http.MethodPost,
		env.srv.URL+"/v1/backend/workflows/wf-1/run", "", `{"msg":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ex-9", result["executionId"])

	starts, stops := env.platform.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestBackendProxy_Credentials(t *testing.T) {
	n8n := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/credentials", r.URL.Path)
		w.Write([]byte(`{"data":[{"id":"c1","name":"Telegram account","type":"telegramApi"}]}`))
	}))
	defer n8n.Close()

	backend, err := backendapi.New(backendapi.Config{BaseURL: n8n.URL, APIKey: "api-key"})
	require.NoError(t, err)

	env := newTestEnv(t, nil, backend)

	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/v1/backend/credentials", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	creds, ok := body["credentials"].([]any)
	require.True(t, ok)
	require.Len(t, creds, 1)

	// Lookup by display name resolves a single credential.
	resp, body = doJSON(t, http.MethodGet,
		env.srv.URL+"/v1/backend/credentials?name=Telegram+account", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "c1", body["id"])

	resp, _ = doJSON(t, http.MethodGet,
		env.srv.URL+"/v1/backend/credentials?name=missing", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBackendProxy_PassesThroughAPIErrors(t *testing.T) {
	n8n := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"workflow not found"}`))
	}))
	defer n8n.Close()

	backend, err := backendapi.New(backendapi.Config{BaseURL: n8n.URL, APIKey: "api-key"})
	require.NoError(t, err)

	env := newTestEnv(t, nil, backend)

	resp, _ := doJSON(t, http.MethodGet, env.srv.URL+"/v1/backend/workflows/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRootEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "snoozed", body["name"])
}
