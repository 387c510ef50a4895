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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetry keeps test backoff short.
func fastRetry() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := New(Config{
		APIURL:            serverURL,
		Token:             "test-token",
		ServiceID:         "svc-1",
		Retry:             fastRetry(),
		RequestsPerSecond: 1000,
	})
	require.NoError(t, err)
	return c
}

func TestNew_MissingCredentials(t *testing.T) {
	_, err := New(Config{ServiceID: "svc-1"})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	_, err = New(Config{Token: "tok"})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestClient_Start(t *testing.T) {
	var gotAuth string
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotQuery = req.Query
		w.Write([]byte(`{"data":{"serviceStart":true}}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	ack, err := c.Start(context.Background(), "svc-1")
	require.NoError(t, err)
	assert.False(t, ack.AlreadyInState)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Contains(t, gotQuery, `serviceStart(id: "svc-1")`)
}

func TestClient_Start_AlreadyRunning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"service is already running"}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	ack, err := c.Start(context.Background(), "svc-1")
	require.NoError(t, err)
	assert.True(t, ack.AlreadyInState)
}

func TestClient_Stop_AlreadyStopped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"Service already stopped"}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	ack, err := c.Stop(context.Background(), "svc-1")
	require.NoError(t, err)
	assert.True(t, ack.AlreadyInState)
}

func TestClient_AuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"invalid token"}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.Start(context.Background(), "svc-1")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Equal(t, int32(1), calls.Load(), "auth failures must not be retried")
}

func TestClient_GraphQLAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"Not Authorized"}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.Start(context.Background(), "svc-1")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}

func TestClient_TransientErrorRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":{"serviceStart":true}}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.Start(context.Background(), "svc-1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.Start(context.Background(), "svc-1")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	pe, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrorTypeServer, pe.Type)
}

func TestClient_Status(t *testing.T) {
	tests := []struct {
		deployStatus string
		want         State
	}{
		{"SUCCESS", StateRunning},
		{"DEPLOYING", StateStarting},
		{"BUILDING", StateStarting},
		{"REMOVING", StateStopping},
		{"REMOVED", StateStopped},
		{"CRASHED", StateStopped},
		{"SOMETHING_NEW", StateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.deployStatus, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req graphQLRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.True(t, strings.Contains(req.Query, "activeDeployment"))
				json.NewEncoder(w).Encode(map[string]any{
					"data": map[string]any{
						"service": map[string]any{
							"activeDeployment": map[string]any{"status": tt.deployStatus},
						},
					},
				})
			}))
			defer server.Close()

			c := newTestClient(t, server.URL)
			state, err := c.Status(context.Background(), "svc-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, state)
		})
	}
}
