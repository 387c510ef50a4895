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

// Package client is the Go client for the snoozed HTTP API, used by the
// snooze CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultAddr is where snoozed listens unless configured otherwise.
const DefaultAddr = "http://127.0.0.1:8320"

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("snoozed: HTTP %d: %s", e.StatusCode, e.Message)
}

// DaemonNotRunningError indicates the daemon could not be reached at all.
type DaemonNotRunningError struct {
	Addr string
	Err  error
}

func (e *DaemonNotRunningError) Error() string {
	return fmt.Sprintf("snoozed is not reachable at %s: %v", e.Addr, e.Err)
}

func (e *DaemonNotRunningError) Unwrap() error { return e.Err }

// Guidance returns a human-readable hint for the CLI.
func (e *DaemonNotRunningError) Guidance() string {
	return "The snoozed daemon does not appear to be running.\nStart it with: snoozed --config <path>"
}

// IsDaemonNotRunning reports whether err means the daemon was unreachable.
func IsDaemonNotRunning(err error) bool {
	var dnr *DaemonNotRunningError
	return errors.As(err, &dnr)
}

// Client talks to the snoozed API.
type Client struct {
	addr       string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on requests.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout overrides the default request timeout. Workflow executions can
// legitimately take minutes when a cold start is involved.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// New creates a client for the daemon at addr.
func New(addr string, opts ...Option) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	c := &Client{
		addr:       strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromEnvironment creates a client from SNOOZE_ADDR and SNOOZE_AUTH_TOKEN.
func FromEnvironment() *Client {
	return New(os.Getenv("SNOOZE_ADDR"), WithToken(os.Getenv("SNOOZE_AUTH_TOKEN")))
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || strings.Contains(err.Error(), "connection refused") {
			return &DaemonNotRunningError{Addr: c.addr, Err: err}
		}
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		var decoded struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &decoded) == nil && decoded.Error != "" {
			msg = decoded.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ExecuteRequest is the body of an execute call.
type ExecuteRequest struct {
	Payload   json.RawMessage `json:"payload,omitempty"`
	KeepAlive bool            `json:"keep_alive,omitempty"`
	BatchID   string          `json:"batch_id,omitempty"`
}

// ExecuteResponse is the result of an execute call.
type ExecuteResponse struct {
	WorkflowID     string `json:"workflow_id"`
	Output         any    `json:"output,omitempty"`
	StartedBackend bool   `json:"started_backend"`
	ProbeAttempts  int    `json:"probe_attempts,omitempty"`
	DurationMS     int64  `json:"duration_ms"`
	StopWarning    string `json:"stop_warning,omitempty"`
}

// Execute runs a workflow with automatic backend lifecycle management.
func (c *Client) Execute(ctx context.Context, workflowID string, req ExecuteRequest) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := c.do(ctx, http.MethodPost, "/v1/workflows/"+workflowID+"/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status is the daemon's view of the managed service.
type Status struct {
	ServiceID      string `json:"service_id"`
	State          string `json:"state"`
	BatchDepth     int    `json:"batch_depth"`
	StartedByBatch bool   `json:"started_by_batch"`
	LastStarted    string `json:"last_started,omitempty"`
	LastStopped    string `json:"last_stopped,omitempty"`
	PlatformState  string `json:"platform_state,omitempty"`
	PlatformError  string `json:"platform_error,omitempty"`
}

// GetStatus fetches lifecycle status; live additionally queries the platform.
func (c *Client) GetStatus(ctx context.Context, live bool) (*Status, error) {
	path := "/v1/status"
	if live {
		path += "?live=true"
	}
	var s Status
	if err := c.do(ctx, http.MethodGet, path, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Execution mirrors one history record.
type Execution struct {
	ID             string `json:"id"`
	WorkflowID     string `json:"workflow_id"`
	BatchID        string `json:"batch_id,omitempty"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	StopWarning    string `json:"stop_warning,omitempty"`
	StartedBackend bool   `json:"started_backend"`
	ProbeAttempts  int    `json:"probe_attempts"`
	Output         any    `json:"output,omitempty"`
	StartedAt      string `json:"started_at"`
	Duration       int64  `json:"duration"`
}

// ListExecutions fetches recent execution history.
func (c *Client) ListExecutions(ctx context.Context, workflowID, status string, limit int) ([]Execution, error) {
	path := "/v1/executions"
	var params []string
	if workflowID != "" {
		params = append(params, "workflow="+workflowID)
	}
	if status != "" {
		params = append(params, "status="+status)
	}
	if limit > 0 {
		params = append(params, "limit="+strconv.Itoa(limit))
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	var resp struct {
		Executions []Execution `json:"executions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Executions, nil
}

// EnterBatch opens a batch scope and returns its ID.
func (c *Client) EnterBatch(ctx context.Context) (string, error) {
	var resp struct {
		BatchID string `json:"batch_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/batch", nil, &resp); err != nil {
		return "", err
	}
	return resp.BatchID, nil
}

// ReleaseBatch closes a batch scope. A non-empty stop warning means the
// scope was released but the backend stop failed.
func (c *Client) ReleaseBatch(ctx context.Context, batchID string) (string, error) {
	var resp struct {
		StopWarning string `json:"stop_warning,omitempty"`
	}
	if err := c.do(ctx, http.MethodDelete, "/v1/batch/"+batchID, nil, &resp); err != nil {
		return "", err
	}
	return resp.StopWarning, nil
}

// Health checks daemon reachability.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Version returns the daemon's reported name and version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/", nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}
