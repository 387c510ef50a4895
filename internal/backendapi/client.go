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

// Package backendapi is a client for the workflow backend's management REST
// API (workflow CRUD, activation, executions, credentials). It talks to the
// backend directly, so the backend must be running — callers are expected to
// hold a batch scope or otherwise ensure the backend is up.
package backendapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx response from the backend API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend api: HTTP %d: %s", e.StatusCode, e.Body)
}

// Workflow is a backend workflow definition. Nodes, Connections and Settings
// are kept as raw JSON: the controller moves them around but never interprets
// them.
type Workflow struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"`
	Active      bool            `json:"active"`
	Nodes       json.RawMessage `json:"nodes,omitempty"`
	Connections json.RawMessage `json:"connections,omitempty"`
	Settings    json.RawMessage `json:"settings,omitempty"`
	UpdatedAt   string          `json:"updatedAt,omitempty"`
}

// ExecutionSummary is one row from the backend's execution list.
type ExecutionSummary struct {
	ID         json.Number `json:"id"`
	WorkflowID string      `json:"workflowId"`
	Finished   bool        `json:"finished"`
	Mode       string      `json:"mode"`
	StartedAt  string      `json:"startedAt,omitempty"`
	StoppedAt  string      `json:"stoppedAt,omitempty"`
	Status     string      `json:"status,omitempty"`
}

// Credential is a stored backend credential reference (never its secret data).
type Credential struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Config configures the backend API client.
type Config struct {
	// BaseURL is the backend base URL (required).
	BaseURL string

	// APIKey authenticates API calls (required).
	APIKey string

	// Timeout bounds a single API call. Default: 30s.
	Timeout time.Duration

	// HTTPClient overrides the default client (optional, used in tests).
	HTTPClient *http.Client
}

// Client calls the backend management API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a backend API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

// request performs one API call and decodes a JSON response into out (which
// may be nil for endpoints whose body the caller does not need).
func (c *Client) request(ctx context.Context, method, path string, params url.Values, body, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-N8N-API-KEY", c.apiKey)
	// Some deployments front the API with a proxy that wants a bearer token.
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend api request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// listEnvelope matches the { "data": [...] } shape some API versions return.
type listEnvelope[T any] struct {
	Data []T `json:"data"`
}

// decodeList accepts either a bare JSON array or a data-envelope.
func decodeList[T any](raw json.RawMessage) ([]T, error) {
	var items []T
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, nil
	}
	var env listEnvelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode list response: %w", err)
	}
	return env.Data, nil
}

// ListWorkflows returns all workflow definitions.
func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var raw json.RawMessage
	if err := c.request(ctx, http.MethodGet, "/rest/workflows", nil, nil, &raw); err != nil {
		return nil, err
	}
	return decodeList[Workflow](raw)
}

// GetWorkflow returns one workflow definition.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	if err := c.request(ctx, http.MethodGet, "/rest/workflows/"+url.PathEscape(id), nil, nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// CreateWorkflow deploys a new workflow definition.
func (c *Client) CreateWorkflow(ctx context.Context, wf Workflow) (*Workflow, error) {
	var created Workflow
	if err := c.request(ctx, http.MethodPost, "/rest/workflows", nil, wf, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateWorkflow patches an existing workflow definition.
func (c *Client) UpdateWorkflow(ctx context.Context, id string, wf Workflow) (*Workflow, error) {
	var updated Workflow
	if err := c.request(ctx, http.MethodPatch, "/rest/workflows/"+url.PathEscape(id), nil, wf, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteWorkflow removes a workflow definition.
func (c *Client) DeleteWorkflow(ctx context.Context, id string) error {
	return c.request(ctx, http.MethodDelete, "/rest/workflows/"+url.PathEscape(id), nil, nil, nil)
}

// ActivateWorkflow enables a workflow's triggers.
func (c *Client) ActivateWorkflow(ctx context.Context, id string) error {
	return c.request(ctx, http.MethodPost, "/rest/workflows/"+url.PathEscape(id)+"/activate", nil, nil, nil)
}

// DeactivateWorkflow disables a workflow's triggers.
func (c *Client) DeactivateWorkflow(ctx context.Context, id string) error {
	return c.request(ctx, http.MethodPost, "/rest/workflows/"+url.PathEscape(id)+"/deactivate", nil, nil, nil)
}

// RunOnce triggers a one-off execution. Not every backend version supports
// this endpoint; a 404 or 405 is surfaced with a hint.
func (c *Client) RunOnce(ctx context.Context, id string, runData any) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.request(ctx, http.MethodPost, "/rest/workflows/"+url.PathEscape(id)+"/run", nil, runData, &out)
	if err != nil {
		if isStatus(err, http.StatusNotFound, http.StatusMethodNotAllowed) {
			return nil, fmt.Errorf("this backend version does not support one-off runs: %w", err)
		}
		return nil, err
	}
	return out, nil
}

// ListExecutions returns recent backend-side executions, optionally filtered
// by workflow.
func (c *Client) ListExecutions(ctx context.Context, workflowID string, limit int) ([]ExecutionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	params := url.Values{"limit": {strconv.Itoa(limit)}}
	if workflowID != "" {
		params.Set("workflowId", workflowID)
	}

	var raw json.RawMessage
	if err := c.request(ctx, http.MethodGet, "/rest/executions", params, nil, &raw); err != nil {
		return nil, err
	}
	return decodeList[ExecutionSummary](raw)
}

// ListCredentials returns stored credential references.
func (c *Client) ListCredentials(ctx context.Context) ([]Credential, error) {
	var raw json.RawMessage
	if err := c.request(ctx, http.MethodGet, "/rest/credentials", nil, nil, &raw); err != nil {
		return nil, err
	}
	return decodeList[Credential](raw)
}

// ErrNotFound is returned when a lookup by name matches nothing.
var ErrNotFound = errors.New("not found")

// GetCredentialByName resolves a credential reference by display name.
func (c *Client) GetCredentialByName(ctx context.Context, name string) (*Credential, error) {
	creds, err := c.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	for _, cred := range creds {
		if cred.Name == name {
			return &cred, nil
		}
	}
	return nil, fmt.Errorf("credential %q: %w", name, ErrNotFound)
}

func isStatus(err error, codes ...int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.StatusCode == code {
			return true
		}
	}
	return false
}
