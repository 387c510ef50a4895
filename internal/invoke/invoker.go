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

// Package invoke performs the workflow-trigger call against the backend
// once it is ready. A single outbound POST to the backend's webhook
// endpoint, bounded by its own execution timeout.
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxErrorBody caps how much of an error response body is kept.
const maxErrorBody = 500

// Result holds a successful workflow invocation response.
type Result struct {
	// StatusCode is the backend's HTTP status.
	StatusCode int

	// Body is the raw response body.
	Body json.RawMessage

	// Output is the decoded response, with the result filter applied
	// when one is configured.
	Output any

	// Duration is the wall-clock time of the call.
	Duration time.Duration
}

// Config configures the invoker.
type Config struct {
	// BaseURL is the backend base URL (required), e.g. "https://n8n.example.app".
	BaseURL string

	// Timeout bounds a single workflow execution (default: 120s).
	Timeout time.Duration

	// ResultFilter is an optional jq expression applied to the response body.
	ResultFilter string

	// BearerToken is sent as an Authorization header on webhook calls when
	// the backend's webhooks are protected (optional).
	BearerToken string

	// HTTPClient is the client for invocation calls (default: a dedicated client).
	HTTPClient *http.Client

	// Logger is the structured logger (default: slog.Default()).
	Logger *slog.Logger
}

// Invoker executes workflows on the backend via its webhook endpoint.
// Safe for concurrent use.
type Invoker struct {
	baseURL string
	timeout time.Duration
	filter  *Filter
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// New creates an invoker. The base URL is required.
func New(cfg Config) (*Invoker, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	filter, err := NewFilter(cfg.ResultFilter)
	if err != nil {
		return nil, err
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Invoker{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: timeout,
		filter:  filter,
		token:   cfg.BearerToken,
		client:  client,
		logger:  logger.With("component", "invoke"),
	}, nil
}

// Invoke POSTs payload to the backend's webhook endpoint for workflowID.
// Non-2xx responses and deadline overruns surface as *Error.
func (i *Invoker) Invoke(ctx context.Context, workflowID string, payload any) (*Result, error) {
	url := fmt.Sprintf("%s/webhook/%s", i.baseURL, workflowID)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{
			Class:      ErrorClassConnection,
			WorkflowID: workflowID,
			Cause:      fmt.Errorf("failed to encode payload: %w", err),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Class: ErrorClassConnection, WorkflowID: workflowID, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if i.token != "" {
		req.Header.Set("Authorization", "Bearer "+i.token)
	}

	start := time.Now()
	resp, err := i.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Class: ErrorClassTimeout, WorkflowID: workflowID, Cause: err}
		}
		return nil, &Error{Class: ErrorClassConnection, WorkflowID: workflowID, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Class: ErrorClassConnection, WorkflowID: workflowID, Cause: err}
	}
	duration := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Class:      ErrorClassHTTP,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), maxErrorBody),
			WorkflowID: workflowID,
		}
	}

	res := &Result{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Duration:   duration,
	}

	// Webhook responses are JSON in practice; fall back to the raw string
	// for endpoints that return plain text.
	var decoded any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			decoded = string(respBody)
		}
	}

	res.Output, err = i.filter.Apply(ctx, decoded)
	if err != nil {
		i.logger.Warn("result filter failed, returning unfiltered output",
			slog.String("workflow", workflowID),
			slog.Any("error", err))
		res.Output = decoded
	}

	i.logger.Info("workflow invoked",
		slog.String("workflow", workflowID),
		slog.Int("status", resp.StatusCode),
		slog.Int64("duration_ms", duration.Milliseconds()))

	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
