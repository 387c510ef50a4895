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

// Package platform provides the control-plane client for the hosting
// platform (Railway). It issues start/stop/status operations for a service
// via the platform's GraphQL API, normalizing failures into typed errors
// and retrying transient ones with bounded exponential backoff.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// DefaultAPIURL is the Railway GraphQL endpoint.
const DefaultAPIURL = "https://backboard.railway.app/graphql"

// State represents the observed lifecycle state of a platform service.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateUnknown  State = "unknown"
)

// Ack acknowledges a start or stop operation.
type Ack struct {
	// AlreadyInState is true when the platform reported the service was
	// already in the requested state. Callers treat this as success.
	AlreadyInState bool
}

// Config configures the platform client.
type Config struct {
	// APIURL is the GraphQL endpoint (default: DefaultAPIURL).
	APIURL string

	// Token is the platform API token (required).
	Token string

	// ServiceID is the default service this client manages (required).
	ServiceID string

	// Timeout is the per-request timeout (default: 30s).
	Timeout time.Duration

	// Retry configures retry behavior (optional, uses defaults if nil).
	Retry *RetryConfig

	// RequestsPerSecond caps outbound control-plane calls
	// (default: 2, Railway's public API budget is tight).
	RequestsPerSecond float64

	// Logger is the structured logger (default: slog.Default()).
	Logger *slog.Logger
}

// Client issues control-plane operations against the platform API.
// It holds no mutable state between calls and is safe for concurrent use.
type Client struct {
	apiURL     string
	serviceID  string
	httpClient *http.Client
	limiter    *rate.Limiter
	retryCfg   *RetryConfig
	logger     *slog.Logger
}

// New creates a platform client. Credentials are validated once here,
// not re-validated per call.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, &Error{
			Type:    ErrorTypeConfig,
			Message: "platform API token is not configured",
		}
	}
	if cfg.ServiceID == "" {
		return nil, &Error{
			Type:    ErrorTypeConfig,
			Message: "platform service ID is not configured",
		}
	}
	if cfg.Retry != nil {
		if err := cfg.Retry.Validate(); err != nil {
			return nil, &Error{
				Type:    ErrorTypeConfig,
				Message: fmt.Sprintf("invalid retry configuration: %v", err),
				Cause:   err,
			}
		}
	}

	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	rps := cfg.RequestsPerSecond
	if rps == 0 {
		rps = 2
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Bearer auth via a static token source; the oauth2 transport injects
	// the Authorization header on every request.
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	httpClient := oauth2.NewClient(context.Background(), src)
	httpClient.Timeout = timeout

	return &Client{
		apiURL:     apiURL,
		serviceID:  cfg.ServiceID,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		retryCfg:   cfg.Retry,
		logger:     logger.With("component", "platform"),
	}, nil
}

// ServiceID returns the default service ID this client manages.
func (c *Client) ServiceID() string {
	return c.serviceID
}

// Start issues the platform's start mutation for the given service.
// Starting an already-running service is not an error.
func (c *Client) Start(ctx context.Context, serviceID string) (Ack, error) {
	query := fmt.Sprintf(`mutation { serviceStart(id: %q) }`, serviceID)
	return c.mutate(ctx, serviceID, "start", query)
}

// Stop issues the platform's stop mutation for the given service.
// Stopping an already-stopped service is not an error.
func (c *Client) Stop(ctx context.Context, serviceID string) (Ack, error) {
	query := fmt.Sprintf(`mutation { serviceStop(id: %q) }`, serviceID)
	return c.mutate(ctx, serviceID, "stop", query)
}

// Status queries the platform for the service's current deployment state.
func (c *Client) Status(ctx context.Context, serviceID string) (State, error) {
	query := fmt.Sprintf(`query { service(id: %q) { activeDeployment { status } } }`, serviceID)

	var data struct {
		Service struct {
			ActiveDeployment struct {
				Status string `json:"status"`
			} `json:"activeDeployment"`
		} `json:"service"`
	}

	err := retry(ctx, c.retryCfg, func(ctx context.Context) error {
		raw, err := c.do(ctx, query)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &data)
	})
	if err != nil {
		return StateUnknown, normalizeErr(err)
	}

	return mapDeploymentStatus(data.Service.ActiveDeployment.Status), nil
}

// mutate runs a start/stop mutation with retries, treating "already in
// state" responses as acknowledgements.
func (c *Client) mutate(ctx context.Context, serviceID, op, query string) (Ack, error) {
	start := time.Now()

	err := retry(ctx, c.retryCfg, func(ctx context.Context) error {
		_, err := c.do(ctx, query)
		return err
	})
	if err != nil {
		if isAlreadyInState(err) {
			c.logger.Info("service already in requested state",
				slog.String("service_id", serviceID),
				slog.String("op", op))
			return Ack{AlreadyInState: true}, nil
		}
		return Ack{}, normalizeErr(err)
	}

	c.logger.Info("control-plane operation succeeded",
		slog.String("service_id", serviceID),
		slog.String("op", op),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return Ack{}, nil
}

// graphQLRequest is the request envelope for the platform API.
type graphQLRequest struct {
	Query string `json:"query"`
}

// graphQLResponse is the response envelope for the platform API.
type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// do executes one GraphQL request and returns the data payload.
func (c *Client) do(ctx context.Context, query string) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{
			Type:      ErrorTypeCancelled,
			Message:   "rate limit wait cancelled",
			Retryable: false,
			Cause:     err,
		}
	}

	body, err := json.Marshal(graphQLRequest{Query: query})
	if err != nil {
		return nil, &Error{
			Type:      ErrorTypeClient,
			Message:   fmt.Sprintf("failed to encode request: %v", err),
			Retryable: false,
			Cause:     err,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{
			Type:      ErrorTypeClient,
			Message:   fmt.Sprintf("failed to build request: %v", err),
			Retryable: false,
			Cause:     err,
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{
			Type:      ErrorTypeConnection,
			Message:   fmt.Sprintf("failed to read response body: %v", err),
			Retryable: true,
			Cause:     err,
		}
	}

	if resp.StatusCode >= 400 {
		return nil, classifyStatusErr(resp.StatusCode, respBody)
	}

	var gql graphQLResponse
	if err := json.Unmarshal(respBody, &gql); err != nil {
		return nil, &Error{
			Type:      ErrorTypeServer,
			Message:   fmt.Sprintf("malformed GraphQL response: %v", err),
			Retryable: true,
			Cause:     err,
		}
	}

	if len(gql.Errors) > 0 {
		return nil, classifyGraphQLErr(gql.Errors[0].Message)
	}

	return gql.Data, nil
}

// classifyGraphQLErr maps GraphQL error messages to typed errors.
// Authentication failures are non-retriable.
func classifyGraphQLErr(message string) *Error {
	lower := strings.ToLower(message)

	if strings.Contains(lower, "not authorized") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "invalid token") {
		return &Error{
			Type:      ErrorTypeAuth,
			Message:   message,
			Retryable: false,
		}
	}

	return &Error{
		Type:      ErrorTypeGraphQL,
		Message:   message,
		Retryable: false,
	}
}

// isAlreadyInState reports whether the platform rejected a start/stop
// because the service was already in the requested state.
func isAlreadyInState(err error) bool {
	pe, ok := err.(*Error)
	if !ok {
		return false
	}
	lower := strings.ToLower(pe.Message)
	return strings.Contains(lower, "already running") ||
		strings.Contains(lower, "already stopped") ||
		strings.Contains(lower, "already deployed")
}

// classifyTransportErr classifies HTTP client errors into typed errors.
func classifyTransportErr(err error) *Error {
	msg := err.Error()
	if strings.Contains(msg, "context canceled") || strings.Contains(msg, "context deadline exceeded") {
		return &Error{
			Type:      ErrorTypeCancelled,
			Message:   "request cancelled",
			Retryable: false,
			Cause:     err,
		}
	}

	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return &Error{
			Type:      ErrorTypeTimeout,
			Message:   "request timeout",
			Retryable: true,
			Cause:     err,
		}
	}

	return &Error{
		Type:      ErrorTypeConnection,
		Message:   fmt.Sprintf("connection error: %v", err),
		Retryable: true,
		Cause:     err,
	}
}

// classifyStatusErr classifies HTTP status code errors into typed errors.
func classifyStatusErr(statusCode int, body []byte) *Error {
	var errorType ErrorType
	var retryable bool

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		errorType = ErrorTypeAuth
		retryable = false
	case statusCode == http.StatusTooManyRequests:
		errorType = ErrorTypeRateLimit
		retryable = true
	case statusCode >= 500:
		errorType = ErrorTypeServer
		retryable = true
	case statusCode == http.StatusRequestTimeout:
		errorType = ErrorTypeTimeout
		retryable = true
	default:
		errorType = ErrorTypeClient
		retryable = false
	}

	message := fmt.Sprintf("HTTP %d", statusCode)
	if len(body) > 0 && len(body) < 500 {
		message = fmt.Sprintf("HTTP %d: %s", statusCode, strings.TrimSpace(string(body)))
	}

	return &Error{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
		Retryable:  retryable,
	}
}

// normalizeErr ensures every failure surfaced by the client is a *Error.
func normalizeErr(err error) error {
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{
		Type:      ErrorTypeServer,
		Message:   err.Error(),
		Retryable: false,
		Cause:     err,
	}
}

// mapDeploymentStatus maps Railway deployment statuses to lifecycle states.
func mapDeploymentStatus(status string) State {
	switch strings.ToUpper(status) {
	case "SUCCESS":
		return StateRunning
	case "BUILDING", "DEPLOYING", "INITIALIZING", "QUEUED", "WAITING":
		return StateStarting
	case "REMOVING":
		return StateStopping
	case "REMOVED", "CRASHED", "FAILED", "SLEEPING":
		return StateStopped
	default:
		return StateUnknown
	}
}
