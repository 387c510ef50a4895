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

// Package probe polls a backend health endpoint until it responds
// successfully or a deadline elapses. Individual poll failures are expected
// during cold start and are swallowed; only the aggregate deadline failure
// is reported.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Result describes the outcome of a readiness wait.
type Result struct {
	// Healthy is true if at least one probe succeeded.
	Healthy bool

	// Attempts is the number of polls issued.
	Attempts int

	// Elapsed is the total time spent waiting, including the grace delay.
	Elapsed time.Duration

	// LastErr is the most recent poll failure, nil if the first poll succeeded.
	LastErr error
}

// TimeoutError reports that the backend never became healthy within the
// configured deadline.
type TimeoutError struct {
	URL      string
	Attempts int
	Elapsed  time.Duration
	LastErr  error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("backend not ready after %d probes over %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.LastErr)
	}
	return fmt.Sprintf("backend not ready after %d probes over %s", e.Attempts, e.Elapsed.Round(time.Millisecond))
}

// Unwrap returns the last poll failure.
func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// Config configures the prober.
type Config struct {
	// GraceDelay is the initial wait before the first poll, accounting for
	// known cold-start latency (default: 10s).
	GraceDelay time.Duration

	// PollInterval is the cadence between polls (default: 2s).
	PollInterval time.Duration

	// Timeout is the overall deadline including the grace delay (default: 90s).
	Timeout time.Duration

	// RequestTimeout bounds each individual poll (default: 5s).
	RequestTimeout time.Duration

	// HTTPClient is the client used for polls (default: http.DefaultClient).
	HTTPClient *http.Client

	// Logger is the structured logger (default: slog.Default()).
	Logger *slog.Logger
}

// Prober polls a health endpoint with bounded retries. Safe for concurrent
// use; timings may be swapped at runtime via SetConfig.
type Prober struct {
	mu         sync.RWMutex
	grace      time.Duration
	interval   time.Duration
	timeout    time.Duration
	reqTimeout time.Duration
	client     *http.Client
	logger     *slog.Logger
}

// New creates a prober with the given configuration.
func New(cfg Config) *Prober {
	if cfg.GraceDelay == 0 {
		cfg.GraceDelay = 10 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Prober{
		grace:      cfg.GraceDelay,
		interval:   cfg.PollInterval,
		timeout:    cfg.Timeout,
		reqTimeout: cfg.RequestTimeout,
		client:     cfg.HTTPClient,
		logger:     cfg.Logger.With("component", "probe"),
	}
}

// SetConfig replaces the prober's timings. In-flight waits keep the values
// they started with; subsequent waits use the new ones.
func (p *Prober) SetConfig(cfg Config) {
	fresh := New(cfg)

	p.mu.Lock()
	p.grace = fresh.grace
	p.interval = fresh.interval
	p.timeout = fresh.timeout
	p.reqTimeout = fresh.reqTimeout
	p.mu.Unlock()
}

// Wait polls url until one probe succeeds or the deadline elapses.
// It returns as soon as a single probe succeeds; consecutive successes are
// not required. On deadline it returns a *TimeoutError.
func (p *Prober) Wait(ctx context.Context, url string) (Result, error) {
	p.mu.RLock()
	grace, interval, timeout := p.grace, p.interval, p.timeout
	p.mu.RUnlock()

	start := time.Now()
	deadline := start.Add(timeout)

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	res := Result{}

	// Cold-start grace before the first poll.
	select {
	case <-time.After(grace):
	case <-ctx.Done():
		res.Elapsed = time.Since(start)
		return res, &TimeoutError{URL: url, Attempts: res.Attempts, Elapsed: res.Elapsed, LastErr: ctx.Err()}
	}

	for {
		res.Attempts++
		err := p.poll(ctx, url)
		if err == nil {
			res.Healthy = true
			res.Elapsed = time.Since(start)
			p.logger.Info("backend is healthy",
				slog.String("url", url),
				slog.Int("attempts", res.Attempts),
				slog.Int64("duration_ms", res.Elapsed.Milliseconds()))
			return res, nil
		}

		res.LastErr = err
		p.logger.Debug("probe failed, backend still starting",
			slog.String("url", url),
			slog.Int("attempt", res.Attempts),
			slog.Any("error", err))

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			res.Elapsed = time.Since(start)
			return res, &TimeoutError{URL: url, Attempts: res.Attempts, Elapsed: res.Elapsed, LastErr: res.LastErr}
		}
	}
}

// poll issues a single health-check GET.
func (p *Prober) poll(ctx context.Context, url string) error {
	p.mu.RLock()
	reqTimeout := p.reqTimeout
	p.mu.RUnlock()

	reqCtx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned HTTP %d", resp.StatusCode)
	}

	return nil
}
