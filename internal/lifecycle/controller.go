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

// Package lifecycle decides, for each workflow invocation, whether to start
// the backend, wait for readiness, invoke the workflow, and whether to stop
// the backend afterward. It owns the process-wide lifecycle state (observed
// service state and batch reference counts) and keeps the backend stopped
// between runs to avoid paying for idle compute.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/snooze/internal/invoke"
	"github.com/tombee/snooze/internal/log"
	"github.com/tombee/snooze/internal/platform"
	"github.com/tombee/snooze/internal/probe"
)

// PlatformClient issues control-plane operations for a backend service.
type PlatformClient interface {
	Start(ctx context.Context, serviceID string) (platform.Ack, error)
	Stop(ctx context.Context, serviceID string) (platform.Ack, error)
	Status(ctx context.Context, serviceID string) (platform.State, error)
}

// ReadinessProber blocks until the backend's health endpoint responds or a
// deadline elapses.
type ReadinessProber interface {
	Wait(ctx context.Context, url string) (probe.Result, error)
}

// WorkflowInvoker performs the workflow-trigger call against a ready backend.
type WorkflowInvoker interface {
	Invoke(ctx context.Context, workflowID string, payload any) (*invoke.Result, error)
}

// Request describes a single workflow invocation.
type Request struct {
	// WorkflowID is the workflow identifier or webhook path.
	WorkflowID string

	// Payload is the opaque JSON value delivered to the workflow.
	Payload any

	// KeepAlive asks for the backend to be left running after this call.
	// Only valid inside an active batch scope.
	KeepAlive bool
}

// Result carries the two independent outcomes of an invocation: the
// workflow outcome and the infrastructure (stop) outcome. A failed cleanup
// stop must never erase a successful workflow result, so the stop failure
// travels in StopWarning rather than in Err.
type Result struct {
	// WorkflowID echoes the request.
	WorkflowID string

	// Output is the workflow response, with the result filter applied.
	Output any

	// Err is the workflow outcome error (invocation failure), nil on success.
	Err error

	// StopWarning is set when the post-run stop failed. Non-fatal.
	StopWarning error

	// Started is true when this call performed the start operation.
	Started bool

	// ProbeAttempts is the number of readiness polls issued by this call.
	ProbeAttempts int

	// Duration is the total wall-clock time of the invocation.
	Duration time.Duration
}

// Config configures the lifecycle controller.
type Config struct {
	// ServiceID is the platform service to manage (required).
	ServiceID string

	// HealthURL is the backend health endpoint polled for readiness (required).
	HealthURL string

	// Logger is the structured logger (default: slog.Default()).
	Logger *slog.Logger

	// Tracer emits spans around start/probe/invoke/stop
	// (default: the globally registered tracer).
	Tracer trace.Tracer
}

// Controller orchestrates the on-demand lifecycle of backend services.
// Safe for concurrent use; calls for distinct service IDs never block each
// other.
type Controller struct {
	serviceID string
	healthURL string

	platform PlatformClient
	prober   ReadinessProber
	invoker  WorkflowInvoker

	reg    *registry
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a lifecycle controller.
func New(cfg Config, pc PlatformClient, prober ReadinessProber, invoker WorkflowInvoker) (*Controller, error) {
	if cfg.ServiceID == "" {
		return nil, fmt.Errorf("service ID is required")
	}
	if cfg.HealthURL == "" {
		return nil, fmt.Errorf("health URL is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("snooze/lifecycle")
	}

	return &Controller{
		serviceID: cfg.ServiceID,
		healthURL: cfg.HealthURL,
		platform:  pc,
		prober:    prober,
		invoker:   invoker,
		reg:       newRegistry(),
		logger:    logger.With("component", "lifecycle"),
		tracer:    tracer,
	}, nil
}

// Execute runs one workflow invocation with automatic backend management:
// start the backend if it is not running, wait for readiness, invoke the
// workflow, and stop the backend afterward unless a batch scope holds it
// open.
//
// Infrastructure failures before the workflow runs (start failure,
// readiness timeout, unscoped keep_alive) return a nil Result. Once the
// workflow has been attempted, the Result is always non-nil — it carries
// the stop warning even when the workflow itself failed, and the returned
// error then equals Result.Err.
func (c *Controller) Execute(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	logger := log.WithWorkflow(log.WithService(c.logger, c.serviceID), req.WorkflowID)

	ctx, span := c.tracer.Start(ctx, "lifecycle.execute", trace.WithAttributes(
		attribute.String("workflow.id", req.WorkflowID),
		attribute.String("service.id", c.serviceID),
		attribute.Bool("keep_alive", req.KeepAlive),
	))
	defer span.End()

	entry := c.reg.entry(c.serviceID)

	// Step 1-2: decide between the batch fast path and a cold start.
	// Start operations are serialized by the entry lock so only one start
	// is ever in flight per service.
	entry.mu.Lock()
	fastPath := entry.refCount > 0 && entry.state == platform.StateRunning

	var didStart bool
	var needProbe bool
	if !fastPath {
		if req.KeepAlive && entry.refCount == 0 {
			entry.mu.Unlock()
			span.SetStatus(codes.Error, ErrUnscopedKeepAlive.Error())
			return nil, ErrUnscopedKeepAlive
		}

		if entry.state != platform.StateRunning {
			if entry.state != platform.StateStarting {
				if err := c.startLocked(ctx, entry); err != nil {
					entry.mu.Unlock()
					span.SetStatus(codes.Error, err.Error())
					return nil, err
				}
				didStart = true
			}
			// An idempotent start can report the backend already running,
			// in which case no readiness wait is needed.
			needProbe = entry.state != platform.StateRunning
		}
	}
	entry.mu.Unlock()

	if fastPath {
		logger.Debug("batch scope active, skipping start")
	}

	// Step 3: wait for the backend to become reachable. Probing happens
	// outside the lock so it never blocks other services or state reads.
	var probeAttempts int
	if needProbe {
		probeCtx, probeSpan := c.tracer.Start(ctx, "lifecycle.probe")
		pres, err := c.prober.Wait(probeCtx, c.healthURL)
		probeAttempts = pres.Attempts
		if err != nil {
			probeSpan.SetStatus(codes.Error, err.Error())
			probeSpan.End()
			readinessTimeouts.WithLabelValues(c.serviceID).Inc()
			logger.Error("backend never became healthy",
				slog.Int("attempts", pres.Attempts),
				slog.Any("error", err))

			// Best-effort cleanup; a stop failure here is logged but must
			// not mask the readiness timeout.
			c.cleanupStop(ctx, entry, logger)

			rerr := &ReadinessError{ServiceID: c.serviceID, Probe: pres, Err: err}
			span.SetStatus(codes.Error, rerr.Error())
			return nil, rerr
		}
		probeSpan.End()
		readinessWait.WithLabelValues(c.serviceID).Observe(pres.Elapsed.Seconds())

		entry.mu.Lock()
		if entry.state == platform.StateStarting {
			entry.state = platform.StateRunning
		}
		entry.mu.Unlock()
	}

	// Step 4: invoke the workflow. Invoker errors are captured, not
	// returned early — the stop step below always runs.
	invokeCtx, invokeSpan := c.tracer.Start(ctx, "lifecycle.invoke")
	invRes, invErr := c.invoker.Invoke(invokeCtx, req.WorkflowID, req.Payload)
	if invErr != nil {
		invokeSpan.SetStatus(codes.Error, invErr.Error())
		invocations.WithLabelValues(req.WorkflowID, "error").Inc()
		logger.Error("workflow invocation failed", slog.Any("error", invErr))
	} else {
		invocations.WithLabelValues(req.WorkflowID, "ok").Inc()
	}
	invokeSpan.End()

	// Step 5: stop the backend unless the caller asked to keep it alive or
	// a batch scope holds it open. The reference count is consulted under
	// the same lock that guards stop, immediately before stopping.
	var stopWarning error
	if !req.KeepAlive {
		entry.mu.Lock()
		if entry.refCount == 0 && entry.state != platform.StateStopped {
			stopWarning = c.stopLocked(ctx, entry)
		}
		entry.mu.Unlock()

		if stopWarning != nil {
			stopWarnings.WithLabelValues(c.serviceID).Inc()
			logger.Warn("failed to stop backend after workflow execution",
				slog.Any("error", stopWarning))
		}
	}

	res := &Result{
		WorkflowID:    req.WorkflowID,
		Err:           invErr,
		StopWarning:   stopWarning,
		Started:       didStart,
		ProbeAttempts: probeAttempts,
		Duration:      time.Since(started),
	}
	if invRes != nil {
		res.Output = invRes.Output
	}

	if invErr != nil {
		span.SetStatus(codes.Error, invErr.Error())
		return res, invErr
	}

	logger.Info("workflow executed",
		slog.Bool("started_backend", didStart),
		slog.Bool("stop_warning", stopWarning != nil),
		slog.Int64("duration_ms", res.Duration.Milliseconds()))
	return res, nil
}

// startLocked issues the start operation. Caller must hold entry.mu.
func (c *Controller) startLocked(ctx context.Context, entry *serviceEntry) error {
	ctx, span := c.tracer.Start(ctx, "lifecycle.start")
	defer span.End()

	ack, err := c.platform.Start(ctx, c.serviceID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &StartError{ServiceID: c.serviceID, Err: err}
	}

	backendStarts.WithLabelValues(c.serviceID).Inc()
	entry.lastStarted = time.Now()
	if ack.AlreadyInState {
		entry.state = platform.StateRunning
	} else {
		entry.state = platform.StateStarting
	}
	return nil
}

// stopLocked issues the stop operation. Caller must hold entry.mu.
// On failure the observed state becomes Unknown: the backend may or may
// not still be running.
func (c *Controller) stopLocked(ctx context.Context, entry *serviceEntry) error {
	ctx, span := c.tracer.Start(ctx, "lifecycle.stop")
	defer span.End()

	if _, err := c.platform.Stop(ctx, c.serviceID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		entry.state = platform.StateUnknown
		return err
	}

	backendStops.WithLabelValues(c.serviceID).Inc()
	entry.state = platform.StateStopped
	entry.lastStopped = time.Now()
	return nil
}

// cleanupStop performs the best-effort stop after a readiness timeout.
func (c *Controller) cleanupStop(ctx context.Context, entry *serviceEntry, logger *slog.Logger) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.refCount > 0 || entry.state == platform.StateStopped {
		return
	}
	if err := c.stopLocked(ctx, entry); err != nil {
		stopWarnings.WithLabelValues(c.serviceID).Inc()
		logger.Warn("cleanup stop failed after readiness timeout", slog.Any("error", err))
	}
}

// ServiceID returns the service this controller manages.
func (c *Controller) ServiceID() string {
	return c.serviceID
}

// PlatformStatus queries the platform for the service's live state and
// reconciles the local view with it.
func (c *Controller) PlatformStatus(ctx context.Context) (platform.State, error) {
	state, err := c.platform.Status(ctx, c.serviceID)
	if err != nil {
		return platform.StateUnknown, err
	}

	entry := c.reg.entry(c.serviceID)
	entry.mu.Lock()
	// Only overwrite Unknown: a start or stop in flight knows better than
	// a point-in-time platform read.
	if entry.state == platform.StateUnknown {
		entry.state = state
	}
	entry.mu.Unlock()

	return state, nil
}
