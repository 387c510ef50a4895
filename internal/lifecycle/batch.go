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
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/tombee/snooze/internal/platform"
)

// BatchHandle represents one active batch scope. It must be released
// exactly once; the backend is stopped when the last scope that started it
// is released.
type BatchHandle struct {
	id       string
	c        *Controller
	entry    *serviceEntry
	released atomic.Bool
}

// ID returns the scope's unique identifier.
func (h *BatchHandle) ID() string {
	return h.id
}

// EnterBatch opens a batch scope: multiple workflow calls issued while the
// scope is active share a single start/stop cycle. If the backend is not
// running it is started here, under the service lock, so concurrent scopes
// and Execute calls serialize behind the one start. The readiness wait runs
// outside the lock; the scope's reference is taken first, which keeps the
// backend from being stopped mid-probe.
func (c *Controller) EnterBatch(ctx context.Context) (*BatchHandle, error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.enter_batch")
	defer span.End()

	entry := c.reg.entry(c.serviceID)

	entry.mu.Lock()
	var needProbe bool
	if entry.refCount == 0 {
		if entry.state != platform.StateRunning {
			if entry.state != platform.StateStarting {
				if err := c.startLocked(ctx, entry); err != nil {
					entry.mu.Unlock()
					span.SetStatus(codes.Error, err.Error())
					return nil, err
				}
			}
			needProbe = entry.state != platform.StateRunning
		}
		// The first scope takes ownership of the running cycle even when it
		// did not issue the start itself. An Execute in flight sees
		// refCount > 0 and leaves the stop to the last release; without
		// ownership here nobody would stop the backend.
		entry.startedByBatch = true
	}
	entry.refCount++
	depth := entry.refCount
	batchDepth.WithLabelValues(c.serviceID).Set(float64(depth))
	entry.mu.Unlock()

	if needProbe {
		pres, err := c.prober.Wait(ctx, c.healthURL)
		if err != nil {
			readinessTimeouts.WithLabelValues(c.serviceID).Inc()

			// Roll back this scope's reference; if it was the only one, the
			// started backend is cleaned up best-effort.
			entry.mu.Lock()
			entry.refCount--
			batchDepth.WithLabelValues(c.serviceID).Set(float64(entry.refCount))
			if entry.refCount == 0 {
				entry.startedByBatch = false
				if entry.state != platform.StateStopped {
					if stopErr := c.stopLocked(ctx, entry); stopErr != nil {
						stopWarnings.WithLabelValues(c.serviceID).Inc()
						c.logger.Warn("cleanup stop failed after readiness timeout",
							slog.String("service_id", c.serviceID),
							slog.Any("error", stopErr))
					}
				}
			}
			entry.mu.Unlock()

			rerr := &ReadinessError{ServiceID: c.serviceID, Probe: pres, Err: err}
			span.SetStatus(codes.Error, rerr.Error())
			return nil, rerr
		}
		readinessWait.WithLabelValues(c.serviceID).Observe(pres.Elapsed.Seconds())

		entry.mu.Lock()
		if entry.state == platform.StateStarting {
			entry.state = platform.StateRunning
		}
		entry.mu.Unlock()
	}

	h := &BatchHandle{
		id:    uuid.NewString(),
		c:     c,
		entry: entry,
	}

	c.logger.Info("batch scope entered",
		slog.String("batch_id", h.id),
		slog.String("service_id", c.serviceID),
		slog.Int("depth", depth))
	return h, nil
}

// Release closes the scope. When the reference count returns to zero and
// the backend was started by a batch, the backend is stopped; a stop
// failure is returned as a warning, in keeping with the stop-is-never-fatal
// policy. Releasing twice returns ErrAlreadyReleased.
func (h *BatchHandle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}

	c := h.c
	entry := h.entry

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.refCount--
	if entry.refCount < 0 {
		// Underflow means a release without a matching enter, which the
		// handle's released flag is supposed to make impossible.
		panic("lifecycle: batch reference count went negative")
	}
	batchDepth.WithLabelValues(c.serviceID).Set(float64(entry.refCount))

	c.logger.Info("batch scope released",
		slog.String("batch_id", h.id),
		slog.String("service_id", c.serviceID),
		slog.Int("depth", entry.refCount))

	var stopWarning error
	if entry.refCount == 0 && entry.startedByBatch {
		entry.startedByBatch = false
		if err := c.stopLocked(ctx, entry); err != nil {
			stopWarnings.WithLabelValues(c.serviceID).Inc()
			c.logger.Warn("failed to stop backend after batch",
				slog.String("batch_id", h.id),
				slog.Any("error", err))
			stopWarning = err
		}
	}

	return stopWarning
}

// WithBatch runs fn inside a batch scope, guaranteeing release on every
// exit path including panics and errors from fn. A stop warning on release
// is logged, not returned, so it never masks fn's own result.
func (c *Controller) WithBatch(ctx context.Context, fn func(ctx context.Context) error) error {
	h, err := c.EnterBatch(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if werr := h.Release(ctx); werr != nil && !errors.Is(werr, ErrAlreadyReleased) {
			c.logger.Warn("batch release reported stop warning",
				slog.String("batch_id", h.id),
				slog.Any("error", werr))
		}
	}()

	return fn(ctx)
}
