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
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/snooze/internal/backendapi"
	"github.com/tombee/snooze/internal/history"
	"github.com/tombee/snooze/internal/lifecycle"
)

// executeRequest is the body of POST /v1/workflows/{workflow}/execute.
type executeRequest struct {
	// Payload is delivered verbatim to the workflow webhook.
	Payload json.RawMessage `json:"payload,omitempty"`

	// KeepAlive leaves the backend running after the call. Requires an
	// active batch scope.
	KeepAlive bool `json:"keep_alive,omitempty"`

	// BatchID tags the execution record with the caller's batch scope.
	BatchID string `json:"batch_id,omitempty"`
}

// executeResponse is the success body of an execute call.
type executeResponse struct {
	WorkflowID     string `json:"workflow_id"`
	Output         any    `json:"output,omitempty"`
	StartedBackend bool   `json:"started_backend"`
	ProbeAttempts  int    `json:"probe_attempts,omitempty"`
	DurationMS     int64  `json:"duration_ms"`
	StopWarning    string `json:"stop_warning,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow")
	if workflowID == "" {
		writeError(w, http.StatusBadRequest, "workflow ID is required")
		return
	}

	var req executeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}

	// keep_alive may also arrive as a query parameter or header for callers
	// that send opaque payloads and cannot extend the body.
	if r.URL.Query().Get("keep_alive") == "true" || r.Header.Get("X-Snooze-Keep-Alive") == "true" {
		req.KeepAlive = true
	}

	started := time.Now()
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	res, err := s.controller.Execute(r.Context(), lifecycle.Request{
		WorkflowID: workflowID,
		Payload:    payload,
		KeepAlive:  req.KeepAlive,
	})

	s.recordExecution(r.Context(), workflowID, req.BatchID, started, res, err)

	if err != nil && res == nil {
		// Infrastructure failure before the workflow ran.
		switch {
		case errors.Is(err, lifecycle.ErrUnscopedKeepAlive):
			writeError(w, http.StatusBadRequest, err.Error())
		case isReadinessError(err):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	if err != nil {
		// The workflow ran and failed; include the stop outcome.
		body := map[string]any{"error": err.Error()}
		if res.StopWarning != nil {
			body["stop_warning"] = res.StopWarning.Error()
		}
		writeJSON(w, http.StatusBadGateway, body)
		return
	}

	resp := executeResponse{
		WorkflowID:     res.WorkflowID,
		Output:         res.Output,
		StartedBackend: res.Started,
		ProbeAttempts:  res.ProbeAttempts,
		DurationMS:     res.Duration.Milliseconds(),
	}
	if res.StopWarning != nil {
		resp.StopWarning = res.StopWarning.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func isReadinessError(err error) bool {
	var re *lifecycle.ReadinessError
	return errors.As(err, &re)
}

// recordExecution persists the run to history. Failures are logged, never
// surfaced: history is advisory.
func (s *Server) recordExecution(ctx context.Context, workflowID, batchID string, started time.Time, res *lifecycle.Result, execErr error) {
	if s.store == nil {
		return
	}

	exec := history.Execution{
		WorkflowID: workflowID,
		BatchID:    batchID,
		Status:     history.StatusOK,
		StartedAt:  started.UTC(),
		Duration:   time.Since(started),
	}
	if execErr != nil {
		exec.Status = history.StatusError
		exec.Error = execErr.Error()
	}
	if res != nil {
		exec.StartedBackend = res.Started
		exec.ProbeAttempts = res.ProbeAttempts
		exec.Output = res.Output
		exec.Duration = res.Duration
		if res.StopWarning != nil {
			exec.StopWarning = res.StopWarning.Error()
		}
	}

	if err := s.store.Record(ctx, exec); err != nil {
		s.logger.Warn("failed to record execution history",
			slog.String("workflow", workflowID),
			slog.Any("error", err))
	}
}

func (s *Server) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	h, err := s.controller.EnterBatch(r.Context())
	if err != nil {
		if isReadinessError(err) {
			writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.batchMu.Lock()
	s.batches[h.ID()] = h
	s.batchMu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"batch_id": h.ID()})
}

func (s *Server) handleBatchRelease(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.batchMu.Lock()
	h, ok := s.batches[id]
	delete(s.batches, id)
	s.batchMu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "unknown batch ID")
		return
	}

	if err := h.Release(r.Context()); err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyReleased) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		// The scope is released; the stop failure is a warning.
		writeJSON(w, http.StatusOK, map[string]string{
			"batch_id":     id,
			"stop_warning": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"batch_id": id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.controller.Snapshot()

	body := map[string]any{
		"service_id":       snap.ServiceID,
		"state":            snap.State,
		"batch_depth":      snap.BatchDepth,
		"started_by_batch": snap.StartedByBatch,
	}
	if !snap.LastStarted.IsZero() {
		body["last_started"] = snap.LastStarted
	}
	if !snap.LastStopped.IsZero() {
		body["last_stopped"] = snap.LastStopped
	}

	// ?live=true additionally queries the platform control plane.
	if r.URL.Query().Get("live") == "true" {
		state, err := s.controller.PlatformStatus(r.Context())
		if err != nil {
			body["platform_error"] = err.Error()
		} else {
			body["platform_state"] = state
		}
	}

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleExecutionList(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "execution history is disabled")
		return
	}

	filter := history.ListFilter{
		WorkflowID: r.URL.Query().Get("workflow"),
		Status:     r.URL.Query().Get("status"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	execs, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if execs == nil {
		execs = []history.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleExecutionGet(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "execution history is disabled")
		return
	}

	exec, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// withBackend runs fn inside a batch scope so the backend is started on
// demand for management calls and stopped afterward, then writes the result.
func (s *Server) withBackend(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) (any, error)) {
	var out any
	err := s.controller.WithBatch(r.Context(), func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	if err != nil {
		var apiErr *backendapi.APIError
		switch {
		case errors.As(err, &apiErr):
			writeError(w, apiErr.StatusCode, apiErr.Body)
		case errors.Is(err, backendapi.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case isReadinessError(err):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	if out == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBackendWorkflowList(w http.ResponseWriter, r *http.Request) {
	s.withBackend(w, r, func(ctx context.Context) (any, error) {
		wfs, err := s.backend.ListWorkflows(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"workflows": wfs}, nil
	})
}

func (s *Server) handleBackendWorkflowGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.withBackend(w, r, func(ctx context.Context) (any, error) {
		return s.backend.GetWorkflow(ctx, id)
	})
}

func (s *Server) handleBackendWorkflowCreate(w http.ResponseWriter, r *http.Request) {
	var wf backendapi.Workflow
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&wf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow definition: "+err.Error())
		return
	}
	s.withBackend(w, r, func(ctx context.Context) (any, error) {
		return s.backend.CreateWorkflow(ctx, wf)
	})
}

func (s *Server) handleBackendWorkflowUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var wf backendapi.Workflow
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&wf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow definition: "+err.Error())
		return
	}
	s.withBackend(w, r, func(ctx context.Context) (any, error) {
		return s.backend.UpdateWorkflow(ctx, id, wf)
	})
}

func (s *Server) handleBackendWorkflowDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.withBackend(w, r, func(ctx context.Context) (any, error) {
		return nil, s.backend.DeleteWorkflow(ctx, id)
	})
}

func (s *Server) handleBackendWorkflowActivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.withBackend(w, r, func(ctx context.Context) (any, error) {
		return nil, s.backend.ActivateWorkflow(ctx, id)
	})
}

func (s *Server) handleBackendWorkflowDeactivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.withBackend(w, r, func(ctx context.Context) (any, error) {
		return nil, s.backend.DeactivateWorkflow(ctx, id)
	})
}

func (s *Server) handleBackendWorkflowRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var runData any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&runData); err != nil {
			writeError(w, http.StatusBadRequest, "invalid run data: "+err.Error())
			return
		}
	}
	s.withBackend(w, r, func(ctx context.Context) (any, error) {
		out, err := s.backend.RunOnce(ctx, id, runData)
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": out}, nil
	})
}

func (s *Server) handleBackendCredentialList(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	s.withBackend(w, r, func(ctx context.Context) (any, error) {
		if name != "" {
			return s.backend.GetCredentialByName(ctx, name)
		}
		creds, err := s.backend.ListCredentials(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"credentials": creds}, nil
	})
}

func (s *Server) handleBackendExecutionList(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	s.withBackend(w, r, func(ctx context.Context) (any, error) {
		execs, err := s.backend.ListExecutions(ctx, workflowID, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"executions": execs}, nil
	})
}
