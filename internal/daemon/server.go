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

// Package daemon provides snoozed's HTTP API: workflow execution with
// automatic backend lifecycle management, batch scopes, execution history,
// and a management proxy to the backend's REST API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/snooze/internal/backendapi"
	"github.com/tombee/snooze/internal/config"
	"github.com/tombee/snooze/internal/history"
	"github.com/tombee/snooze/internal/lifecycle"
	"github.com/tombee/snooze/internal/log"
)

// ServerConfig holds the daemon server dependencies.
type ServerConfig struct {
	// Config is the loaded daemon configuration (required).
	Config *config.Config

	// Controller manages the backend lifecycle (required).
	Controller *lifecycle.Controller

	// History records executions (optional; nil disables the endpoint).
	History *history.Store

	// Backend is the management API client (optional; nil disables the
	// /v1/backend routes).
	Backend *backendapi.Client

	// Logger is the structured logger (default: slog.Default()).
	Logger *slog.Logger

	// Version is reported on the root endpoint.
	Version string
}

// Server is the snoozed HTTP API server.
type Server struct {
	cfg        *config.Config
	controller *lifecycle.Controller
	store      *history.Store
	backend    *backendapi.Client
	auth       *Authenticator
	logger     *slog.Logger
	version    string

	mux        *http.ServeMux
	httpServer *http.Server

	// batches tracks open batch scopes by ID so DELETE /v1/batch/{id}
	// can find its handle.
	batchMu sync.Mutex
	batches map[string]*lifecycle.BatchHandle
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Controller == nil {
		return nil, fmt.Errorf("lifecycle controller is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:        cfg.Config,
		controller: cfg.Controller,
		store:      cfg.History,
		backend:    cfg.Backend,
		auth:       NewAuthenticator(cfg.Config.Server.AuthToken, cfg.Config.Server.JWTSecret),
		logger:     log.WithComponent(logger, "daemon"),
		version:    cfg.Version,
		mux:        http.NewServeMux(),
		batches:    make(map[string]*lifecycle.BatchHandle),
	}
	s.routes()

	return s, nil
}

func (s *Server) routes() {
	// Unauthenticated: connectivity, the daemon's own health, and metrics.
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	api := http.NewServeMux()
	api.HandleFunc("POST /v1/workflows/{workflow}/execute", s.handleExecute)
	api.HandleFunc("POST /v1/batch", s.handleBatchCreate)
	api.HandleFunc("DELETE /v1/batch/{id}", s.handleBatchRelease)
	api.HandleFunc("GET /v1/status", s.handleStatus)
	api.HandleFunc("GET /v1/executions", s.handleExecutionList)
	api.HandleFunc("GET /v1/executions/{id}", s.handleExecutionGet)

	if s.backend != nil {
		api.HandleFunc("GET /v1/backend/workflows", s.handleBackendWorkflowList)
		api.HandleFunc("POST /v1/backend/workflows", s.handleBackendWorkflowCreate)
		api.HandleFunc("GET /v1/backend/workflows/{id}", s.handleBackendWorkflowGet)
		api.HandleFunc("PATCH /v1/backend/workflows/{id}", s.handleBackendWorkflowUpdate)
		api.HandleFunc("DELETE /v1/backend/workflows/{id}", s.handleBackendWorkflowDelete)
		api.HandleFunc("POST /v1/backend/workflows/{id}/activate", s.handleBackendWorkflowActivate)
		api.HandleFunc("POST /v1/backend/workflows/{id}/deactivate", s.handleBackendWorkflowDeactivate)
		api.HandleFunc("POST /v1/backend/workflows/{id}/run", s.handleBackendWorkflowRun)
		api.HandleFunc("GET /v1/backend/executions", s.handleBackendExecutionList)
		api.HandleFunc("GET /v1/backend/credentials", s.handleBackendCredentialList)
	}

	s.mux.Handle("/v1/", s.auth.Middleware(api))
}

// Handler returns the server's full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.mux

	// Request logging with a per-request ID, outermost.
	inner := handler
	handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		logger := log.WithRequestID(s.logger, requestID)

		w.Header().Set("X-Request-ID", requestID)
		defer func() {
			logger.Info("request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		}()

		inner.ServeHTTP(w, r)
	})

	return handler
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening",
			slog.String("addr", s.cfg.Server.ListenAddr),
			slog.Bool("auth_enabled", s.auth.Enabled()),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.releaseAllBatches(shutdownCtx)

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("api server stopped")
	return nil
}

// releaseAllBatches releases any batch scopes still open at shutdown so the
// backend is not left running (and billing) after the daemon exits.
func (s *Server) releaseAllBatches(ctx context.Context) {
	s.batchMu.Lock()
	handles := make([]*lifecycle.BatchHandle, 0, len(s.batches))
	for _, h := range s.batches {
		handles = append(handles, h)
	}
	s.batches = make(map[string]*lifecycle.BatchHandle)
	s.batchMu.Unlock()

	for _, h := range handles {
		if err := h.Release(ctx); err != nil && !errors.Is(err, lifecycle.ErrAlreadyReleased) {
			s.logger.Warn("failed to release batch scope during shutdown",
				slog.String("batch_id", h.ID()),
				slog.Any("error", err))
		}
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "snoozed",
		"version": s.version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
