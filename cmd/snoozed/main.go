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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tombee/snooze/internal/backendapi"
	"github.com/tombee/snooze/internal/config"
	"github.com/tombee/snooze/internal/daemon"
	"github.com/tombee/snooze/internal/history"
	"github.com/tombee/snooze/internal/invoke"
	"github.com/tombee/snooze/internal/lifecycle"
	"github.com/tombee/snooze/internal/log"
	"github.com/tombee/snooze/internal/platform"
	"github.com/tombee/snooze/internal/probe"
	"github.com/tombee/snooze/internal/tracing"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to the configuration file")
		listenAddr  = flag.String("listen", "", "Address for the API server to bind to")
		serviceID   = flag.String("service-id", "", "Platform service ID to manage")
		noHistory   = flag.Bool("no-history", false, "Disable the execution history store")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("snoozed %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Initialize structured logging from environment
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Apply CLI flag overrides
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *serviceID != "" {
		cfg.Platform.ServiceID = *serviceID
	}
	if *noHistory {
		cfg.History.Path = ""
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
		ServiceVersion: version,
	})
	if err != nil {
		logger.Error("Failed to set up tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", slog.Any("error", err))
		}
	}()

	retryCfg := platform.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.Platform.MaxRetries

	platformClient, err := platform.New(platform.Config{
		APIURL:            cfg.Platform.APIURL,
		Token:             cfg.Platform.Token,
		ServiceID:         cfg.Platform.ServiceID,
		Timeout:           cfg.Platform.RequestTimeout,
		Retry:             retryCfg,
		RequestsPerSecond: cfg.Platform.RatePerSecond,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("Failed to create platform client", slog.Any("error", err))
		os.Exit(1)
	}

	prober := probe.New(probe.Config{
		GraceDelay:   cfg.Probe.GraceDelay,
		PollInterval: cfg.Probe.PollInterval,
		Timeout:      cfg.Probe.Timeout,
		Logger:       logger,
	})

	invoker, err := invoke.New(invoke.Config{
		BaseURL:      cfg.Backend.BaseURL,
		Timeout:      cfg.Invoke.Timeout,
		ResultFilter: cfg.Invoke.ResultFilter,
		BearerToken:  cfg.Backend.WebhookToken,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("Failed to create workflow invoker", slog.Any("error", err))
		os.Exit(1)
	}

	controller, err := lifecycle.New(lifecycle.Config{
		ServiceID: cfg.Platform.ServiceID,
		HealthURL: cfg.HealthURL(),
		Logger:    logger,
	}, platformClient, prober, invoker)
	if err != nil {
		logger.Error("Failed to create lifecycle controller", slog.Any("error", err))
		os.Exit(1)
	}

	var store *history.Store
	if cfg.History.Path != "" {
		store, err = history.New(history.Config{Path: cfg.History.Path})
		if err != nil {
			logger.Error("Failed to open history store", slog.Any("error", err))
			os.Exit(1)
		}
		defer store.Close()

		// Periodic retention pruning.
		go prune(ctx, store, cfg.History.Retention, logger)
	}

	var backend *backendapi.Client
	if cfg.Backend.APIKey != "" {
		backend, err = backendapi.New(backendapi.Config{
			BaseURL: cfg.Backend.BaseURL,
			APIKey:  cfg.Backend.APIKey,
		})
		if err != nil {
			logger.Error("Failed to create backend API client", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		logger.Info("Backend API key not configured, management endpoints disabled")
	}

	server, err := daemon.NewServer(daemon.ServerConfig{
		Config:     cfg,
		Controller: controller,
		History:    store,
		Backend:    backend,
		Logger:     logger,
		Version:    version,
	})
	if err != nil {
		logger.Error("Failed to create server", slog.Any("error", err))
		os.Exit(1)
	}

	// Hot-reload tunables on config file changes.
	if *configPath != "" {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Path:   *configPath,
			Logger: logger,
			OnReload: func(next *config.Config) {
				prober.SetConfig(probe.Config{
					GraceDelay:   next.Probe.GraceDelay,
					PollInterval: next.Probe.PollInterval,
					Timeout:      next.Probe.Timeout,
					Logger:       logger,
				})
			},
		})
		if err != nil {
			logger.Warn("Config hot reload unavailable", slog.Any("error", err))
		} else {
			defer watcher.Close()
		}
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
		if err := <-errCh; err != nil {
			logger.Error("Error during shutdown", slog.Any("error", err))
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("Server error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

// prune removes execution records past the retention window once an hour.
func prune(ctx context.Context, store *history.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Prune(ctx, retention)
			if err != nil {
				logger.Warn("History pruning failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				logger.Info("Pruned execution history", slog.Int64("removed", n))
			}
		}
	}
}
