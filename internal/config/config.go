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

// Package config loads and validates the snoozed configuration from a YAML
// file with environment-variable overrides. Credentials (platform token,
// backend API key, daemon auth token) are normally supplied through the
// environment rather than the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete snoozed configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Platform PlatformConfig `yaml:"platform"`
	Backend  BackendConfig  `yaml:"backend"`
	Probe    ProbeConfig    `yaml:"probe"`
	Invoke   InvokeConfig   `yaml:"invoke"`
	History  HistoryConfig  `yaml:"history"`
	Log      LogConfig      `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig configures the daemon's HTTP listener and auth.
type ServerConfig struct {
	// ListenAddr is the address the API server binds to.
	// Environment: SNOOZE_LISTEN_ADDR
	// Default: 127.0.0.1:8320
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// AuthToken is the static bearer token required on API requests.
	// Empty disables bearer auth (JWT may still be configured).
	// Environment: SNOOZE_AUTH_TOKEN
	AuthToken string `yaml:"auth_token,omitempty"`

	// JWTSecret enables HS256 JWT auth when set.
	// Environment: SNOOZE_JWT_SECRET
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Environment: SNOOZE_SHUTDOWN_TIMEOUT
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// ReadHeaderTimeout guards against slow-header clients.
	// Default: 10s
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout,omitempty"`
}

// PlatformConfig configures the hosting-platform control plane.
type PlatformConfig struct {
	// APIURL is the platform GraphQL endpoint.
	// Default: https://backboard.railway.app/graphql
	APIURL string `yaml:"api_url,omitempty"`

	// Token authenticates control-plane calls.
	// Environment: RAILWAY_API_TOKEN
	Token string `yaml:"token,omitempty"`

	// ServiceID is the managed backend service.
	// Environment: RAILWAY_SERVICE_ID
	ServiceID string `yaml:"service_id,omitempty"`

	// RequestTimeout bounds a single control-plane HTTP call.
	// Default: 30s
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// MaxRetries is the attempt budget for transient failures.
	// Default: 3
	MaxRetries int `yaml:"max_retries,omitempty"`

	// RatePerSecond throttles control-plane calls.
	// Default: 5
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`
}

// BackendConfig configures the workflow backend (n8n) endpoints.
type BackendConfig struct {
	// BaseURL is the backend's public base URL, e.g. https://n8n.example.app.
	// Environment: N8N_BASE_URL
	BaseURL string `yaml:"base_url,omitempty"`

	// HealthPath is appended to BaseURL for readiness probing.
	// Default: /healthz
	HealthPath string `yaml:"health_path,omitempty"`

	// APIKey authenticates REST API calls (workflow CRUD, executions).
	// Environment: N8N_API_KEY
	APIKey string `yaml:"api_key,omitempty"`

	// WebhookToken is an optional bearer token sent on webhook invocations.
	// Environment: N8N_WEBHOOK_TOKEN
	WebhookToken string `yaml:"webhook_token,omitempty"`
}

// ProbeConfig tunes the readiness wait after a cold start.
type ProbeConfig struct {
	// GraceDelay is how long to wait before the first poll, covering
	// container boot time during which connections are refused.
	// Default: 10s
	GraceDelay time.Duration `yaml:"grace_delay,omitempty"`

	// PollInterval is the delay between health polls.
	// Default: 2s
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// Timeout is the overall readiness deadline including the grace delay.
	// Default: 90s
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// InvokeConfig tunes workflow invocation.
type InvokeConfig struct {
	// Timeout bounds a single workflow run end to end.
	// Default: 120s
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// ResultFilter is an optional jq expression applied to workflow output.
	ResultFilter string `yaml:"result_filter,omitempty"`
}

// HistoryConfig configures the local execution-history store.
type HistoryConfig struct {
	// Path is the SQLite database file. Empty disables history.
	// Environment: SNOOZE_DB_PATH
	// Default: ~/.snooze/history.db
	Path string `yaml:"path,omitempty"`

	// Retention is how long execution records are kept.
	// Default: 720h (30 days)
	Retention time.Duration `yaml:"retention,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level: debug, info, warn, error. Environment: LOG_LEVEL. Default: info.
	Level string `yaml:"level,omitempty"`
	// Format: json or text. Environment: LOG_FORMAT. Default: json.
	Format string `yaml:"format,omitempty"`
	// Source includes file:line in log records. Environment: LOG_SOURCE.
	Source bool `yaml:"source,omitempty"`
}

// TracingConfig configures OpenTelemetry trace export.
type TracingConfig struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled,omitempty"`
	// Exporter: otlp or stdout. Default: otlp.
	Exporter string `yaml:"exporter,omitempty"`
	// Endpoint is the OTLP/HTTP collector endpoint, host:port.
	// Environment: OTEL_EXPORTER_OTLP_ENDPOINT (standard SDK variable).
	Endpoint string `yaml:"endpoint,omitempty"`
	// SampleRatio is the fraction of traces sampled. Default: 1.0.
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`
}

// Default returns a configuration populated with default values.
// Credentials are intentionally empty.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from the given path (optional), applies defaults
// and environment overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", configPath, err)
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "127.0.0.1:8320"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 10 * time.Second
	}

	if c.Platform.APIURL == "" {
		c.Platform.APIURL = "https://backboard.railway.app/graphql"
	}
	if c.Platform.RequestTimeout == 0 {
		c.Platform.RequestTimeout = 30 * time.Second
	}
	if c.Platform.MaxRetries == 0 {
		c.Platform.MaxRetries = 3
	}
	if c.Platform.RatePerSecond == 0 {
		c.Platform.RatePerSecond = 5
	}

	if c.Backend.HealthPath == "" {
		c.Backend.HealthPath = "/healthz"
	}

	if c.Probe.GraceDelay == 0 {
		c.Probe.GraceDelay = 10 * time.Second
	}
	if c.Probe.PollInterval == 0 {
		c.Probe.PollInterval = 2 * time.Second
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = 90 * time.Second
	}

	if c.Invoke.Timeout == 0 {
		c.Invoke.Timeout = 120 * time.Second
	}

	if c.History.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.History.Path = filepath.Join(home, ".snooze", "history.db")
		}
	}
	if c.History.Retention == 0 {
		c.History.Retention = 720 * time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "otlp"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1.0
	}
}

func (c *Config) loadFromEnv() {
	if val := os.Getenv("SNOOZE_LISTEN_ADDR"); val != "" {
		c.Server.ListenAddr = val
	}
	if val := os.Getenv("SNOOZE_AUTH_TOKEN"); val != "" {
		c.Server.AuthToken = val
	}
	if val := os.Getenv("SNOOZE_JWT_SECRET"); val != "" {
		c.Server.JWTSecret = val
	}
	if val := os.Getenv("SNOOZE_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Server.ShutdownTimeout = d
		}
	}

	if val := os.Getenv("RAILWAY_API_TOKEN"); val != "" {
		c.Platform.Token = val
	}
	if val := os.Getenv("RAILWAY_SERVICE_ID"); val != "" {
		c.Platform.ServiceID = val
	}
	if val := os.Getenv("RAILWAY_API_URL"); val != "" {
		c.Platform.APIURL = val
	}

	if val := os.Getenv("N8N_BASE_URL"); val != "" {
		c.Backend.BaseURL = val
	}
	if val := os.Getenv("N8N_API_KEY"); val != "" {
		c.Backend.APIKey = val
	}
	if val := os.Getenv("N8N_WEBHOOK_TOKEN"); val != "" {
		c.Backend.WebhookToken = val
	}

	if val := os.Getenv("SNOOZE_DB_PATH"); val != "" {
		c.History.Path = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.Source = val == "true" || val == "1"
	}

	if val := os.Getenv("SNOOZE_TRACING_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Tracing.Enabled = b
		}
	}
}

// HealthURL joins the backend base URL with the health path.
func (c *Config) HealthURL() string {
	return c.Backend.BaseURL + c.Backend.HealthPath
}

// Validate checks the configuration for fail-fast startup errors, so a
// missing credential is reported at boot rather than on the first request.
func (c *Config) Validate() error {
	var errs []error

	if c.Platform.Token == "" {
		errs = append(errs, fmt.Errorf("platform.token is required (set RAILWAY_API_TOKEN)"))
	}
	if c.Platform.ServiceID == "" {
		errs = append(errs, fmt.Errorf("platform.service_id is required (set RAILWAY_SERVICE_ID)"))
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, fmt.Errorf("backend.base_url is required (set N8N_BASE_URL)"))
	} else if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url %q is not an absolute URL", c.Backend.BaseURL))
	}

	if c.Probe.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("probe.poll_interval must be positive"))
	}
	if c.Probe.Timeout <= c.Probe.GraceDelay {
		errs = append(errs, fmt.Errorf("probe.timeout must exceed probe.grace_delay"))
	}
	if c.Invoke.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("invoke.timeout must be positive"))
	}
	if c.Platform.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("platform.max_retries must be at least 1"))
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	switch c.Tracing.Exporter {
	case "otlp", "stdout":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter must be otlp or stdout, got %q", c.Tracing.Exporter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
