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

// Package history persists workflow execution records to a local SQLite
// database so runs remain inspectable after the backend has been stopped.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Execution is one recorded workflow run.
type Execution struct {
	ID             string        `json:"id"`
	WorkflowID     string        `json:"workflow_id"`
	BatchID        string        `json:"batch_id,omitempty"`
	Status         string        `json:"status"`
	Error          string        `json:"error,omitempty"`
	StopWarning    string        `json:"stop_warning,omitempty"`
	StartedBackend bool          `json:"started_backend"`
	ProbeAttempts  int           `json:"probe_attempts"`
	Output         any           `json:"output,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

// Execution statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ListFilter narrows List results.
type ListFilter struct {
	// WorkflowID restricts results to one workflow. Empty matches all.
	WorkflowID string
	// Status restricts results to ok or error. Empty matches all.
	Status string
	// Limit caps the number of rows returned (default 50).
	Limit int
}

// Store is a SQLite-backed execution history store.
type Store struct {
	db *sql.DB
}

// Config contains history store configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int
}

// New opens (creating if necessary) the history database and runs migrations.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// WAL mode lets status reads proceed while a run is being recorded
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			batch_id TEXT,
			status TEXT NOT NULL,
			error TEXT,
			stop_warning TEXT,
			started_backend INTEGER NOT NULL DEFAULT 0,
			probe_attempts INTEGER NOT NULL DEFAULT 0,
			output TEXT,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Record inserts one execution. A missing ID is generated.
func (s *Store) Record(ctx context.Context, exec Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.WorkflowID == "" {
		return fmt.Errorf("workflow ID is required")
	}

	var output sql.NullString
	if exec.Output != nil {
		data, err := json.Marshal(exec.Output)
		if err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		output = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions
			(id, workflow_id, batch_id, status, error, stop_warning,
			 started_backend, probe_attempts, output, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.WorkflowID,
		nullString(exec.BatchID),
		exec.Status,
		nullString(exec.Error),
		nullString(exec.StopWarning),
		boolToInt(exec.StartedBackend),
		exec.ProbeAttempts,
		output,
		exec.StartedAt.UnixMilli(),
		exec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// Get returns one execution by ID.
func (s *Store) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, batch_id, status, error, stop_warning,
		       started_backend, probe_attempts, output, started_at, duration_ms
		FROM executions WHERE id = ?`, id)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return exec, nil
}

// List returns executions in reverse chronological order.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, workflow_id, batch_id, status, error, stop_warning,
		       started_backend, probe_attempts, output, started_at, duration_ms
		FROM executions`
	var args []any
	var where []string
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY started_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, *exec)
	}
	return execs, rows.Err()
}

// Prune deletes executions older than the retention window and returns the
// number of rows removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanExecution(row scannable) (*Execution, error) {
	var (
		exec        Execution
		batchID     sql.NullString
		errText     sql.NullString
		stopWarning sql.NullString
		started     int
		output      sql.NullString
		startedAt   int64
		durationMS  int64
	)
	err := row.Scan(&exec.ID, &exec.WorkflowID, &batchID, &exec.Status,
		&errText, &stopWarning, &started, &exec.ProbeAttempts,
		&output, &startedAt, &durationMS)
	if err != nil {
		return nil, err
	}

	exec.BatchID = batchID.String
	exec.Error = errText.String
	exec.StopWarning = stopWarning.String
	exec.StartedBackend = started != 0
	exec.StartedAt = time.UnixMilli(startedAt).UTC()
	exec.Duration = time.Duration(durationMS) * time.Millisecond
	if output.Valid {
		var v any
		if err := json.Unmarshal([]byte(output.String), &v); err == nil {
			exec.Output = v
		}
	}
	return &exec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
