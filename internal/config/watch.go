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

package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes and notifies a
// callback with the freshly validated config. Invalid edits are logged and
// skipped, so a bad save never takes down a running daemon.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	logger    *slog.Logger
	onReload  func(*Config)

	// debounceDelay coalesces the editor write/rename event bursts
	debounceDelay time.Duration

	mu      sync.Mutex
	pending *time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// WatcherConfig configures a config-file watcher.
type WatcherConfig struct {
	// Path is the config file to watch (required).
	Path string

	// OnReload is called with each successfully reloaded config (required).
	OnReload func(*Config)

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// DebounceDelay is the quiet period before reloading (defaults to 200ms).
	DebounceDelay time.Duration
}

// NewWatcher creates and starts a config-file watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to resolve path %s: %w", cfg.Path, err)
	}

	// Watch the directory, not the file: editors replace files on save,
	// which would otherwise drop the watch.
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 200 * time.Millisecond
	}

	w := &Watcher{
		fsWatcher:     fsWatcher,
		path:          absPath,
		logger:        logger,
		onReload:      cfg.OnReload,
		debounceDelay: debounceDelay,
		done:          make(chan struct{}),
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration",
			"path", w.path,
			"error", err,
		)
		return
	}

	w.logger.Info("configuration reloaded", "path", w.path)
	w.onReload(cfg)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()

	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}
