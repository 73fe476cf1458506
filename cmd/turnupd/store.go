package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigStore holds the active config snapshot and swaps it atomically on
// reload. Readers (reducer loop, serial manager, HTTP handlers) call
// Current() and get an immutable-by-convention pointer; they must never
// mutate it.
type ConfigStore struct {
	path   string
	cur    atomic.Pointer[Config]
	events chan<- Event
	logger *slog.Logger
}

// NewConfigStore seeds the store with an already-validated config.
func NewConfigStore(initial Config, path string, events chan<- Event, logger *slog.Logger) *ConfigStore {
	s := &ConfigStore{
		path:   ExpandPath(path),
		events: events,
		logger: logger,
	}
	s.cur.Store(&initial)
	return s
}

// Current returns the active config snapshot.
func (s *ConfigStore) Current() *Config {
	return s.cur.Load()
}

// Path returns the config file path the store watches.
func (s *ConfigStore) Path() string {
	return s.path
}

// Reload re-reads and validates the config file, swaps the snapshot and
// notifies the reducer. An invalid file leaves the last-known-good snapshot
// in place and returns the error.
func (s *ConfigStore) Reload() error {
	cfg, err := LoadConfigFile(s.path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	s.cur.Store(&cfg)
	s.logger.Info("config reloaded", slog.String("path", s.path))

	sendEvent(s.events, ConfigSwapped{At: time.Now()}, s.logger)
	return nil
}

// reloadDebounce collapses editor write bursts (truncate + write + rename)
// into a single reload.
const reloadDebounce = 150 * time.Millisecond

// Watch reloads the config whenever the file changes on disk, until ctx is
// canceled. The parent directory is watched rather than the file itself so
// atomic-rename writers (including our own WriteConfigFile) keep working.
func (s *ConfigStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config dir %s: %w", dir, err)
	}
	s.logger.Info("watching config file", slog.String("path", s.path))

	base := filepath.Base(s.path)

	var pending *time.Timer
	var pendingCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(reloadDebounce)
				pendingCh = pending.C
			} else {
				if !pending.Stop() {
					select {
					case <-pending.C:
					default:
					}
				}
				pending.Reset(reloadDebounce)
			}

		case <-pendingCh:
			pending = nil
			pendingCh = nil
			if err := s.Reload(); err != nil {
				s.logger.Error("config reload failed, keeping previous config",
					slog.String("path", s.path),
					slog.String("error", err.Error()))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
