package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*ConfigStore, chan Event) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	if err := WriteConfigFile(path, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	events := make(chan Event, 8)
	return NewConfigStore(cfg, path, events, slog.Default()), events
}

func TestConfigStore_ReloadSwapsSnapshot(t *testing.T) {
	store, events := newTestStore(t)

	next := DefaultConfig()
	next.Port = "/dev/ttyUSB5"
	if err := WriteConfigFile(store.Path(), next); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := store.Current().Port; got != "/dev/ttyUSB5" {
		t.Fatalf("expected new snapshot active, got port %q", got)
	}

	select {
	case ev := <-events:
		if _, ok := ev.(ConfigSwapped); !ok {
			t.Fatalf("expected ConfigSwapped, got %T", ev)
		}
	default:
		t.Fatalf("expected ConfigSwapped event after reload")
	}
}

func TestConfigStore_InvalidFileKeepsLastGood(t *testing.T) {
	store, events := newTestStore(t)
	before := store.Current()

	if err := os.WriteFile(store.Path(), []byte("knobs:\n  0:\n    action: bogus\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := store.Reload(); err == nil {
		t.Fatalf("expected reload error for invalid config")
	}
	if store.Current() != before {
		t.Fatalf("expected last-known-good snapshot retained")
	}

	select {
	case ev := <-events:
		t.Fatalf("expected no event on failed reload, got %T", ev)
	default:
	}
}

func TestConfigStore_UnreadableFileKeepsLastGood(t *testing.T) {
	store, _ := newTestStore(t)
	before := store.Current()

	if err := os.Remove(store.Path()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Reload(); err == nil {
		t.Fatalf("expected reload error for missing file")
	}
	if store.Current() != before {
		t.Fatalf("expected last-known-good snapshot retained")
	}
}
