package main

import (
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"error", LogLevelError, false},
		{"WARN", LogLevelWarn, false},
		{"warning", LogLevelWarn, false},
		{"info", LogLevelInfo, false},
		{"debug", LogLevelDebug, false},
		{" debug ", LogLevelDebug, false},
		{"", LogLevelInfo, false},
		{"loud", "", true},
	}
	for _, c := range cases {
		got, err := parseLogLevel(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseLogLevel(%q): expected error, got %q", c.in, got)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("parseLogLevel(%q) = %q, %v; want %q", c.in, got, err, c.want)
		}
	}
}

func TestLogLevelMapping(t *testing.T) {
	if LogLevelDebug.slogLevel() != slog.LevelDebug {
		t.Fatalf("debug must map to slog debug")
	}
	if LogLevelError.slogLevel() != slog.LevelError {
		t.Fatalf("error must map to slog error")
	}
	if LogLevel("bogus").slogLevel() != slog.LevelInfo {
		t.Fatalf("unknown levels must degrade to info")
	}
}
