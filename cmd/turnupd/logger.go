package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// LogLevel is the level taxonomy used by the config's logging.level key and
// the -log-level flag.
type LogLevel string

const (
	LogLevelError LogLevel = "error"
	LogLevelWarn  LogLevel = "warn"
	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
)

// parseLogLevel validates a config or flag value. An empty value falls back
// to info so a blanked-out logging section never keeps the daemon from
// starting.
func parseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return LogLevelInfo, nil
	case "error":
		return LogLevelError, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "info":
		return LogLevelInfo, nil
	case "debug":
		return LogLevelDebug, nil
	default:
		return "", fmt.Errorf("invalid log level %q (must be error, warn, info, or debug)", level)
	}
}

// slogLevel maps the config taxonomy onto slog's leveling. Unknown values
// degrade to info rather than silencing the daemon.
func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogLevelError:
		return slog.LevelError
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// setupLogger builds the daemon's root logger. Output goes to stderr so that
// stdout stays clean for subcommand output (version, send, snapshots).
func setupLogger(level LogLevel) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level.slogLevel(),
	})
	return slog.New(handler)
}
