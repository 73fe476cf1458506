package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ============================================================================
// Effects
// ============================================================================
// The effects worker executes Commands produced by the reducer and feeds
// observation events back. It runs on its own goroutine so a slow audio
// server or shell command never blocks the reducer loop.
// ============================================================================

// effectDeps bundles everything command execution touches. Tests swap in a
// mock backend and an in-memory LED writer.
type effectDeps struct {
	backend AudioBackend
	leds    io.Writer
	reload  func() error
	timeout func() time.Duration
}

var errBackendTimeout = errors.New("audio backend call timed out")

// withTimeout runs op, giving up after d. The abandoned goroutine finishes
// in the background; the buffered channel keeps it from leaking on send.
func withTimeout(d time.Duration, op func() error) error {
	done := make(chan error, 1)
	go func() { done <- op() }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		return errBackendTimeout
	}
}

// runEffect executes one command. Failures are reported as events, never as
// returned errors: a dead sound server must not take the daemon down.
func runEffect(deps effectDeps, cmd Command, logger *slog.Logger, onEvent func(Event)) {
	logger.Debug("executing command", slog.String("command", cmd.String()))

	fail := func(err error) {
		logger.Warn("command failed",
			slog.String("command", cmd.String()),
			slog.String("error", err.Error()))
		onEvent(BackendCommandFailed{Command: cmd, Err: err, At: time.Now()})
	}

	switch cmd := cmd.(type) {
	case CmdSetSinkVolume:
		err := withTimeout(deps.timeout(), func() error {
			return deps.backend.SetSinkVolume(cmd.Target, cmd.Percent)
		})
		if err != nil {
			fail(err)
			return
		}
		onEvent(VolumeApplied{Kind: "sink", Target: cmd.Target, Percent: cmd.Percent, At: time.Now()})

	case CmdSetSourceVolume:
		err := withTimeout(deps.timeout(), func() error {
			return deps.backend.SetSourceVolume(cmd.Target, cmd.Percent)
		})
		if err != nil {
			fail(err)
			return
		}
		onEvent(VolumeApplied{Kind: "source", Target: cmd.Target, Percent: cmd.Percent, At: time.Now()})

	case CmdSetAppVolume:
		var matched int
		err := withTimeout(deps.timeout(), func() error {
			streams, err := deps.backend.ListAppStreams()
			if err != nil {
				return err
			}
			for _, s := range streams {
				if !matchesApp(s, cmd.Target) {
					continue
				}
				if err := deps.backend.SetAppVolume(s.ID, cmd.Percent); err != nil {
					return err
				}
				matched++
			}
			return nil
		})
		if err != nil {
			fail(err)
			return
		}
		if matched == 0 {
			// The app just isn't running. Normal, not an error.
			logger.Debug("no streams matched app target", slog.String("target", cmd.Target))
			return
		}
		onEvent(VolumeApplied{Kind: "app", Target: cmd.Target, Percent: cmd.Percent, At: time.Now()})

	case CmdToggleSinkMute:
		var muted bool
		err := withTimeout(deps.timeout(), func() error {
			var err error
			muted, err = deps.backend.ToggleSinkMute(cmd.Target)
			return err
		})
		if err != nil {
			fail(err)
			return
		}
		onEvent(MuteObserved{Kind: "sink", Target: cmd.Target, Muted: muted, At: time.Now()})

	case CmdToggleSourceMute:
		var muted bool
		err := withTimeout(deps.timeout(), func() error {
			var err error
			muted, err = deps.backend.ToggleSourceMute(cmd.Target)
			return err
		})
		if err != nil {
			fail(err)
			return
		}
		onEvent(MuteObserved{Kind: "source", Target: cmd.Target, Muted: muted, At: time.Now()})

	case CmdRunShell:
		runShellCommand(cmd, logger)

	case CmdWriteLEDs:
		if _, err := deps.leds.Write(BuildLEDPacket(cmd.Colors)); err != nil {
			// LED feedback is cosmetic; a failed write (port mid-reconnect)
			// is logged and forgotten. The next change re-emits.
			logger.Debug("led write skipped", slog.String("error", err.Error()))
		}

	case CmdReloadConfig:
		if err := deps.reload(); err != nil {
			fail(fmt.Errorf("reload config: %w", err))
		}

	case CmdPublishStateSnapshot:
		select {
		case cmd.Reply <- cmd.Snapshot:
		default:
			logger.Warn("state snapshot requester went away")
		}

	default:
		logger.Error("unknown command type", slog.String("command", cmd.String()))
	}
}

// matchesApp reports whether a stream belongs to the named application:
// case-insensitive substring match against the stream's application name or
// process binary.
func matchesApp(s AppStream, target string) bool {
	t := strings.ToLower(target)
	if t == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s.Name), t) ||
		strings.Contains(strings.ToLower(s.Binary), t)
}

// runShellCommand starts the configured command line via the shell and
// reaps it in the background. Button handling never waits on child exit.
func runShellCommand(cmd CmdRunShell, logger *slog.Logger) {
	c := exec.Command("sh", "-c", cmd.CommandLine)
	if err := c.Start(); err != nil {
		logger.Warn("shell command failed to start",
			slog.Int("button", cmd.Button),
			slog.String("command", cmd.CommandLine),
			slog.String("error", err.Error()))
		return
	}
	logger.Info("shell command started",
		slog.Int("button", cmd.Button),
		slog.String("command", cmd.CommandLine),
		slog.Int("pid", c.Process.Pid))
	go func() {
		if err := c.Wait(); err != nil {
			logger.Warn("shell command exited with error",
				slog.Int("button", cmd.Button),
				slog.String("command", cmd.CommandLine),
				slog.String("error", err.Error()))
		}
	}()
}

// runEffects drains the command queue until ctx is canceled.
func runEffects(ctx context.Context, cmds <-chan Command, deps effectDeps, events chan<- Event, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-cmds:
			runEffect(deps, cmd, logger, func(e Event) {
				sendEvent(events, e, logger)
			})
		}
	}
}
