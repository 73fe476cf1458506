package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// runDaemon is the reducer loop: it owns the daemon state and is the only
// goroutine that mutates it. Events in, commands and broadcasts out; both
// output sends are non-blocking so a wedged consumer degrades to dropped
// messages instead of a stalled pipeline.
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	cmds chan<- Command,
	broadcasts chan<- StateBroadcast,
	store *ConfigStore,
	logger *slog.Logger,
) error {
	state := NewDaemonState()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		var ev Event
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			ev = Tick{Now: now}
		case ev = <-events:
		}

		result := Reduce(state, ev, store.Current())
		state = result.State

		for _, cmd := range result.Commands {
			select {
			case cmds <- cmd:
			default:
				logger.Warn("command queue full, dropping command",
					slog.String("command", cmd.String()))
			}
		}

		for _, b := range result.Broadcasts {
			select {
			case broadcasts <- b:
			default:
				logger.Debug("broadcast queue full, dropping broadcast",
					slog.String("broadcast", fmt.Sprintf("%T", b)))
			}
		}
	}
}
