package main

import "time"

// ReduceResult carries the next state plus everything the event produced.
type ReduceResult struct {
	State      DaemonState
	Commands   []Command
	Broadcasts []StateBroadcast
}

// Reduce is the pure core of the daemon: state + event + config snapshot in,
// new state + commands + broadcasts out. No I/O, no clocks (timestamps ride
// on the events), no randomness, which is what makes the pipeline testable
// without a device or a sound server.
func Reduce(state DaemonState, event Event, cfg *Config) ReduceResult {
	r := ReduceResult{State: state}

	switch ev := event.(type) {
	case KnobTurned:
		r.reduceKnob(ev, cfg)

	case ButtonEdge:
		r.reduceButton(ev, cfg)

	case HeartbeatSeen:
		r.markFrame(ev.At)

	case PortOpened:
		r.State.resetControls()
		r.State.Link.Connected = true
		r.State.Link.Alive = true
		r.State.Link.LastFrame = ev.At
		r.refreshLEDs(cfg)
		r.Broadcasts = append(r.Broadcasts, BroadcastLinkChanged{Connected: true, Alive: true, At: ev.At})

	case PortClosed:
		r.State.Link.Connected = false
		r.State.Link.Alive = false
		r.Broadcasts = append(r.Broadcasts, BroadcastLinkChanged{At: ev.At})

	case Tick:
		if r.State.Link.Connected && r.State.Link.Alive &&
			ev.Now.Sub(r.State.Link.LastFrame) > linkTimeout {
			r.State.Link.Alive = false
			r.Broadcasts = append(r.Broadcasts, BroadcastLinkChanged{Connected: true, Alive: false, At: ev.Now})
		}

	case DecodeErrors:
		r.State.Link.DecodeErrors = ev.Total

	case ConfigSwapped:
		// Bindings and LED schemes may have changed; recompute the LED frame
		// against the retained knob positions.
		r.refreshLEDs(cfg)
		r.Broadcasts = append(r.Broadcasts, BroadcastConfigReloaded{At: ev.At})

	case SetVolumeRequested:
		r.reduceExternalVolume(ev)

	case ToggleMuteRequested:
		switch ev.Kind {
		case "source":
			r.Commands = append(r.Commands, CmdToggleSourceMute{Target: audioTarget(ev.Target)})
		default:
			r.Commands = append(r.Commands, CmdToggleSinkMute{Target: audioTarget(ev.Target)})
		}

	case ReloadRequested:
		r.Commands = append(r.Commands, CmdReloadConfig{})

	case VolumeApplied:
		r.Broadcasts = append(r.Broadcasts, BroadcastVolumeApplied{
			Kind: ev.Kind, Target: ev.Target, Percent: ev.Percent, At: ev.At,
		})

	case MuteObserved:
		r.Broadcasts = append(r.Broadcasts, BroadcastMuteChanged{
			Kind: ev.Kind, Target: ev.Target, Muted: ev.Muted, At: ev.At,
		})

	case BackendCommandFailed:
		r.State.BackendErrors++

	case RequestStateSnapshot:
		r.Commands = append(r.Commands, CmdPublishStateSnapshot{
			Snapshot: r.State.snapshot(ev.At),
			Reply:    ev.Reply,
		})
	}

	return r
}

// markFrame refreshes the heartbeat watchdog. Any decoded frame counts as
// proof of life, not just heartbeats.
func (r *ReduceResult) markFrame(at time.Time) {
	r.State.Link.LastFrame = at
	if r.State.Link.Connected && !r.State.Link.Alive {
		r.State.Link.Alive = true
		r.Broadcasts = append(r.Broadcasts, BroadcastLinkChanged{Connected: true, Alive: true, At: at})
	}
}

// actionScale returns the top of the percent range a knob maps onto.
// Sinks allow overdrive up to 150%; everything else caps at 100%.
func actionScale(kind ActionKind) float64 {
	if kind == ActionSinkVolume {
		return sinkPercentMax
	}
	return percentMax
}

// audioTarget normalizes an audio device/app target; empty means the
// server's current default device.
func audioTarget(t string) string {
	if t == "" {
		return "default"
	}
	return t
}

func (r *ReduceResult) reduceKnob(ev KnobTurned, cfg *Config) {
	if ev.ID < 0 || ev.ID >= numKnobs {
		return
	}
	r.markFrame(ev.At)

	k := &r.State.Knobs[ev.ID]
	k.Raw = ev.Raw
	k.HasRaw = true

	binding, ok := cfg.Knobs[ev.ID]
	if !ok {
		// Unbound knob: track the position but drive nothing.
		return
	}

	percent := knobPercent(ev.Raw, actionScale(binding.Action))

	// Smoothing: the first reading after (re)connect always dispatches;
	// after that the knob must move by at least the configured delta.
	if k.HasPercent && abs(percent-k.Percent) < cfg.Input.SmoothingDelta {
		return
	}
	k.Percent = percent
	k.HasPercent = true
	k.Norm = knobNorm(ev.Raw)

	rounded := roundPercent(percent)
	switch binding.Action {
	case ActionSinkVolume:
		r.Commands = append(r.Commands, CmdSetSinkVolume{Target: binding.Target, Percent: rounded})
	case ActionSourceVolume:
		r.Commands = append(r.Commands, CmdSetSourceVolume{Target: binding.Target, Percent: rounded})
	case ActionAppVolume:
		r.Commands = append(r.Commands, CmdSetAppVolume{Target: binding.Target, Percent: rounded})
	case ActionGroupVolume:
		for _, target := range binding.Targets {
			r.Commands = append(r.Commands, CmdSetAppVolume{Target: target, Percent: rounded})
		}
	}

	r.Broadcasts = append(r.Broadcasts, BroadcastKnobChanged{
		Knob: ev.ID, Percent: rounded, Norm: k.Norm, At: ev.At,
	})

	r.refreshLEDs(cfg)
}

func (r *ReduceResult) reduceButton(ev ButtonEdge, cfg *Config) {
	if ev.ID < 0 || ev.ID >= numButtons {
		return
	}
	r.markFrame(ev.At)

	b := &r.State.Buttons[ev.ID]

	debounce := time.Duration(cfg.Input.DebounceMS) * time.Millisecond
	if b.HasLastEdge && ev.At.Sub(b.LastEdge) < debounce {
		return
	}
	b.Pressed = ev.Pressed
	b.LastEdge = ev.At
	b.HasLastEdge = true

	r.Broadcasts = append(r.Broadcasts, BroadcastButtonChanged{
		Button: ev.ID, Pressed: ev.Pressed, At: ev.At,
	})

	// Actions fire on the press edge only.
	if !ev.Pressed {
		return
	}
	binding, ok := cfg.Buttons[ev.ID]
	if !ok {
		return
	}
	switch binding.Action {
	case ActionMuteSink:
		r.Commands = append(r.Commands, CmdToggleSinkMute{Target: binding.Target})
	case ActionMuteSource:
		r.Commands = append(r.Commands, CmdToggleSourceMute{Target: binding.Target})
	case ActionCommand:
		if binding.Target != "" {
			r.Commands = append(r.Commands, CmdRunShell{CommandLine: binding.Target, Button: ev.ID})
		}
	}
}

func (r *ReduceResult) reduceExternalVolume(ev SetVolumeRequested) {
	target := audioTarget(ev.Target)

	switch ev.Kind {
	case "source":
		r.Commands = append(r.Commands, CmdSetSourceVolume{
			Target: target, Percent: clampPercent(ev.Percent, percentMax),
		})
	case "app":
		r.Commands = append(r.Commands, CmdSetAppVolume{
			Target: target, Percent: clampPercent(ev.Percent, percentMax),
		})
	default:
		r.Commands = append(r.Commands, CmdSetSinkVolume{
			Target: target, Percent: clampPercent(ev.Percent, sinkPercentMax),
		})
	}
}

// refreshLEDs recomputes every knob's ring color and emits a write-back
// frame only when the result differs from the last emitted frame. All-off
// schemes therefore never touch the wire.
func (r *ReduceResult) refreshLEDs(cfg *Config) {
	var colors [numKnobs]RGB
	for i := range colors {
		colors[i] = ledColor(cfg.knobLedConfig(i), r.State.Knobs[i].Norm)
	}
	if r.State.LedsKnown && colors == r.State.LedColors {
		return
	}
	r.State.LedColors = colors
	r.State.LedsKnown = true
	r.Commands = append(r.Commands, CmdWriteLEDs{Colors: colors})
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func clampPercent(p, max float64) float64 {
	if p < 0 {
		return 0
	}
	if p > max {
		return max
	}
	return roundPercent(p)
}
