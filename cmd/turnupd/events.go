package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Events
// ============================================================================
// Events are the reducer's only input. They come from the serial read loop
// (decoded frames), the config store (hot reloads), the ticker (watchdog),
// the effects worker (backend observations), and external clients (IPC, UI).
// ============================================================================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// Tick is emitted by the daemon loop at a fixed cadence and drives the
// heartbeat watchdog.
type Tick struct {
	Now time.Time
}

func (Tick) eventMarker() {}

// KnobTurned is a raw (pre-smoothing) knob position report.
type KnobTurned struct {
	ID  int
	Raw int
	At  time.Time
}

func (KnobTurned) eventMarker() {}

// ButtonEdge is a raw (pre-debounce) button transition.
type ButtonEdge struct {
	ID      int
	Pressed bool
	At      time.Time
}

func (ButtonEdge) eventMarker() {}

// HeartbeatSeen marks a decoded heartbeat frame.
type HeartbeatSeen struct {
	At time.Time
}

func (HeartbeatSeen) eventMarker() {}

// PortOpened is emitted after the serial port (re)connects. Per-control
// state is reset and an initial LED frame is pushed.
type PortOpened struct {
	Port string
	At   time.Time
}

func (PortOpened) eventMarker() {}

// PortClosed is emitted when the serial connection drops.
type PortClosed struct {
	Reason string
	At     time.Time
}

func (PortClosed) eventMarker() {}

// DecodeErrors reports the decoder's running malformed-frame count for the
// current connection.
type DecodeErrors struct {
	Total uint64
}

func (DecodeErrors) eventMarker() {}

// ConfigSwapped is emitted by the config store after a successful reload.
// The reducer re-reads the active snapshot and refreshes LED state.
type ConfigSwapped struct {
	At time.Time
}

func (ConfigSwapped) eventMarker() {}

// SetVolumeRequested is an external absolute volume request (IPC or UI).
// Kind is "sink", "source" or "app".
type SetVolumeRequested struct {
	Kind    string  `json:"kind"`
	Target  string  `json:"target"`
	Percent float64 `json:"percent"`
}

func (SetVolumeRequested) eventMarker() {}

// ToggleMuteRequested is an external mute toggle (IPC or UI).
// Kind is "sink" or "source".
type ToggleMuteRequested struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

func (ToggleMuteRequested) eventMarker() {}

// ReloadRequested asks the daemon to reload the config file immediately
// (IPC; the file watcher normally makes this unnecessary).
type ReloadRequested struct{}

func (ReloadRequested) eventMarker() {}

// VolumeApplied is an observation emitted after a successful backend volume
// call. Kind is "sink", "source" or "app".
type VolumeApplied struct {
	Kind    string
	Target  string
	Percent float64
	At      time.Time
}

func (VolumeApplied) eventMarker() {}

// MuteObserved is an observation emitted after a successful mute toggle.
type MuteObserved struct {
	Kind   string
	Target string
	Muted  bool
	At     time.Time
}

func (MuteObserved) eventMarker() {}

// BackendCommandFailed is emitted when executing a Command fails. The event
// is recoverable by design: the reducer only counts it.
type BackendCommandFailed struct {
	Command Command
	Err     error
	At      time.Time
}

func (BackendCommandFailed) eventMarker() {}

// RequestStateSnapshot asks the reducer for a coherent state snapshot,
// delivered through the effects layer so the reducer stays pure.
type RequestStateSnapshot struct {
	Reply chan StateSnapshot
	At    time.Time
}

func (RequestStateSnapshot) eventMarker() {}

// ============================================================================
// JSON envelope for externally-injected events (IPC clients)
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling.
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event.
// Only externally-injectable event types are accepted; frame and observation
// events cannot be forged through IPC.
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "set_volume":
		var e SetVolumeRequested
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal set_volume: %w", err)
		}
		return e, nil

	case "toggle_mute":
		var e ToggleMuteRequested
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal toggle_mute: %w", err)
		}
		return e, nil

	case "reload_config":
		return ReloadRequested{}, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalEvent serializes an externally-injectable Event into its envelope.
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope

	switch e := e.(type) {
	case SetVolumeRequested:
		env.Type = "set_volume"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal set_volume: %w", err)
		}
		env.Data = data

	case ToggleMuteRequested:
		env.Type = "toggle_mute"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal toggle_mute: %w", err)
		}
		env.Data = data

	case ReloadRequested:
		env.Type = "reload_config"

	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	return json.Marshal(env)
}
