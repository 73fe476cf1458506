package main

import "time"

// KnobState tracks one knob through the smoothing and LED stages.
type KnobState struct {
	// Raw is the last raw value seen, smoothed or not.
	Raw    int
	HasRaw bool

	// Percent/Norm are the last *dispatched* values; smoothing compares new
	// readings against Percent, the LED engine interpolates with Norm.
	Percent    float64
	HasPercent bool
	Norm       float64
}

// ButtonState tracks one button through the debounce stage.
type ButtonState struct {
	Pressed bool

	// LastEdge is the time of the last accepted transition; rejected
	// (bounced) transitions do not advance it.
	LastEdge    time.Time
	HasLastEdge bool
}

// LinkState tracks the serial connection and the heartbeat watchdog.
type LinkState struct {
	Connected bool
	Alive     bool
	LastFrame time.Time

	DecodeErrors uint64
}

// DaemonState is the reducer's complete state. It is treated as a value:
// Reduce copies it, mutates the copy, and returns it.
type DaemonState struct {
	Knobs   [numKnobs]KnobState
	Buttons [numButtons]ButtonState

	// LedColors is the last emitted LED frame; write-back is suppressed
	// while the computed frame matches it.
	LedColors [numKnobs]RGB
	LedsKnown bool

	Link LinkState

	BackendErrors uint64
}

// NewDaemonState returns the initial daemon state.
func NewDaemonState() DaemonState {
	return DaemonState{}
}

// resetControls clears per-control state on (re)connect: the device's knob
// positions are unknown until it reports them, and stale smoothing baselines
// must not suppress the first reading.
func (s *DaemonState) resetControls() {
	s.Knobs = [numKnobs]KnobState{}
	s.Buttons = [numButtons]ButtonState{}
	s.LedsKnown = false
}

// ============================================================================
// Snapshots and broadcasts
// ============================================================================

// KnobSnapshot is one knob's externally-visible state.
type KnobSnapshot struct {
	Known   bool    `json:"known"`
	Percent float64 `json:"percent"`
	Norm    float64 `json:"norm"`
}

// ButtonSnapshot is one button's externally-visible state.
type ButtonSnapshot struct {
	Pressed bool `json:"pressed"`
}

// StateSnapshot is a coherent point-in-time view of the daemon, produced by
// the reducer for UI clients.
type StateSnapshot struct {
	Knobs   [numKnobs]KnobSnapshot     `json:"knobs"`
	Buttons [numButtons]ButtonSnapshot `json:"buttons"`

	Connected     bool   `json:"connected"`
	Alive         bool   `json:"alive"`
	DecodeErrors  uint64 `json:"decode_errors"`
	BackendErrors uint64 `json:"backend_errors"`

	At time.Time `json:"at"`
}

// snapshot builds a StateSnapshot from the current state.
func (s *DaemonState) snapshot(now time.Time) StateSnapshot {
	var snap StateSnapshot
	for i, k := range s.Knobs {
		snap.Knobs[i] = KnobSnapshot{Known: k.HasPercent, Percent: k.Percent, Norm: k.Norm}
	}
	for i, b := range s.Buttons {
		snap.Buttons[i] = ButtonSnapshot{Pressed: b.Pressed}
	}
	snap.Connected = s.Link.Connected
	snap.Alive = s.Link.Alive
	snap.DecodeErrors = s.Link.DecodeErrors
	snap.BackendErrors = s.BackendErrors
	snap.At = now
	return snap
}

// StateBroadcast is a state-change notification fanned out to WebSocket
// clients. Broadcasts are derived by the reducer alongside commands.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastKnobChanged reports a dispatched (post-smoothing) knob change.
type BroadcastKnobChanged struct {
	Knob    int
	Percent float64
	Norm    float64
	At      time.Time
}

func (BroadcastKnobChanged) broadcastMarker() {}

// BroadcastButtonChanged reports an accepted (post-debounce) button edge.
type BroadcastButtonChanged struct {
	Button  int
	Pressed bool
	At      time.Time
}

func (BroadcastButtonChanged) broadcastMarker() {}

// BroadcastVolumeApplied reports a backend-confirmed volume change.
type BroadcastVolumeApplied struct {
	Kind    string
	Target  string
	Percent float64
	At      time.Time
}

func (BroadcastVolumeApplied) broadcastMarker() {}

// BroadcastMuteChanged reports a backend-confirmed mute toggle.
type BroadcastMuteChanged struct {
	Kind   string
	Target string
	Muted  bool
	At     time.Time
}

func (BroadcastMuteChanged) broadcastMarker() {}

// BroadcastLinkChanged reports serial connect/disconnect and heartbeat
// liveness transitions.
type BroadcastLinkChanged struct {
	Connected bool
	Alive     bool
	At        time.Time
}

func (BroadcastLinkChanged) broadcastMarker() {}

// BroadcastConfigReloaded reports that a new config snapshot is active.
type BroadcastConfigReloaded struct {
	At time.Time
}

func (BroadcastConfigReloaded) broadcastMarker() {}
