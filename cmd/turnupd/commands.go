package main

import "fmt"

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect requested by the reducer and
// executed by the effects worker: audio backend calls, shell commands, LED
// write-back frames, snapshot delivery.
type Command interface {
	commandMarker()
	String() string
}

// CmdSetSinkVolume sets a sink's volume. Percent is already clamped and
// rounded by the reducer.
type CmdSetSinkVolume struct {
	Target  string
	Percent float64
}

func (CmdSetSinkVolume) commandMarker() {}
func (c CmdSetSinkVolume) String() string {
	return fmt.Sprintf("CmdSetSinkVolume(target=%q, percent=%.0f)", c.Target, c.Percent)
}

// CmdSetSourceVolume sets a source's volume.
type CmdSetSourceVolume struct {
	Target  string
	Percent float64
}

func (CmdSetSourceVolume) commandMarker() {}
func (c CmdSetSourceVolume) String() string {
	return fmt.Sprintf("CmdSetSourceVolume(target=%q, percent=%.0f)", c.Target, c.Percent)
}

// CmdSetAppVolume sets the volume of every running stream whose app name or
// binary matches Target. No matching stream is a no-op, not an error.
type CmdSetAppVolume struct {
	Target  string
	Percent float64
}

func (CmdSetAppVolume) commandMarker() {}
func (c CmdSetAppVolume) String() string {
	return fmt.Sprintf("CmdSetAppVolume(target=%q, percent=%.0f)", c.Target, c.Percent)
}

// CmdToggleSinkMute toggles a sink's mute flag.
type CmdToggleSinkMute struct {
	Target string
}

func (CmdToggleSinkMute) commandMarker() {}
func (c CmdToggleSinkMute) String() string {
	return fmt.Sprintf("CmdToggleSinkMute(target=%q)", c.Target)
}

// CmdToggleSourceMute toggles a source's mute flag.
type CmdToggleSourceMute struct {
	Target string
}

func (CmdToggleSourceMute) commandMarker() {}
func (c CmdToggleSourceMute) String() string {
	return fmt.Sprintf("CmdToggleSourceMute(target=%q)", c.Target)
}

// CmdRunShell executes a configured shell command asynchronously.
type CmdRunShell struct {
	CommandLine string
	Button      int
}

func (CmdRunShell) commandMarker() {}
func (c CmdRunShell) String() string {
	return fmt.Sprintf("CmdRunShell(button=%d, command=%q)", c.Button, c.CommandLine)
}

// CmdWriteLEDs writes an LED color frame to the serial device.
type CmdWriteLEDs struct {
	Colors [numKnobs]RGB
}

func (CmdWriteLEDs) commandMarker() {}
func (c CmdWriteLEDs) String() string {
	return fmt.Sprintf("CmdWriteLEDs(%v)", c.Colors)
}

// CmdReloadConfig asks the config store to reload the config file now.
type CmdReloadConfig struct{}

func (CmdReloadConfig) commandMarker() {}
func (CmdReloadConfig) String() string { return "CmdReloadConfig()" }

// CmdPublishStateSnapshot delivers a reducer-produced snapshot to the
// requester. Keeping the channel send in the effects layer keeps the
// reducer pure.
type CmdPublishStateSnapshot struct {
	Snapshot StateSnapshot
	Reply    chan StateSnapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (CmdPublishStateSnapshot) String() string { return "CmdPublishStateSnapshot()" }
