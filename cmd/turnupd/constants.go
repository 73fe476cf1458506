package main

import "time"

// Serial wire protocol (device -> host and host -> device).
//
// Every frame starts with 0xFE and ends with 0xFF. The opcode byte after the
// start marker determines the frame length, so the decoder always knows how
// many bytes to expect before the terminator.
const (
	frameStart byte = 0xFE
	frameEnd   byte = 0xFF

	opHeartbeat     byte = 0x02 // FE 02 FF
	opKnob          byte = 0x03 // FE 03 <id> <hi> <lo> FF
	opLEDs          byte = 0x05 // FE 05 [R G B]*ledsPerKnob*numKnobs FF (outbound)
	opButtonPress   byte = 0x06 // FE 06 <id> FF
	opButtonRelease byte = 0x07 // FE 07 <id> FF
)

// Hardware constants
const (
	// knobMax is the maximum raw ADC value reported by the device (10 bits).
	knobMax = 1023

	// numKnobs is the number of physical knobs (and LED groups).
	numKnobs = 5

	// numButtons is the number of physical buttons.
	numButtons = 5

	// ledsPerKnob is the number of RGB LEDs in each knob's ring.
	ledsPerKnob = 3
)

// Volume scaling
const (
	// sinkPercentMax allows sinks to be overdriven up to 150 %.
	sinkPercentMax = 150.0

	// percentMax is the ceiling for sources and app streams.
	percentMax = 100.0
)

// Tuning defaults
const (
	// serialRetryDelay is how long to wait before reopening the serial port
	// after a disconnect or failed open.
	serialRetryDelay = 3 * time.Second

	// linkTimeout marks the device link stale after this long without any
	// decoded frame (the firmware heartbeats about once a second).
	linkTimeout = 10 * time.Second

	// tickInterval drives the heartbeat watchdog.
	tickInterval = time.Second

	// defaultDebounceMS is the minimum interval between accepted button
	// transitions for the same button id. Faster transitions are treated as
	// electrical bounce and dropped.
	defaultDebounceMS = 30

	// defaultSmoothingDelta is the minimum change (in scaled percent) a knob
	// value must move before a new volume command is dispatched. Sub-threshold
	// ADC jitter never reaches the backend.
	defaultSmoothingDelta = 1.0

	// defaultBackendTimeoutMS bounds every audio backend call so a hung audio
	// server cannot stall the effects worker forever.
	defaultBackendTimeoutMS = 2000
)

// Queue sizes
const (
	eventQueueSize   = 256
	commandQueueSize = 256
)
