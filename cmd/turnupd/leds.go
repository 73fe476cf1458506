package main

import "math"

// RGB is one LED color. YAML/JSON representation is a 3-element array,
// e.g. [255, 0, 0].
type RGB [3]uint8

// LedMode selects how a knob's LED ring reacts to volume changes.
type LedMode string

const (
	// LedModeVolume interpolates between LowColor and HighColor using the
	// knob's last volume fraction.
	LedModeVolume LedMode = "volume"

	// LedModeStatic always shows HighColor.
	LedModeStatic LedMode = "static"

	// LedModeOff disables the ring (and suppresses write-back frames).
	LedModeOff LedMode = "off"
)

// LedConfig describes one knob's (or the global) LED behavior.
type LedConfig struct {
	Mode      LedMode `yaml:"mode" json:"mode"`
	LowColor  RGB     `yaml:"low_color" json:"low_color"`
	HighColor RGB     `yaml:"high_color" json:"high_color"`
}

// DefaultLedConfig is a red-to-green volume gradient, matching the device's
// factory firmware behavior.
func DefaultLedConfig() LedConfig {
	return LedConfig{
		Mode:      LedModeVolume,
		LowColor:  RGB{255, 0, 0},
		HighColor: RGB{0, 255, 0},
	}
}

// ledColor computes the ring color for a knob given its LED config and the
// last dispatched volume fraction t in [0,1].
//
// volume mode interpolates each channel linearly: low + t*(high-low), rounded
// to nearest and clamped to [0,255]. off returns black (callers skip writes
// for off-mode knobs; black keeps the packet well-formed when a frame is
// emitted for other knobs).
func ledColor(cfg LedConfig, t float64) RGB {
	switch cfg.Mode {
	case LedModeOff:
		return RGB{}
	case LedModeStatic:
		return cfg.HighColor
	default:
		if t < 0 {
			t = 0
		}
		if t > 1 {
			t = 1
		}
		var c RGB
		for i := 0; i < 3; i++ {
			lo := float64(cfg.LowColor[i])
			hi := float64(cfg.HighColor[i])
			v := math.Round(lo + t*(hi-lo))
			if v < 0 {
				v = 0
			}
			if v > 255 {
				v = 255
			}
			c[i] = uint8(v)
		}
		return c
	}
}
