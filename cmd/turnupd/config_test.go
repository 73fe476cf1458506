package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Knobs[2].Action != ActionSourceVolume {
		t.Fatalf("expected knob 2 bound to source_volume, got %q", cfg.Knobs[2].Action)
	}
	if cfg.Buttons[0].Action != ActionMuteSink {
		t.Fatalf("expected button 0 bound to mute_sink, got %q", cfg.Buttons[0].Action)
	}
}

func TestParseConfig_OverlaysDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
port: /dev/ttyUSB3
knobs:
  0:
    action: app_volume
    target: spotify
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Port != "/dev/ttyUSB3" {
		t.Fatalf("expected port override, got %q", cfg.Port)
	}
	if cfg.Baud != 115200 {
		t.Fatalf("expected default baud retained, got %d", cfg.Baud)
	}
	if cfg.Knobs[0].Action != ActionAppVolume || cfg.Knobs[0].Target != "spotify" {
		t.Fatalf("expected knob 0 rebinding, got %+v", cfg.Knobs[0])
	}
	if cfg.Input.DebounceMS != defaultDebounceMS {
		t.Fatalf("expected default debounce retained, got %d", cfg.Input.DebounceMS)
	}
}

func TestParseConfig_RejectsUnknownFields(t *testing.T) {
	_, err := ParseConfig([]byte("prot: /dev/ttyACM0\n"))
	if err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "empty port",
			mutate:  func(c *Config) { c.Port = "" },
			wantSub: "port",
		},
		{
			name:    "unsupported baud",
			mutate:  func(c *Config) { c.Baud = 1234 },
			wantSub: "baud",
		},
		{
			name:    "knob index out of range",
			mutate:  func(c *Config) { c.Knobs[9] = Binding{Action: ActionSinkVolume} },
			wantSub: "out of range",
		},
		{
			name:    "button action on knob",
			mutate:  func(c *Config) { c.Knobs[0] = Binding{Action: ActionMuteSink} },
			wantSub: "invalid action",
		},
		{
			name:    "knob action on button",
			mutate:  func(c *Config) { c.Buttons[0] = Binding{Action: ActionSinkVolume} },
			wantSub: "invalid action",
		},
		{
			name:    "group without targets",
			mutate:  func(c *Config) { c.Knobs[0] = Binding{Action: ActionGroupVolume} },
			wantSub: "targets",
		},
		{
			name:    "group with single target",
			mutate:  func(c *Config) { c.Knobs[0] = Binding{Action: ActionGroupVolume, Target: "x", Targets: []string{"y"}} },
			wantSub: "targets",
		},
		{
			name:    "bad led mode",
			mutate:  func(c *Config) { c.LEDs.Mode = "disco" },
			wantSub: "LED mode",
		},
		{
			name:    "negative debounce",
			mutate:  func(c *Config) { c.Input.DebounceMS = -1 },
			wantSub: "debounce",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantSub: "logging.level",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("expected error mentioning %q, got %q", tc.wantSub, err)
			}
		})
	}
}

func TestValidate_NormalizesEmptyAudioTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Knobs[0] = Binding{Action: ActionSinkVolume}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Knobs[0].Target != "default" {
		t.Fatalf("expected empty target normalized to default, got %q", cfg.Knobs[0].Target)
	}
}

func TestWriteAndLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Port = "/dev/ttyACM7"
	cfg.Knobs[4] = Binding{
		Action: ActionAppVolume,
		Target: "mpv",
		LED:    &LedConfig{Mode: LedModeStatic, HighColor: RGB{0, 0, 255}},
	}
	if err := WriteConfigFile(path, cfg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Port != "/dev/ttyACM7" {
		t.Fatalf("expected port round-trip, got %q", got.Port)
	}
	b := got.Knobs[4]
	if b.Action != ActionAppVolume || b.Target != "mpv" {
		t.Fatalf("expected binding round-trip, got %+v", b)
	}
	if b.LED == nil || b.LED.Mode != LedModeStatic || b.LED.HighColor != (RGB{0, 0, 255}) {
		t.Fatalf("expected LED override round-trip, got %+v", b.LED)
	}
}

func TestKnobLedConfig_Override(t *testing.T) {
	cfg := DefaultConfig()
	override := LedConfig{Mode: LedModeStatic, HighColor: RGB{1, 2, 3}}
	b := cfg.Knobs[1]
	b.LED = &override
	cfg.Knobs[1] = b

	if got := cfg.knobLedConfig(1); got != override {
		t.Fatalf("expected per-knob override, got %+v", got)
	}
	if got := cfg.knobLedConfig(0); got != cfg.LEDs {
		t.Fatalf("expected global scheme for knob 0, got %+v", got)
	}
}

func TestFlagOverrides(t *testing.T) {
	cfg := DefaultConfig()
	port := "/dev/ttyS9"
	level := "debug"
	o := FlagOverrides{Port: &port, LogLevel: &level}
	o.Apply(&cfg)

	if cfg.Port != port || cfg.Logging.Level != level {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Baud != 115200 {
		t.Fatalf("nil override must not touch baud, got %d", cfg.Baud)
	}
}
