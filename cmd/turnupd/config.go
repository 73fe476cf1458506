package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ActionKind is the closed set of things a control can be bound to.
// Adding a kind means touching the reducer's exhaustive switch, so new
// actions are a compile-time-visible change.
type ActionKind string

const (
	ActionSinkVolume   ActionKind = "sink_volume"
	ActionSourceVolume ActionKind = "source_volume"
	ActionAppVolume    ActionKind = "app_volume"
	ActionGroupVolume  ActionKind = "group_volume"
	ActionMuteSink     ActionKind = "mute_sink"
	ActionMuteSource   ActionKind = "mute_source"
	ActionCommand      ActionKind = "command"
)

// knobActions / buttonActions define which kinds are legal per control class.
var knobActions = map[ActionKind]bool{
	ActionSinkVolume:   true,
	ActionSourceVolume: true,
	ActionAppVolume:    true,
	ActionGroupVolume:  true,
}

var buttonActions = map[ActionKind]bool{
	ActionMuteSink:   true,
	ActionMuteSource: true,
	ActionCommand:    true,
}

// Binding maps one control index to an action.
//
// Target is a device/app name for audio actions ("default" resolves to the
// server's current default device) or a shell command line for
// ActionCommand. Targets is only used by ActionGroupVolume and must be
// non-empty there.
type Binding struct {
	Action  ActionKind `yaml:"action" json:"action"`
	Target  string     `yaml:"target,omitempty" json:"target,omitempty"`
	Targets []string   `yaml:"targets,omitempty" json:"targets,omitempty"`

	// LED optionally overrides the global LED config for this knob.
	LED *LedConfig `yaml:"led,omitempty" json:"led,omitempty"`
}

// Config is the top-level YAML configuration for the turnupd daemon.
//
// The config file is the primary configuration surface; flags exist for
// small overrides (port, log level) and debugging. Defaults and validation
// are centralized here so the rest of the code can assume a well-formed
// config snapshot.
type Config struct {
	// Serial connection parameters.
	Port string `yaml:"port" json:"port"`
	Baud int    `yaml:"baud" json:"baud"`

	// LEDs is the global LED scheme; per-knob bindings may override it.
	LEDs LedConfig `yaml:"leds" json:"leds"`

	// Knobs / Buttons map control indices to actions. A control with no
	// binding is ignored (documented default-safe behavior).
	Knobs   map[int]Binding `yaml:"knobs" json:"knobs"`
	Buttons map[int]Binding `yaml:"buttons" json:"buttons"`

	Input   InputConfig   `yaml:"input" json:"input"`
	Backend BackendConfig `yaml:"backend" json:"backend"`
	UI      UIConfig      `yaml:"ui" json:"ui"`
	IPC     IPCConfig     `yaml:"ipc" json:"ipc"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// InputConfig tunes the debounce/smoothing stage.
type InputConfig struct {
	// DebounceMS is the minimum interval between accepted transitions of the
	// same button (milliseconds).
	DebounceMS int `yaml:"debounce_ms" json:"debounce_ms"`

	// SmoothingDelta is the minimum scaled-percent change a knob must move
	// before a new volume command is dispatched.
	SmoothingDelta float64 `yaml:"smoothing_delta" json:"smoothing_delta"`
}

// BackendConfig tunes the audio backend adapter.
type BackendConfig struct {
	// Server is the PulseAudio server address; empty means the default
	// (per-user) server.
	Server string `yaml:"server,omitempty" json:"server,omitempty"`

	// TimeoutMS bounds every backend call.
	TimeoutMS int `yaml:"timeout_ms" json:"timeout_ms"`
}

// UIConfig configures the config-editor HTTP service.
type UIConfig struct {
	// Listen is the HTTP listen address. Empty disables the UI server.
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`

	// StaticDir, when set, serves the browser editor's built assets with an
	// SPA fallback to index.html.
	StaticDir string `yaml:"static_dir,omitempty" json:"static_dir,omitempty"`

	// PresetsDir holds named preset YAML files.
	PresetsDir string `yaml:"presets_dir,omitempty" json:"presets_dir,omitempty"`
}

// IPCConfig configures the Unix-socket event interface.
type IPCConfig struct {
	// SocketPath is the Unix domain socket path. Empty disables IPC.
	SocketPath string `yaml:"socket_path,omitempty" json:"socket_path,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// DefaultConfigPath returns the XDG-compliant config file location,
// ~/.config/turnup/config.yaml.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "turnup", "config.yaml")
}

// DefaultPresetsDir returns the sibling presets directory.
func DefaultPresetsDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "presets"
	}
	return filepath.Join(dir, "turnup", "presets")
}

// DefaultConfig returns a fully-populated Config with defaults: all knobs
// drive the default sink (knob 2 the default source), button 0/1 toggle
// sink/source mute, remaining buttons are unassigned shell commands.
func DefaultConfig() Config {
	knobs := map[int]Binding{
		0: {Action: ActionSinkVolume, Target: "default"},
		1: {Action: ActionSinkVolume, Target: "default"},
		2: {Action: ActionSourceVolume, Target: "default"},
		3: {Action: ActionSinkVolume, Target: "default"},
		4: {Action: ActionSinkVolume, Target: "default"},
	}
	buttons := map[int]Binding{
		0: {Action: ActionMuteSink, Target: "default"},
		1: {Action: ActionMuteSource, Target: "default"},
		2: {Action: ActionCommand, Target: ""},
		3: {Action: ActionCommand, Target: ""},
		4: {Action: ActionCommand, Target: ""},
	}

	return Config{
		Port:    "/dev/ttyACM0",
		Baud:    115200,
		LEDs:    DefaultLedConfig(),
		Knobs:   knobs,
		Buttons: buttons,
		Input: InputConfig{
			DebounceMS:     defaultDebounceMS,
			SmoothingDelta: defaultSmoothingDelta,
		},
		Backend: BackendConfig{
			TimeoutMS: defaultBackendTimeoutMS,
		},
		UI: UIConfig{
			Listen:     "127.0.0.1:5173",
			PresetsDir: DefaultPresetsDir(),
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/turnupd.sock",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of defaults.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML bytes on top of defaults.
func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	return cfg, nil
}

// WriteConfigFile atomically writes cfg as YAML to path, creating parent
// directories as needed. Atomic rename matters: the hot-reload watcher must
// never read a half-written file.
func WriteConfigFile(path string, cfg Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config yaml: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	return nil
}

// FlagOverrides applies command-line overrides on top of a loaded config.
// Nil pointers mean "flag not set".
type FlagOverrides struct {
	Port     *string
	Baud     *int
	UIListen *string
	IPCPath  *string
	LogLevel *string
}

// Apply merges the overrides into cfg. If an override pointer is nil, it is ignored.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Port != nil {
		cfg.Port = *o.Port
	}
	if o.Baud != nil {
		cfg.Baud = *o.Baud
	}
	if o.UIListen != nil {
		cfg.UI.Listen = *o.UIListen
	}
	if o.IPCPath != nil {
		cfg.IPC.SocketPath = *o.IPCPath
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and normalizes defaults (empty audio
// targets become "default"). Intended to be called after defaults + file +
// overrides are applied, and again on every hot reload.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port must not be empty")
	}
	if _, err := baudFlag(c.Baud); err != nil {
		return err
	}

	if err := validateLedConfig("leds", c.LEDs); err != nil {
		return err
	}

	for id, b := range c.Knobs {
		if id < 0 || id >= numKnobs {
			return fmt.Errorf("knobs.%d: knob index out of range (0..%d)", id, numKnobs-1)
		}
		nb, err := validateBinding(fmt.Sprintf("knobs.%d", id), b, knobActions)
		if err != nil {
			return err
		}
		c.Knobs[id] = nb
	}

	for id, b := range c.Buttons {
		if id < 0 || id >= numButtons {
			return fmt.Errorf("buttons.%d: button index out of range (0..%d)", id, numButtons-1)
		}
		nb, err := validateBinding(fmt.Sprintf("buttons.%d", id), b, buttonActions)
		if err != nil {
			return err
		}
		c.Buttons[id] = nb
	}

	if c.Input.DebounceMS < 0 {
		return errors.New("input.debounce_ms must be >= 0")
	}
	if c.Input.SmoothingDelta < 0 {
		return errors.New("input.smoothing_delta must be >= 0")
	}
	if c.Backend.TimeoutMS <= 0 {
		return errors.New("backend.timeout_ms must be > 0")
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// validateBinding checks one binding against the legal action set for its
// control class and returns the normalized binding.
func validateBinding(where string, b Binding, legal map[ActionKind]bool) (Binding, error) {
	if !legal[b.Action] {
		return b, fmt.Errorf("%s: invalid action %q", where, b.Action)
	}

	switch b.Action {
	case ActionGroupVolume:
		if len(b.Targets) == 0 {
			return b, fmt.Errorf("%s: group_volume requires a non-empty targets list", where)
		}
		if b.Target != "" {
			return b, fmt.Errorf("%s: group_volume uses targets, not target", where)
		}
	case ActionCommand:
		// Target is a shell command line; empty means the button is parked.
		if len(b.Targets) != 0 {
			return b, fmt.Errorf("%s: %s takes a single target", where, b.Action)
		}
	default:
		if len(b.Targets) != 0 {
			return b, fmt.Errorf("%s: %s takes a single target", where, b.Action)
		}
		if b.Target == "" {
			b.Target = "default"
		}
	}

	if b.LED != nil {
		if err := validateLedConfig(where+".led", *b.LED); err != nil {
			return b, err
		}
	}

	return b, nil
}

func validateLedConfig(where string, lc LedConfig) error {
	switch lc.Mode {
	case LedModeVolume, LedModeStatic, LedModeOff:
		return nil
	default:
		return fmt.Errorf("%s.mode: invalid LED mode %q (must be volume, static, or off)", where, lc.Mode)
	}
}

// knobLedConfig resolves the effective LED config for a knob: per-knob
// override if present, otherwise the global scheme. Knobs with no binding
// still light up with the global scheme.
func (c *Config) knobLedConfig(id int) LedConfig {
	if b, ok := c.Knobs[id]; ok && b.LED != nil {
		return *b.LED
	}
	return c.LEDs
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
