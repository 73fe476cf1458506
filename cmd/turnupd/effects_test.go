package main

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// mockBackend records calls; individual behaviors are overridable per test.
type mockBackend struct {
	mu sync.Mutex

	sinkVolumes   map[string]float64
	sourceVolumes map[string]float64
	appVolumes    map[uint32]float64
	sinkMuted     map[string]bool
	sourceMuted   map[string]bool

	streams []AppStream
	failAll error
	delay   time.Duration
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		sinkVolumes:   make(map[string]float64),
		sourceVolumes: make(map[string]float64),
		appVolumes:    make(map[uint32]float64),
		sinkMuted:     make(map[string]bool),
		sourceMuted:   make(map[string]bool),
	}
}

func (m *mockBackend) stall() error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.failAll
}

func (m *mockBackend) SetSinkVolume(name string, percent float64) error {
	if err := m.stall(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinkVolumes[name] = percent
	return nil
}

func (m *mockBackend) SetSourceVolume(name string, percent float64) error {
	if err := m.stall(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourceVolumes[name] = percent
	return nil
}

func (m *mockBackend) ToggleSinkMute(name string) (bool, error) {
	if err := m.stall(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinkMuted[name] = !m.sinkMuted[name]
	return m.sinkMuted[name], nil
}

func (m *mockBackend) ToggleSourceMute(name string) (bool, error) {
	if err := m.stall(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourceMuted[name] = !m.sourceMuted[name]
	return m.sourceMuted[name], nil
}

func (m *mockBackend) ListAppStreams() ([]AppStream, error) {
	if err := m.stall(); err != nil {
		return nil, err
	}
	return m.streams, nil
}

func (m *mockBackend) SetAppVolume(id uint32, percent float64) error {
	if err := m.stall(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appVolumes[id] = percent
	return nil
}

func (m *mockBackend) Close() error { return nil }

func testDeps(backend AudioBackend, leds *bytes.Buffer) effectDeps {
	return effectDeps{
		backend: backend,
		leds:    leds,
		reload:  func() error { return nil },
		timeout: func() time.Duration { return 500 * time.Millisecond },
	}
}

// runAndCollect executes one command and returns the observation events.
func runAndCollect(t *testing.T, deps effectDeps, cmd Command) []Event {
	t.Helper()
	var events []Event
	runEffect(deps, cmd, slog.Default(), func(e Event) {
		events = append(events, e)
	})
	return events
}

func TestRunEffect_SetSinkVolume(t *testing.T) {
	backend := newMockBackend()
	events := runAndCollect(t, testDeps(backend, &bytes.Buffer{}), CmdSetSinkVolume{Target: "default", Percent: 44})

	if got := backend.sinkVolumes["default"]; got != 44 {
		t.Fatalf("expected sink at 44, got %v", got)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(events))
	}
	obs, ok := events[0].(VolumeApplied)
	if !ok || obs.Kind != "sink" || obs.Percent != 44 {
		t.Fatalf("expected sink volume observation, got %#v", events[0])
	}
}

func TestRunEffect_AppVolumeMatchesAllStreams(t *testing.T) {
	backend := newMockBackend()
	backend.streams = []AppStream{
		{ID: 1, Name: "Spotify", Binary: "spotify"},
		{ID: 2, Name: "Firefox", Binary: "firefox-bin"},
		{ID: 3, Name: "Music Player", Binary: "spotifyd"}, // matches by binary
	}

	events := runAndCollect(t, testDeps(backend, &bytes.Buffer{}), CmdSetAppVolume{Target: "spotify", Percent: 30})

	if len(backend.appVolumes) != 2 {
		t.Fatalf("expected 2 matched streams, got %v", backend.appVolumes)
	}
	if backend.appVolumes[1] != 30 || backend.appVolumes[3] != 30 {
		t.Fatalf("expected streams 1 and 3 at 30, got %v", backend.appVolumes)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(events))
	}
}

func TestRunEffect_AppVolumeNoMatchIsNoOp(t *testing.T) {
	backend := newMockBackend()
	backend.streams = []AppStream{{ID: 1, Name: "Firefox", Binary: "firefox"}}

	events := runAndCollect(t, testDeps(backend, &bytes.Buffer{}), CmdSetAppVolume{Target: "spotify", Percent: 30})

	if len(backend.appVolumes) != 0 {
		t.Fatalf("expected no volume calls, got %v", backend.appVolumes)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events for a non-running app, got %#v", events)
	}
}

func TestRunEffect_ToggleMuteObserved(t *testing.T) {
	backend := newMockBackend()
	deps := testDeps(backend, &bytes.Buffer{})

	events := runAndCollect(t, deps, CmdToggleSinkMute{Target: "default"})
	obs, ok := events[0].(MuteObserved)
	if !ok || obs.Kind != "sink" || !obs.Muted {
		t.Fatalf("expected muted observation, got %#v", events[0])
	}

	events = runAndCollect(t, deps, CmdToggleSinkMute{Target: "default"})
	obs = events[0].(MuteObserved)
	if obs.Muted {
		t.Fatalf("expected unmuted after second toggle")
	}
}

func TestRunEffect_BackendErrorReported(t *testing.T) {
	backend := newMockBackend()
	backend.failAll = errors.New("connection refused")

	events := runAndCollect(t, testDeps(backend, &bytes.Buffer{}), CmdSetSinkVolume{Target: "default", Percent: 50})

	if len(events) != 1 {
		t.Fatalf("expected 1 failure event, got %d", len(events))
	}
	fail, ok := events[0].(BackendCommandFailed)
	if !ok {
		t.Fatalf("expected BackendCommandFailed, got %#v", events[0])
	}
	if fail.Err == nil {
		t.Fatalf("expected error carried in event")
	}
}

func TestRunEffect_BackendTimeout(t *testing.T) {
	backend := newMockBackend()
	backend.delay = 300 * time.Millisecond

	deps := testDeps(backend, &bytes.Buffer{})
	deps.timeout = func() time.Duration { return 20 * time.Millisecond }

	events := runAndCollect(t, deps, CmdSetSinkVolume{Target: "default", Percent: 50})

	if len(events) != 1 {
		t.Fatalf("expected 1 failure event, got %d", len(events))
	}
	fail := events[0].(BackendCommandFailed)
	if !errors.Is(fail.Err, errBackendTimeout) {
		t.Fatalf("expected timeout error, got %v", fail.Err)
	}
}

func TestRunEffect_WriteLEDs(t *testing.T) {
	var buf bytes.Buffer
	var colors [numKnobs]RGB
	colors[2] = RGB{0, 255, 0}

	runAndCollect(t, testDeps(newMockBackend(), &buf), CmdWriteLEDs{Colors: colors})

	want := BuildLEDPacket(colors)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("led packet mismatch:\n got % X\nwant % X", buf.Bytes(), want)
	}
}

func TestRunEffect_SnapshotDelivery(t *testing.T) {
	reply := make(chan StateSnapshot, 1)
	snap := StateSnapshot{Connected: true}

	runAndCollect(t, testDeps(newMockBackend(), &bytes.Buffer{}), CmdPublishStateSnapshot{Snapshot: snap, Reply: reply})

	select {
	case got := <-reply:
		if !got.Connected {
			t.Fatalf("expected snapshot delivered intact")
		}
	default:
		t.Fatalf("expected snapshot on reply channel")
	}
}

func TestMatchesApp(t *testing.T) {
	s := AppStream{Name: "Spotify Premium", Binary: "spotify"}
	cases := []struct {
		target string
		want   bool
	}{
		{"spotify", true},
		{"SPOTIFY", true},
		{"premium", true},
		{"firefox", false},
		{"", false},
	}
	for _, c := range cases {
		if got := matchesApp(s, c.target); got != c.want {
			t.Errorf("matchesApp(%q) = %v, want %v", c.target, got, c.want)
		}
	}
}
