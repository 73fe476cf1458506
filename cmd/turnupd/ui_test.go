package main

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"
)

func TestHandleGetApps_DedupedSortedNames(t *testing.T) {
	backend := newMockBackend()
	backend.streams = []AppStream{
		{ID: 1, Name: "Spotify", Binary: "spotify"},
		{ID: 2, Name: "Spotify", Binary: "spotify"}, // second stream, same app
		{ID: 3, Name: "Firefox", Binary: "firefox-bin"},
		{ID: 4, Name: "", Binary: "mpv"},
	}
	s := &uiServer{backend: backend, logger: slog.Default()}

	rec := httptest.NewRecorder()
	s.handleGetApps(rec, httptest.NewRequest("GET", "/api/apps", nil))

	if rec.Code != 200 {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var names []string
	if err := json.Unmarshal(rec.Body.Bytes(), &names); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"Firefox", "Spotify", "firefox-bin", "mpv", "spotify"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

func TestPresetPath_RejectsInvalidNames(t *testing.T) {
	s := &uiServer{}
	for _, name := range []string{"../../etc/passwd", "a/b", ""} {
		if _, err := s.presetPath(name); err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}
