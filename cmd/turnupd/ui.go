package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Config editor HTTP API
// ============================================================================
// Serves the browser-based config editor: read/write the live config, list
// running apps for binding pickers, and manage named presets. Writes go
// through WriteConfigFile, so the file watcher picks them up and the daemon
// hot-reloads without restarting.
// ============================================================================

// uiServer carries the handler dependencies.
type uiServer struct {
	store   *ConfigStore
	backend AudioBackend
	logger  *slog.Logger
}

// presetNameRe whitelists preset file names; everything else is rejected
// before it can touch the filesystem.
var presetNameRe = regexp.MustCompile(`^[A-Za-z0-9 _.-]+$`)

// runUIServer serves the editor API until ctx is canceled.
func runUIServer(ctx context.Context, store *ConfigStore, backend AudioBackend, wsServer *WSServer, logger *slog.Logger) error {
	ui := store.Current().UI
	if ui.Listen == "" {
		logger.Info("ui server disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	s := &uiServer{store: store, backend: backend, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handlePostConfig)
	mux.HandleFunc("GET /api/apps", s.handleGetApps)
	mux.HandleFunc("GET /api/presets", s.handleListPresets)
	mux.HandleFunc("GET /api/presets/{name}", s.handleGetPreset)
	mux.HandleFunc("POST /api/presets/{name}", s.handleSavePreset)
	mux.HandleFunc("DELETE /api/presets/{name}", s.handleDeletePreset)
	mux.HandleFunc("POST /api/presets/{name}/apply", s.handleApplyPreset)

	wsServer.Register(mux, "/ws")

	if ui.StaticDir != "" {
		mux.Handle("/", spaHandler(ExpandPath(ui.StaticDir)))
	}

	srv := &http.Server{
		Addr:    ui.Listen,
		Handler: mux,
	}

	logger.Info("ui server listening", slog.String("addr", ui.Listen))

	errCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on Shutdown; treat that
		// as a clean exit.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ui server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ui server shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()

	case err := <-errCh:
		return err
	}
}

// spaHandler serves static files with an index.html fallback for client-side
// routes.
func spaHandler(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(dir, "index.html"))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// ---------------------------------------------------------------------------
// /api/config
// ---------------------------------------------------------------------------

func (s *uiServer) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Current())
}

// handlePostConfig validates and persists a full replacement config. The
// actual swap happens through the file watcher, so manual edits and UI edits
// take the same path.
func (s *uiServer) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConfigJSON(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if err := WriteConfigFile(s.store.Path(), cfg); err != nil {
		s.logger.Error("config write failed", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// decodeConfigJSON decodes a posted config on top of defaults, so omitted
// sections keep their default values rather than zeroing out.
func decodeConfigJSON(r *http.Request) (Config, error) {
	cfg := DefaultConfig()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config json: %w", err)
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// /api/apps
// ---------------------------------------------------------------------------

// handleGetApps lists the names of running playback apps for the binding
// picker: application names and process binaries, deduplicated and sorted.
// Both are offered because bindings match on either.
func (s *uiServer) handleGetApps(w http.ResponseWriter, r *http.Request) {
	streams, err := s.backend.ListAppStreams()
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err)
		return
	}

	seen := make(map[string]struct{})
	names := make([]string, 0, 2*len(streams))
	add := func(n string) {
		if n == "" {
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	for _, st := range streams {
		add(st.Name)
		add(st.Binary)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}

// ---------------------------------------------------------------------------
// /api/presets
// ---------------------------------------------------------------------------

func (s *uiServer) presetsDir() string {
	dir := s.store.Current().UI.PresetsDir
	if dir == "" {
		dir = DefaultPresetsDir()
	}
	return ExpandPath(dir)
}

func (s *uiServer) presetPath(name string) (string, error) {
	if !presetNameRe.MatchString(name) {
		return "", fmt.Errorf("invalid preset name %q", name)
	}
	return filepath.Join(s.presetsDir(), name+".yaml"), nil
}

func (s *uiServer) handleListPresets(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.presetsDir())
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, []string{})
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}

func (s *uiServer) loadPreset(name string) (Config, error) {
	path, err := s.presetPath(name)
	if err != nil {
		return Config{}, err
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("preset %q: %w", name, err)
	}
	return cfg, nil
}

func (s *uiServer) handleGetPreset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, err := s.loadPreset(name)
	if err != nil {
		status := http.StatusBadRequest
		if os.IsNotExist(errors.Unwrap(err)) || os.IsNotExist(err) {
			status = http.StatusNotFound
		}
		writeJSONError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *uiServer) handleSavePreset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	path, err := s.presetPath(name)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := decodeConfigJSON(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if err := WriteConfigFile(path, cfg); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *uiServer) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	path, err := s.presetPath(name)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			writeJSONError(w, http.StatusNotFound, fmt.Errorf("preset %q not found", name))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleApplyPreset copies a preset over the live config file; the watcher
// does the rest.
func (s *uiServer) handleApplyPreset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, err := s.loadPreset(name)
	if err != nil {
		status := http.StatusBadRequest
		if os.IsNotExist(errors.Unwrap(err)) || os.IsNotExist(err) {
			status = http.StatusNotFound
		}
		writeJSONError(w, status, err)
		return
	}
	if err := WriteConfigFile(s.store.Path(), cfg); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("preset applied", slog.String("preset", name))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
