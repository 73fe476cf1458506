package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// External clients send JSON events to the daemon over a Unix domain socket:
// volume/mute control from scripts, desktop keybindings, and the config
// editor backend.
//
// Protocol: line-delimited JSON
//   - Client sends: {"type": "event_name", "data": {...}}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
//   - {"type": "request_snapshot"} answers with the daemon's current state
//     attached to the ok response.
// ============================================================================

// IPCResponse is the per-line response sent back to IPC clients.
type IPCResponse struct {
	Status   string         `json:"status"`
	Error    string         `json:"error,omitempty"`
	Snapshot *StateSnapshot `json:"snapshot,omitempty"`
}

// runIPCServer serves the Unix domain socket until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, logger *slog.Logger) error {
	// Remove a stale socket from a previous run.
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)
	defer listener.Close()

	// Local clients of any uid may drive the mixer.
	if err := os.Chmod(socketPath, 0o666); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("ipc listening", slog.String("socket", socketPath))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			logger.Warn("ipc accept error", slog.String("error", err.Error()))
			continue
		}
		go handleIPCConnection(conn, events, logger)
	}
}

// handleIPCConnection processes a single IPC client connection.
func handleIPCConnection(conn net.Conn, events chan<- Event, logger *slog.Logger) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		logger.Debug("ipc received", slog.String("line", string(line)))

		var env EventEnvelope
		if err := json.Unmarshal(line, &env); err == nil && env.Type == "request_snapshot" {
			respondWithSnapshot(encoder, events, logger)
			continue
		}

		event, err := UnmarshalEvent(line)
		if err != nil {
			writeIPCResponse(encoder, IPCResponse{
				Status: "error",
				Error:  fmt.Sprintf("parse event: %v", err),
			}, logger)
			continue
		}

		select {
		case events <- event:
			writeIPCResponse(encoder, IPCResponse{Status: "ok"}, logger)
		default:
			writeIPCResponse(encoder, IPCResponse{
				Status: "error",
				Error:  "event queue full",
			}, logger)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Warn("ipc scanner error", slog.String("error", err.Error()))
	}
}

// snapshotReplyTimeout bounds how long an IPC client waits for the reducer
// to answer a snapshot request.
const snapshotReplyTimeout = time.Second

// respondWithSnapshot routes a snapshot request through the reducer and
// writes the resulting state back on the client's connection.
func respondWithSnapshot(enc *json.Encoder, events chan<- Event, logger *slog.Logger) {
	reply := make(chan StateSnapshot, 1)
	select {
	case events <- RequestStateSnapshot{Reply: reply, At: time.Now().UTC()}:
	default:
		writeIPCResponse(enc, IPCResponse{Status: "error", Error: "event queue full"}, logger)
		return
	}

	select {
	case snap := <-reply:
		writeIPCResponse(enc, IPCResponse{Status: "ok", Snapshot: &snap}, logger)
	case <-time.After(snapshotReplyTimeout):
		writeIPCResponse(enc, IPCResponse{Status: "error", Error: "snapshot request timed out"}, logger)
	}
}

func writeIPCResponse(enc *json.Encoder, resp IPCResponse, logger *slog.Logger) {
	if err := enc.Encode(resp); err != nil {
		logger.Warn("ipc response write failed", slog.String("error", err.Error()))
	}
}

// SendIPCEvent sends one event to a running daemon and returns its response
// status. Used by external tooling and tests.
func SendIPCEvent(socketPath string, event Event) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := MarshalEvent(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status == "error" {
		return fmt.Errorf("daemon error: %s", resp.Error)
	}
	return nil
}

// RequestIPCSnapshot asks a running daemon for its current state over the
// IPC socket.
func RequestIPCSnapshot(socketPath string) (StateSnapshot, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return StateSnapshot{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, `{"type":"request_snapshot"}`); err != nil {
		return StateSnapshot{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return StateSnapshot{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status == "error" {
		return StateSnapshot{}, fmt.Errorf("daemon error: %s", resp.Error)
	}
	if resp.Snapshot == nil {
		return StateSnapshot{}, errors.New("response carried no snapshot")
	}
	return *resp.Snapshot, nil
}
