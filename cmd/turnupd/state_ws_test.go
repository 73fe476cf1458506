package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

// The hub tests focus on fanout + slow-client disconnection without standing
// up a real websocket server: Clients are constructed with a nil conn and the
// exercised paths never write to it.

func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(slog.Default(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func newTestClient(hub *Hub, addr string, sendBuf int) *Client {
	return &Client{
		hub:        hub,
		conn:       nil,
		send:       make(chan []byte, sendBuf),
		remoteAddr: addr,
		logger:     slog.Default(),
	}
}

func registerAndWait(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, "client not registered in time")
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 4, 8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	c1 := newTestClient(hub, "c1", 4)
	c2 := newTestClient(hub, "c2", 4)
	registerAndWait(t, hub, c1)
	registerAndWait(t, hub, c2)

	msg := []byte(`{"type":"knob_changed","data":{"knob":0,"percent":44}}`)

	// Send directly so delivery into the hub's select loop is deterministic;
	// BroadcastBytes is intentionally lossy under pressure.
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			if string(got) != string(msg) {
				t.Fatalf("%s got %q, want %q", c.remoteAddr, got, msg)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for hub to stop")
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 1, 8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	slow := newTestClient(hub, "slow", 1)
	fast := newTestClient(hub, "fast", 8)
	registerAndWait(t, hub, slow)
	registerAndWait(t, hub, fast)

	// Pre-fill the slow client's buffer to simulate it being stuck.
	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"mute_changed","data":{"kind":"sink","muted":true}}`)
	hub.broadcast <- msg

	select {
	case got := <-fast.send:
		if string(got) != string(msg) {
			t.Fatalf("fast client got %q, want %q", got, msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client")
	}

	// The slow client gets evicted and its send channel closed. Drain the
	// pre-filled message first.
	select {
	case <-slow.send:
	default:
	}
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")
}

func TestConvertBroadcast(t *testing.T) {
	t0 := time.Unix(1000, 0).UTC()

	cases := []struct {
		in       StateBroadcast
		wantType string
	}{
		{BroadcastKnobChanged{Knob: 1, Percent: 44, Norm: 0.29, At: t0}, "knob_changed"},
		{BroadcastButtonChanged{Button: 0, Pressed: true, At: t0}, "button_changed"},
		{BroadcastVolumeApplied{Kind: "sink", Target: "default", Percent: 44, At: t0}, "volume_applied"},
		{BroadcastMuteChanged{Kind: "source", Target: "default", Muted: true, At: t0}, "mute_changed"},
		{BroadcastLinkChanged{Connected: true, Alive: false, At: t0}, "link_changed"},
		{BroadcastConfigReloaded{At: t0}, "config_reloaded"},
	}
	for _, c := range cases {
		ev, ok := convertBroadcast(c.in)
		if !ok {
			t.Fatalf("%T: expected conversion", c.in)
		}
		if ev.Type != c.wantType {
			t.Fatalf("%T: got type %q, want %q", c.in, ev.Type, c.wantType)
		}
		if !ev.At.Equal(t0) {
			t.Fatalf("%T: timestamp not carried", c.in)
		}
		if _, err := json.Marshal(envelope{Type: ev.Type, Ts: &ev.At, Data: ev.Data}); err != nil {
			t.Fatalf("%T: envelope must marshal: %v", c.in, err)
		}
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
