package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// The browser editor subscribes here for live knob/button/link state. Design
// constraints:
//   - DaemonState stays daemon-owned; the initial snapshot on connect goes
//     through the reducer/event loop, never a shared pointer.
//   - Broadcasts originate from reducer-emitted ReduceResult.Broadcasts.
//   - Slow clients are disconnected when their send buffer fills.
//
// Wire format: JSON text frames with an envelope {type, ts, data}. The first
// message on connect is "state_init" with a full StateSnapshot.
// ============================================================================

// wsKnobChangedData is the JSON `data` payload for "knob_changed".
type wsKnobChangedData struct {
	Knob    int     `json:"knob"`
	Percent float64 `json:"percent"`
	Norm    float64 `json:"norm"`
}

// wsButtonChangedData is the JSON `data` payload for "button_changed".
type wsButtonChangedData struct {
	Button  int  `json:"button"`
	Pressed bool `json:"pressed"`
}

// wsVolumeAppliedData is the JSON `data` payload for "volume_applied".
type wsVolumeAppliedData struct {
	Kind    string  `json:"kind"`
	Target  string  `json:"target"`
	Percent float64 `json:"percent"`
}

// wsMuteChangedData is the JSON `data` payload for "mute_changed".
type wsMuteChangedData struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Muted  bool   `json:"muted"`
}

// wsLinkChangedData is the JSON `data` payload for "link_changed".
type wsLinkChangedData struct {
	Connected bool `json:"connected"`
	Alive     bool `json:"alive"`
}

// wsOutboundEvent is a pre-typed, externally-consumable state event.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string      `json:"type"`
	Ts   *time.Time  `json:"ts,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Avoid mutating the clients map while ranging over it.
			// Collect slow clients first, then remove them after we unlock.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit.
		// Guard against double-close by recovering (best-effort).
		safeCloseChan(c.send)

		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // ignore "close of closed channel"
	}()
	close(ch)
}

// BroadcastBytes enqueues a pre-serialized JSON WS frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

const (
	writeWait = 5 * time.Second

	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsKnobCoalesceWindow is the maximum time window during which bursty knob
// updates are coalesced (latest-wins per knob) before broadcasting.
const wsKnobCoalesceWindow = 50 * time.Millisecond

// closeStatus extracts a human-readable websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					if code, text, ok := closeStatus(err); ok {
						c.logger.Info("ws writePump exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
					} else {
						c.logger.Info("ws writePump exiting (write error)", "remote_addr", c.remoteAddr, "error", err)
					}
				}
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					if code, text, ok := closeStatus(err); ok {
						c.logger.Info("ws writePump exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
					} else {
						c.logger.Info("ws writePump exiting (ping error)", "remote_addr", c.remoteAddr, "error", err)
					}
				}
				return
			}
		}
	}
}

// readPump reads and discards incoming messages to detect disconnects and
// handle control frames. It exits on read error, then unregisters the client.
func (c *Client) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			// Continue to read.
		}

		_, _, err := c.conn.ReadMessage()
		if err != nil {
			// Normal close is expected on client disconnect.
			if !errors.Is(err, websocket.ErrCloseSent) {
				if code, text, ok := closeStatus(err); ok {
					c.logger.Info("ws readPump exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
				} else {
					c.logger.Info("ws readPump exiting (read error)", "remote_addr", c.remoteAddr, "error", err)
				}
			}

			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP Handler + server wiring helpers
// ============================================================================

type WSServer struct {
	logger *slog.Logger

	hub *Hub

	// Required for initial snapshot request on connect (through reducer/event loop).
	events chan<- Event
}

// NewWSServer constructs the WS state server components. Call Register on a
// mux, start hub.Run(ctx), and start the broadcaster loop.
func NewWSServer(logger *slog.Logger, events chan<- Event, cfg HubConfig) *WSServer {
	return &WSServer{
		logger: logger,
		hub:    NewHub(logger, cfg),
		events: events,
	}
}

func (s *WSServer) Hub() *Hub { return s.hub }

// Register registers the WS handler on the provided mux.
func (s *WSServer) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	// The UI server binds to loopback by default; stricter origin checks
	// belong at the reverse proxy if the listen address is opened up.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS upgrades and registers a client, then sends state_init.
func (s *WSServer) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// Register client first so broadcasts can reach it.
	s.hub.register <- client

	// Start pumps.
	//
	// Do not tie the pumps to the HTTP request context (r.Context()).
	// net/http cancels the request context when the handler returns, which
	// would prematurely stop the pumps and cause abnormal WS closures
	// (e.g. code 1006). The connection lifetime is instead managed by the hub
	// (close/unregister) and by the websocket read/write errors.
	go client.writePump(context.Background())
	go client.readPump(context.Background())

	// Request snapshot for the initial state_init message (through the
	// reducer/event loop). Use the HTTP request context here so it cancels if
	// the client disconnects during the snapshot round-trip.
	if s.events != nil {
		reply := make(chan StateSnapshot, 1)

		select {
		case <-r.Context().Done():
			return
		case s.events <- RequestStateSnapshot{Reply: reply, At: time.Now().UTC()}:
		}

		waitCtx := r.Context()
		if _, has := r.Context().Deadline(); !has {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
		}

		select {
		case <-waitCtx.Done():
			if !errors.Is(waitCtx.Err(), context.Canceled) {
				s.logger.Warn("ws snapshot request failed", "error", waitCtx.Err())
			}
			return

		case snap := <-reply:
			now := time.Now().UTC()
			initMsg, mErr := json.Marshal(envelope{
				Type: "state_init",
				Ts:   &now,
				Data: snap,
			})
			if mErr == nil {
				// Enqueue init message; if client is already slow, disconnect.
				select {
				case client.send <- initMsg:
				default:
					s.hub.unregister <- client
					return
				}
			}
		}
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster reads reducer-emitted StateBroadcast events, marshals them,
// and broadcasts them to all hub clients. Intended to run as a single
// goroutine.
//
// Bursty knob updates are rate-limited: the latest pending knob_changed per
// knob is flushed at most once every wsKnobCoalesceWindow, even if updates
// keep arriving. Everything else is emitted immediately.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	pendingKnobs := make(map[int]wsOutboundEvent)
	var knobTimer *time.Timer
	var knobTimerCh <-chan time.Time

	emit := func(ev wsOutboundEvent) {
		ts := ev.At
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		msg, err := json.Marshal(envelope{
			Type: ev.Type,
			Ts:   &ts,
			Data: ev.Data,
		})
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}

	flushPendingKnobs := func() {
		for k, ev := range pendingKnobs {
			emit(ev)
			delete(pendingKnobs, k)
		}
	}

	stopKnobTimer := func() {
		if knobTimer == nil {
			knobTimerCh = nil
			return
		}
		if !knobTimer.Stop() {
			select {
			case <-knobTimer.C:
			default:
			}
		}
		knobTimerCh = nil
		knobTimer = nil
	}

	startKnobTimerIfNeeded := func() {
		if knobTimer != nil {
			return
		}
		knobTimer = time.NewTimer(wsKnobCoalesceWindow)
		knobTimerCh = knobTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			flushPendingKnobs()
			stopKnobTimer()
			return

		case <-knobTimerCh:
			flushPendingKnobs()
			stopKnobTimer()

		case b, ok := <-src:
			if !ok {
				flushPendingKnobs()
				stopKnobTimer()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				// Unknown broadcasts are dropped.
				continue
			}

			// Rate-limit only knob_changed; latest-wins per knob. The timer
			// is not reset on each update, so a spinning knob still flushes
			// once per window.
			if kd, isKnob := ev.Data.(wsKnobChangedData); isKnob {
				pendingKnobs[kd.Knob] = ev
				startKnobTimerIfNeeded()
				continue
			}

			// Non-knob event: flush pending knobs first to preserve ordering,
			// then emit this event immediately.
			flushPendingKnobs()
			stopKnobTimer()
			emit(ev)
		}
	}
}

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastKnobChanged:
		return wsOutboundEvent{
			Type: "knob_changed",
			Data: wsKnobChangedData{Knob: ev.Knob, Percent: ev.Percent, Norm: ev.Norm},
			At:   ev.At,
		}, true

	case BroadcastButtonChanged:
		return wsOutboundEvent{
			Type: "button_changed",
			Data: wsButtonChangedData{Button: ev.Button, Pressed: ev.Pressed},
			At:   ev.At,
		}, true

	case BroadcastVolumeApplied:
		return wsOutboundEvent{
			Type: "volume_applied",
			Data: wsVolumeAppliedData{Kind: ev.Kind, Target: ev.Target, Percent: ev.Percent},
			At:   ev.At,
		}, true

	case BroadcastMuteChanged:
		return wsOutboundEvent{
			Type: "mute_changed",
			Data: wsMuteChangedData{Kind: ev.Kind, Target: ev.Target, Muted: ev.Muted},
			At:   ev.At,
		}, true

	case BroadcastLinkChanged:
		return wsOutboundEvent{
			Type: "link_changed",
			Data: wsLinkChangedData{Connected: ev.Connected, Alive: ev.Alive},
			At:   ev.At,
		}, true

	case BroadcastConfigReloaded:
		return wsOutboundEvent{
			Type: "config_reloaded",
			At:   ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}
