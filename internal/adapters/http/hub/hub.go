// Package hub is the server side of the attendance event channel: it upgrades
// authenticated requests to WebSocket connections, tracks each connection's
// topic subscriptions and fans events out to them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gympulse/internal/adapters/http/middleware"
	"gympulse/internal/adapters/http/perf"
	"gympulse/internal/domain/event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 << 10
	sendBufferSize = 64
)

// ErrUnauthenticated is reported when a connection arrives without a principal.
var ErrUnauthenticated = errors.New("event channel requires an authenticated principal")

// MarkHandler processes one mark-attendance request sent by accountID.
type MarkHandler func(ctx context.Context, accountID string, req event.MarkRequest) error

// Option configures a Hub.
type Option func(*Hub)

// WithCollector records every broadcast in c.
func WithCollector(c *perf.Collector) Option {
	return func(h *Hub) { h.collector = c }
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// Hub owns every live connection.
// INVARIANT: a client appears in clients exactly while its write pump runs
type Hub struct {
	upgrader  websocket.Upgrader
	onMark    MarkHandler
	collector *perf.Collector

	markMu sync.Mutex // marks are applied one at a time

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// New creates a hub; onMark may be nil, in which case SEND frames are refused.
func New(onMark MarkHandler, opts ...Option) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		onMark:  onMark,
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// PRE: middleware.RequireBearer ran first and stored the principal
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, ErrUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("hub_event", "event", "upgrade_failed", "account_id", p.AccountID, "error", err)
		return
	}

	c := newClient(h, conn, p)
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	slog.Info("hub_event", "event", "client_connected", "account_id", p.AccountID, "clients", h.Count())

	go c.writePump()
	c.readPump(r.Context())

	h.unregister(c)
	slog.Info("hub_event", "event", "client_disconnected", "account_id", p.AccountID, "clients", h.Count())
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends env to every client subscribed to topic and returns how many
// clients it was queued for.
func (h *Hub) Publish(topic event.Topic, env event.Envelope) int {
	return h.broadcast(topic, env, func(*client) bool { return true })
}

// NotifyAccount sends env on the notifications topic to the connections of one
// account only.
func (h *Hub) NotifyAccount(accountID string, env event.Envelope) int {
	return h.broadcast(event.TopicNotifications, env, func(c *client) bool {
		return c.principal.AccountID == accountID
	})
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.shutdown()
	}
}

func (h *Hub) broadcast(topic event.Topic, env event.Envelope, want func(*client) bool) int {
	start := time.Now()
	f, err := event.MessageFrame(topic, env)
	if err != nil {
		slog.Error("hub_event", "event", "encode_failed", "topic", topic, "error", err)
		return 0
	}
	data, err := event.EncodeFrame(f)
	if err != nil {
		slog.Error("hub_event", "event", "encode_failed", "topic", topic, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if want(c) && c.subscribed(topic) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(data) {
			n++
		}
	}

	if h.collector != nil {
		h.collector.Record(perf.Entry{
			Kind:       perf.KindBroadcast,
			Path:       topic.Destination(),
			Fanout:     n,
			DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
			Timestamp:  start,
		})
	}
	slog.Debug("hub_event", "event", "broadcast", "topic", topic, "type", env.Type, "receivers", n)
	return n
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.shutdown()
}

func (h *Hub) handleSend(ctx context.Context, c *client, f event.Frame) {
	if f.Destination != event.MarkDestination {
		c.sendError("unknown destination " + f.Destination)
		return
	}
	if h.onMark == nil {
		c.sendError("marks are not accepted on this channel")
		return
	}
	var req event.MarkRequest
	if err := json.Unmarshal(f.Body, &req); err != nil {
		c.sendError("malformed mark request")
		return
	}

	h.markMu.Lock()
	defer h.markMu.Unlock()
	if err := h.onMark(ctx, c.principal.AccountID, req); err != nil {
		// The sender is told privately through its notifications queue.
		slog.Debug("hub_event", "event", "mark_refused", "account_id", c.principal.AccountID, "error", err)
	}
}
