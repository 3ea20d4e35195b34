package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gympulse/internal/adapters/http/middleware"
	"gympulse/internal/domain/event"
)

// client is one upgraded connection.
type client struct {
	hub       *Hub
	conn      *websocket.Conn
	principal middleware.Principal
	send      chan []byte

	mu     sync.Mutex
	subs   map[string]event.Topic // subscription id -> topic
	closed bool
	done   chan struct{}
}

func newClient(h *Hub, conn *websocket.Conn, p middleware.Principal) *client {
	return &client{
		hub:       h,
		conn:      conn,
		principal: p,
		send:      make(chan []byte, sendBufferSize),
		subs:      make(map[string]event.Topic),
		done:      make(chan struct{}),
	}
}

func (c *client) subscribed(topic event.Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.subs {
		if t == topic {
			return true
		}
	}
	return false
}

// enqueue queues data for the write pump. A client whose buffer is full is
// disconnected rather than allowed to stall the broadcaster.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		slog.Warn("hub_event", "event", "slow_consumer_dropped", "account_id", c.principal.AccountID)
		c.closeLocked()
		return false
	}
}

func (c *client) sendError(msg string) {
	data, err := event.EncodeFrame(event.Frame{Command: event.CommandError, Message: msg})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *client) shutdown() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

func (c *client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *client) readPump(ctx context.Context) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("hub_event", "event", "read_failed", "account_id", c.principal.AccountID, "error", err)
			}
			return
		}
		f, err := event.DecodeFrame(raw)
		if err != nil {
			c.sendError("malformed frame")
			continue
		}
		c.handle(ctx, f)
	}
}

func (c *client) handle(ctx context.Context, f event.Frame) {
	switch f.Command {
	case event.CommandSubscribe:
		topic, ok := event.TopicForDestination(f.Destination)
		if !ok {
			c.sendError("unknown destination " + f.Destination)
			return
		}
		id := f.ID
		if id == "" {
			id = f.Destination
		}
		c.mu.Lock()
		c.subs[id] = topic
		c.mu.Unlock()
	case event.CommandUnsubscribe:
		c.mu.Lock()
		if f.ID != "" {
			delete(c.subs, f.ID)
		} else {
			delete(c.subs, f.Destination)
		}
		c.mu.Unlock()
	case event.CommandSend:
		c.hub.handleSend(ctx, c, f)
	default:
		c.sendError("unsupported command " + string(f.Command))
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
