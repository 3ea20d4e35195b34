package realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gympulse/internal/domain/connection"
	"gympulse/internal/domain/event"
)

const writeWait = 10 * time.Second

// WebSocketDialer dials the event channel over an upgraded HTTP connection,
// presenting the token as a bearer credential.
type WebSocketDialer struct {
	URL    string
	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer for url (ws:// or wss://).
func NewWebSocketDialer(url string) *WebSocketDialer {
	return &WebSocketDialer{
		URL: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial opens the connection. A 401/403 handshake response is reported as
// connection.ErrAuthentication; every other failure as connection.ErrTransport.
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	c, resp, err := d.dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", connection.ErrAuthentication, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", connection.ErrTransport, err)
	}
	return &wsConn{c: c}, nil
}

// wsConn adapts a gorilla connection; writes are serialized.
type wsConn struct {
	c   *websocket.Conn
	wmu sync.Mutex
}

// ReadFrame returns the next text or binary message.
func (w *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFrame encodes and writes a frame.
func (w *wsConn) WriteFrame(f event.Frame) error {
	data, err := event.EncodeFrame(f)
	if err != nil {
		return err
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket.
func (w *wsConn) Close() error {
	w.wmu.Lock()
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.wmu.Unlock()
	return w.c.Close()
}
