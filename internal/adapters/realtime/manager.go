package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gympulse/internal/domain/connection"
	"gympulse/internal/domain/event"
)

// Conn is one established event-channel connection.
type Conn interface {
	// ReadFrame blocks until the next raw frame arrives or the connection fails.
	ReadFrame() ([]byte, error)
	WriteFrame(f event.Frame) error
	Close() error
}

// Dialer opens connections. Implementations return errors wrapping
// connection.ErrAuthentication for rejected credentials and
// connection.ErrTransport for everything else.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Manager owns the lifecycle of one persistent event-channel connection.
//
// States: DISCONNECTED -> CONNECTING -> CONNECTED, with transport failures
// moving to RECONNECTING (retry scheduled) or FAILED once the attempt budget is
// spent. Authentication failures go straight to FAILED. Every successful
// connection runs the OnConnect hooks so subscriptions are reissued.
type Manager struct {
	dialer      Dialer
	sched       Scheduler
	policy      connection.Policy
	dialTimeout time.Duration

	mu      sync.Mutex
	state   connection.State
	attempt int
	lastErr error
	token   string
	conn    Conn
	gen     uint64 // bumped by Connect/Disconnect; stale work compares against it
	timer   Timer

	onFrame      func(raw []byte)
	connectHooks []func()

	emitMu    sync.Mutex
	listeners []func(connection.Status)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithScheduler injects the retry scheduler.
func WithScheduler(s Scheduler) ManagerOption {
	return func(m *Manager) { m.sched = s }
}

// WithPolicy sets the reconnection policy.
func WithPolicy(p connection.Policy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.dialTimeout = d }
}

// NewManager creates a disconnected Manager.
func NewManager(dialer Dialer, opts ...ManagerOption) *Manager {
	m := &Manager{
		dialer:      dialer,
		sched:       SystemScheduler{},
		policy:      connection.DefaultPolicy(),
		dialTimeout: 15 * time.Second,
		state:       connection.StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnFrame sets the handler that receives every inbound raw frame, in order,
// on the read-loop goroutine.
func (m *Manager) OnFrame(fn func(raw []byte)) {
	m.mu.Lock()
	m.onFrame = fn
	m.mu.Unlock()
}

// OnConnect registers a hook run after every successful (re)connection.
func (m *Manager) OnConnect(fn func()) {
	m.mu.Lock()
	m.connectHooks = append(m.connectHooks, fn)
	m.mu.Unlock()
}

// OnStateChange registers a listener for status changes.
func (m *Manager) OnStateChange(fn func(connection.Status)) {
	m.emitMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.emitMu.Unlock()
}

// Status returns the current connection status.
func (m *Manager) Status() connection.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// IsConnected reports whether the state is CONNECTED.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == connection.StateConnected
}

func (m *Manager) statusLocked() connection.Status {
	return connection.Status{State: m.state, ReconnectAttempt: m.attempt, LastError: m.lastErr}
}

// Connect opens the connection with the given bearer token. The first attempt
// runs synchronously: the returned error reports its outcome (a transport
// error means a retry is already scheduled). Calling Connect while CONNECTED,
// CONNECTING or RECONNECTING is a no-op.
// PRE: token is non-empty
// POST: state is CONNECTED, RECONNECTING or FAILED
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	switch m.state {
	case connection.StateConnected, connection.StateConnecting, connection.StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	m.token = token
	m.attempt = 0
	m.lastErr = nil
	m.state = connection.StateConnecting
	m.mu.Unlock()
	m.emit()

	slog.Info("realtime_event", "event", "connecting")
	return m.dial(ctx, gen)
}

// Disconnect closes the connection and cancels any pending retry.
// Safe to call in any state.
// POST: state is DISCONNECTED with a zero attempt counter
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	wasDisconnected := m.state == connection.StateDisconnected
	m.state = connection.StateDisconnected
	m.attempt = 0
	m.lastErr = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if !wasDisconnected {
		slog.Info("realtime_event", "event", "disconnected")
		m.emit()
	}
}

// Send writes a frame on the live connection.
func (m *Manager) Send(f event.Frame) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == connection.StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return connection.ErrNotConnected
	}
	if err := conn.WriteFrame(f); err != nil {
		return fmt.Errorf("%w: %v", connection.ErrTransport, err)
	}
	return nil
}

// dial performs one connection attempt for generation gen.
func (m *Manager) dial(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	conn, err := m.dialer.Dial(dctx, token)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		return m.failLocked(gen, err)
	}
	m.conn = conn
	m.attempt = 0
	m.lastErr = nil
	m.state = connection.StateConnected
	hooks := append([]func(){}, m.connectHooks...)
	m.mu.Unlock()

	slog.Info("realtime_event", "event", "connected")
	m.emit()
	for _, h := range hooks {
		if !m.current(gen, conn) {
			break
		}
		h()
	}
	go m.readLoop(gen, conn)
	return nil
}

// failLocked records a failed attempt and decides between retry and FAILED.
// PRE: m.mu is held; it is released before returning
func (m *Manager) failLocked(gen uint64, err error) error {
	if !errors.Is(err, connection.ErrAuthentication) && !errors.Is(err, connection.ErrTransport) {
		err = fmt.Errorf("%w: %v", connection.ErrTransport, err)
	}
	m.lastErr = err

	if !connection.IsRetryable(err) {
		m.state = connection.StateFailed
		m.mu.Unlock()
		slog.Error("realtime_event", "event", "auth_failed", "error", err)
		m.emit()
		return err
	}

	m.attempt++
	attempt := m.attempt
	if m.policy.Exhausted(attempt) {
		m.state = connection.StateFailed
		m.lastErr = fmt.Errorf("%w: %w", connection.ErrAttemptsExhausted, err)
		m.mu.Unlock()
		slog.Error("realtime_event", "event", "reconnect_exhausted", "attempt", attempt, "error", err)
		m.emit()
		return err
	}

	delay := m.policy.RetryDelay(attempt)
	m.state = connection.StateReconnecting
	m.timer = m.sched.AfterFunc(delay, func() { m.retry(gen) })
	m.mu.Unlock()

	slog.Warn("realtime_event", "event", "reconnect_scheduled", "attempt", attempt, "delay", delay, "error", err)
	m.emit()
	return err
}

// retry runs a scheduled reconnection attempt unless it was cancelled.
func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != connection.StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.state = connection.StateConnecting
	m.mu.Unlock()
	m.emit()

	_ = m.dial(context.Background(), gen)
}

// readLoop delivers frames until the connection fails or goes stale.
func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			m.connectionLost(gen, conn, err)
			return
		}
		m.mu.Lock()
		live := gen == m.gen && m.conn == conn
		handler := m.onFrame
		m.mu.Unlock()
		if !live {
			return
		}
		if handler != nil {
			handler(raw)
		}
	}
}

func (m *Manager) connectionLost(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.mu.Unlock()
	_ = conn.Close()

	slog.Warn("realtime_event", "event", "connection_lost", "error", err)
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	_ = m.failLocked(gen, fmt.Errorf("%w: %v", connection.ErrTransport, err))
}

func (m *Manager) current(gen uint64, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.conn == conn
}

// emit notifies listeners of the current status. Listeners are serialized so
// each observes the latest state.
func (m *Manager) emit() {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	status := m.Status()
	for _, l := range m.listeners {
		l(status)
	}
}
