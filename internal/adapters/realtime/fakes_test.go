package realtime

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"gympulse/internal/domain/event"
)

// fakeConn is an in-memory connection. Frames pushed with deliver are
// returned by ReadFrame; drop simulates a lost connection.
type fakeConn struct {
	reads chan []byte
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	writes []event.Frame
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case raw := <-c.reads:
		return raw, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteFrame(f event.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	c.writes = append(c.writes, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) deliver(raw []byte) { c.reads <- raw }

func (c *fakeConn) drop() { c.once.Do(func() { close(c.done) }) }

func (c *fakeConn) written() []event.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Frame(nil), c.writes...)
}

// fakeDialer returns queued errors in order; a nil entry (or an empty queue)
// yields a fresh connection.
type fakeDialer struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	tokens []string
	conns  []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.tokens = append(d.tokens, token)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeScheduler records scheduled callbacks; tests fire them explicitly.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	s       *fakeScheduler
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

// pending returns timers that were neither stopped nor fired.
func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fireNext runs the oldest pending timer synchronously.
func (s *fakeScheduler) fireNext(t *testing.T) time.Duration {
	t.Helper()
	p := s.pending()
	if len(p) == 0 {
		t.Fatalf("no pending timer to fire")
	}
	next := p[0]
	s.mu.Lock()
	next.fired = true
	s.mu.Unlock()
	next.fn()
	return next.delay
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
