package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"gympulse/internal/domain/connection"
	"gympulse/internal/domain/event"
)

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []event.Frame
	err       error
}

func (s *fakeSender) Send(f event.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, f)
	return nil
}

func (s *fakeSender) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSender) frames() []event.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Frame(nil), s.sent...)
}

func messageRaw(t *testing.T, topic event.Topic, typ event.Type, payload any) []byte {
	t.Helper()
	env, err := event.NewEnvelope(typ, payload, time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	f, err := event.MessageFrame(topic, env)
	if err != nil {
		t.Fatalf("MessageFrame: %v", err)
	}
	raw, err := event.EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	return raw
}

func notificationRaw(t *testing.T, msg string) []byte {
	return messageRaw(t, event.TopicNotifications, event.TypeNotification, event.NotificationPayload{Title: "t", Message: msg})
}

func TestRouter_Subscribe_RejectsUnknownTopic(t *testing.T) {
	r := NewRouter(&fakeSender{})
	_, err := r.Subscribe(event.Topic("billing"), func(event.Envelope) error { return nil })
	if !errors.Is(err, event.ErrUnknownTopic) {
		t.Fatalf("err = %v, want ErrUnknownTopic", err)
	}
}

func TestRouter_Subscribe_IssuesOncePerTopicWhenConnected(t *testing.T) {
	s := &fakeSender{connected: true}
	r := NewRouter(s)

	noop := func(event.Envelope) error { return nil }
	_, _ = r.Subscribe(event.TopicAttendance, noop)
	_, _ = r.Subscribe(event.TopicAttendance, noop)

	sent := s.frames()
	if len(sent) != 1 {
		t.Fatalf("frames = %d, want 1", len(sent))
	}
	if sent[0].Command != event.CommandSubscribe || sent[0].Destination != "/topic/attendance" {
		t.Errorf("frame = %+v, want SUBSCRIBE /topic/attendance", sent[0])
	}
}

func TestRouter_Subscribe_DeferredUntilReissue(t *testing.T) {
	s := &fakeSender{}
	r := NewRouter(s)
	noop := func(event.Envelope) error { return nil }
	_, _ = r.Subscribe(event.TopicDashboard, noop)
	_, _ = r.Subscribe(event.TopicNotifications, noop)

	if len(s.frames()) != 0 {
		t.Fatalf("frames while disconnected = %d, want 0", len(s.frames()))
	}

	s.connected = true
	r.Reissue()
	sent := s.frames()
	if len(sent) != 2 {
		t.Fatalf("frames = %d, want 2", len(sent))
	}
	if sent[0].ID != "dashboard" || sent[1].ID != "notifications" {
		t.Errorf("ids = %q,%q, want dashboard,notifications", sent[0].ID, sent[1].ID)
	}
}

func TestRouter_Unsubscribe(t *testing.T) {
	s := &fakeSender{connected: true}
	r := NewRouter(s)
	noop := func(event.Envelope) error { return nil }
	h1, _ := r.Subscribe(event.TopicAttendance, noop)
	h2, _ := r.Subscribe(event.TopicAttendance, noop)

	r.Unsubscribe(h1)
	if n := len(s.frames()); n != 1 {
		t.Fatalf("frames after first unsubscribe = %d, want 1", n)
	}
	r.Unsubscribe(h2)
	r.Unsubscribe(h2)
	r.Unsubscribe(Handle{})

	sent := s.frames()
	if len(sent) != 2 || sent[1].Command != event.CommandUnsubscribe {
		t.Fatalf("frames = %+v, want SUBSCRIBE then UNSUBSCRIBE", sent)
	}
	r.Reissue()
	if n := len(s.frames()); n != 2 {
		t.Errorf("frames after Reissue = %d, want 2 (no handlers left)", n)
	}
}

func TestRouter_Dispatch_RoutesByTopicInRegistrationOrder(t *testing.T) {
	r := NewRouter(&fakeSender{})
	var order []string
	_, _ = r.Subscribe(event.TopicNotifications, func(env event.Envelope) error {
		order = append(order, "first")
		return nil
	})
	_, _ = r.Subscribe(event.TopicNotifications, func(env event.Envelope) error {
		n, err := env.Notification()
		if err != nil {
			return err
		}
		order = append(order, "second:"+n.Message)
		return nil
	})
	_, _ = r.Subscribe(event.TopicDashboard, func(event.Envelope) error {
		order = append(order, "dashboard")
		return nil
	})

	if err := r.Dispatch(notificationRaw(t, "hello")); err != nil {
		t.Fatalf("Dispatch error = %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second:hello" {
		t.Errorf("order = %v, want [first second:hello]", order)
	}
}

func TestRouter_Dispatch_IsolatesHandlerFailures(t *testing.T) {
	r := NewRouter(&fakeSender{})
	reached := false
	_, _ = r.Subscribe(event.TopicNotifications, func(event.Envelope) error {
		return errors.New("boom")
	})
	_, _ = r.Subscribe(event.TopicNotifications, func(event.Envelope) error {
		panic("handler bug")
	})
	_, _ = r.Subscribe(event.TopicNotifications, func(event.Envelope) error {
		reached = true
		return nil
	})

	err := r.Dispatch(notificationRaw(t, "x"))
	if !errors.Is(err, connection.ErrHandler) {
		t.Fatalf("err = %v, want ErrHandler", err)
	}
	if !reached {
		t.Error("third handler was not invoked")
	}
}

func TestRouter_Dispatch_DropsMalformedFrames(t *testing.T) {
	r := NewRouter(&fakeSender{})
	called := false
	_, _ = r.Subscribe(event.TopicAttendance, func(event.Envelope) error {
		called = true
		return nil
	})

	badBody, _ := json.Marshal(event.Frame{Command: event.CommandMessage, Destination: "/topic/attendance", Body: json.RawMessage(`{"type":"NOPE"}`)})
	unknownDest, _ := json.Marshal(event.Frame{Command: event.CommandMessage, Destination: "/topic/other", Body: json.RawMessage(`{}`)})

	tests := []struct {
		name string
		raw  []byte
	}{
		{"not json", []byte("{{{")},
		{"missing command", []byte(`{"destination":"/topic/attendance"}`)},
		{"invalid envelope", badBody},
		{"unknown destination", unknownDest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Dispatch(tt.raw)
			if !errors.Is(err, connection.ErrMalformedMessage) {
				t.Errorf("err = %v, want ErrMalformedMessage", err)
			}
		})
	}
	if called {
		t.Error("handler invoked for a malformed frame")
	}
}

func TestRouter_Dispatch_IgnoresServerErrorFrames(t *testing.T) {
	r := NewRouter(&fakeSender{})
	raw, _ := event.EncodeFrame(event.Frame{Command: event.CommandError, Message: "denied"})
	if err := r.Dispatch(raw); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

// A handler registered before the connection exists receives messages once
// the connection comes up, with no further action from the subscriber.
func TestRouter_WithManager_SubscribeBeforeConnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, &fakeScheduler{}, 5)
	r := NewRouter(m)
	m.OnConnect(r.Reissue)
	m.OnFrame(func(raw []byte) { _ = r.Dispatch(raw) })

	got := make(chan string, 1)
	_, err := r.Subscribe(event.TopicNotifications, func(env event.Envelope) error {
		n, err := env.Notification()
		if err != nil {
			return err
		}
		got <- n.Message
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()

	conn := d.lastConn()
	written := conn.written()
	if len(written) != 1 || written[0].Destination != "/user/queue/notifications" {
		t.Fatalf("written = %+v, want SUBSCRIBE to notifications", written)
	}

	conn.deliver(notificationRaw(t, "welcome"))
	select {
	case msg := <-got:
		if msg != "welcome" {
			t.Errorf("message = %q, want welcome", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}
