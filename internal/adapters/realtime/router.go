package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gympulse/internal/domain/connection"
	"gympulse/internal/domain/event"
)

// Handler processes one decoded envelope for a topic.
type Handler func(env event.Envelope) error

// Sender is the outbound side of the connection used for (un)subscribe frames.
type Sender interface {
	Send(f event.Frame) error
	IsConnected() bool
}

// Handle identifies a subscription for Unsubscribe.
type Handle struct {
	id    uint64
	topic event.Topic
}

type subscription struct {
	id      uint64
	handler Handler
}

// Router maps inbound frames to typed topics and dispatches to handlers.
// Handlers survive reconnects: Reissue re-subscribes every active topic.
type Router struct {
	sender Sender

	mu       sync.Mutex
	handlers map[event.Topic][]subscription
	nextID   uint64
}

// NewRouter creates a router that subscribes through sender.
func NewRouter(sender Sender) *Router {
	return &Router{
		sender:   sender,
		handlers: make(map[event.Topic][]subscription),
	}
}

// Subscribe registers handler for topic. When connected and this is the
// topic's first handler the channel subscription is issued immediately;
// otherwise it is issued by the next Reissue.
// PRE: topic is one of event.Topics
// POST: handler receives every later message on topic, in transport order
func (r *Router) Subscribe(topic event.Topic, handler Handler) (Handle, error) {
	if !topic.Valid() {
		return Handle{}, fmt.Errorf("%w: %q", event.ErrUnknownTopic, topic)
	}
	if handler == nil {
		return Handle{}, errors.New("handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := subscription{id: r.nextID, handler: handler}
	r.handlers[topic] = append(r.handlers[topic], sub)

	if len(r.handlers[topic]) == 1 && r.sender.IsConnected() {
		if err := r.sender.Send(event.SubscribeFrame(topic)); err != nil {
			// Queued: the next Reissue issues it.
			slog.Warn("realtime_subscribe_deferred", "topic", string(topic), "error", err)
		}
	}
	slog.Debug("realtime_subscribed", "topic", string(topic), "subscription_id", sub.id)
	return Handle{id: sub.id, topic: topic}, nil
}

// Unsubscribe removes a handler. Calling it again, or with a zero Handle, is
// a no-op. The last handler of a topic tears down the channel subscription.
func (r *Router) Unsubscribe(h Handle) {
	if h.id == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.handlers[h.topic]
	for i, s := range subs {
		if s.id != h.id {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(r.handlers, h.topic)
			if r.sender.IsConnected() {
				if err := r.sender.Send(event.UnsubscribeFrame(h.topic)); err != nil {
					slog.Warn("realtime_unsubscribe_failed", "topic", string(h.topic), "error", err)
				}
			}
		} else {
			r.handlers[h.topic] = subs
		}
		return
	}
}

// Reissue subscribes every topic that has at least one handler. Wired to the
// connection manager's OnConnect so subscribers never see a reconnect.
func (r *Router) Reissue() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, topic := range event.Topics {
		if len(r.handlers[topic]) == 0 {
			continue
		}
		if err := r.sender.Send(event.SubscribeFrame(topic)); err != nil {
			slog.Warn("realtime_reissue_aborted", "topic", string(topic), "error", err)
			return
		}
	}
}

// Dispatch decodes a raw frame and invokes the topic's handlers in
// registration order. Malformed frames are dropped and logged. A failing or
// panicking handler does not stop the others.
// POST: returns an error wrapping ErrMalformedMessage or ErrHandler, for accounting only
func (r *Router) Dispatch(raw []byte) error {
	f, err := event.DecodeFrame(raw)
	if err != nil {
		slog.Warn("realtime_malformed_frame", "error", err)
		return fmt.Errorf("%w: %v", connection.ErrMalformedMessage, err)
	}
	switch f.Command {
	case event.CommandMessage:
	case event.CommandError:
		slog.Warn("realtime_server_error", "message", f.Message)
		return nil
	default:
		return nil
	}

	topic, ok := event.TopicForDestination(f.Destination)
	if !ok {
		slog.Warn("realtime_unknown_destination", "destination", f.Destination)
		return fmt.Errorf("%w: unknown destination %q", connection.ErrMalformedMessage, f.Destination)
	}
	env, err := event.DecodeEnvelope(f.Body)
	if err != nil {
		slog.Warn("realtime_malformed_message", "topic", string(topic), "error", err)
		return fmt.Errorf("%w: %v", connection.ErrMalformedMessage, err)
	}

	r.mu.Lock()
	subs := append([]subscription(nil), r.handlers[topic]...)
	r.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := invokeHandler(s, env); err != nil {
			slog.Error("realtime_handler_failed", "topic", string(topic), "type", string(env.Type), "subscription_id", s.id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func invokeHandler(s subscription, env event.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", connection.ErrHandler, p)
		}
	}()
	if herr := s.handler(env); herr != nil {
		return fmt.Errorf("%w: %w", connection.ErrHandler, herr)
	}
	return nil
}
