package orchestrators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gympulse/internal/adapters/realtime"
	"gympulse/internal/application/tracker"
	"gympulse/internal/application/viewsync"
	"gympulse/internal/domain/connection"
	"gympulse/internal/domain/event"
	"gympulse/internal/domain/visit"
)

// DefaultMarkTimeout bounds how long a local mark waits for its echo.
const DefaultMarkTimeout = 10 * time.Second

// ErrSessionStarted is returned by a second Start.
var ErrSessionStarted = errors.New("session already started")

// EventChannel is the connection surface the session drives.
type EventChannel interface {
	Connect(ctx context.Context, token string) error
	Disconnect()
	Send(f event.Frame) error
	IsConnected() bool
	OnFrame(fn func(raw []byte))
	OnConnect(fn func())
	OnStateChange(fn func(connection.Status))
}

// TopicRouter routes inbound frames to typed handlers.
type TopicRouter interface {
	Subscribe(topic event.Topic, handler realtime.Handler) (realtime.Handle, error)
	Unsubscribe(h realtime.Handle)
	Dispatch(raw []byte) error
	Reissue()
}

// HistorySource fetches authoritative state for reconciliation.
type HistorySource interface {
	History(ctx context.Context) ([]visit.Record, error)
	Stats(ctx context.Context) (event.StatsPayload, error)
}

// SessionDeps holds dependencies for a dashboard session.
type SessionDeps struct {
	Channel     EventChannel
	Router      TopicRouter
	History     HistorySource
	Store       *viewsync.Store
	Scheduler   realtime.Scheduler // optional: defaults to realtime.SystemScheduler
	MarkTimeout time.Duration      // optional: defaults to DefaultMarkTimeout
	Now         func() time.Time   // injectable for testing
}

type pendingMark struct {
	id       string
	memberID string
	visitID  string
	kind     tracker.Kind
	tr       tracker.Transition
	timer    realtime.Timer
	timedOut bool
}

// Session wires the event channel, router, reconciliation source and view
// store into one owner dashboard session.
type Session struct {
	deps SessionDeps

	mu      sync.Mutex
	started bool
	handles []realtime.Handle
	pending []*pendingMark // oldest first
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSession creates an unstarted session.
// PRE: Channel, Router, History and Store are non-nil
func NewSession(deps SessionDeps) *Session {
	if deps.Scheduler == nil {
		deps.Scheduler = realtime.SystemScheduler{}
	}
	if deps.MarkTimeout <= 0 {
		deps.MarkTimeout = DefaultMarkTimeout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Session{deps: deps}
}

// Start subscribes the attendance, dashboard and notification topics, hooks
// reconciliation to every (re)connection and opens the channel.
// PRE: token is the owner's bearer token
// POST: handlers are registered even if the first connection attempt fails
func (s *Session) Start(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrSessionStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	d := s.deps
	d.Channel.OnStateChange(d.Store.SetConnection)
	d.Channel.OnFrame(func(raw []byte) { _ = d.Router.Dispatch(raw) })
	d.Channel.OnConnect(d.Router.Reissue)
	d.Channel.OnConnect(s.reconcileInBackground)

	subs := []struct {
		topic   event.Topic
		handler realtime.Handler
	}{
		{event.TopicAttendance, s.handleAttendance},
		{event.TopicDashboard, s.handleDashboard},
		{event.TopicNotifications, s.handleNotification},
	}
	for _, sub := range subs {
		h, err := d.Router.Subscribe(sub.topic, sub.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.topic, err)
		}
		s.mu.Lock()
		s.handles = append(s.handles, h)
		s.mu.Unlock()
	}

	slog.Info("session_event", "event", "session_started")
	return d.Channel.Connect(ctx, token)
}

// Stop disconnects, drops subscriptions, cancels pending mark timers and
// waits for in-flight reconciliation.
func (s *Session) Stop() {
	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	pending := s.pending
	s.pending = nil
	cancel := s.cancel
	s.mu.Unlock()

	s.deps.Channel.Disconnect()
	for _, h := range handles {
		s.deps.Router.Unsubscribe(h)
	}
	for _, p := range pending {
		p.timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	slog.Info("session_event", "event", "session_stopped")
}

// Snapshot returns the current view.
func (s *Session) Snapshot() *viewsync.Snapshot {
	return s.deps.Store.Snapshot()
}

// Refresh re-fetches history and stats and reconciles. On failure the
// current state is kept.
// POST: error wraps connection.ErrReconciliation or connection.ErrAuthentication
func (s *Session) Refresh(ctx context.Context) error {
	hist, err := s.deps.History.History(ctx)
	if err != nil {
		slog.Warn("reconcile_failed", "stage", "history", "error", err)
		return err
	}
	res := s.deps.Store.Reconcile(hist)
	s.forgetTimedOut()

	stats, err := s.deps.History.Stats(ctx)
	if err != nil {
		slog.Warn("reconcile_failed", "stage", "stats", "error", err)
		return err
	}
	s.deps.Store.SetServerStats(stats)

	slog.Info("session_event", "event", "reconciled", "added", res.Added, "updated", res.Updated,
		"confirmed", res.Confirmed, "rolled_back", res.RolledBack)
	return nil
}

func (s *Session) reconcileInBackground() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Refresh(ctx)
	}()
}

// MarkAttendanceInput carries input for MarkAttendance.
type MarkAttendanceInput struct {
	MemberID   string
	MemberName string
	QRCode     string
	Notes      string
}

// MarkAttendanceResult reports the optimistic transition.
type MarkAttendanceResult struct {
	MarkID string
	Kind   tracker.Kind
	Visit  visit.Record
}

// MarkAttendance toggles the member's visit locally and sends the mark.
// A send failure reverts the local transition. Without a confirming event
// within the mark timeout the local transition is undone and the mark is
// surfaced in Snapshot().Failures.
// PRE: the channel is connected
// POST: exactly one local transition is applied, or none on error
func (s *Session) MarkAttendance(ctx context.Context, input MarkAttendanceInput) (MarkAttendanceResult, error) {
	if err := ctx.Err(); err != nil {
		return MarkAttendanceResult{}, err
	}
	frame, err := event.SendFrame(event.MarkRequest{MemberID: input.MemberID, QRCode: input.QRCode, Notes: input.Notes})
	if err != nil {
		return MarkAttendanceResult{}, err
	}
	if !s.deps.Channel.IsConnected() {
		return MarkAttendanceResult{}, connection.ErrNotConnected
	}

	rec, tr, err := s.deps.Store.Toggle(tracker.CheckIn{
		MemberID:   input.MemberID,
		MemberName: input.MemberName,
		QRCode:     input.QRCode,
		Notes:      input.Notes,
		At:         s.deps.Now(),
	})
	if err != nil {
		return MarkAttendanceResult{}, err
	}

	// Registered before sending: the echo may be dispatched before Send returns.
	p := &pendingMark{id: uuid.New().String(), memberID: input.MemberID, visitID: rec.ID, kind: tr.Kind, tr: tr}
	s.mu.Lock()
	p.timer = s.deps.Scheduler.AfterFunc(s.deps.MarkTimeout, func() { s.expire(p.id) })
	s.pending = append(s.pending, p)
	s.mu.Unlock()

	if err := s.deps.Channel.Send(frame); err != nil {
		s.drop(p.id)
		s.deps.Store.Revert(tr)
		slog.Warn("attendance_event", "event", "mark_send_failed", "member_id", input.MemberID, "error", err)
		return MarkAttendanceResult{}, err
	}

	slog.Info("attendance_event", "event", "mark_sent", "mark_id", p.id, "member_id", input.MemberID, "kind", string(tr.Kind))
	return MarkAttendanceResult{MarkID: p.id, Kind: tr.Kind, Visit: rec}, nil
}

// PendingMarks returns the number of marks still awaiting confirmation.
func (s *Session) PendingMarks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Session) expire(markID string) {
	s.mu.Lock()
	var p *pendingMark
	for _, c := range s.pending {
		if c.id == markID {
			p = c
			break
		}
	}
	if p == nil || p.timedOut {
		s.mu.Unlock()
		return
	}
	p.timedOut = true
	s.mu.Unlock()

	slog.Warn("attendance_event", "event", "mark_unconfirmed", "mark_id", markID, "member_id", p.memberID)
	s.undo(p)
	s.deps.Store.ReportFailure(viewsync.MarkFailure{
		MarkID:   p.id,
		MemberID: p.memberID,
		VisitID:  p.visitID,
		Reason:   fmt.Sprintf("no confirmation within %s", s.deps.MarkTimeout),
		At:       s.deps.Now(),
	})
}

// undo takes back the optimistic transition of an unconfirmed mark. A late
// echo re-applies it from the server record.
func (s *Session) undo(p *pendingMark) {
	var undone bool
	switch p.kind {
	case tracker.KindCheckedIn:
		undone = s.deps.Store.RollbackProvisional(p.visitID)
	case tracker.KindCheckedOut:
		undone = s.deps.Store.Revert(p.tr)
	}
	if undone {
		slog.Info("attendance_event", "event", "mark_rolled_back", "mark_id", p.id, "member_id", p.memberID, "kind", string(p.kind))
	}
}

// drop forgets a pending mark and stops its timer.
func (s *Session) drop(markID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.pending {
		if c.id == markID {
			c.timer.Stop()
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			return
		}
	}
}

// settle resolves the oldest pending mark of kind for member.
func (s *Session) settle(memberID string, kind tracker.Kind) {
	s.mu.Lock()
	var p *pendingMark
	for i, c := range s.pending {
		if c.memberID == memberID && c.kind == kind {
			p = c
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if p == nil {
		return
	}
	p.timer.Stop()
	if p.timedOut {
		s.deps.Store.DismissFailure(p.id)
	}
	slog.Debug("attendance_event", "event", "mark_confirmed", "mark_id", p.id, "member_id", memberID)
}

// forgetTimedOut drops expired marks once reconciliation has settled the
// truth; their failures stay visible until dismissed.
func (s *Session) forgetTimedOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pending[:0]
	for _, p := range s.pending {
		if !p.timedOut {
			kept = append(kept, p)
		}
	}
	s.pending = kept
}

func (s *Session) handleAttendance(env event.Envelope) error {
	switch env.Type {
	case event.TypeCheckIn:
		rec, err := env.Visit()
		if err != nil {
			return err
		}
		if _, _, err := s.deps.Store.CheckIn(tracker.CheckIn{
			VisitID:     rec.ID,
			MemberID:    rec.MemberID,
			MemberName:  rec.MemberName,
			MemberEmail: rec.MemberEmail,
			QRCode:      rec.QRCode,
			Notes:       rec.Notes,
			At:          rec.CheckInTime,
			CreatedAt:   rec.CreatedAt,
		}); err != nil {
			return err
		}
		s.settle(rec.MemberID, tracker.KindCheckedIn)
	case event.TypeCheckOut:
		rec, err := env.Visit()
		if err != nil {
			return err
		}
		at := rec.CheckOutTime
		if at.IsZero() {
			at = s.deps.Now()
		}
		if _, _, err := s.deps.Store.CheckOut(tracker.CheckOut{VisitID: rec.ID, MemberID: rec.MemberID, At: at}); err != nil {
			return err
		}
		s.settle(rec.MemberID, tracker.KindCheckedOut)
	default:
		slog.Debug("attendance_event", "event", "ignored_envelope", "type", string(env.Type))
	}
	return nil
}

func (s *Session) handleDashboard(env event.Envelope) error {
	if env.Type != event.TypeStatsUpdate {
		return nil
	}
	p, err := env.Stats()
	if err != nil {
		return err
	}
	s.deps.Store.SetServerStats(p)
	return nil
}

func (s *Session) handleNotification(env event.Envelope) error {
	if env.Type != event.TypeNotification {
		return nil
	}
	n, err := env.Notification()
	if err != nil {
		return err
	}
	s.deps.Store.Notify(viewsync.Notification{Title: n.Title, Message: n.Message, Level: n.Level})
	return nil
}
