// Package viewsync is the single source the dashboard surfaces render from.
//
// The Store owns the attendance state machine and the stats aggregator and
// serializes every mutation through one writer lock: apply, recompute, publish
// an immutable Snapshot, then notify listeners in order. Readers call Snapshot
// without locking, so a visit set and its stats are always observed together.
package viewsync

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gympulse/internal/application/projections"
	"gympulse/internal/application/tracker"
	"gympulse/internal/domain/connection"
	"gympulse/internal/domain/event"
	"gympulse/internal/domain/visit"
)

const maxFailures = 20

// MarkFailure is a local mark that did not get a confirming event in time.
type MarkFailure struct {
	MarkID   string
	MemberID string
	VisitID  string
	Reason   string
	At       time.Time
}

// Snapshot is an immutable, mutually consistent view of the store.
type Snapshot struct {
	Version       uint64
	Connection    connection.Status
	ServerStats   *event.StatsPayload // latest dashboard push, nil until received
	Notifications []Notification      // newest first
	Failures      []MarkFailure
	TakenAt       time.Time

	visits *visit.Set
	stats  projections.Stats
}

// Visits returns copies of the visits in insertion order.
func (s *Snapshot) Visits() []visit.Record {
	return s.visits.All()
}

// Visit returns one visit by id.
func (s *Snapshot) Visit(id string) (visit.Record, bool) {
	return s.visits.Get(id)
}

// OpenFor returns the member's open visit, if any.
func (s *Snapshot) OpenFor(memberID string) (visit.Record, bool) {
	return s.visits.OpenFor(memberID)
}

// VisitCount returns the number of visits.
func (s *Snapshot) VisitCount() int {
	return s.visits.Len()
}

// Stats returns a copy of the derived statistics.
func (s *Snapshot) Stats() projections.Stats {
	return s.stats.Clone()
}

// Listener is invoked after every publish. Listeners run on the writer's
// goroutine and must not call the Store's mutating methods synchronously.
type Listener func(*Snapshot)

// Store is the consumer-facing facade over the visit state.
type Store struct {
	mu      sync.Mutex // single writer
	machine *tracker.Machine
	agg     *projections.Aggregator
	now     func() time.Time
	inbox   *Inbox

	conn     connection.Status
	server   *event.StatsPayload
	failures []MarkFailure
	version  uint64

	current atomic.Pointer[Snapshot]

	lmu       sync.Mutex
	listeners []*listenerEntry
}

type listenerEntry struct {
	fn Listener
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source used for stats windows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithInboxSize sets the notification ring capacity.
func WithInboxSize(n int) Option {
	return func(s *Store) { s.inbox = NewInbox(n) }
}

// NewStore creates a Store over the given machine.
// PRE: machine is not shared with any other writer
func NewStore(machine *tracker.Machine, opts ...Option) *Store {
	s := &Store{
		machine: machine,
		agg:     projections.NewAggregator(),
		now:     time.Now,
		inbox:   NewInbox(DefaultInboxSize),
		conn:    connection.Status{State: connection.StateDisconnected},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.agg.Rebuild(machine.Records(), s.now())
	s.publishLocked()
	return s
}

// Snapshot returns the latest published snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Subscribe registers a listener and returns its unsubscribe function.
// Unsubscribing more than once is harmless.
func (s *Store) Subscribe(l Listener) func() {
	entry := &listenerEntry{fn: l}
	s.lmu.Lock()
	s.listeners = append(s.listeners, entry)
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			defer s.lmu.Unlock()
			for i, e := range s.listeners {
				if e == entry {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// CheckIn applies a check-in and publishes when it was accepted.
func (s *Store) CheckIn(in tracker.CheckIn) (visit.Record, tracker.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, tr, err := s.machine.ApplyCheckIn(in)
	if err != nil {
		return rec, tr, err
	}
	s.afterTransitionLocked(tr)
	return rec, tr, nil
}

// CheckOut applies a check-out and publishes when it was accepted.
func (s *Store) CheckOut(in tracker.CheckOut) (visit.Record, tracker.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, tr, err := s.machine.ApplyCheckOut(in)
	if err != nil {
		return rec, tr, err
	}
	s.afterTransitionLocked(tr)
	return rec, tr, nil
}

// Toggle checks the member out when a visit is open, otherwise checks them in.
// The lookup and the transition happen under one lock.
func (s *Store) Toggle(in tracker.CheckIn) (visit.Record, tracker.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		rec visit.Record
		tr  tracker.Transition
		err error
	)
	if _, open := s.machine.OpenFor(in.MemberID); open {
		rec, tr, err = s.machine.ApplyCheckOut(tracker.CheckOut{MemberID: in.MemberID, At: in.At})
	} else {
		rec, tr, err = s.machine.ApplyCheckIn(in)
	}
	if err != nil {
		return rec, tr, err
	}
	s.afterTransitionLocked(tr)
	return rec, tr, nil
}

// Revert undoes a local transition and rebuilds the stats.
func (s *Store) Revert(t tracker.Transition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.machine.Revert(t) {
		return false
	}
	s.agg.Rebuild(s.machine.Records(), s.now())
	s.publishLocked()
	return true
}

// RollbackProvisional drops an unconfirmed provisional visit.
func (s *Store) RollbackProvisional(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machine.RollbackProvisional(id); !ok {
		return false
	}
	s.agg.Rebuild(s.machine.Records(), s.now())
	s.publishLocked()
	return true
}

// Reconcile merges server truth and rebuilds the stats from scratch.
func (s *Store) Reconcile(server []visit.Record) tracker.ReconcileResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.machine.Reconcile(server)
	s.agg.Rebuild(s.machine.Records(), s.now())
	s.publishLocked()
	return res
}

// Reflow recomputes every bucket against the current time window.
// Consumers may call it periodically so "today" rolls over at midnight.
func (s *Store) Reflow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agg.Rebuild(s.machine.Records(), s.now())
	s.publishLocked()
}

// SetConnection records the connection status for indicators.
func (s *Store) SetConnection(status connection.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = status
	s.publishLocked()
}

// SetServerStats stores the latest aggregate pushed on the dashboard topic.
func (s *Store) SetServerStats(p event.StatsPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.server = &p
	s.publishLocked()
}

// Notify records a private notification.
func (s *Store) Notify(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = s.now()
	}
	s.inbox.Record(n)
	s.publishLocked()
}

// ReportFailure surfaces a failed local mark.
func (s *Store) ReportFailure(f MarkFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
	if len(s.failures) > maxFailures {
		s.failures = s.failures[len(s.failures)-maxFailures:]
	}
	s.publishLocked()
}

// DismissFailure removes a surfaced failure, e.g. when a late event confirms it.
func (s *Store) DismissFailure(markID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.failures {
		if f.MarkID == markID {
			s.failures = append(s.failures[:i:i], s.failures[i+1:]...)
			s.publishLocked()
			return true
		}
	}
	return false
}

func (s *Store) afterTransitionLocked(tr tracker.Transition) {
	if !tr.Accepted() {
		return
	}
	if !s.agg.Apply(tr, s.now()) {
		s.agg.Rebuild(s.machine.Records(), s.now())
	}
	s.publishLocked()
}

// publishLocked builds the next snapshot and notifies listeners.
// PRE: s.mu is held
func (s *Store) publishLocked() {
	s.version++
	snap := &Snapshot{
		Version:       s.version,
		Connection:    s.conn,
		Notifications: s.inbox.Recent(),
		Failures:      append([]MarkFailure(nil), s.failures...),
		TakenAt:       s.now(),
		visits:        s.machine.Visits(),
		stats:         s.agg.Stats(),
	}
	if s.server != nil {
		cp := *s.server
		snap.ServerStats = &cp
	}
	s.current.Store(snap)

	s.lmu.Lock()
	listeners := make([]*listenerEntry, len(s.listeners))
	copy(listeners, s.listeners)
	s.lmu.Unlock()

	for _, l := range listeners {
		s.invoke(l.fn, snap)
	}
}

func (s *Store) invoke(fn Listener, snap *Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("viewsync_listener_panic", "version", snap.Version, "panic", r)
		}
	}()
	fn(snap)
}
