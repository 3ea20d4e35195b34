package tracker

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"gympulse/internal/domain/visit"
)

// Kind identifies what an accepted transition did.
type Kind string

// Transition kinds. KindNone marks a rejected (idempotent) operation.
const (
	KindNone       Kind = ""
	KindCheckedIn  Kind = "checked_in"
	KindCheckedOut Kind = "checked_out"
	KindConfirmed  Kind = "confirmed" // a provisional record adopted its server id
)

// Transition describes one state change of the visit set.
type Transition struct {
	Kind   Kind
	Before visit.Record // zero for KindCheckedIn
	After  visit.Record
}

// Accepted reports whether the operation changed the visit set.
func (t Transition) Accepted() bool {
	return t.Kind != KindNone
}

// CheckIn carries input for ApplyCheckIn.
type CheckIn struct {
	VisitID     string // empty for a local optimistic check-in
	MemberID    string
	MemberName  string
	MemberEmail string
	QRCode      string
	Notes       string
	At          time.Time // defaults to now
	CreatedAt   time.Time // defaults to At
}

// CheckOut carries input for ApplyCheckOut. VisitID wins over MemberID.
type CheckOut struct {
	VisitID  string
	MemberID string
	At       time.Time // defaults to now
}

// ReconcileResult summarises a reconciliation pass.
type ReconcileResult struct {
	Added      int
	Updated    int
	Confirmed  int
	RolledBack int
	Superseded int
	Skipped    int
}

// Machine is the per-member visit lifecycle (OPEN -> CLOSED) over a visit set.
// It is not safe for concurrent use; callers serialize access.
type Machine struct {
	set   *visit.Set
	now   func() time.Time
	newID func() string

	// MatchWindow is how far apart a provisional and a server check-in may be
	// and still be treated as the same visit during reconciliation.
	MatchWindow time.Duration
	// RollbackAfter is how long an unconfirmed provisional record survives a
	// reconciliation that does not contain it.
	RollbackAfter time.Duration
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithIDGenerator injects the provisional id generator.
func WithIDGenerator(newID func() string) Option {
	return func(m *Machine) { m.newID = newID }
}

// New creates a Machine over an empty visit set.
func New(opts ...Option) *Machine {
	m := &Machine{
		set:           visit.NewSet(),
		now:           time.Now,
		newID:         func() string { return "local-" + uuid.New().String() },
		MatchWindow:   5 * time.Minute,
		RollbackAfter: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Visits returns an independent copy of the visit set.
func (m *Machine) Visits() *visit.Set {
	return m.set.Clone()
}

// Records returns copies of all visits in insertion order.
func (m *Machine) Records() []visit.Record {
	return m.set.All()
}

// OpenFor returns the member's open visit, if any.
func (m *Machine) OpenFor(memberID string) (visit.Record, bool) {
	return m.set.OpenFor(memberID)
}

// ApplyCheckIn opens a visit for the member.
// PRE: in.MemberID is non-empty
// POST: Exactly one OPEN visit exists for the member
// INVARIANT: Idempotent by (member, OPEN) and by visit id; a duplicate returns
// the existing record with KindNone
func (m *Machine) ApplyCheckIn(in CheckIn) (visit.Record, Transition, error) {
	if in.MemberID == "" {
		return visit.Record{}, Transition{}, visit.ErrEmptyMemberID
	}
	if in.VisitID != "" {
		if existing, ok := m.set.Get(in.VisitID); ok {
			return existing, Transition{}, nil
		}
	}

	if open, ok := m.set.OpenFor(in.MemberID); ok {
		if open.Provisional && in.VisitID != "" {
			return m.confirm(open, in)
		}
		slog.Debug("attendance_event", "event", "duplicate_check_in", "member_id", in.MemberID, "visit_id", open.ID)
		return open, Transition{}, nil
	}

	// A provisional visit the member already closed locally can still be
	// confirmed by a late server check-in.
	if in.VisitID != "" {
		if prov, ok := m.set.LatestWhere(func(r *visit.Record) bool {
			return r.Provisional && r.MemberID == in.MemberID
		}); ok {
			return m.confirm(prov, in)
		}
	}

	at := in.At
	if at.IsZero() {
		at = m.now()
	}
	created := in.CreatedAt
	if created.IsZero() {
		created = at
	}
	r := visit.Record{
		ID:          in.VisitID,
		MemberID:    in.MemberID,
		MemberName:  in.MemberName,
		MemberEmail: in.MemberEmail,
		CheckInTime: at,
		Status:      visit.StatusCheckedIn,
		Notes:       in.Notes,
		QRCode:      in.QRCode,
		CreatedAt:   created,
	}
	if r.ID == "" {
		r.ID = m.newID()
		r.Provisional = true
	}
	if err := r.Validate(); err != nil {
		return visit.Record{}, Transition{}, err
	}
	m.set.Put(r)

	slog.Info("attendance_event", "event", "member_checked_in", "member_id", r.MemberID, "visit_id", r.ID, "provisional", r.Provisional)
	return r, Transition{Kind: KindCheckedIn, After: r}, nil
}

// confirm adopts the server id and fields for a provisional record.
// Server fields win where present; local check-out state is kept.
func (m *Machine) confirm(prov visit.Record, in CheckIn) (visit.Record, Transition, error) {
	before := prov.Clone()
	if !m.set.Rekey(prov.ID, in.VisitID) {
		return prov, Transition{}, nil
	}
	r := prov
	r.ID = in.VisitID
	r.Provisional = false
	if in.MemberName != "" {
		r.MemberName = in.MemberName
	}
	if in.MemberEmail != "" {
		r.MemberEmail = in.MemberEmail
	}
	if in.QRCode != "" {
		r.QRCode = in.QRCode
	}
	if in.Notes != "" {
		r.Notes = in.Notes
	}
	if !in.At.IsZero() {
		r.CheckInTime = in.At
	}
	if !in.CreatedAt.IsZero() {
		r.CreatedAt = in.CreatedAt
	}
	if r.IsCheckedOut() {
		out := r.CheckOutTime
		r.Close(out)
	}
	m.set.Put(r)

	slog.Info("attendance_event", "event", "visit_confirmed", "member_id", r.MemberID, "provisional_id", before.ID, "visit_id", r.ID)
	return r, Transition{Kind: KindConfirmed, Before: before, After: r}, nil
}

// ApplyCheckOut closes a visit located by id, else by the member's open visit.
// PRE: in.VisitID or in.MemberID is non-empty
// POST: The visit is CLOSED with DurationMinutes = checkOut - checkIn
// INVARIANT: Closing a closed or unknown visit is a no-op (KindNone)
func (m *Machine) ApplyCheckOut(in CheckOut) (visit.Record, Transition, error) {
	r, ok := visit.Record{}, false
	if in.VisitID != "" {
		r, ok = m.set.Get(in.VisitID)
	}
	if !ok && in.MemberID != "" {
		r, ok = m.set.OpenFor(in.MemberID)
		// The server id is authoritative for an open provisional visit.
		if ok && r.Provisional && in.VisitID != "" && m.set.Rekey(r.ID, in.VisitID) {
			r.ID = in.VisitID
			r.Provisional = false
		}
	}
	if !ok {
		slog.Debug("attendance_event", "event", "check_out_unknown_visit", "visit_id", in.VisitID, "member_id", in.MemberID)
		return visit.Record{}, Transition{}, nil
	}
	if !r.IsOpen() {
		return r, Transition{}, nil
	}

	before := r.Clone()
	at := in.At
	if at.IsZero() {
		at = m.now()
	}
	r.Close(at)
	m.set.Put(r)

	slog.Info("attendance_event", "event", "member_checked_out", "member_id", r.MemberID, "visit_id", r.ID, "duration_minutes", *r.DurationMinutes)
	return r, Transition{Kind: KindCheckedOut, Before: before, After: r}, nil
}

// Revert undoes a local transition whose outbound request never left.
// Returns false when the visit changed since the transition was applied.
func (m *Machine) Revert(t Transition) bool {
	switch t.Kind {
	case KindCheckedIn:
		cur, ok := m.set.Get(t.After.ID)
		if !ok || !cur.Provisional || !cur.IsOpen() {
			return false
		}
		m.set.Remove(cur.ID)
	case KindCheckedOut:
		cur, ok := m.set.Get(t.After.ID)
		if !ok || cur.IsOpen() {
			return false
		}
		if _, open := m.set.OpenFor(cur.MemberID); open {
			return false
		}
		m.set.Put(t.Before)
	default:
		return false
	}
	slog.Info("attendance_event", "event", "local_mark_reverted", "kind", string(t.Kind), "visit_id", t.After.ID)
	return true
}

// RollbackProvisional removes an unconfirmed provisional visit, whatever its
// status. Confirmed visits are never removed.
func (m *Machine) RollbackProvisional(id string) (visit.Record, bool) {
	r, ok := m.set.Get(id)
	if !ok || !r.Provisional {
		return visit.Record{}, false
	}
	m.set.Remove(id)
	slog.Info("attendance_event", "event", "provisional_rolled_back", "visit_id", id, "member_id", r.MemberID)
	return r, true
}

// Reconcile merges server truth into the visit set.
// Server records replace local ones field for field; provisional records are
// matched to server records by member and check-in proximity; unmatched
// provisional records older than RollbackAfter are dropped. Known visits the
// server did not return are kept unless they contradict a server open visit.
// PRE: server records come from a successful fetch
// POST: At most one OPEN visit per member; callers must rebuild derived stats
func (m *Machine) Reconcile(server []visit.Record) ReconcileResult {
	var res ReconcileResult
	now := m.now()

	serverByID := make(map[string]visit.Record, len(server))
	serverOrder := make([]string, 0, len(server))
	for _, s := range server {
		s = s.Clone()
		s.Normalize()
		s.Provisional = false
		if err := s.Validate(); err != nil {
			res.Skipped++
			slog.Warn("reconcile_skipped_record", "visit_id", s.ID, "error", err)
			continue
		}
		if _, dup := serverByID[s.ID]; !dup {
			serverOrder = append(serverOrder, s.ID)
		}
		serverByID[s.ID] = s
	}

	used := make(map[string]bool, len(serverByID))
	var merged []visit.Record
	fromServer := make(map[string]bool)

	for _, local := range m.set.All() {
		if s, ok := serverByID[local.ID]; ok {
			if !used[s.ID] {
				used[s.ID] = true
				merged = append(merged, s)
				fromServer[s.ID] = true
				res.Updated++
			}
			continue
		}
		if !local.Provisional {
			merged = append(merged, local)
			continue
		}
		if s, ok := m.matchProvisional(local, serverOrder, serverByID, used); ok {
			used[s.ID] = true
			merged = append(merged, s)
			fromServer[s.ID] = true
			res.Confirmed++
			continue
		}
		if now.Sub(local.CreatedAt) > m.RollbackAfter {
			res.RolledBack++
			slog.Info("attendance_event", "event", "provisional_rolled_back", "visit_id", local.ID, "member_id", local.MemberID)
			continue
		}
		merged = append(merged, local)
	}
	for _, id := range serverOrder {
		if !used[id] {
			merged = append(merged, serverByID[id])
			fromServer[id] = true
			res.Added++
		}
	}

	keep := openWinners(merged, fromServer)
	next := visit.NewSet()
	for _, r := range merged {
		if r.IsOpen() && keep[r.MemberID] != r.ID {
			res.Superseded++
			continue
		}
		next.Put(r)
	}
	m.set = next

	slog.Info("reconcile_complete", "added", res.Added, "updated", res.Updated, "confirmed", res.Confirmed,
		"rolled_back", res.RolledBack, "superseded", res.Superseded, "skipped", res.Skipped)
	return res
}

// matchProvisional finds an unused server visit for the same member whose
// check-in lies within MatchWindow of the provisional one.
func (m *Machine) matchProvisional(local visit.Record, order []string, byID map[string]visit.Record, used map[string]bool) (visit.Record, bool) {
	var best visit.Record
	found := false
	bestGap := time.Duration(0)
	for _, id := range order {
		s := byID[id]
		if used[id] || s.MemberID != local.MemberID {
			continue
		}
		if _, known := m.set.Get(id); known {
			continue
		}
		gap := s.CheckInTime.Sub(local.CheckInTime)
		if gap < 0 {
			gap = -gap
		}
		if gap > m.MatchWindow {
			continue
		}
		if !found || gap < bestGap {
			best, bestGap, found = s, gap, true
		}
	}
	return best, found
}

// openWinners picks, per member, the single open visit to keep: server
// records beat local ones, later check-ins beat earlier ones.
func openWinners(records []visit.Record, fromServer map[string]bool) map[string]string {
	type candidate struct {
		rec    visit.Record
		server bool
	}
	byMember := make(map[string][]candidate)
	for _, r := range records {
		if r.IsOpen() {
			byMember[r.MemberID] = append(byMember[r.MemberID], candidate{r, fromServer[r.ID]})
		}
	}
	keep := make(map[string]string, len(byMember))
	for member, cands := range byMember {
		sort.SliceStable(cands, func(i, j int) bool {
			if cands[i].server != cands[j].server {
				return cands[i].server
			}
			return cands[i].rec.CheckInTime.After(cands[j].rec.CheckInTime)
		})
		keep[member] = cands[0].rec.ID
	}
	return keep
}
