package visit

import (
	"errors"
	"time"
)

// Status is the lifecycle status of a visit.
type Status string

// Status constants as they appear on the wire.
const (
	StatusCheckedIn  Status = "CHECKED_IN"
	StatusCheckedOut Status = "CHECKED_OUT"
)

// Domain errors.
var (
	ErrEmptyMemberID        = errors.New("visit must be associated with a member")
	ErrMissingCheckIn       = errors.New("check-in time must be set")
	ErrCheckOutBeforeIn     = errors.New("check-out time cannot be before check-in time")
	ErrStatusMismatch       = errors.New("status must be CHECKED_OUT exactly when check-out time is set")
	ErrInvalidStatus        = errors.New("status must be one of: CHECKED_IN, CHECKED_OUT")
	ErrEmptyVisitID         = errors.New("visit id is required")
	ErrDurationWhileOpen    = errors.New("duration must be empty while checked in")
	ErrDurationInconsistent = errors.New("duration does not match check-in and check-out times")
)

// Record is one check-in to check-out span for a member.
type Record struct {
	ID              string
	MemberID        string
	MemberName      string
	MemberEmail     string
	CheckInTime     time.Time
	CheckOutTime    time.Time // zero while checked in
	Status          Status
	DurationMinutes *int // nil while checked in
	Notes           string
	QRCode          string
	CreatedAt       time.Time
	Provisional     bool // true until the server-assigned id is known
}

// Validate checks the record invariants.
// PRE: Record is populated
// POST: Returns nil if valid, a domain error otherwise
// INVARIANT: Status is CHECKED_OUT iff CheckOutTime is set; CheckOutTime >= CheckInTime
func (r *Record) Validate() error {
	if r.ID == "" {
		return ErrEmptyVisitID
	}
	if r.MemberID == "" {
		return ErrEmptyMemberID
	}
	if r.CheckInTime.IsZero() {
		return ErrMissingCheckIn
	}
	if r.Status != StatusCheckedIn && r.Status != StatusCheckedOut {
		return ErrInvalidStatus
	}
	if r.IsCheckedOut() != (r.Status == StatusCheckedOut) {
		return ErrStatusMismatch
	}
	if r.IsCheckedOut() && r.CheckOutTime.Before(r.CheckInTime) {
		return ErrCheckOutBeforeIn
	}
	if !r.IsCheckedOut() && r.DurationMinutes != nil {
		return ErrDurationWhileOpen
	}
	if r.IsCheckedOut() && r.DurationMinutes != nil && *r.DurationMinutes != MinutesBetween(r.CheckInTime, r.CheckOutTime) {
		return ErrDurationInconsistent
	}
	return nil
}

// IsCheckedOut returns true if the member has checked out.
func (r *Record) IsCheckedOut() bool {
	return !r.CheckOutTime.IsZero()
}

// IsOpen returns true while the visit has no check-out.
func (r *Record) IsOpen() bool {
	return r.Status == StatusCheckedIn
}

// Close sets the check-out time, status and duration.
// A check-out earlier than the check-in is clamped to the check-in time.
// PRE: r is open
// POST: r is CHECKED_OUT with DurationMinutes >= 0
func (r *Record) Close(at time.Time) {
	if at.Before(r.CheckInTime) {
		at = r.CheckInTime
	}
	r.CheckOutTime = at
	r.Status = StatusCheckedOut
	d := MinutesBetween(r.CheckInTime, at)
	r.DurationMinutes = &d
}

// Normalize fills derived fields from the times (status, duration).
// Used on records received from the server so that partial payloads still
// satisfy the invariants.
func (r *Record) Normalize() {
	if r.IsCheckedOut() {
		if r.CheckOutTime.Before(r.CheckInTime) {
			r.CheckOutTime = r.CheckInTime
		}
		r.Status = StatusCheckedOut
		d := MinutesBetween(r.CheckInTime, r.CheckOutTime)
		r.DurationMinutes = &d
		return
	}
	r.Status = StatusCheckedIn
	r.DurationMinutes = nil
}

// Clone returns a deep copy (the duration pointer is not shared).
func (r Record) Clone() Record {
	if r.DurationMinutes != nil {
		d := *r.DurationMinutes
		r.DurationMinutes = &d
	}
	return r
}

// MinutesBetween returns whole minutes from start to end, never negative.
func MinutesBetween(start, end time.Time) int {
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start) / time.Minute)
}
