package orchestrators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"gympulse/internal/domain/event"
	"gympulse/internal/domain/member"
	"gympulse/internal/domain/visit"
)

var validate = validator.New()

// MarkMemberStore defines the member store interface needed by RecordMark.
type MarkMemberStore interface {
	GetByID(ctx context.Context, id string) (member.Member, error)
}

// MarkVisitStore defines the visit store interface needed by RecordMark.
type MarkVisitStore interface {
	Save(ctx context.Context, r visit.Record) error
	OpenForMember(ctx context.Context, memberID string) (visit.Record, bool, error)
}

// Publisher fans events out to connected dashboards.
type Publisher interface {
	// Publish delivers env to every subscriber of topic and returns how many received it.
	Publish(topic event.Topic, env event.Envelope) int
	// NotifyAccount delivers env to the private notification queue of one account.
	NotifyAccount(accountID string, env event.Envelope) int
}

// StatsFunc computes the current dashboard statistics.
type StatsFunc func(ctx context.Context, now time.Time) (event.StatsPayload, error)

// RecordMarkInput carries one mark-attendance request from a dashboard.
type RecordMarkInput struct {
	AccountID string // sender, for private rejections
	Request   event.MarkRequest
}

// RecordMarkResult describes the transition the mark caused.
type RecordMarkResult struct {
	Type  event.Type // CHECK_IN or CHECK_OUT
	Visit visit.Record
}

// RecordMarkDeps holds dependencies for RecordMark.
type RecordMarkDeps struct {
	MemberStore MarkMemberStore
	VisitStore  MarkVisitStore
	Publisher   Publisher        // optional: nil skips broadcasting
	Stats       StatsFunc        // optional: nil skips STATS_UPDATE
	Now         func() time.Time // defaults to time.Now
	NewID       func() string    // defaults to uuid.NewString
}

var (
	ErrInvalidMark    = errors.New("invalid mark request")
	ErrUnknownMember  = errors.New("member not found")
	ErrMemberArchived = errors.New("archived members cannot check in")
	ErrQRMismatch     = errors.New("QR code does not belong to this member")
)

// ExecuteRecordMark toggles the member's visit: a check-in when none is open,
// otherwise a check-out of the open one. The new state is persisted, then the
// visit event and refreshed stats are broadcast.
// PRE: Request names a member and the QR code presented
// POST: On success exactly one visit was created or closed and broadcast;
// on rejection nothing is persisted and the sender gets a private NOTIFICATION
// INVARIANT: A member has at most one open visit (callers serialize marks)
func ExecuteRecordMark(ctx context.Context, input RecordMarkInput, deps RecordMarkDeps) (RecordMarkResult, error) {
	now := time.Now
	if deps.Now != nil {
		now = deps.Now
	}
	newID := uuid.NewString
	if deps.NewID != nil {
		newID = deps.NewID
	}

	res, err := applyMark(ctx, input.Request, deps, now(), newID)
	if err != nil {
		rejectMark(input, deps, err, now())
		return RecordMarkResult{}, err
	}

	slog.Info("attendance_event", "event", "mark_recorded", "type", res.Type,
		"visit_id", res.Visit.ID, "member_id", res.Visit.MemberID, "account_id", input.AccountID)

	if deps.Publisher != nil {
		publishMark(ctx, res, deps, now())
	}
	return res, nil
}

func applyMark(ctx context.Context, req event.MarkRequest, deps RecordMarkDeps, at time.Time, newID func() string) (RecordMarkResult, error) {
	if err := validate.Struct(req); err != nil {
		return RecordMarkResult{}, fmt.Errorf("%w: %v", ErrInvalidMark, err)
	}

	m, err := deps.MemberStore.GetByID(ctx, req.MemberID)
	if err != nil {
		return RecordMarkResult{}, fmt.Errorf("%w: %s", ErrUnknownMember, req.MemberID)
	}
	if m.IsArchived() {
		return RecordMarkResult{}, ErrMemberArchived
	}
	if !m.MatchesQR(req.QRCode) {
		return RecordMarkResult{}, ErrQRMismatch
	}

	open, ok, err := deps.VisitStore.OpenForMember(ctx, m.ID)
	if err != nil {
		return RecordMarkResult{}, err
	}

	res := RecordMarkResult{Type: event.TypeCheckOut, Visit: open}
	if ok {
		res.Visit.Close(at)
	} else {
		res.Type = event.TypeCheckIn
		res.Visit = visit.Record{
			ID:          newID(),
			MemberID:    m.ID,
			CheckInTime: at,
			Notes:       req.Notes,
			QRCode:      req.QRCode,
			CreatedAt:   at,
		}
		res.Visit.Normalize()
	}
	res.Visit.MemberName, res.Visit.MemberEmail = m.Name, m.Email

	if err := res.Visit.Validate(); err != nil {
		return RecordMarkResult{}, err
	}
	if err := deps.VisitStore.Save(ctx, res.Visit); err != nil {
		return RecordMarkResult{}, err
	}
	return res, nil
}

func publishMark(ctx context.Context, res RecordMarkResult, deps RecordMarkDeps, at time.Time) {
	env, err := event.NewEnvelope(res.Type, event.FromRecord(res.Visit), at)
	if err != nil {
		slog.Error("attendance_event", "event", "encode_failed", "error", err)
		return
	}
	n := deps.Publisher.Publish(event.TopicAttendance, env)

	if deps.Stats == nil {
		return
	}
	stats, err := deps.Stats(ctx, at)
	if err != nil {
		slog.Warn("attendance_event", "event", "stats_failed", "error", err)
		return
	}
	statsEnv, err := event.NewEnvelope(event.TypeStatsUpdate, stats, at)
	if err != nil {
		return
	}
	deps.Publisher.Publish(event.TopicDashboard, statsEnv)
	slog.Debug("attendance_event", "event", "mark_broadcast", "visit_id", res.Visit.ID, "receivers", n)
}

func rejectMark(input RecordMarkInput, deps RecordMarkDeps, cause error, at time.Time) {
	slog.Info("attendance_event", "event", "mark_rejected", "member_id", input.Request.MemberID,
		"account_id", input.AccountID, "reason", cause.Error())
	if deps.Publisher == nil || input.AccountID == "" {
		return
	}
	level := "warning"
	if !errors.Is(cause, ErrInvalidMark) && !errors.Is(cause, ErrUnknownMember) &&
		!errors.Is(cause, ErrMemberArchived) && !errors.Is(cause, ErrQRMismatch) {
		level = "error"
	}
	env, err := event.NewEnvelope(event.TypeNotification, event.NotificationPayload{
		Title:   "Attendance not recorded",
		Message: cause.Error(),
		Level:   level,
	}, at)
	if err != nil {
		return
	}
	deps.Publisher.NotifyAccount(input.AccountID, env)
}
