package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"gympulse/internal/domain/visit"
)

// Topic is a logical event stream multiplexed over the connection.
type Topic string

// The fixed set of topics.
const (
	TopicAttendance    Topic = "attendance"
	TopicDashboard     Topic = "dashboard"
	TopicNotifications Topic = "notifications"
)

// Topics lists every known topic.
var Topics = []Topic{TopicAttendance, TopicDashboard, TopicNotifications}

// MarkDestination is where outbound mark-attendance requests are sent.
const MarkDestination = "/app/attendance/mark"

var destinations = map[Topic]string{
	TopicAttendance:    "/topic/attendance",
	TopicDashboard:     "/topic/dashboard",
	TopicNotifications: "/user/queue/notifications",
}

// Domain errors.
var (
	ErrUnknownTopic    = errors.New("unknown topic")
	ErrInvalidFrame    = errors.New("invalid frame")
	ErrInvalidEnvelope = errors.New("invalid event envelope")
	ErrInvalidPayload  = errors.New("invalid event payload")
)

// Valid reports whether t is one of the known topics.
func (t Topic) Valid() bool {
	_, ok := destinations[t]
	return ok
}

// Destination returns the transport-level destination for the topic.
func (t Topic) Destination() string {
	return destinations[t]
}

// TopicForDestination maps a transport destination back to its topic.
func TopicForDestination(dest string) (Topic, bool) {
	for t, d := range destinations {
		if d == dest {
			return t, true
		}
	}
	return "", false
}

// Command is the frame verb.
type Command string

// Frame commands.
const (
	CommandSubscribe   Command = "SUBSCRIBE"
	CommandUnsubscribe Command = "UNSUBSCRIBE"
	CommandSend        Command = "SEND"
	CommandMessage     Command = "MESSAGE"
	CommandError       Command = "ERROR"
)

// Frame is one message on the event channel.
type Frame struct {
	Command     Command         `json:"command" validate:"required,oneof=SUBSCRIBE UNSUBSCRIBE SEND MESSAGE ERROR"`
	Destination string          `json:"destination,omitempty"`
	ID          string          `json:"id,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// Type identifies what an envelope carries.
type Type string

// Envelope types.
const (
	TypeCheckIn      Type = "CHECK_IN"
	TypeCheckOut     Type = "CHECK_OUT"
	TypeStatsUpdate  Type = "STATS_UPDATE"
	TypeNotification Type = "NOTIFICATION"
)

// Envelope is the serialized event carried in a MESSAGE frame body.
type Envelope struct {
	Type      Type            `json:"type" validate:"required,oneof=CHECK_IN CHECK_OUT STATS_UPDATE NOTIFICATION"`
	Payload   json.RawMessage `json:"payload" validate:"required"`
	Timestamp time.Time       `json:"timestamp"`
}

// VisitPayload is the wire form of a visit record.
type VisitPayload struct {
	ID              string     `json:"id" validate:"required"`
	MemberID        string     `json:"memberId" validate:"required"`
	MemberName      string     `json:"memberName,omitempty"`
	MemberEmail     string     `json:"memberEmail,omitempty" validate:"omitempty,email"`
	CheckInTime     time.Time  `json:"checkInTime"`
	CheckOutTime    *time.Time `json:"checkOutTime,omitempty"`
	Status          string     `json:"status,omitempty" validate:"omitempty,oneof=CHECKED_IN CHECKED_OUT"`
	DurationMinutes *int       `json:"durationMinutes"`
	Notes           string     `json:"notes,omitempty"`
	QRCode          string     `json:"qrCode,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// RankEntry is one row of the member attendance ranking.
type RankEntry struct {
	MemberID    string `json:"memberId"`
	MemberName  string `json:"memberName,omitempty"`
	TotalVisits int    `json:"totalVisits"`
}

// StatsPayload is the wire form of the aggregate statistics.
type StatsPayload struct {
	TotalCheckIns          int            `json:"totalCheckIns"`
	TodayCheckIns          int            `json:"todayCheckIns"`
	WeeklyCheckIns         int            `json:"weeklyCheckIns"`
	MonthlyCheckIns        int            `json:"monthlyCheckIns"`
	AverageDailyAttendance float64        `json:"averageDailyAttendance"`
	PeakHours              map[int]int    `json:"peakHours"`
	DailyAttendance        map[string]int `json:"dailyAttendance"`
	MemberRanking          []RankEntry    `json:"memberAttendanceRanking"`
	StatusDistribution     map[string]int `json:"statusDistribution"`
}

// NotificationPayload is a targeted message for the owner.
type NotificationPayload struct {
	Title   string `json:"title"`
	Message string `json:"message" validate:"required"`
	Level   string `json:"level,omitempty" validate:"omitempty,oneof=info warning error"`
}

// MarkRequest is the outbound mark-attendance body.
type MarkRequest struct {
	MemberID string `json:"memberId" validate:"required"`
	QRCode   string `json:"qrCode" validate:"required"`
	Notes    string `json:"notes,omitempty" validate:"max=500"`
}

var validate = validator.New()

// Validate runs struct-tag validation on any wire type in this package.
func Validate(v any) error {
	return validate.Struct(v)
}

// EncodeFrame serializes a frame.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses and validates a raw frame.
// POST: returned error wraps ErrInvalidFrame on any failure
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := validate.Struct(f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return f, nil
}

// DecodeEnvelope parses and validates a MESSAGE body.
// POST: returned error wraps ErrInvalidEnvelope on any failure
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if len(body) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty body", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := validate.Struct(env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}

// NewEnvelope builds an envelope around a payload.
func NewEnvelope(typ Type, payload any, ts time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Payload: raw, Timestamp: ts}, nil
}

// MessageFrame wraps an envelope in a MESSAGE frame addressed to topic.
func MessageFrame(topic Topic, env Envelope) (Frame, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Command: CommandMessage, Destination: topic.Destination(), Body: body}, nil
}

// SubscribeFrame returns the SUBSCRIBE frame for topic. The topic name doubles
// as the subscription id, so reissuing is idempotent on the server.
func SubscribeFrame(topic Topic) Frame {
	return Frame{Command: CommandSubscribe, Destination: topic.Destination(), ID: string(topic)}
}

// UnsubscribeFrame returns the UNSUBSCRIBE frame for topic.
func UnsubscribeFrame(topic Topic) Frame {
	return Frame{Command: CommandUnsubscribe, ID: string(topic)}
}

// SendFrame wraps an outbound mark request.
func SendFrame(req MarkRequest) (Frame, error) {
	if err := validate.Struct(req); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Command: CommandSend, Destination: MarkDestination, Body: body}, nil
}

// Visit decodes a CHECK_IN/CHECK_OUT payload into a normalized record.
func (e Envelope) Visit() (visit.Record, error) {
	var p VisitPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return visit.Record{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(p); err != nil {
		return visit.Record{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.CheckInTime.IsZero() {
		return visit.Record{}, fmt.Errorf("%w: checkInTime is required", ErrInvalidPayload)
	}
	return p.Record(), nil
}

// Stats decodes a STATS_UPDATE payload.
func (e Envelope) Stats() (StatsPayload, error) {
	var p StatsPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return StatsPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// Notification decodes a NOTIFICATION payload.
func (e Envelope) Notification() (NotificationPayload, error) {
	var p NotificationPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return NotificationPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(p); err != nil {
		return NotificationPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// Record converts the payload to a domain record with derived fields filled.
func (p VisitPayload) Record() visit.Record {
	r := visit.Record{
		ID:          p.ID,
		MemberID:    p.MemberID,
		MemberName:  p.MemberName,
		MemberEmail: p.MemberEmail,
		CheckInTime: p.CheckInTime,
		Notes:       p.Notes,
		QRCode:      p.QRCode,
		CreatedAt:   p.CreatedAt,
	}
	if p.CheckOutTime != nil {
		r.CheckOutTime = *p.CheckOutTime
	}
	r.Normalize()
	return r
}

// FromRecord converts a domain record to its wire form.
func FromRecord(r visit.Record) VisitPayload {
	p := VisitPayload{
		ID:          r.ID,
		MemberID:    r.MemberID,
		MemberName:  r.MemberName,
		MemberEmail: r.MemberEmail,
		CheckInTime: r.CheckInTime,
		Status:      string(r.Status),
		Notes:       r.Notes,
		QRCode:      r.QRCode,
		CreatedAt:   r.CreatedAt,
	}
	if r.IsCheckedOut() {
		out := r.CheckOutTime
		p.CheckOutTime = &out
	}
	if r.DurationMinutes != nil {
		d := *r.DurationMinutes
		p.DurationMinutes = &d
	}
	return p
}
