package event

import (
	"errors"
	"testing"
	"time"

	"gympulse/internal/domain/visit"
)

func TestTopic_DestinationRoundTrip(t *testing.T) {
	for _, topic := range Topics {
		got, ok := TopicForDestination(topic.Destination())
		if !ok || got != topic {
			t.Errorf("TopicForDestination(%q)=%q,%v, want %q", topic.Destination(), got, ok, topic)
		}
	}
	if _, ok := TopicForDestination("/topic/unknown"); ok {
		t.Fatal("unknown destination resolved to a topic")
	}
	if Topic("inventory").Valid() {
		t.Fatal("inventory should not be a valid topic")
	}
}

func TestDecodeFrame_RejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "{{"},
		{"missing command", `{"destination":"/topic/attendance"}`},
		{"unknown command", `{"command":"CONNECT"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeFrame([]byte(tt.raw)); !errors.Is(err, ErrInvalidFrame) {
				t.Fatalf("err=%v, want ErrInvalidFrame", err)
			}
		})
	}
}

func TestDecodeEnvelope_Validation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"empty", "", true},
		{"bad json", "[", true},
		{"missing type", `{"payload":{}}`, true},
		{"unknown type", `{"type":"DELETE","payload":{}}`, true},
		{"missing payload", `{"type":"CHECK_IN"}`, true},
		{"ok", `{"type":"CHECK_IN","payload":{"id":"v1"}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidEnvelope) {
				t.Fatalf("err=%v, want ErrInvalidEnvelope", err)
			}
		})
	}
}

// TestEnvelope_Visit converts a check-out event and derives the duration.
func TestEnvelope_Visit(t *testing.T) {
	in := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	out := in.Add(90 * time.Minute)
	env, err := NewEnvelope(TypeCheckOut, VisitPayload{
		ID: "v1", MemberID: "42", MemberEmail: "sam@example.com",
		CheckInTime: in, CheckOutTime: &out,
	}, out)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	r, err := env.Visit()
	if err != nil {
		t.Fatalf("Visit: %v", err)
	}
	if r.Status != visit.StatusCheckedOut || *r.DurationMinutes != 90 {
		t.Fatalf("got status=%s duration=%v, want CHECKED_OUT/90", r.Status, r.DurationMinutes)
	}
}

func TestEnvelope_Visit_RejectsInvalidPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload VisitPayload
	}{
		{"no member", VisitPayload{ID: "v1", CheckInTime: time.Now()}},
		{"no check-in", VisitPayload{ID: "v1", MemberID: "42"}},
		{"bad email", VisitPayload{ID: "v1", MemberID: "42", MemberEmail: "nope", CheckInTime: time.Now()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _ := NewEnvelope(TypeCheckIn, tt.payload, time.Now())
			if _, err := env.Visit(); !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("err=%v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestSendFrame_ValidatesRequest(t *testing.T) {
	if _, err := SendFrame(MarkRequest{MemberID: "42"}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err=%v, want ErrInvalidPayload for missing qr code", err)
	}
	f, err := SendFrame(MarkRequest{MemberID: "42", QRCode: "QR-42"})
	if err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if f.Command != CommandSend || f.Destination != MarkDestination {
		t.Fatalf("frame=%+v, want SEND to %s", f, MarkDestination)
	}
}

func TestFromRecord_PreservesCheckOut(t *testing.T) {
	r := visit.Record{ID: "v1", MemberID: "42", CheckInTime: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), Status: visit.StatusCheckedIn}
	r.Close(r.CheckInTime.Add(30 * time.Minute))
	back := FromRecord(r).Record()
	if !back.CheckOutTime.Equal(r.CheckOutTime) || *back.DurationMinutes != 30 {
		t.Fatalf("got %+v, want check-out preserved with 30 minutes", back)
	}
}
