package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var owner = Principal{AccountID: "acc-1", Email: "owner@gym.test", Role: "owner"}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"), time.Hour)
	token, exp, err := issuer.Issue(owner)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if exp.Before(time.Now()) {
		t.Errorf("expiry %v is in the past", exp)
	}
	got, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != owner {
		t.Errorf("principal = %+v, want %+v", got, owner)
	}
}

func TestTokenIssuer_Rejects(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"), time.Hour)
	other := NewTokenIssuer([]byte("other-secret"), time.Hour)
	foreign, _, _ := other.Issue(owner)

	expired := NewTokenIssuer([]byte("test-secret"), time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	stale, _, _ := expired.Issue(owner)

	for name, token := range map[string]string{
		"garbage":      "not-a-jwt",
		"wrong secret": foreign,
		"expired":      stale,
	} {
		if _, err := issuer.Verify(token); err != ErrInvalidToken {
			t.Errorf("%s: Verify = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", tt.header)
		got, err := BearerToken(r)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("BearerToken(%q) = %q, %v", tt.header, got, err)
		}
	}
}

func TestRequireBearerAndRole(t *testing.T) {
	issuer := NewTokenIssuer([]byte("s"), time.Hour)
	ownerToken, _, _ := issuer.Issue(owner)
	staffToken, _, _ := issuer.Issue(Principal{AccountID: "acc-2", Email: "desk@gym.test", Role: "staff"})

	var seen Principal
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
	}), RequireRole("owner"), RequireBearer(issuer))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer " + staffToken, http.StatusForbidden},
		{"owner", "Bearer " + ownerToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/attendance/history", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, r)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
	if seen != owner {
		t.Errorf("principal in handler = %+v, want %+v", seen, owner)
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	if !rl.Allow("1.2.3.4") || !rl.Allow("1.2.3.4") {
		t.Fatal("first two requests rejected")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("third request in the same second allowed")
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("other ip rejected")
	}
	now = now.Add(time.Second)
	if !rl.Allow("1.2.3.4") {
		t.Error("request after refill rejected")
	}
	now = now.Add(time.Hour)
	if n := rl.Sweep(time.Minute); n != 2 {
		t.Errorf("Sweep = %d, want 2", n)
	}
}

func TestRecover(t *testing.T) {
	h := Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}
