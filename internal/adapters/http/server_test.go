package web

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"gympulse/internal/adapters/http/middleware"
	"gympulse/internal/adapters/http/perf"
	"gympulse/internal/adapters/storage"
	accountStore "gympulse/internal/adapters/storage/account"
	memberStore "gympulse/internal/adapters/storage/member"
	visitStore "gympulse/internal/adapters/storage/visit"
	"gympulse/internal/application/orchestrators"
	"gympulse/internal/domain/event"
	"gympulse/internal/domain/visit"
)

const (
	testOwnerEmail    = "owner@gympulse.test"
	testOwnerPassword = "correct horse battery"
)

type serverFixture struct {
	srv    *Server
	ts     *httptest.Server
	stores *Stores
	issuer *middleware.TokenIssuer
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := storage.InitDB(db); err != nil {
		t.Fatalf("InitDB: %v", err)
	}

	collector := perf.NewCollector(256)
	timed := storage.NewTimedDB(db, collector, time.Second)
	stores := &Stores{
		AccountStore: accountStore.NewSQLiteStore(timed),
		MemberStore:  memberStore.NewSQLiteStore(timed),
		VisitStore:   visitStore.NewSQLiteStore(timed),
	}
	if _, err := orchestrators.ExecuteSeed(context.Background(), orchestrators.SeedInput{
		OwnerEmail:    testOwnerEmail,
		OwnerPassword: testOwnerPassword,
		DemoMembers:   true,
	}, orchestrators.SeedDeps{AccountStore: stores.AccountStore, MemberStore: stores.MemberStore}); err != nil {
		t.Fatalf("ExecuteSeed: %v", err)
	}

	RateLimitPerSecond = 1000
	issuer := middleware.NewTokenIssuer([]byte("server-test-secret"), time.Hour)
	srv := NewServer(stores, Options{Issuer: issuer, Collector: collector, SlowRequest: time.Second})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &serverFixture{srv: srv, ts: ts, stores: stores, issuer: issuer}
}

func (f *serverFixture) token(t *testing.T, role string) string {
	t.Helper()
	tok, _, err := f.issuer.Issue(middleware.Principal{AccountID: "acc-" + role, Email: role + "@gympulse.test", Role: role})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *serverFixture) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *serverFixture) login(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.ts.URL+"/api/auth/token", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST token: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *serverFixture) saveVisit(t *testing.T, id, memberID string, in time.Time, out time.Time) {
	t.Helper()
	r := visit.Record{ID: id, MemberID: memberID, CheckInTime: in, CheckOutTime: out, CreatedAt: in}
	r.Normalize()
	if err := f.stores.VisitStore.Save(context.Background(), r); err != nil {
		t.Fatalf("save visit %s: %v", id, err)
	}
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)
	resp := f.get(t, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestHandleToken(t *testing.T) {
	f := newServerFixture(t)

	resp := f.login(t, `{"email":"owner@gympulse.test","password":"correct horse battery"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	p, err := f.issuer.Verify(body.Token)
	if err != nil || p.AccountID != body.AccountID || p.Role != "owner" {
		t.Errorf("Verify() = %+v, %v", p, err)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"wrong password", `{"email":"owner@gympulse.test","password":"nope"}`, http.StatusUnauthorized},
		{"unknown account", `{"email":"who@gympulse.test","password":"correct horse battery"}`, http.StatusUnauthorized},
		{"malformed", `{"email":`, http.StatusBadRequest},
		{"unknown field", `{"email":"owner@gympulse.test","password":"x","admin":true}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.login(t, tt.body).StatusCode; got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHandleToken_LocksAfterRepeatedFailures(t *testing.T) {
	f := newServerFixture(t)
	for i := 0; i < 5; i++ {
		f.login(t, `{"email":"owner@gympulse.test","password":"wrong password!"}`)
	}
	resp := f.login(t, `{"email":"owner@gympulse.test","password":"correct horse battery"}`)
	if resp.StatusCode != http.StatusLocked {
		t.Errorf("status = %d, want 423", resp.StatusCode)
	}
}

func TestAttendanceEndpoints_RequireBearer(t *testing.T) {
	f := newServerFixture(t)
	for _, path := range []string{"/api/attendance/history", "/api/attendance/stats", "/api/members", "/api/debug/perf", "/ws"} {
		if got := f.get(t, path, "").StatusCode; got != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, got)
		}
		if got := f.get(t, path, "garbage").StatusCode; got != http.StatusUnauthorized {
			t.Errorf("GET %s with bad token = %d, want 401", path, got)
		}
	}
}

func TestHandleHistory(t *testing.T) {
	f := newServerFixture(t)
	base := time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Second)
	f.saveVisit(t, "v2", "1002", base.Add(time.Hour), time.Time{})
	f.saveVisit(t, "v1", "1001", base, base.Add(45*time.Minute))

	resp := f.get(t, "/api/attendance/history", f.token(t, "staff"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got []event.VisitPayload
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "v1" || got[1].ID != "v2" {
		t.Fatalf("history = %+v, want v1 then v2", got)
	}
	if got[0].MemberName != "Ana Lima" || got[0].DurationMinutes == nil || *got[0].DurationMinutes != 45 {
		t.Errorf("v1 = %+v", got[0])
	}
	if got[1].Status != string(visit.StatusCheckedIn) || got[1].CheckOutTime != nil {
		t.Errorf("v2 = %+v, want open visit", got[1])
	}

	since := base.Add(30 * time.Minute).Format(time.RFC3339)
	resp = f.get(t, "/api/attendance/history?since="+since, f.token(t, "staff"))
	got = nil
	_ = json.NewDecoder(resp.Body).Decode(&got)
	if len(got) != 1 || got[0].ID != "v2" {
		t.Errorf("history since = %+v, want only v2", got)
	}

	resp = f.get(t, "/api/attendance/history?limit=1", f.token(t, "staff"))
	got = nil
	_ = json.NewDecoder(resp.Body).Decode(&got)
	if len(got) != 1 || got[0].ID != "v2" {
		t.Errorf("history limit=1 = %+v, want the latest visit v2", got)
	}

	for _, q := range []string{"since=yesterday", "limit=-1", "limit=x"} {
		if code := f.get(t, "/api/attendance/history?"+q, f.token(t, "staff")).StatusCode; code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, code)
		}
	}
}

func TestHandleHistory_EmptyIsArray(t *testing.T) {
	f := newServerFixture(t)
	resp := f.get(t, "/api/attendance/history", f.token(t, "owner"))
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("body = %q, want []", buf.String())
	}
}

func TestHandleStats(t *testing.T) {
	f := newServerFixture(t)
	now := time.Now().UTC()
	f.saveVisit(t, "v1", "1001", now.Add(-2*time.Hour), now.Add(-time.Hour))
	f.saveVisit(t, "v2", "1001", now.Add(-30*time.Minute), time.Time{})
	f.saveVisit(t, "v3", "1002", now.Add(-40*24*time.Hour), now.Add(-40*24*time.Hour+time.Hour))

	resp := f.get(t, "/api/attendance/stats", f.token(t, "owner"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got event.StatsPayload
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.TotalCheckIns != 3 || got.MonthlyCheckIns != 2 {
		t.Errorf("total=%d monthly=%d, want 3/2", got.TotalCheckIns, got.MonthlyCheckIns)
	}
	if len(got.MemberRanking) == 0 || got.MemberRanking[0].MemberID != "1001" {
		t.Errorf("ranking = %+v, want 1001 first", got.MemberRanking)
	}
}

func TestHandleMembers(t *testing.T) {
	f := newServerFixture(t)
	resp := f.get(t, "/api/members?status=active", f.token(t, "staff"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if strings.Contains(buf.String(), "GP-1001") {
		t.Error("member listing leaks QR codes")
	}
	var got membersResponse
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Members) != 4 || got.Page.Total != 4 || got.Members[0].Name != "Ana Lima" {
		t.Errorf("members = %+v", got)
	}

	resp = f.get(t, "/api/members?page=2&per_page=3", f.token(t, "staff"))
	got = membersResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Members) != 1 || got.Page.Page != 2 || got.Page.TotalPages != 2 {
		t.Errorf("page 2 = %+v", got)
	}
	if code := f.get(t, "/api/members?status=gone", f.token(t, "staff")).StatusCode; code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want 400", code)
	}
}

func TestHandlePerf_OwnerOnly(t *testing.T) {
	f := newServerFixture(t)
	f.get(t, "/healthz", "")

	if code := f.get(t, "/api/debug/perf", f.token(t, "staff")).StatusCode; code != http.StatusForbidden {
		t.Errorf("staff status = %d, want 403", code)
	}
	resp := f.get(t, "/api/debug/perf?window=1h", f.token(t, "owner"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Window   string        `json:"window"`
		Snapshot perf.Snapshot `json:"snapshot"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Window != "1h0m0s" || body.Snapshot.RequestCount == 0 || body.Snapshot.QueryCount == 0 {
		t.Errorf("perf = %+v", body)
	}
	if code := f.get(t, "/api/debug/perf?window=-1s", f.token(t, "owner")).StatusCode; code != http.StatusBadRequest {
		t.Errorf("bad window = %d, want 400", code)
	}
}
