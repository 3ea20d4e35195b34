package middleware

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gympulse/internal/adapters/http/perf"
)

func TestTiming_RecordsEntry(t *testing.T) {
	collector := perf.NewCollector(100)
	handler := Timing(collector, time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api/attendance/stats", nil))

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
	snap := collector.Snapshot(time.Time{}, 10)
	if snap.RequestCount != 1 || snap.SlowestPaths[0].Path != "GET /api/attendance/stats" {
		t.Errorf("snapshot = %+v, want one GET /api/attendance/stats", snap)
	}
}

func TestTiming_DefaultStatusWhenNotSet(t *testing.T) {
	collector := perf.NewCollector(10)
	handler := Timing(collector, 0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("response = %d %q", rr.Code, rr.Body.String())
	}
}

func TestTiming_NilCollector(t *testing.T) {
	handler := Timing(nil, time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/x", nil))
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rr.Code)
	}
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestTiming_HijackPassesThroughAndSkipsCollector(t *testing.T) {
	collector := perf.NewCollector(10)
	handler := Timing(collector, time.Nanosecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("wrapped writer does not implement http.Hijacker")
		}
		_, _, _ = hj.Hijack()
	}))
	rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ws", nil))

	if !rec.hijacked {
		t.Error("underlying Hijack not called")
	}
	if collector.TotalRecorded() != 0 {
		t.Errorf("TotalRecorded = %d, want 0 for hijacked connection", collector.TotalRecorded())
	}
}

func TestTiming_HijackUnsupported(t *testing.T) {
	handler := Timing(nil, time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := w.(http.Hijacker).Hijack(); err == nil {
			t.Error("Hijack on recorder = nil error, want error")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/ws", nil))
}

func TestTiming_PoolNoStateLeak(t *testing.T) {
	collector := perf.NewCollector(10)
	first := Timing(collector, time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	second := Timing(collector, time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	first.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/a", nil))
	second.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/b", nil))

	for _, p := range collector.Snapshot(time.Time{}, 10).SlowestPaths {
		if p.Path == "GET /b" && p.Count != 1 {
			t.Errorf("GET /b count = %d", p.Count)
		}
	}
}

func TestSlowRequestThreshold(t *testing.T) {
	t.Setenv("GYMPULSE_SLOW_REQUEST_MS", "750")
	if got := SlowRequestThreshold(); got != 750*time.Millisecond {
		t.Errorf("threshold = %v, want 750ms", got)
	}
	t.Setenv("GYMPULSE_SLOW_REQUEST_MS", "-1")
	if got := SlowRequestThreshold(); got != DefaultSlowRequestMs*time.Millisecond {
		t.Errorf("threshold = %v, want default", got)
	}
}
