package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"gympulse/internal/adapters/http/middleware"
	memberStore "gympulse/internal/adapters/storage/member"
	"gympulse/internal/application/listutil"
	"gympulse/internal/application/orchestrators"
	"gympulse/internal/application/projections"
	"gympulse/internal/domain/member"
)

const maxBodyBytes = 1 << 16

// internalError logs the real error and returns a generic message to the client.
func internalError(w http.ResponseWriter, err error) {
	slog.Error("internal_error", "error", err.Error())
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// strictDecode decodes JSON from the request body, rejecting unknown fields.
func strictDecode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("http_event", "event", "encode_failed", "error", err)
	}
}

// handleHealth handles GET /healthz
func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	AccountID string    `json:"accountId"`
	Role      string    `json:"role"`
}

// handleToken handles POST /api/auth/token
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := strictDecode(w, r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := orchestrators.ExecuteLogin(r.Context(), orchestrators.LoginInput{
		Email:    req.Email,
		Password: req.Password,
	}, orchestrators.LoginDeps{
		AccountStore: s.stores.AccountStore,
		Signer:       tokenSigner{issuer: s.issuer},
		Now:          s.now,
	})
	switch {
	case errors.Is(err, orchestrators.ErrInvalidCredentials):
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	case errors.Is(err, orchestrators.ErrAccountLocked):
		http.Error(w, err.Error(), http.StatusLocked)
		return
	case err != nil:
		internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
		AccountID: result.AccountID,
		Role:      result.Role,
	})
}

// handleHistory handles GET /api/attendance/history[?since=RFC3339&limit=n]
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var query projections.GetAttendanceHistoryQuery
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		query.Since = since
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		query.Limit = n
	}

	visits, err := projections.QueryGetAttendanceHistory(r.Context(), query,
		projections.GetAttendanceHistoryDeps{VisitStore: s.stores.VisitStore})
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, visits)
}

// handleStats handles GET /api/attendance/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats(r.Context(), s.now())
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type memberResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Status string `json:"status"`
}

type membersResponse struct {
	Members []memberResponse  `json:"members"`
	Page    listutil.PageInfo `json:"page"`
}

// handleMembers handles GET /api/members[?status=active|archived&page=n&per_page=n]
// QR codes are never returned.
func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && status != member.StatusActive && status != member.StatusArchived {
		http.Error(w, member.ErrInvalidStatus.Error(), http.StatusBadRequest)
		return
	}
	members, err := s.stores.MemberStore.List(r.Context(), memberStore.ListFilter{Status: status})
	if err != nil {
		internalError(w, err)
		return
	}
	out := make([]memberResponse, 0, len(members))
	for _, m := range members {
		out = append(out, memberResponse{ID: m.ID, Name: m.Name, Email: m.Email, Status: m.Status})
	}
	page, info := listutil.Paginate(out, listutil.ParsePageParams(r.URL.Query()))
	writeJSON(w, http.StatusOK, membersResponse{Members: page, Page: info})
}

// handlePerf handles GET /api/debug/perf[?window=15m]
func (s *Server) handlePerf(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		http.Error(w, "performance collection is disabled", http.StatusNotFound)
		return
	}
	window := 15 * time.Minute
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "window must be a positive duration", http.StatusBadRequest)
			return
		}
		window = d
	}
	p, _ := middleware.PrincipalFromContext(r.Context())
	slog.Debug("http_event", "event", "perf_viewed", "account_id", p.AccountID)

	snap := s.collector.Snapshot(time.Now().Add(-window), 10)
	writeJSON(w, http.StatusOK, map[string]any{
		"window":   window.String(),
		"clients":  s.hub.Count(),
		"snapshot": snap,
	})
}
