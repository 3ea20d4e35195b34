package web

import (
	"context"
	"net/http"
	"time"

	"gympulse/internal/adapters/http/hub"
	"gympulse/internal/adapters/http/middleware"
	"gympulse/internal/adapters/http/perf"
	accountStore "gympulse/internal/adapters/storage/account"
	memberStore "gympulse/internal/adapters/storage/member"
	visitStore "gympulse/internal/adapters/storage/visit"
	"gympulse/internal/application/orchestrators"
	"gympulse/internal/application/projections"
	"gympulse/internal/domain/account"
	"gympulse/internal/domain/event"
)

// Stores holds all storage dependencies.
type Stores struct {
	AccountStore accountStore.Store
	MemberStore  memberStore.Store
	VisitStore   visitStore.Store
}

// RateLimitPerSecond controls the per-IP rate limit on token requests. Tests can increase this.
var RateLimitPerSecond = 5

// Options configures a Server.
type Options struct {
	Issuer      *middleware.TokenIssuer
	Collector   *perf.Collector          // optional
	SlowRequest time.Duration            // defaults to middleware.SlowRequestThreshold()
	CheckOrigin func(*http.Request) bool // optional WebSocket origin check
	Now         func() time.Time         // defaults to time.Now
}

// Server is the development backend: the reconciliation API, the token
// endpoint and the event channel hub.
type Server struct {
	stores    *Stores
	issuer    *middleware.TokenIssuer
	collector *perf.Collector
	hub       *hub.Hub
	limiter   *middleware.RateLimiter
	now       func() time.Time
	handler   http.Handler
}

// NewServer wires HTTP handlers and the event hub.
// PRE: s has all stores set; opts.Issuer is non-nil
func NewServer(s *Stores, opts Options) *Server {
	srv := &Server{
		stores:    s,
		issuer:    opts.Issuer,
		collector: opts.Collector,
		limiter:   middleware.NewRateLimiter(RateLimitPerSecond, time.Second),
		now:       opts.Now,
	}
	if srv.now == nil {
		srv.now = time.Now
	}

	hubOpts := []hub.Option{hub.WithCollector(opts.Collector)}
	if opts.CheckOrigin != nil {
		hubOpts = append(hubOpts, hub.WithCheckOrigin(opts.CheckOrigin))
	}
	srv.hub = hub.New(srv.recordMark, hubOpts...)

	threshold := opts.SlowRequest
	if threshold <= 0 {
		threshold = middleware.SlowRequestThreshold()
	}

	authed := middleware.RequireBearer(srv.issuer)
	ownerOnly := func(h http.Handler) http.Handler {
		return authed(middleware.RequireRole(account.RoleOwner)(h))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("POST /api/auth/token", middleware.RateLimit(srv.limiter)(http.HandlerFunc(srv.handleToken)))
	mux.Handle("GET /api/attendance/history", authed(http.HandlerFunc(srv.handleHistory)))
	mux.Handle("GET /api/attendance/stats", authed(http.HandlerFunc(srv.handleStats)))
	mux.Handle("GET /api/members", authed(http.HandlerFunc(srv.handleMembers)))
	mux.Handle("GET /api/debug/perf", ownerOnly(http.HandlerFunc(srv.handlePerf)))
	mux.Handle("GET /ws", authed(srv.hub))

	// Apply middleware: Timing -> Recover -> SecurityHeaders -> Mux
	srv.handler = middleware.Chain(mux,
		middleware.SecurityHeaders,
		middleware.Recover,
		middleware.Timing(opts.Collector, threshold),
	)
	return srv
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Hub returns the event channel hub.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// SweepRateLimiter drops idle rate-limit entries.
func (s *Server) SweepRateLimiter(maxIdle time.Duration) int {
	return s.limiter.Sweep(maxIdle)
}

// Close disconnects every event channel client.
func (s *Server) Close() {
	s.hub.Close()
}

// recordMark applies a mark received over the event channel.
func (s *Server) recordMark(ctx context.Context, accountID string, req event.MarkRequest) error {
	_, err := orchestrators.ExecuteRecordMark(ctx, orchestrators.RecordMarkInput{
		AccountID: accountID,
		Request:   req,
	}, orchestrators.RecordMarkDeps{
		MemberStore: s.stores.MemberStore,
		VisitStore:  s.stores.VisitStore,
		Publisher:   s.hub,
		Stats:       s.stats,
		Now:         s.now,
	})
	return err
}

func (s *Server) stats(ctx context.Context, now time.Time) (event.StatsPayload, error) {
	return projections.QueryGetAttendanceStats(ctx,
		projections.GetAttendanceStatsQuery{Now: now},
		projections.GetAttendanceStatsDeps{VisitStore: s.stores.VisitStore})
}

// tokenSigner adapts the issuer to the login orchestrator.
type tokenSigner struct {
	issuer *middleware.TokenIssuer
}

func (t tokenSigner) Sign(a account.Account) (string, time.Time, error) {
	return t.issuer.Issue(middleware.Principal{AccountID: a.ID, Email: a.Email, Role: a.Role})
}
