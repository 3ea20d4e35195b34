// Command attendanced is the development backend for the owner dashboard: it
// serves the reconciliation API and the attendance event channel over SQLite.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	web "gympulse/internal/adapters/http"
	"gympulse/internal/adapters/http/middleware"
	"gympulse/internal/adapters/http/perf"
	"gympulse/internal/adapters/storage"
	accountStore "gympulse/internal/adapters/storage/account"
	memberStore "gympulse/internal/adapters/storage/member"
	visitStore "gympulse/internal/adapters/storage/visit"
	"gympulse/internal/application/orchestrators"
	"gympulse/internal/config"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger(os.Stderr))

	if err := run(cfg); err != nil {
		slog.Error("attendanced_failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	// Foreign keys and busy timeout per connection; WAL is set once by InitDB.
	dsn := "file:" + cfg.DBPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(8)

	if err := db.Ping(); err != nil {
		return err
	}
	if err := storage.InitDB(db); err != nil {
		return err
	}

	collector := perf.NewCollector(perf.DefaultRingSize)
	timedDB := storage.NewTimedDB(db, collector, storage.SlowQueryThreshold())
	stores := &web.Stores{
		AccountStore: accountStore.NewSQLiteStore(timedDB),
		MemberStore:  memberStore.NewSQLiteStore(timedDB),
		VisitStore:   visitStore.NewSQLiteStore(timedDB),
	}

	seed, err := orchestrators.ExecuteSeed(context.Background(), orchestrators.SeedInput{
		OwnerEmail:    cfg.OwnerEmail,
		OwnerPassword: cfg.OwnerPassword,
		DemoMembers:   !cfg.IsProduction(),
	}, orchestrators.SeedDeps{AccountStore: stores.AccountStore, MemberStore: stores.MemberStore})
	if err != nil {
		return err
	}
	if seed.OwnerCreated && !cfg.IsProduction() {
		slog.Warn("seed_event", "event", "development_owner", "email", cfg.OwnerEmail)
	}

	srv := web.NewServer(stores, web.Options{
		Issuer:    middleware.NewTokenIssuer([]byte(cfg.JWTSecret), middleware.DefaultTokenTTL),
		Collector: collector,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server_event", "event", "listening", "addr", cfg.Addr, "version", version,
			"env", cfg.Env, "schema", storage.LatestSchemaVersion())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := srv.SweepRateLimiter(10 * time.Minute); n > 0 {
					slog.Debug("server_event", "event", "rate_limiter_swept", "removed", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("server_event", "event", "shutting_down")
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
