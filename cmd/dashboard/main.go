// Command dashboard is a terminal owner dashboard. It keeps a live attendance
// view in sync with the backend and accepts marks on stdin:
//
//	mark <memberID> <qrCode> [notes...]
//	refresh
//	dismiss <markID>
package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gympulse/internal/adapters/realtime"
	"gympulse/internal/adapters/rest"
	"gympulse/internal/application/orchestrators"
	"gympulse/internal/application/tracker"
	"gympulse/internal/application/viewsync"
	"gympulse/internal/config"
	"gympulse/internal/domain/connection"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger(os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("dashboard_failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, in io.Reader) error {
	token := cfg.Token
	if token == "" {
		var err error
		token, err = rest.Login(ctx, cfg.APIURL, cfg.OwnerEmail, cfg.OwnerPassword, nil)
		if err != nil {
			return err
		}
	}

	manager := realtime.NewManager(realtime.NewWebSocketDialer(cfg.WSURL), realtime.WithPolicy(cfg.Policy()))
	store := viewsync.NewStore(tracker.New())
	session := orchestrators.NewSession(orchestrators.SessionDeps{
		Channel:     manager,
		Router:      realtime.NewRouter(manager),
		History:     rest.NewClient(cfg.APIURL, token, nil),
		Store:       store,
		MarkTimeout: cfg.MarkTimeout,
	})

	unsubscribe := store.Subscribe(logSnapshot())
	defer unsubscribe()

	if err := session.Start(ctx, token); err != nil && !errors.Is(err, connection.ErrTransport) {
		session.Stop()
		return err
	}
	defer session.Stop()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.ReflowInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.ReflowInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					store.Reflow()
				}
			}
		})
	}
	g.Go(func() error {
		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(in)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					<-gctx.Done()
					return nil
				}
				command(gctx, session, store, line)
			}
		}
	})
	return g.Wait()
}

func command(ctx context.Context, session *orchestrators.Session, store *viewsync.Store, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "mark":
		if len(fields) < 3 {
			slog.Warn("dashboard_event", "event", "usage", "hint", "mark <memberID> <qrCode> [notes...]")
			return
		}
		res, err := session.MarkAttendance(ctx, orchestrators.MarkAttendanceInput{
			MemberID: fields[1],
			QRCode:   fields[2],
			Notes:    strings.Join(fields[3:], " "),
		})
		if err != nil {
			slog.Warn("dashboard_event", "event", "mark_failed", "member_id", fields[1], "error", err)
			return
		}
		slog.Info("dashboard_event", "event", "mark_sent", "mark_id", res.MarkID, "kind", string(res.Kind), "visit_id", res.Visit.ID)
	case "refresh":
		if err := session.Refresh(ctx); err != nil {
			slog.Warn("dashboard_event", "event", "refresh_failed", "error", err)
		}
	case "dismiss":
		if len(fields) == 2 && !store.DismissFailure(fields[1]) {
			slog.Warn("dashboard_event", "event", "unknown_failure", "mark_id", fields[1])
		}
	default:
		slog.Warn("dashboard_event", "event", "unknown_command", "command", fields[0])
	}
}

// logSnapshot logs connection changes and the headline numbers of every new view.
func logSnapshot() viewsync.Listener {
	var lastState connection.State
	return func(snap *viewsync.Snapshot) {
		if snap.Connection.State != lastState {
			lastState = snap.Connection.State
			slog.Info("dashboard_event", "event", "connection", "state", string(lastState),
				"attempt", snap.Connection.ReconnectAttempt, "error", snap.Connection.LastError)
		}
		stats := snap.Stats()
		slog.Info("dashboard_event", "event", "view",
			"version", snap.Version,
			"visits", snap.VisitCount(),
			"today", stats.TodayCheckIns,
			"week", stats.WeeklyCheckIns,
			"month", stats.MonthlyCheckIns,
			"avg_daily", stats.AverageDailyAttendance(),
			"notifications", len(snap.Notifications),
			"failures", len(snap.Failures))
	}
}
