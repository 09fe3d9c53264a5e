// Command scorer runs the batch lead-scoring pipeline.
//
// It loads the model artifact, fetches every lead without a score, builds
// per-lead behavioural features from the event log, and writes a rounded
// conversion probability back to each lead, chunk by chunk. Without a cron
// schedule it runs once and exits; with schedule.cron set it stays up, runs
// on the schedule and serves /metrics, /health/live and /health/ready.
//
// Usage:
//
//	LS_CONFIG=configs/development.yaml go run ./cmd/scorer
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/insightos/leadscore/internal/scheduler"
	"github.com/insightos/leadscore/pkg/config"
	"github.com/insightos/leadscore/pkg/health"
	"github.com/insightos/leadscore/pkg/logger"
	"github.com/insightos/leadscore/pkg/metrics"
)

const shutdownTimeout = 30 * time.Second

// main loads configuration and either performs a single scoring run or hands
// control to the cron scheduler. Only a bad configuration exits non-zero; an
// aborted run is reported through logs and metrics.
func main() {
	cfg, err := config.Load(os.Getenv("LS_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	m := metrics.New()
	a := newApp(cfg, m)
	defer a.close()

	if !cfg.Schedule.Enabled() {
		slog.Info("starting one-shot scoring run", "batch_size", cfg.Scoring.BatchSize, "model", cfg.Scoring.ModelPath)
		a.runOnce(context.Background())
		if cfg.Metrics.Enabled && cfg.Metrics.PushURL != "" {
			pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := m.Push(pushCtx, cfg.Metrics.PushURL, cfg.Metrics.Job); err != nil {
				slog.Warn("metrics push failed", "url", cfg.Metrics.PushURL, "error", err)
			}
			cancel()
		}
		return
	}

	if err := runScheduled(cfg, m, a); err != nil {
		slog.Error("scheduler stopped with error", "error", err)
	}
	slog.Info("scorer stopped")
}

// runScheduled serves metrics and health endpoints and triggers runs on the
// cron schedule until SIGINT/SIGTERM.
func runScheduled(cfg *config.Config, m *metrics.Metrics, a *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched, err := scheduler.New(cfg.Schedule.Timezone)
	if err != nil {
		return err
	}
	if err := sched.Schedule(cfg.Schedule.Cron, func(context.Context) {
		// Runs are not cancelled by shutdown; Stop waits for them.
		a.runOnce(context.Background())
	}); err != nil {
		return err
	}

	if db, err := a.store(ctx); err != nil {
		slog.Warn("postgres not reachable at startup, retrying on the next run", "error", err)
	} else {
		a.restoreLastRun(ctx, db)
	}

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(a.pingStore))
	if cfg.Redis.Enabled() {
		checker.Register("redis", health.PingCheck(a.pingLock))
	}
	checker.Register("last_run", health.RunCheck(a.lastRun, 0))

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv, err := m.Serve(cfg.Metrics.Port, map[string]http.Handler{
			"GET /health/live":  checker.LiveHandler(),
			"GET /health/ready": checker.ReadyHandler(),
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		sched.Start()
		slog.Info("scheduler started", "cron", cfg.Schedule.Cron, "timezone", sched.Location().String(), "next", sched.Next())
		<-gctx.Done()
		slog.Info("shutdown signal received, waiting for running job")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return sched.Stop(stopCtx)
	})

	return g.Wait()
}
