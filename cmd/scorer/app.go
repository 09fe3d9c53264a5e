package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/insightos/leadscore/internal/dataset"
	"github.com/insightos/leadscore/internal/model"
	"github.com/insightos/leadscore/internal/notify"
	"github.com/insightos/leadscore/internal/pipeline"
	"github.com/insightos/leadscore/internal/runlock"
	"github.com/insightos/leadscore/internal/store"
	"github.com/insightos/leadscore/pkg/config"
	apperrors "github.com/insightos/leadscore/pkg/errors"
	"github.com/insightos/leadscore/pkg/health"
	"github.com/insightos/leadscore/pkg/kafka"
	"github.com/insightos/leadscore/pkg/logger"
	"github.com/insightos/leadscore/pkg/metrics"
	"github.com/insightos/leadscore/pkg/postgres"
	"github.com/insightos/leadscore/pkg/redis"
)

// app owns the long-lived connections shared by successive runs. Postgres
// and Redis are connected lazily so a scheduled process survives an outage
// at startup and retries on the next tick.
type app struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	db     *postgres.Client
	redis  *redis.Client
	locker *runlock.Locker

	producer  *kafka.Producer
	collector *notify.Collector
	recorder  *dataset.Recorder

	lastMu  sync.Mutex
	last    health.RunInfo
	hasLast bool
}

func newApp(cfg *config.Config, m *metrics.Metrics) *app {
	a := &app{
		cfg:     cfg,
		metrics: m,
		logger:  logger.WithComponent("scorer"),
	}
	if cfg.Kafka.Enabled() {
		a.producer = kafka.NewProducer(cfg.Kafka)
		a.collector = notify.NewCollector(a.producer, notify.Config{
			BatchSize:      cfg.Scoring.BatchSize,
			PublishTimeout: cfg.Kafka.PublishTimeout,
		}, m)
	}
	if cfg.Dataset.Enabled() {
		a.recorder = dataset.NewRecorder(cfg.Dataset, m)
	}
	return a
}

// runOnce performs one guarded scoring run. It never returns an error: every
// outcome, including an abort or a skipped run, is logged and counted.
func (a *app) runOnce(ctx context.Context) {
	if a.cfg.Redis.Enabled() {
		lock, err := a.acquire(ctx)
		if err != nil {
			if errors.Is(err, apperrors.ErrLockHeld) {
				a.logger.Info("scoring run skipped, another instance is running", "error", err)
			} else {
				a.logger.Error("scoring run skipped, run lock unavailable", "error", err)
			}
			a.metrics.RunDone("skipped", 0, time.Time{})
			return
		}
		stopKeepAlive := a.keepAlive(lock)
		defer func() {
			stopKeepAlive()
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil {
				a.logger.Warn("run lock release failed", "error", err)
			}
		}()
	}

	db, err := a.store(ctx)
	if err != nil {
		a.logger.Error("scoring run aborted", "kind", apperrors.Kind(err), "error", err)
		a.metrics.RunDone("aborted", 0, time.Time{})
		a.setLastRun(health.RunInfo{Finished: time.Now(), Aborted: true})
		return
	}

	leads := store.NewLeads(db)
	orch := pipeline.New(leads, store.NewEvents(db), leads, a.modelLoader(), a.cfg.Scoring.BatchSize,
		pipeline.WithSinks(a.sinks()...),
		pipeline.WithMetrics(a.metrics),
	)
	report, runErr := orch.Run(ctx)
	a.setLastRun(health.RunInfo{Finished: report.FinishedAt, Aborted: runErr != nil})

	if err := store.NewRuns(db).Save(ctx, report); err != nil {
		a.logger.Warn("run ledger not updated", "run_id", report.RunID, "error", err)
	}
	if a.collector != nil {
		if err := a.collector.Flush(ctx); err != nil {
			a.logger.Warn("notifications left buffered", "count", a.collector.BufferLen(), "error", err)
		}
	}
}

func (a *app) modelLoader() pipeline.ModelLoader {
	path := a.cfg.Scoring.ModelPath
	return pipeline.ModelLoaderFunc(func(context.Context) (pipeline.Model, error) {
		s, err := model.Load(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

func (a *app) sinks() []pipeline.Sink {
	var sinks []pipeline.Sink
	if a.collector != nil {
		sinks = append(sinks, a.collector)
	}
	if a.recorder != nil {
		sinks = append(sinks, a.recorder)
	}
	return sinks
}

func (a *app) store(ctx context.Context) (*postgres.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return a.db, nil
	}
	db, err := postgres.New(ctx, a.cfg.Postgres)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) acquire(ctx context.Context) (*runlock.Lock, error) {
	a.mu.Lock()
	if a.locker == nil {
		client, err := redis.NewClient(ctx, a.cfg.Redis)
		if err != nil {
			a.mu.Unlock()
			return nil, err
		}
		a.redis = client
		a.locker = runlock.New(client, a.cfg.Redis.LockKey, a.cfg.Redis.LockTTL)
	}
	locker := a.locker
	a.mu.Unlock()
	return locker.Acquire(ctx)
}

// keepAlive extends lock every third of its ttl until the returned function
// is called. Config validation keeps the ttl at config.MinLockTTL or above.
func (a *app) keepAlive(lock *runlock.Lock) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(a.cfg.Redis.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := lock.Extend(ctx); err != nil {
					a.logger.Warn("run lock not extended", "error", err)
				}
				cancel()
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (a *app) setLastRun(info health.RunInfo) {
	a.lastMu.Lock()
	defer a.lastMu.Unlock()
	a.last = info
	a.hasLast = true
}

func (a *app) lastRun() (health.RunInfo, bool) {
	a.lastMu.Lock()
	defer a.lastMu.Unlock()
	return a.last, a.hasLast
}

// restoreLastRun seeds the readiness check from the run ledger so a restarted
// process reports the outcome of the run before it. A run of its own wins.
func (a *app) restoreLastRun(ctx context.Context, db *postgres.Client) {
	prev, err := store.NewRuns(db).Latest(ctx)
	if err != nil {
		a.logger.Warn("run ledger not read", "error", err)
		return
	}
	if prev == nil {
		return
	}
	a.lastMu.Lock()
	defer a.lastMu.Unlock()
	if a.hasLast {
		return
	}
	a.last = health.RunInfo{Finished: prev.FinishedAt, Aborted: prev.State == pipeline.StateAborted}
	a.hasLast = true
	a.logger.Info("previous run restored", "run_id", prev.RunID, "state", prev.State.String())
}

var errNotConnected = errors.New("not connected yet")

func (a *app) pingStore(ctx context.Context) error {
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return errNotConnected
	}
	return db.Ping(ctx)
}

func (a *app) pingLock(ctx context.Context) error {
	a.mu.Lock()
	client := a.redis
	a.mu.Unlock()
	if client == nil {
		return errNotConnected
	}
	return client.Ping(ctx)
}

// close flushes the sinks and closes every open connection.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.collector != nil {
		a.collector.Close(ctx)
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("kafka producer close failed", "error", err)
		}
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.logger.Warn("dataset close failed", "error", err)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
