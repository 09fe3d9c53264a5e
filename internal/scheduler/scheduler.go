// Package scheduler runs the scoring pipeline on a cron schedule. A tick
// that fires while the previous run is still going is skipped, so runs never
// overlap inside one process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context)

type Scheduler struct {
	mu       sync.Mutex
	cron     *cron.Cron
	jobID    cron.EntryID
	location *time.Location
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
}

// New creates a stopped scheduler in timezone. An empty timezone means UTC.
func New(timezone string) (*Scheduler, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	logger := slog.Default().With("component", "scheduler")
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		location: loc,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}, nil
}

// Schedule installs job under spec, replacing any earlier job. spec is a
// standard five-field cron expression or a descriptor such as "@hourly" or
// "@every 30m".
func (s *Scheduler) Schedule(spec string, job Job) error {
	if job == nil {
		return errors.New("job must not be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.cron.AddFunc(spec, func() { job(s.ctx) })
	if err != nil {
		return fmt.Errorf("add cron %q: %w", spec, err)
	}
	if s.jobID != 0 {
		s.cron.Remove(s.jobID)
	}
	s.jobID = id
	s.logger.Info("job scheduled", "spec", spec, "timezone", s.location.String(), "next", s.nextLocked())
	return nil
}

// Start begins cron execution.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running job to return, or for ctx
// to expire, whichever comes first. A job still running at the deadline is
// left behind with its context cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	defer s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduled job still running at shutdown deadline")
		return ctx.Err()
	}
}

// Next returns the next activation time, or the zero time when nothing is
// scheduled.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *Scheduler) nextLocked() time.Time {
	if s.jobID == 0 {
		return time.Time{}
	}
	entry := s.cron.Entry(s.jobID)
	if !entry.Valid() {
		return time.Time{}
	}
	if !entry.Next.IsZero() {
		return entry.Next
	}
	return entry.Schedule.Next(time.Now().In(s.location))
}

// Location returns the scheduler location.
func (s *Scheduler) Location() *time.Location {
	return s.location
}

// cronLogger routes robfig/cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
