// Package health reports the readiness of a scheduled scorer: its stores must
// answer a ping and the last run must be recent and not aborted. Checks run
// in parallel, each under its own deadline, and aggregate into a Report for
// liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

func (s Status) rank() int {
	switch s {
	case StatusUp:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Check probes one dependency.
type Check func(ctx context.Context) ComponentHealth

type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report is the aggregated result; Status is the worst component status.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

// DefaultCheckTimeout bounds each check in Run.
const DefaultCheckTimeout = 3 * time.Second

type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
	logger  *slog.Logger
}

func NewChecker() *Checker {
	return &Checker{
		checks:  make(map[string]Check),
		timeout: DefaultCheckTimeout,
		logger:  slog.Default().With("component", "health"),
	}
}

// Register adds or replaces a named check.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Run executes every check concurrently. A check that overruns its deadline
// is reported down.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	type result struct {
		name   string
		health ComponentHealth
	}
	results := make(chan result, len(checks))
	for name, check := range checks {
		go func() {
			results <- result{name, c.runOne(ctx, check)}
		}()
	}

	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(checks)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	for range checks {
		r := <-results
		report.Components[r.name] = r.health
		if r.health.Status.rank() > report.Status.rank() {
			report.Status = r.health.Status
		}
		if r.health.Status != StatusUp {
			c.logger.Warn("component unhealthy", "name", r.name, "status", r.health.Status, "message", r.health.Message)
		}
	}
	return report
}

func (c *Checker) runOne(ctx context.Context, check Check) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	h := check(ctx)
	if ctx.Err() != nil && h.Status == StatusUp {
		h = ComponentHealth{Status: StatusDown, Message: "check timed out"}
	}
	h.Latency = time.Since(start).Round(time.Millisecond).String()
	return h
}

// LiveHandler answers 200 while the process is serving.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadyHandler answers 200 only when every component is up.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		code := http.StatusOK
		if report.Status != StatusUp {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// PingCheck is down when ping fails.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusDown, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// RunInfo describes the most recent pipeline run.
type RunInfo struct {
	Finished time.Time
	Aborted  bool
}

// RunCheck is degraded when the last run aborted or, with a positive maxAge,
// finished longer than maxAge ago. Before the first run it reports up.
func RunCheck(last func() (RunInfo, bool), maxAge time.Duration) Check {
	return func(ctx context.Context) ComponentHealth {
		info, ok := last()
		switch {
		case !ok:
			return ComponentHealth{Status: StatusUp, Message: "no run yet"}
		case info.Aborted:
			return ComponentHealth{Status: StatusDegraded, Message: "last run aborted"}
		case maxAge > 0 && time.Since(info.Finished) > maxAge:
			return ComponentHealth{
				Status:  StatusDegraded,
				Message: "last run finished at " + info.Finished.UTC().Format(time.RFC3339),
			}
		}
		return ComponentHealth{Status: StatusUp}
	}
}
