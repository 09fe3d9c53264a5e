// Package metrics defines the Prometheus collectors of a scoring run on a
// private registry, which is either pushed to a Pushgateway after a one-shot
// run or served over HTTP in scheduled mode.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds all Prometheus collectors for the scorer. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	LeadsFetchedTotal    prometheus.Counter
	LeadsScoredTotal     prometheus.Counter
	RowFailuresTotal     prometheus.Counter
	ChunksTotal          *prometheus.CounterVec
	ChunkDuration        prometheus.Histogram
	RunsTotal            *prometheus.CounterVec
	LastRunDuration      prometheus.Gauge
	LastSuccessTimestamp prometheus.Gauge
	ScoreDistribution    prometheus.Histogram
	NotificationsTotal   *prometheus.CounterVec
	DatasetRecordsTotal  prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		LeadsFetchedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "leadscore_leads_fetched_total",
				Help: "Unscored leads found in the snapshot.",
			},
		),
		LeadsScoredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "leadscore_leads_scored_total",
				Help: "Leads whose score was written.",
			},
		),
		RowFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "leadscore_row_failures_total",
				Help: "Per-lead score writes that failed.",
			},
		),
		ChunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadscore_chunks_total",
				Help: "Processed chunks by status (ok, failed).",
			},
			[]string{"status"},
		),
		ChunkDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "leadscore_chunk_duration_seconds",
				Help:    "Wall time spent on one chunk.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadscore_runs_total",
				Help: "Pipeline runs by terminal state (done, aborted, skipped).",
			},
			[]string{"state"},
		),
		LastRunDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "leadscore_last_run_duration_seconds",
				Help: "Duration of the most recent run.",
			},
		),
		LastSuccessTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "leadscore_last_success_timestamp_seconds",
				Help: "Unix time of the most recent run that reached DONE.",
			},
		),
		ScoreDistribution: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "leadscore_score",
				Help:    "Distribution of written lead scores.",
				Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
			},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadscore_notifications_total",
				Help: "Lead-scored notifications by status (published, failed, dropped).",
			},
			[]string{"status"},
		),
		DatasetRecordsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "leadscore_dataset_records_total",
				Help: "Scored rows appended to the dataset export.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leadscore_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LeadsFetchedTotal,
		m.LeadsScoredTotal,
		m.RowFailuresTotal,
		m.ChunksTotal,
		m.ChunkDuration,
		m.RunsTotal,
		m.LastRunDuration,
		m.LastSuccessTimestamp,
		m.ScoreDistribution,
		m.NotificationsTotal,
		m.DatasetRecordsTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Push sends the registry to a Pushgateway under job.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(m.Registry).PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}

func (m *Metrics) LeadsFetched(n int) {
	if m == nil {
		return
	}
	m.LeadsFetchedTotal.Add(float64(n))
}

// ScoreWritten counts a written score and records its value.
func (m *Metrics) ScoreWritten(score float64) {
	if m == nil {
		return
	}
	m.LeadsScoredTotal.Inc()
	m.ScoreDistribution.Observe(score)
}

func (m *Metrics) RowFailed() {
	if m == nil {
		return
	}
	m.RowFailuresTotal.Inc()
}

// ChunkDone records a chunk outcome and its duration.
func (m *Metrics) ChunkDone(failed bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if failed {
		status = "failed"
	}
	m.ChunksTotal.WithLabelValues(status).Inc()
	m.ChunkDuration.Observe(d.Seconds())
}

// RunDone records a run's terminal state. finished is the end time of runs
// that reached DONE and the zero time otherwise.
func (m *Metrics) RunDone(state string, d time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(state).Inc()
	m.LastRunDuration.Set(d.Seconds())
	if !finished.IsZero() {
		m.LastSuccessTimestamp.Set(float64(finished.Unix()))
	}
}

func (m *Metrics) Notification(status string, n int) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) DatasetRecorded() {
	if m == nil {
		return
	}
	m.DatasetRecordsTotal.Inc()
}

// BreakerState mirrors a circuit breaker's state into the gauge.
func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
