// Package notify announces freshly scored leads on a Kafka topic so that
// downstream consumers (CRM sync, sales alerts) can react without polling the
// lead table. Publishing is best-effort: a broker outage never affects
// scoring.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/insightos/leadscore/internal/pipeline"
	"github.com/insightos/leadscore/pkg/kafka"
	"github.com/insightos/leadscore/pkg/logger"
	"github.com/insightos/leadscore/pkg/metrics"
	"github.com/insightos/leadscore/pkg/resilience"
)

// LeadScored is the message published for every written score.
type LeadScored struct {
	RunID        string    `json:"run_id"`
	LeadID       string    `json:"lead_id"`
	VisitorID    string    `json:"visitor_id,omitempty"`
	Score        float64   `json:"score"`
	ModelVersion string    `json:"model_version"`
	ScoredAt     time.Time `json:"scored_at"`
}

// Publisher writes a batch of events. *kafka.Producer satisfies it.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

type Config struct {
	BatchSize      int
	PublishTimeout time.Duration
	Breaker        resilience.CircuitBreakerConfig
}

// Collector buffers LeadScored messages and publishes them in batches. A
// failed batch is re-queued ahead of newer messages; the buffer never holds
// more than three batches and the oldest overflow is dropped.
type Collector struct {
	publisher Publisher
	breaker   *resilience.CircuitBreaker
	metrics   *metrics.Metrics
	mu        sync.Mutex
	buffer    []kafka.Event
	batchSize int
	logger    *slog.Logger
}

func NewCollector(publisher Publisher, cfg Config, m *metrics.Metrics) *Collector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	breakerCfg := cfg.Breaker
	breakerCfg.Timeout = cfg.PublishTimeout
	breakerCfg.OnStateChange = func(name string, state resilience.State) {
		m.BreakerState(name, int(state))
	}
	return &Collector{
		publisher: publisher,
		breaker:   resilience.NewCircuitBreaker("kafka-notify", breakerCfg),
		metrics:   m,
		buffer:    make([]kafka.Event, 0, cfg.BatchSize),
		batchSize: cfg.BatchSize,
		logger:    logger.WithComponent("notify-collector"),
	}
}

// Track adds a message to the buffer and publishes in-band once a full batch
// has accumulated.
func (c *Collector) Track(ctx context.Context, msg LeadScored) {
	c.mu.Lock()
	c.buffer = append(c.buffer, kafka.Event{Key: msg.LeadID, Value: msg})
	full := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if full {
		_ = c.Flush(ctx)
	}
}

// Flush publishes everything buffered. The returned error is informational;
// failed messages stay buffered for the next flush.
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.buffer
	c.buffer = make([]kafka.Event, 0, c.batchSize)
	c.mu.Unlock()

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.publisher.PublishBatch(ctx, batch)
	})
	if err != nil {
		c.metrics.Notification("failed", len(batch))
		c.logger.WarnContext(ctx, "notification flush failed",
			"batch_size", len(batch),
			"error", err,
		)
		c.requeue(batch)
		return err
	}

	c.metrics.Notification("published", len(batch))
	c.logger.DebugContext(ctx, "notifications published", "count", len(batch))
	return nil
}

func (c *Collector) requeue(batch []kafka.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = append(batch, c.buffer...)
	limit := c.batchSize * 3
	if len(c.buffer) > limit {
		dropped := len(c.buffer) - limit
		c.buffer = c.buffer[dropped:]
		c.metrics.Notification("dropped", dropped)
		c.logger.Warn("notification buffer overflow, oldest messages dropped", "dropped", dropped)
	}
}

// BufferLen returns the current number of buffered messages.
func (c *Collector) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

func (c *Collector) Name() string { return "kafka-notify" }

// Consume tracks every scored lead of a chunk and flushes.
func (c *Collector) Consume(ctx context.Context, scored []pipeline.ScoredLead) error {
	for _, s := range scored {
		c.Track(ctx, LeadScored{
			RunID:        s.RunID,
			LeadID:       s.LeadID,
			VisitorID:    s.VisitorID,
			Score:        s.Score,
			ModelVersion: s.ModelVersion,
			ScoredAt:     s.ScoredAt,
		})
	}
	return c.Flush(ctx)
}

// Close makes a final flush attempt and reports how many messages were
// still undelivered.
func (c *Collector) Close(ctx context.Context) int {
	_ = c.Flush(ctx)
	left := c.BufferLen()
	if left > 0 {
		c.logger.Warn("undelivered notifications discarded", "count", left)
		c.metrics.Notification("dropped", left)
	}
	return left
}
