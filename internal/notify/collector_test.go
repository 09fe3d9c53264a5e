package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightos/leadscore/internal/pipeline"
	"github.com/insightos/leadscore/pkg/kafka"
	"github.com/insightos/leadscore/pkg/metrics"
	"github.com/insightos/leadscore/pkg/resilience"
)

type fakePublisher struct {
	mu      sync.Mutex
	fail    bool
	batches [][]kafka.Event
	calls   int
}

func (p *fakePublisher) PublishBatch(ctx context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	if p.fail {
		return errors.New("kafka: leader not available")
	}
	p.batches = append(p.batches, append([]kafka.Event(nil), events...))
	return nil
}

func (p *fakePublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var keys []string
	for _, b := range p.batches {
		for _, e := range b {
			keys = append(keys, e.Key)
		}
	}
	return keys
}

func scored(from, to int) []pipeline.ScoredLead {
	var out []pipeline.ScoredLead
	for i := from; i <= to; i++ {
		out = append(out, pipeline.ScoredLead{
			RunID:        "run-1",
			LeadID:       fmt.Sprintf("l%d", i),
			VisitorID:    fmt.Sprintf("v%d", i),
			Score:        0.5,
			ModelVersion: "m@1",
			ScoredAt:     time.Date(2025, 9, 2, 9, 0, 0, 0, time.UTC),
		})
	}
	return out
}

func newTestCollector(pub Publisher, m *metrics.Metrics) *Collector {
	return NewCollector(pub, Config{
		BatchSize:      2,
		PublishTimeout: time.Second,
		Breaker:        resilience.CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: time.Hour},
	}, m)
}

func TestConsumePublishesInBatches(t *testing.T) {
	pub := &fakePublisher{}
	c := newTestCollector(pub, nil)

	require.NoError(t, c.Consume(context.Background(), scored(1, 3)))

	assert.Equal(t, []string{"l1", "l2", "l3"}, pub.keys())
	require.Len(t, pub.batches, 2)
	assert.Len(t, pub.batches[0], 2)
	assert.Zero(t, c.BufferLen())

	msg, ok := pub.batches[0][0].Value.(LeadScored)
	require.True(t, ok)
	assert.Equal(t, "run-1", msg.RunID)
	assert.Equal(t, 0.5, msg.Score)
}

func TestMessagesEncodeAsJSON(t *testing.T) {
	pub := &fakePublisher{}
	c := newTestCollector(pub, nil)
	require.NoError(t, c.Consume(context.Background(), scored(1, 1)))

	msgs, err := kafka.Encode(pub.batches[0], time.Now())
	require.NoError(t, err)
	assert.Equal(t, "l1", string(msgs[0].Key))
	assert.JSONEq(t,
		`{"run_id":"run-1","lead_id":"l1","visitor_id":"v1","score":0.5,"model_version":"m@1","scored_at":"2025-09-02T09:00:00Z"}`,
		string(msgs[0].Value))
}

func TestFailedFlushRequeues(t *testing.T) {
	pub := &fakePublisher{fail: true}
	c := newTestCollector(pub, nil)

	err := c.Consume(context.Background(), scored(1, 2))
	require.Error(t, err)
	assert.Equal(t, 2, c.BufferLen())

	pub.fail = false
	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, []string{"l1", "l2"}, pub.keys())
	assert.Zero(t, c.BufferLen())
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	pub := &fakePublisher{fail: true}
	m := metrics.New()
	c := newTestCollector(pub, m)

	require.Error(t, c.Consume(context.Background(), scored(1, 10)))

	assert.Equal(t, 6, c.BufferLen())
	assert.Equal(t, 4.0, testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("dropped")))
	assert.Equal(t, float64(resilience.StateOpen), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("kafka-notify")))
	assert.Equal(t, 5, pub.calls, "open breaker stops calling the broker")

	c.mu.Lock()
	first := c.buffer[0].Key
	c.mu.Unlock()
	assert.Equal(t, "l5", first)
}

func TestCloseReportsUndelivered(t *testing.T) {
	pub := &fakePublisher{fail: true}
	c := newTestCollector(pub, nil)
	c.Track(context.Background(), LeadScored{LeadID: "l1"})

	assert.Equal(t, 1, c.Close(context.Background()))

	ok := newTestCollector(&fakePublisher{}, nil)
	ok.Track(context.Background(), LeadScored{LeadID: "l1"})
	assert.Zero(t, ok.Close(context.Background()))
}
