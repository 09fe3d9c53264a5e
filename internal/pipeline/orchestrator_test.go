package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightos/leadscore/internal/features"
	"github.com/insightos/leadscore/internal/lead"
	apperrors "github.com/insightos/leadscore/pkg/errors"
	"github.com/insightos/leadscore/pkg/metrics"
)

func chunkSizes(r *Report) []int {
	sizes := make([]int, 0, len(r.Chunks))
	for _, c := range r.Chunks {
		sizes = append(sizes, c.Size)
	}
	return sizes
}

func TestRunScoresEveryLeadInChunks(t *testing.T) {
	store := newMemStore(250)
	events := &fakeEvents{}
	model := &fakeModel{fallback: 0.5}

	rep, err := New(store, events, store, loaderFor(model), 100).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, rep.State)
	assert.Equal(t, 250, rep.Total)
	assert.Equal(t, []int{100, 100, 50}, chunkSizes(rep))
	assert.Equal(t, []int{0, 100, 200}, []int{rep.Chunks[0].Offset, rep.Chunks[1].Offset, rep.Chunks[2].Offset})
	assert.Equal(t, 250, rep.Scored)
	assert.Zero(t, rep.FailedRows)
	assert.Zero(t, rep.FailedChunks)
	assert.Len(t, store.writes, 250)
	assert.Len(t, events.calls, 3)
	assert.Equal(t, "fake@1", rep.ModelVersion)
	assert.NotEmpty(t, rep.RunID)
}

func TestRunWithNoUnscoredLeads(t *testing.T) {
	store := newMemStore(0)
	events := &fakeEvents{}

	rep, err := New(store, events, store, loaderFor(&fakeModel{}), 100).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, rep.State)
	assert.Zero(t, rep.Total)
	assert.Empty(t, rep.Chunks)
	assert.Empty(t, events.calls)
}

func TestRunAbortsWhenModelUnavailable(t *testing.T) {
	store := newMemStore(5)
	loader := ModelLoaderFunc(func(context.Context) (Model, error) {
		return nil, errors.New("open models/x.json: no such file or directory")
	})

	rep, err := New(store, &fakeEvents{}, store, loader, 100).Run(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrModelUnavailable))
	assert.Equal(t, StateAborted, rep.State)
	assert.NotEmpty(t, rep.Error)
	assert.Zero(t, store.fetches, "no lead is read once the model failed")
	assert.Empty(t, store.writes)
}

func TestRunAbortsWhenLeadStoreUnreachable(t *testing.T) {
	store := newMemStore(5)
	store.fetchErr = errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")

	rep, err := New(store, &fakeEvents{}, store, loaderFor(&fakeModel{}), 100).Run(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConnection))
	assert.True(t, apperrors.IsFatal(err))
	assert.Equal(t, StateAborted, rep.State)
	assert.Empty(t, rep.Chunks)
}

func TestRunIsolatesRowFailures(t *testing.T) {
	store := newMemStore(6)
	store.failWrite["u2"] = true

	rep, err := New(store, &fakeEvents{}, store, loaderFor(&fakeModel{fallback: 0.3}), 3).Run(context.Background())

	require.NoError(t, err)
	require.Len(t, rep.Chunks, 2)
	assert.Equal(t, 2, rep.Chunks[0].Written)
	assert.Equal(t, 1, rep.Chunks[0].Failed)
	assert.True(t, rep.Chunks[0].OK())
	assert.Equal(t, 3, rep.Chunks[1].Written)
	assert.Equal(t, []string{"u1", "u3", "u4", "u5", "u6"}, store.writes)
	assert.Equal(t, 1, rep.FailedRows)
	assert.Equal(t, 1, rep.Unscored())
}

func TestRunIsolatesRowWritePanic(t *testing.T) {
	store := newMemStore(6)
	store.panicOn = "u2"

	rep, err := New(store, &fakeEvents{}, store, loaderFor(&fakeModel{fallback: 0.3}), 3).Run(context.Background())

	require.NoError(t, err)
	require.Len(t, rep.Chunks, 2)
	assert.True(t, rep.Chunks[0].OK())
	assert.Equal(t, 2, rep.Chunks[0].Written)
	assert.Equal(t, 1, rep.Chunks[0].Failed)
	assert.Equal(t, 3, rep.Chunks[1].Written)
	assert.Equal(t, []string{"u1", "u3", "u4", "u5", "u6"}, store.writes)
	assert.Zero(t, rep.FailedChunks)
}

func TestRunContinuesAfterChunkFailure(t *testing.T) {
	store := newMemStore(6)
	events := &fakeEvents{failFor: "v2"}

	rep, err := New(store, events, store, loaderFor(&fakeModel{fallback: 0.7}), 3).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, rep.State)
	require.Len(t, rep.Chunks, 2)
	assert.False(t, rep.Chunks[0].OK())
	assert.True(t, errors.Is(rep.Chunks[0].Err(), apperrors.ErrBatchProcessing))
	assert.Zero(t, rep.Chunks[0].Written)
	assert.Equal(t, 3, rep.Chunks[1].Written)
	assert.Equal(t, 1, rep.FailedChunks)
	assert.Equal(t, []string{"u4", "u5", "u6"}, store.writes)
}

func TestRunRecoversChunkPanic(t *testing.T) {
	store := newMemStore(4)
	model := &fakeModel{fallback: 0.4, panicOn: "u1"}

	rep, err := New(store, &fakeEvents{}, store, loaderFor(model), 2).Run(context.Background())

	require.NoError(t, err)
	require.Len(t, rep.Chunks, 2)
	assert.True(t, errors.Is(rep.Chunks[0].Err(), apperrors.ErrBatchProcessing))
	assert.Contains(t, rep.Chunks[0].Error, "panic")
	assert.Equal(t, 2, rep.Chunks[1].Written)
}

func TestRunFailsChunkOnModelErrors(t *testing.T) {
	tests := []struct {
		name  string
		model *fakeModel
	}{
		{"model error", &fakeModel{fallback: 0.4, errOn: "u1"}},
		{"cardinality", &fakeModel{fallback: 0.4, shortBy: 1}},
		{"out of range", &fakeModel{fallback: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(2)

			rep, err := New(store, &fakeEvents{}, store, loaderFor(tt.model), 100).Run(context.Background())

			require.NoError(t, err)
			require.Len(t, rep.Chunks, 1)
			assert.False(t, rep.Chunks[0].OK())
			assert.Empty(t, store.writes, "no write happens for a chunk that failed to score")
		})
	}
}

func TestRunIsIdempotent(t *testing.T) {
	store := newMemStore(5)
	store.failWrite["u3"] = true
	model := &fakeModel{fallback: 0.61}
	o := New(store, &fakeEvents{}, store, loaderFor(model), 2)

	first, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, first.Scored)
	before, _ := store.score("u1")

	store.failWrite["u3"] = false
	second, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Total, "only the lead whose write failed is picked up again")
	assert.Equal(t, 1, second.Scored)

	after, _ := store.score("u1")
	assert.Equal(t, before, after)

	third, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, third.Total)
	assert.Equal(t, StateDone, third.State)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRunRoundsScores(t *testing.T) {
	store := newMemStore(2)
	model := &fakeModel{probs: map[string]float64{"u1": 0.12345, "u2": 0.98765}}

	_, err := New(store, &fakeEvents{}, store, loaderFor(model), 100).Run(context.Background())
	require.NoError(t, err)

	s1, ok := store.score("u1")
	require.True(t, ok)
	s2, ok := store.score("u2")
	require.True(t, ok)
	assert.Equal(t, 0.1235, s1)
	assert.Equal(t, 0.9877, s2)
}

func TestRunBuildsFeaturesFromEvents(t *testing.T) {
	store := newMemStore(2)
	at := time.Date(2025, 9, 2, 9, 0, 0, 0, time.UTC)
	events := &fakeEvents{byVisitor: map[string][]lead.Event{
		"v1": {
			{VisitorID: "v1", Type: lead.EventTrialSignup, Timestamp: at, FirstTouch: lead.Attribution{Campaign: "google_x", Present: true}},
			{VisitorID: "v1", Type: lead.EventTrialSignup, Timestamp: at.Add(time.Hour)},
			{VisitorID: "v1", Type: lead.EventUserVerified, Timestamp: at.Add(2 * time.Hour)},
		},
	}}
	model := &fakeModel{fallback: 0.2}

	_, err := New(store, events, store, loaderFor(model), 100).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, model.seenRows, 2)
	r1, r2 := model.seenRows[0], model.seenRows[1]
	assert.Equal(t, 2.0, r1.Numeric["events_trial_signup"])
	assert.Equal(t, 1.0, r1.Numeric["events_user_verified"])
	assert.Equal(t, "google_x", r1.Categorical[features.ColumnCampaign])
	assert.Empty(t, r2.Missing(features.DefaultSchema()))
	assert.Equal(t, lead.UnknownCategory, r2.Categorical[features.ColumnCampaign])
	assert.Equal(t, [][]string{{"v1", "v2"}}, events.calls)
}

func TestRunSkipsEventQueryWithoutVisitors(t *testing.T) {
	store := newMemStore(2)
	for i := range store.leads {
		store.leads[i].VisitorID = ""
	}
	events := &fakeEvents{}

	rep, err := New(store, events, store, loaderFor(&fakeModel{fallback: 0.1}), 100).Run(context.Background())

	require.NoError(t, err)
	assert.Empty(t, events.calls)
	assert.Equal(t, 2, rep.Scored)
}

func TestRunFeedsSinks(t *testing.T) {
	store := newMemStore(3)
	store.failWrite["u2"] = true
	good := &recordingSink{name: "good"}
	broken := &recordingSink{name: "broken", err: errors.New("broker down")}
	fixed := time.Date(2025, 9, 2, 12, 0, 0, 0, time.UTC)

	rep, err := New(store, &fakeEvents{}, store, loaderFor(&fakeModel{fallback: 0.55556}), 2,
		WithSinks(good, broken),
		WithClock(func() time.Time { return fixed }),
		WithRunIDs(func() string { return "run-1" }),
	).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, rep.Scored)
	assert.Zero(t, rep.FailedChunks, "sink errors never fail a chunk")
	assert.Equal(t, 2, good.calls)
	require.Len(t, good.got, 2)
	assert.Equal(t, ScoredLead{
		RunID:        "run-1",
		LeadID:       "u1",
		VisitorID:    "v1",
		Score:        0.5556,
		ModelVersion: "fake@1",
		Features:     good.got[0].Features,
		ScoredAt:     fixed,
	}, good.got[0])
	assert.Equal(t, "u3", good.got[1].LeadID)
	assert.Len(t, broken.got, 2)
}

func TestRunRecordsMetrics(t *testing.T) {
	store := newMemStore(5)
	store.failWrite["u5"] = true
	m := metrics.New()

	_, err := New(store, &fakeEvents{}, store, loaderFor(&fakeModel{fallback: 0.9}), 2, WithMetrics(m)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.LeadsFetchedTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.LeadsScoredTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RowFailuresTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ChunksTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("done")))
	assert.NotZero(t, testutil.ToFloat64(m.LastSuccessTimestamp))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "PROCESSING_CHUNK", StateProcessingChunk.String())

	var s State
	require.NoError(t, s.UnmarshalText([]byte("DONE")))
	assert.Equal(t, StateDone, s)
	assert.Error(t, s.UnmarshalText([]byte("RUNNING")))
}
