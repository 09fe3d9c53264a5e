package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/insightos/leadscore/internal/features"
	"github.com/insightos/leadscore/internal/lead"
	apperrors "github.com/insightos/leadscore/pkg/errors"
	"github.com/insightos/leadscore/pkg/logger"
	"github.com/insightos/leadscore/pkg/metrics"
	"github.com/insightos/leadscore/pkg/tracing"
)

// DefaultBatchSize is the chunk size used when none is configured.
const DefaultBatchSize = 100

type Orchestrator struct {
	leads     EntitySource
	events    EventStore
	writer    ResultWriter
	loader    ModelLoader
	batchSize int
	sinks     []Sink
	metrics   *metrics.Metrics
	now       func() time.Time
	newRunID  func() string
}

type Option func(*Orchestrator)

// WithSinks registers consumers of each chunk's written scores.
func WithSinks(sinks ...Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sinks...) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithRunIDs(next func() string) Option {
	return func(o *Orchestrator) { o.newRunID = next }
}

func New(leads EntitySource, events EventStore, writer ResultWriter, loader ModelLoader, batchSize int, opts ...Option) *Orchestrator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	o := &Orchestrator{
		leads:     leads,
		events:    events,
		writer:    writer,
		loader:    loader,
		batchSize: batchSize,
		now:       time.Now,
		newRunID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run is the state of a single Run call.
type run struct {
	report  *Report
	model   Model
	builder *features.Builder
	logger  *slog.Logger
}

func (r *run) transition(to State) {
	r.logger.Debug("state transition", "from", r.report.State, "to", to)
	r.report.State = to
}

// Run executes one scoring pass. The returned report is never nil. The error
// is non-nil only when the run ended ABORTED, in which case it matches
// errors.ErrModelUnavailable or errors.ErrConnection.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	runID := o.newRunID()
	ctx = logger.WithRunID(ctx, runID)
	r := &run{
		report: &Report{
			RunID:     runID,
			State:     StateInit,
			BatchSize: o.batchSize,
			StartedAt: o.now(),
		},
		logger: logger.FromContext(ctx).With("component", "orchestrator"),
	}
	ctx, root := tracing.StartSpan(ctx, "run", runID)
	defer func() {
		root.SetAttr("state", r.report.State.String())
		root.End()
		root.Log(r.logger)
	}()

	r.logger.Info("scoring run started",
		"started_at", r.report.StartedAt.Format(time.RFC3339),
		"batch_size", o.batchSize,
	)

	r.transition(StateLoadingModel)
	model, err := o.loadModel(ctx)
	if err != nil {
		return o.abort(r, err, "load model")
	}
	r.model = model
	r.builder = features.NewBuilder(model.Schema())
	r.report.ModelVersion = model.Version()

	r.transition(StateFetchingUnscored)
	leads, err := o.fetchUnscored(ctx)
	if err != nil {
		return o.abort(r, err, "fetch unscored")
	}
	r.report.Total = len(leads)
	o.metrics.LeadsFetched(len(leads))
	r.logger.Info("unscored leads fetched", "count", len(leads))

	chunks := Partition(leads, o.batchSize)
	offset := 0
	for i, chunk := range chunks {
		r.transition(StateProcessingChunk)
		res := o.processChunk(ctx, r, i+1, len(chunks), offset, chunk)
		r.report.add(res)
		offset += len(chunk)
	}

	r.transition(StateDone)
	r.report.FinishedAt = o.now()
	o.metrics.RunDone("done", r.report.Duration(), r.report.FinishedAt)
	r.logger.Info("scoring run finished",
		"finished_at", r.report.FinishedAt.Format(time.RFC3339),
		"total", r.report.Total,
		"scored", r.report.Scored,
		"failed_rows", r.report.FailedRows,
		"failed_chunks", r.report.FailedChunks,
		"duration", r.report.Duration().Round(time.Millisecond),
	)
	return r.report, nil
}

func (o *Orchestrator) loadModel(ctx context.Context) (Model, error) {
	ctx, span := tracing.StartChildSpan(ctx, "load-model")
	m, err := o.loader.Load(ctx)
	if err == nil && m == nil {
		err = errors.New("loader returned no model")
	}
	if err != nil && !errors.Is(err, apperrors.ErrModelUnavailable) {
		err = apperrors.New(apperrors.ErrModelUnavailable, "load model", err)
	}
	span.EndWithError(err)
	return m, err
}

func (o *Orchestrator) fetchUnscored(ctx context.Context) ([]lead.Lead, error) {
	ctx, span := tracing.StartChildSpan(ctx, "fetch-unscored")
	leads, err := o.leads.FetchUnscored(ctx)
	span.SetAttr("leads", len(leads))
	span.EndWithError(err)
	return leads, err
}

// abort ends the run. A setup failure that is not already fatal is a lost
// connection to the lead store.
func (o *Orchestrator) abort(r *run, err error, stage string) (*Report, error) {
	if !apperrors.IsFatal(err) {
		err = apperrors.New(apperrors.ErrConnection, stage, err)
	}
	r.transition(StateAborted)
	r.report.FinishedAt = o.now()
	r.report.Error = err.Error()
	o.metrics.RunDone("aborted", r.report.Duration(), time.Time{})
	r.logger.Error("scoring run aborted",
		"kind", apperrors.Kind(err),
		"error", err,
	)
	return r.report, err
}

// processChunk runs one chunk to completion. Any error or panic before the
// writes start fails the whole chunk; write errors and panics fail only
// their row.
func (o *Orchestrator) processChunk(ctx context.Context, r *run, index, total, offset int, chunk []lead.Lead) (res ChunkResult) {
	start := o.now()
	res = ChunkResult{Index: index, Offset: offset, Size: len(chunk)}
	ctx = logger.WithChunk(ctx, index)
	log := r.logger.With("chunk", index)
	ctx, span := tracing.StartChildSpan(ctx, "chunk")
	span.SetAttr("index", index)
	span.SetAttr("size", len(chunk))

	defer func() {
		if p := recover(); p != nil {
			res.err = apperrors.Newf(apperrors.ErrBatchProcessing, "chunk", "panic: %v", p)
		}
		if res.err != nil {
			res.Error = res.err.Error()
			log.Warn("chunk failed, continuing with next chunk",
				"kind", apperrors.Kind(res.err),
				"error", res.err,
			)
		}
		res.Duration = o.now().Sub(start)
		span.SetAttr("written", res.Written)
		span.SetAttr("failed", res.Failed)
		span.EndWithError(res.err)
		o.metrics.ChunkDone(res.err != nil, res.Duration)
	}()

	log.Info(fmt.Sprintf("processing chunk %d/%d (leads %d-%d)", index, total, offset+1, offset+len(chunk)))

	events, err := o.fetchEvents(ctx, chunk)
	if err != nil {
		res.err = apperrors.New(apperrors.ErrBatchProcessing, "fetch events", err)
		return res
	}
	res.Events = len(events)
	log.Info(fmt.Sprintf("loaded %d events", len(events)))

	_, buildSpan := tracing.StartChildSpan(ctx, "build-features")
	table := r.builder.Build(chunk, events)
	buildSpan.End()

	probs, err := o.score(ctx, r.model, table.Rows)
	if err != nil {
		res.err = apperrors.New(apperrors.ErrBatchProcessing, "score", err)
		return res
	}

	scored := o.writeScores(ctx, r, log, table.Rows, probs, &res)
	log.Info(fmt.Sprintf("%d/%d leads updated", res.Written, res.Size))

	o.dispatch(ctx, log, scored)
	return res
}

// fetchEvents queries the events of the chunk's distinct, non-empty visitor
// ids. A chunk without any visitor id skips the query.
func (o *Orchestrator) fetchEvents(ctx context.Context, chunk []lead.Lead) ([]lead.Event, error) {
	ids := make([]string, 0, len(chunk))
	seen := make(map[string]struct{}, len(chunk))
	for _, l := range chunk {
		if l.VisitorID == "" {
			continue
		}
		if _, dup := seen[l.VisitorID]; dup {
			continue
		}
		seen[l.VisitorID] = struct{}{}
		ids = append(ids, l.VisitorID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, span := tracing.StartChildSpan(ctx, "fetch-events")
	events, err := o.events.FetchEvents(ctx, ids)
	span.SetAttr("events", len(events))
	span.EndWithError(err)
	return events, err
}

func (o *Orchestrator) score(ctx context.Context, m Model, rows []features.Row) ([]float64, error) {
	ctx, span := tracing.StartChildSpan(ctx, "score")
	probs, err := m.Score(ctx, rows)
	if err == nil && len(probs) != len(rows) {
		err = fmt.Errorf("model returned %d scores for %d rows", len(probs), len(rows))
	}
	if err == nil {
		for i, p := range probs {
			if math.IsNaN(p) || p < 0 || p > 1 {
				err = fmt.Errorf("score %v for lead %s outside [0,1]", p, rows[i].LeadID)
				break
			}
		}
	}
	span.EndWithError(err)
	return probs, err
}

func (o *Orchestrator) writeScores(ctx context.Context, r *run, log *slog.Logger, rows []features.Row, probs []float64, res *ChunkResult) []ScoredLead {
	ctx, span := tracing.StartChildSpan(ctx, "write-scores")
	defer span.End()

	scored := make([]ScoredLead, 0, len(rows))
	for i, row := range rows {
		score := lead.RoundScore(probs[i])
		if err := o.writeScore(ctx, row.LeadID, score); err != nil {
			res.Failed++
			o.metrics.RowFailed()
			log.Warn("score write failed, lead stays unscored",
				"lead_id", row.LeadID,
				"error", err,
			)
			continue
		}
		res.Written++
		o.metrics.ScoreWritten(score)
		scored = append(scored, ScoredLead{
			RunID:        r.report.RunID,
			LeadID:       row.LeadID,
			VisitorID:    row.VisitorID,
			Score:        score,
			ModelVersion: r.report.ModelVersion,
			Features:     row,
			ScoredAt:     o.now(),
		})
	}
	return scored
}

// writeScore writes one score, turning a writer panic into a row failure.
func (o *Orchestrator) writeScore(ctx context.Context, leadID string, score float64) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperrors.Newf(apperrors.ErrRowUpdate, "write score", "panic: %v", p)
		}
	}()
	return o.writer.WriteScore(ctx, leadID, score)
}

// dispatch hands the written scores to every sink. Sink failures and panics
// are logged and never reach the chunk result.
func (o *Orchestrator) dispatch(ctx context.Context, log *slog.Logger, scored []ScoredLead) {
	if len(scored) == 0 {
		return
	}
	for _, s := range o.sinks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Error("sink panicked", "sink", s.Name(), "panic", p)
				}
			}()
			if err := s.Consume(ctx, scored); err != nil {
				log.Warn("sink failed", "sink", s.Name(), "leads", len(scored), "error", err)
			}
		}()
	}
}
