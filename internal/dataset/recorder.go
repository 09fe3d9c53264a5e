// Package dataset appends every scored feature row to a size-rotated JSONL
// file, building the history used to monitor and retrain the model.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/insightos/leadscore/internal/pipeline"
	"github.com/insightos/leadscore/pkg/config"
	"github.com/insightos/leadscore/pkg/metrics"
)

// Record is one line of the dataset.
type Record struct {
	Time         time.Time          `json:"time"`
	RunID        string             `json:"run_id"`
	LeadID       string             `json:"lead_id"`
	VisitorID    string             `json:"visitor_id,omitempty"`
	Numeric      map[string]float64 `json:"numeric"`
	Categorical  map[string]string  `json:"categorical"`
	Score        float64            `json:"score"`
	ModelVersion string             `json:"model_version"`
}

// Recorder is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	out     io.WriteCloser
	enc     *json.Encoder
	metrics *metrics.Metrics
}

// NewRecorder writes to cfg.File, rotating at cfg.MaxSizeMB and keeping
// cfg.MaxBackups compressed backups.
func NewRecorder(cfg config.DatasetConfig, m *metrics.Metrics) *Recorder {
	return NewRecorderWriter(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}, m)
}

func NewRecorderWriter(w io.WriteCloser, m *metrics.Metrics) *Recorder {
	return &Recorder{out: w, enc: json.NewEncoder(w), metrics: m}
}

// Record appends one scored lead.
func (r *Recorder) Record(s pipeline.ScoredLead) error {
	rec := Record{
		Time:         s.ScoredAt.UTC(),
		RunID:        s.RunID,
		LeadID:       s.LeadID,
		VisitorID:    s.VisitorID,
		Numeric:      s.Features.Numeric,
		Categorical:  s.Features.Categorical,
		Score:        s.Score,
		ModelVersion: s.ModelVersion,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(rec); err != nil {
		return fmt.Errorf("appending lead %s to dataset: %w", s.LeadID, err)
	}
	r.metrics.DatasetRecorded()
	return nil
}

func (r *Recorder) Name() string { return "dataset" }

// Consume records every scored lead of a chunk, stopping at the first
// write error.
func (r *Recorder) Consume(_ context.Context, scored []pipeline.ScoredLead) error {
	for _, s := range scored {
		if err := r.Record(s); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Close()
}
