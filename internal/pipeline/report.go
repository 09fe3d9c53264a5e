package pipeline

import (
	"time"
)

// ChunkResult tallies one chunk. Index is 1-based; Offset is the position of
// the chunk's first lead in the snapshot.
type ChunkResult struct {
	Index    int           `json:"index"`
	Offset   int           `json:"offset"`
	Size     int           `json:"size"`
	Events   int           `json:"events"`
	Written  int           `json:"written"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`

	err error
}

// Err returns the chunk-level failure, if any.
func (c ChunkResult) Err() error { return c.err }

// OK reports whether the chunk ran to completion. Individual rows may still
// have failed.
func (c ChunkResult) OK() bool { return c.Error == "" }

// Report summarizes a run.
type Report struct {
	RunID        string        `json:"run_id"`
	State        State         `json:"state"`
	ModelVersion string        `json:"model_version,omitempty"`
	BatchSize    int           `json:"batch_size"`
	Total        int           `json:"total"`
	Chunks       []ChunkResult `json:"chunks"`
	Scored       int           `json:"scored"`
	FailedRows   int           `json:"failed_rows"`
	FailedChunks int           `json:"failed_chunks"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Error        string        `json:"error,omitempty"`
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Unscored is the number of snapshot leads left without a score.
func (r *Report) Unscored() int {
	return r.Total - r.Scored
}

func (r *Report) add(c ChunkResult) {
	r.Chunks = append(r.Chunks, c)
	r.Scored += c.Written
	r.FailedRows += c.Failed
	if !c.OK() {
		r.FailedChunks++
	}
}
