// Package pipeline drives one batch scoring run: it loads the model,
// snapshots every unscored lead, and walks the snapshot in fixed-size chunks,
// fetching events, building features, scoring and writing each chunk in turn.
// A failing row never affects other rows and a failing chunk never stops the
// run; only a missing model or an unreachable lead store aborts it.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/insightos/leadscore/internal/features"
	"github.com/insightos/leadscore/internal/lead"
)

// EntitySource returns the leads that still need a score.
type EntitySource interface {
	FetchUnscored(ctx context.Context) ([]lead.Lead, error)
}

// EventStore returns the behavioral events of a set of visitors.
type EventStore interface {
	FetchEvents(ctx context.Context, visitorIDs []string) ([]lead.Event, error)
}

// ResultWriter persists one lead's score.
type ResultWriter interface {
	WriteScore(ctx context.Context, leadID string, score float64) error
}

// Model is a loaded scoring pipeline.
type Model interface {
	Schema() features.Schema
	Version() string
	Score(ctx context.Context, rows []features.Row) ([]float64, error)
}

// ModelLoader loads the model once per run.
type ModelLoader interface {
	Load(ctx context.Context) (Model, error)
}

// ModelLoaderFunc adapts a function to ModelLoader.
type ModelLoaderFunc func(ctx context.Context) (Model, error)

func (f ModelLoaderFunc) Load(ctx context.Context) (Model, error) { return f(ctx) }

// ScoredLead is a lead whose rounded score has been written.
type ScoredLead struct {
	RunID        string
	LeadID       string
	VisitorID    string
	Score        float64
	ModelVersion string
	Features     features.Row
	ScoredAt     time.Time
}

// Sink receives the leads of a chunk whose score was written. Sinks run
// after the chunk's writes and their errors are logged only.
type Sink interface {
	Name() string
	Consume(ctx context.Context, scored []ScoredLead) error
}

// State is a step of the run state machine.
type State int

const (
	StateInit State = iota
	StateLoadingModel
	StateFetchingUnscored
	StateProcessingChunk
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateLoadingModel:
		return "LOADING_MODEL"
	case StateFetchingUnscored:
		return "FETCHING_UNSCORED"
	case StateProcessingChunk:
		return "PROCESSING_CHUNK"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := StateInit; st <= StateAborted; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown run state %q", b)
}
