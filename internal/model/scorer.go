package model

import (
	"context"
	"fmt"
	"math"

	"github.com/insightos/leadscore/internal/features"
	apperrors "github.com/insightos/leadscore/pkg/errors"
	"github.com/insightos/leadscore/pkg/logger"
)

// Scorer evaluates a loaded pipeline. It is read-only after Load and safe for
// concurrent use.
type Scorer struct {
	artifact *Artifact
	schema   features.Schema
	index    []map[string]float64
}

// Load reads the artifact at path and prepares it for scoring.
func Load(path string) (*Scorer, error) {
	a, err := ReadArtifact(path)
	if err != nil {
		return nil, err
	}
	s := New(a)
	logger.WithComponent("model").Info("model loaded",
		"path", path,
		"name", a.Name,
		"version", a.Version,
		"features", s.Schema().Columns(),
	)
	return s, nil
}

// New builds a Scorer from an already validated artifact.
func New(a *Artifact) *Scorer {
	index := make([]map[string]float64, len(a.Categorical))
	for i, f := range a.Categorical {
		m := make(map[string]float64, len(f.Categories))
		for j, c := range f.Categories {
			m[c] = f.Coefs[j]
		}
		index[i] = m
	}
	return &Scorer{artifact: a, schema: a.Schema(), index: index}
}

// Schema returns the feature columns the model requires.
func (s *Scorer) Schema() features.Schema { return s.schema }

// Version identifies the artifact as "name@version".
func (s *Scorer) Version() string {
	if s.artifact.Version == "" {
		return s.artifact.Name
	}
	return s.artifact.Name + "@" + s.artifact.Version
}

// Score returns the positive-class probability of every row, in row order.
// A row lacking any required column fails the whole call with
// ErrSchemaMismatch.
func (s *Scorer) Score(ctx context.Context, rows []features.Row) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]float64, len(rows))
	for i, row := range rows {
		p, err := s.PredictProba(row)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// PredictProba scores a single row.
func (s *Scorer) PredictProba(row features.Row) (float64, error) {
	if missing := row.Missing(s.schema); len(missing) > 0 {
		return 0, apperrors.Newf(apperrors.ErrSchemaMismatch, "score",
			"lead %s lacks columns %v", row.LeadID, missing)
	}
	z := s.artifact.Intercept
	for _, f := range s.artifact.Numeric {
		scale := f.Scale
		if scale == 0 {
			scale = 1
		}
		z += f.Coef * (row.Numeric[f.Name] - f.Mean) / scale
	}
	for i, f := range s.artifact.Categorical {
		// Unseen categories encode to all zeros.
		z += s.index[i][row.Categorical[f.Name]]
	}
	p := sigmoid(z)
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("lead %s: probability %v outside [0,1]", row.LeadID, p)
	}
	return p, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
