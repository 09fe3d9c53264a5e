// Package model loads the pre-trained lead-scoring pipeline and turns feature
// rows into conversion probabilities.
//
// The artifact is the JSON export of a logistic-regression pipeline: numeric
// inputs are standard-scaled, categorical inputs are one-hot encoded with
// unseen categories ignored, and the positive-class probability is the
// sigmoid of the linear combination.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/insightos/leadscore/internal/features"
	apperrors "github.com/insightos/leadscore/pkg/errors"
)

// NumericFeature is a standard-scaled input column.
type NumericFeature struct {
	Name  string  `json:"name"`
	Mean  float64 `json:"mean"`
	Scale float64 `json:"scale"`
	Coef  float64 `json:"coef"`
}

// CategoricalFeature is a one-hot encoded input column. Coefs[i] is the
// weight of Categories[i].
type CategoricalFeature struct {
	Name       string    `json:"name"`
	Categories []string  `json:"categories"`
	Coefs      []float64 `json:"coefs"`
}

// Artifact is the serialized pipeline.
type Artifact struct {
	Name        string               `json:"name"`
	Version     string               `json:"version"`
	Numeric     []NumericFeature     `json:"numeric"`
	Categorical []CategoricalFeature `json:"categorical"`
	Intercept   float64              `json:"intercept"`
}

// Validate checks the artifact is internally consistent.
func (a *Artifact) Validate() error {
	if len(a.Numeric)+len(a.Categorical) == 0 {
		return fmt.Errorf("artifact declares no features")
	}
	seen := make(map[string]struct{})
	for _, f := range a.Numeric {
		if f.Name == "" {
			return fmt.Errorf("numeric feature without a name")
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("duplicate feature %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		if isBad(f.Mean) || isBad(f.Scale) || isBad(f.Coef) {
			return fmt.Errorf("feature %q has a non-finite parameter", f.Name)
		}
	}
	for _, f := range a.Categorical {
		if f.Name == "" {
			return fmt.Errorf("categorical feature without a name")
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("duplicate feature %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		if len(f.Categories) != len(f.Coefs) {
			return fmt.Errorf("feature %q: %d categories but %d coefficients",
				f.Name, len(f.Categories), len(f.Coefs))
		}
		for _, c := range f.Coefs {
			if isBad(c) {
				return fmt.Errorf("feature %q has a non-finite coefficient", f.Name)
			}
		}
	}
	if isBad(a.Intercept) {
		return fmt.Errorf("non-finite intercept")
	}
	return nil
}

// Schema returns the columns the model requires.
func (a *Artifact) Schema() features.Schema {
	s := features.Schema{
		Numeric:     make([]string, 0, len(a.Numeric)),
		Categorical: make([]string, 0, len(a.Categorical)),
	}
	for _, f := range a.Numeric {
		s.Numeric = append(s.Numeric, f.Name)
	}
	for _, f := range a.Categorical {
		s.Categorical = append(s.Categorical, f.Name)
	}
	return s
}

// ReadArtifact reads and validates an artifact file. Every failure is an
// ErrModelUnavailable.
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrModelUnavailable, "read artifact", err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, apperrors.New(apperrors.ErrModelUnavailable, "decode artifact",
			fmt.Errorf("%s: %w", path, err))
	}
	if err := a.Validate(); err != nil {
		return nil, apperrors.New(apperrors.ErrModelUnavailable, "validate artifact",
			fmt.Errorf("%s: %w", path, err))
	}
	return &a, nil
}

func isBad(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}
