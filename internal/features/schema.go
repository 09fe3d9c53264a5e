// Package features rebuilds per-lead model inputs from raw events: an
// explicit aggregation pass counts events per visitor and type, a join
// attaches those counts and the signup campaign to every lead, and
// Reconcile projects the result onto the schema the model was trained on.
package features

import (
	"strings"

	"github.com/insightos/leadscore/internal/lead"
)

// Column names shared with the trained model.
const (
	ColumnPlan        = "plan"
	ColumnCampaign    = "campaign"
	EventColumnPrefix = "events_"
)

// EventColumn returns the count column name for an event type.
func EventColumn(eventType string) string {
	return EventColumnPrefix + eventType
}

// Schema is a named set of numeric and categorical columns.
type Schema struct {
	Numeric     []string `json:"numeric"`
	Categorical []string `json:"categorical"`
}

// DefaultSchema is the schema of the production lead-scoring model.
func DefaultSchema() Schema {
	numeric := make([]string, 0, len(lead.KnownEventTypes))
	for _, t := range lead.KnownEventTypes {
		numeric = append(numeric, EventColumn(t))
	}
	return Schema{
		Numeric:     numeric,
		Categorical: []string{ColumnPlan, ColumnCampaign},
	}
}

// Columns returns every column, numeric first.
func (s Schema) Columns() []string {
	cols := make([]string, 0, len(s.Numeric)+len(s.Categorical))
	cols = append(cols, s.Numeric...)
	return append(cols, s.Categorical...)
}

// EventColumns returns the numeric columns that hold event counts.
func (s Schema) EventColumns() []string {
	var cols []string
	for _, c := range s.Numeric {
		if strings.HasPrefix(c, EventColumnPrefix) {
			cols = append(cols, c)
		}
	}
	return cols
}

