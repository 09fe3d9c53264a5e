package features

import (
	"slices"
	"sort"

	"github.com/insightos/leadscore/internal/lead"
)

// Row is the feature vector of one lead.
type Row struct {
	LeadID      string             `json:"lead_id"`
	VisitorID   string             `json:"visitor_id"`
	Numeric     map[string]float64 `json:"numeric"`
	Categorical map[string]string  `json:"categorical"`
}

// Missing returns the schema columns absent from the row.
func (r Row) Missing(s Schema) []string {
	var missing []string
	for _, c := range s.Numeric {
		if _, ok := r.Numeric[c]; !ok {
			missing = append(missing, c)
		}
	}
	for _, c := range s.Categorical {
		if _, ok := r.Categorical[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}

// Table is the feature table of one chunk. Numeric and Categorical list the
// columns realized in the chunk, which before reconciliation depend on the
// event types that actually occurred.
type Table struct {
	Numeric     []string
	Categorical []string
	Rows        []Row
}

// Schema returns the realized column set.
func (t Table) Schema() Schema {
	return Schema{Numeric: t.Numeric, Categorical: t.Categorical}
}

// Builder turns a chunk of leads and their events into a reconciled table.
type Builder struct {
	schema Schema
}

// NewBuilder returns a Builder reconciling onto schema.
func NewBuilder(schema Schema) *Builder {
	return &Builder{schema: schema}
}

// Schema returns the expected schema.
func (b *Builder) Schema() Schema { return b.schema }

// Build returns one row per lead, in input order, reconciled onto the
// expected schema.
func (b *Builder) Build(leads []lead.Lead, events []lead.Event) Table {
	var t Table
	if len(events) == 0 {
		t = zeroTable(leads, b.schema.EventColumns())
	} else {
		t = join(leads, aggregate(events))
	}
	return Reconcile(t, b.schema)
}

// visitorStats is the aggregation of one visitor's events.
type visitorStats struct {
	counts   map[string]int
	campaign string
}

type aggregation struct {
	columns  []string
	visitors map[string]*visitorStats
}

// aggregate counts events per visitor and type and picks each visitor's
// campaign from their first trial_signup. Columns are the event types seen
// in this set of events.
func aggregate(events []lead.Event) aggregation {
	agg := aggregation{visitors: make(map[string]*visitorStats)}
	seen := make(map[string]struct{})
	for _, e := range events {
		col := EventColumn(e.Type)
		seen[col] = struct{}{}

		vs, ok := agg.visitors[e.VisitorID]
		if !ok {
			vs = &visitorStats{counts: make(map[string]int)}
			agg.visitors[e.VisitorID] = vs
		}
		vs.counts[col]++
		if e.Type == lead.EventTrialSignup && vs.campaign == "" {
			vs.campaign = e.FirstTouch.CampaignOrUnknown()
		}
	}
	agg.columns = make([]string, 0, len(seen))
	for col := range seen {
		agg.columns = append(agg.columns, col)
	}
	sort.Strings(agg.columns)
	return agg
}

// join left-joins the aggregation onto leads by visitor id.
func join(leads []lead.Lead, agg aggregation) Table {
	t := Table{
		Numeric:     agg.columns,
		Categorical: []string{ColumnPlan, ColumnCampaign},
		Rows:        make([]Row, 0, len(leads)),
	}
	for _, l := range leads {
		var vs *visitorStats
		if l.VisitorID != "" {
			vs = agg.visitors[l.VisitorID]
		}
		row := newRow(l, len(agg.columns))
		for _, col := range agg.columns {
			var n int
			if vs != nil {
				n = vs.counts[col]
			}
			row.Numeric[col] = float64(n)
		}
		if vs != nil && vs.campaign != "" {
			row.Categorical[ColumnCampaign] = vs.campaign
		} else {
			row.Categorical[ColumnCampaign] = lead.UnknownCategory
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// zeroTable is used when a chunk has no events at all.
func zeroTable(leads []lead.Lead, eventColumns []string) Table {
	t := Table{
		Numeric:     slices.Clone(eventColumns),
		Categorical: []string{ColumnPlan, ColumnCampaign},
		Rows:        make([]Row, 0, len(leads)),
	}
	for _, l := range leads {
		row := newRow(l, len(eventColumns))
		for _, col := range eventColumns {
			row.Numeric[col] = 0
		}
		row.Categorical[ColumnCampaign] = lead.UnknownCategory
		t.Rows = append(t.Rows, row)
	}
	return t
}

func newRow(l lead.Lead, numericCap int) Row {
	return Row{
		LeadID:      l.ID,
		VisitorID:   l.VisitorID,
		Numeric:     make(map[string]float64, numericCap),
		Categorical: map[string]string{ColumnPlan: l.Plan},
	}
}

// Reconcile projects t onto s: every numeric column of s missing from t is
// added with 0, every categorical column missing (or empty) is set to
// "unknown". Columns of t outside s are kept; the model ignores them. Rows
// are completed in place.
func Reconcile(t Table, s Schema) Table {
	out := Table{
		Numeric:     slices.Clone(t.Numeric),
		Categorical: slices.Clone(t.Categorical),
		Rows:        t.Rows,
	}
	for _, c := range s.Numeric {
		if !slices.Contains(out.Numeric, c) {
			out.Numeric = append(out.Numeric, c)
		}
	}
	for _, c := range s.Categorical {
		if !slices.Contains(out.Categorical, c) {
			out.Categorical = append(out.Categorical, c)
		}
	}
	for i := range out.Rows {
		row := &out.Rows[i]
		if row.Numeric == nil {
			row.Numeric = make(map[string]float64, len(s.Numeric))
		}
		if row.Categorical == nil {
			row.Categorical = make(map[string]string, len(s.Categorical))
		}
		for _, c := range s.Numeric {
			if _, ok := row.Numeric[c]; !ok {
				row.Numeric[c] = 0
			}
		}
		for _, c := range s.Categorical {
			if row.Categorical[c] == "" {
				row.Categorical[c] = lead.UnknownCategory
			}
		}
	}
	return out
}
