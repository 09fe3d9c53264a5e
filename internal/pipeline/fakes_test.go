package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/insightos/leadscore/internal/features"
	"github.com/insightos/leadscore/internal/lead"
)

// memStore is an in-memory lead table acting as both EntitySource and
// ResultWriter.
type memStore struct {
	mu        sync.Mutex
	leads     []lead.Lead
	failWrite map[string]bool
	panicOn   string
	fetchErr  error
	fetches   int
	writes    []string
}

func newMemStore(n int) *memStore {
	s := &memStore{failWrite: make(map[string]bool)}
	for i := 1; i <= n; i++ {
		s.leads = append(s.leads, lead.Lead{
			ID:        fmt.Sprintf("u%d", i),
			VisitorID: fmt.Sprintf("v%d", i),
			Plan:      "pro",
		})
	}
	return s
}

func (s *memStore) FetchUnscored(_ context.Context) ([]lead.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []lead.Lead
	for _, l := range s.leads {
		if l.Score == nil {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memStore) WriteScore(_ context.Context, leadID string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite[leadID] {
		return errors.New("connection reset by peer")
	}
	if leadID == s.panicOn {
		panic("driver blew up on " + leadID)
	}
	for i := range s.leads {
		if s.leads[i].ID == leadID {
			v := score
			s.leads[i].Score = &v
			s.writes = append(s.writes, leadID)
			return nil
		}
	}
	return fmt.Errorf("lead %s not found", leadID)
}

func (s *memStore) score(leadID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.leads {
		if l.ID == leadID && l.Score != nil {
			return *l.Score, true
		}
	}
	return 0, false
}

type fakeEvents struct {
	byVisitor map[string][]lead.Event
	failFor   string
	calls     [][]string
}

func (f *fakeEvents) FetchEvents(_ context.Context, ids []string) ([]lead.Event, error) {
	f.calls = append(f.calls, ids)
	var out []lead.Event
	for _, id := range ids {
		if id == f.failFor {
			return nil, errors.New("events table unavailable")
		}
		out = append(out, f.byVisitor[id]...)
	}
	return out, nil
}

type fakeModel struct {
	probs    map[string]float64
	fallback float64
	panicOn  string
	errOn    string
	shortBy  int
	seenRows []features.Row
}

func (m *fakeModel) Schema() features.Schema { return features.DefaultSchema() }

func (m *fakeModel) Version() string { return "fake@1" }

func (m *fakeModel) Score(_ context.Context, rows []features.Row) ([]float64, error) {
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		if r.LeadID == m.panicOn {
			panic("index out of range")
		}
		if r.LeadID == m.errOn {
			return nil, errors.New("model rejected input")
		}
		m.seenRows = append(m.seenRows, r)
		if p, ok := m.probs[r.LeadID]; ok {
			out = append(out, p)
		} else {
			out = append(out, m.fallback)
		}
	}
	return out[:len(out)-m.shortBy], nil
}

func loaderFor(m Model) ModelLoader {
	return ModelLoaderFunc(func(context.Context) (Model, error) { return m, nil })
}

type recordingSink struct {
	name  string
	err   error
	got   []ScoredLead
	calls int
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Consume(_ context.Context, scored []ScoredLead) error {
	s.calls++
	s.got = append(s.got, scored...)
	return s.err
}
