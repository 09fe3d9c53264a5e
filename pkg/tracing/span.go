// Package tracing times the stages of a scoring run. A run opens a root span
// keyed by its run id; chunks and the stages inside them (event fetch,
// feature build, scoring, writes) are child spans. When the run ends the
// spans are folded into per-stage totals and logged at debug level.
package tracing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type ctxKey struct{}

// Span is one timed stage.
type Span struct {
	Name     string
	TraceID  string
	Start    time.Time
	Duration time.Duration
	Err      error

	mu       sync.Mutex
	attrs    map[string]any
	parent   *Span
	root     *Span
	children []*Span
	ended    bool
}

// StartSpan opens a root span and stores it in the returned context.
func StartSpan(ctx context.Context, name string, traceID string) (context.Context, *Span) {
	s := &Span{Name: name, TraceID: traceID, Start: time.Now(), attrs: map[string]any{}}
	s.root = s
	return context.WithValue(ctx, ctxKey{}, s), s
}

// StartChildSpan opens a span under the one in ctx. Without a parent the span
// is its own root.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent := SpanFromContext(ctx)
	if parent == nil {
		return StartSpan(ctx, name, "")
	}
	s := &Span{
		Name:    name,
		TraceID: parent.TraceID,
		Start:   time.Now(),
		attrs:   map[string]any{},
		parent:  parent,
		root:    parent.root,
	}
	parent.mu.Lock()
	parent.children = append(parent.children, s)
	parent.mu.Unlock()
	return context.WithValue(ctx, ctxKey{}, s), s
}

func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(ctxKey{}).(*Span)
	return s
}

// End fixes the span's duration. Later calls are ignored.
func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.Duration = time.Since(s.Start)
}

// EndWithError records err, which may be nil, and ends the span.
func (s *Span) EndWithError(err error) {
	s.mu.Lock()
	s.Err = err
	s.mu.Unlock()
	s.End()
}

func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs[key] = value
	s.mu.Unlock()
}

// Attr returns an attribute set with SetAttr.
func (s *Span) Attr(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	return v, ok
}

// StageStat aggregates every span of one name below a root.
type StageStat struct {
	Name   string
	Count  int
	Total  time.Duration
	Max    time.Duration
	Errors int
}

// Summary folds the span tree into per-name totals, slowest stage first. The
// root itself is not included.
func (s *Span) Summary() []StageStat {
	byName := map[string]*StageStat{}
	var walk func(*Span)
	walk = func(sp *Span) {
		sp.mu.Lock()
		children := append([]*Span(nil), sp.children...)
		sp.mu.Unlock()
		for _, c := range children {
			c.mu.Lock()
			st, ok := byName[c.Name]
			if !ok {
				st = &StageStat{Name: c.Name}
				byName[c.Name] = st
			}
			st.Count++
			st.Total += c.Duration
			st.Max = max(st.Max, c.Duration)
			if c.Err != nil {
				st.Errors++
			}
			c.mu.Unlock()
			walk(c)
		}
	}
	walk(s)

	stats := make([]StageStat, 0, len(byName))
	for _, st := range byName {
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Total != stats[j].Total {
			return stats[i].Total > stats[j].Total
		}
		return stats[i].Name < stats[j].Name
	})
	return stats
}

// Log writes the root span and its stage summary at debug level.
func (s *Span) Log(logger *slog.Logger) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	s.mu.Lock()
	attrs := []any{"trace_id", s.TraceID, "span", s.Name, "duration_ms", s.Duration.Milliseconds()}
	for k, v := range s.attrs {
		attrs = append(attrs, k, v)
	}
	s.mu.Unlock()
	logger.Debug("trace", attrs...)

	for _, st := range s.Summary() {
		logger.Debug("stage timing",
			"trace_id", s.TraceID,
			"stage", st.Name,
			"count", st.Count,
			"total_ms", st.Total.Milliseconds(),
			"max_ms", st.Max.Milliseconds(),
			"errors", st.Errors,
		)
	}
}
