// Package logger configures the process-wide slog logger and threads run
// identity through contexts so every line of a scoring run can be
// correlated.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	chunkKey
)

// Setup installs the default logger on stdout. format is "json" or "text".
func Setup(level string, format string) {
	SetupWriter(os.Stdout, level, format)
}

// SetupWriter installs the default logger writing to w.
func SetupWriter(w io.Writer, level string, format string) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(contextHandler{handler}))
}

// contextHandler adds the run and chunk carried by the context to records
// logged through the *Context methods.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := RunID(ctx); ok {
		r.AddAttrs(slog.String("run_id", id))
	}
	if chunk, ok := ctx.Value(chunkKey).(int); ok {
		r.AddAttrs(slog.Int("chunk", chunk))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

// WithRunID tags ctx with the current run.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithChunk tags ctx with the 1-based index of the chunk being processed.
func WithChunk(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, chunkKey, index)
}

// RunID returns the run tagged on ctx, if any.
func RunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey).(string)
	return id, ok
}

// FromContext returns the default logger with the run and chunk carried by
// ctx attached, for code that logs without passing ctx.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id, ok := RunID(ctx); ok {
		l = l.With("run_id", id)
	}
	if chunk, ok := ctx.Value(chunkKey).(int); ok {
		l = l.With("chunk", chunk)
	}
	return l
}

// WithComponent returns the default logger tagged with component and any
// extra key/value pairs.
func WithComponent(component string, args ...any) *slog.Logger {
	return slog.Default().With(append([]any{"component", component}, args...)...)
}

// ParseLevel maps a config level name to a slog level. Unknown names are
// info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
