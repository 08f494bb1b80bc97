package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	runKey    contextKey = "run_id"
	sourceKey contextKey = "source"
)

// WithRun stamps a run identifier onto the context so every log line of
// one fetch cycle can be correlated.
func WithRun(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runKey, id)
}

// WithSource stamps the source name onto the context.
func WithSource(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, sourceKey, name)
}

// ContextHandler enriches records with run and source attributes pulled
// from the context, so call sites never thread them manually.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(runKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("run_id", id))
	}
	if name, ok := ctx.Value(sourceKey).(string); ok && name != "" {
		r.AddAttrs(slog.String("source", name))
	}
	return h.Handler.Handle(ctx, r)
}
