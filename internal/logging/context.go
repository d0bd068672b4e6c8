package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey struct{}

// correlation is the set of IDs carried through a dispatch or pipeline run.
type correlation struct {
	runID     string
	tool      string
	stepIndex int
	hasStep   bool
}

func fromContext(ctx context.Context) correlation {
	c, _ := ctx.Value(ctxKey{}).(correlation)
	return c
}

// WithRunID tags the context with a pipeline run ID.
func WithRunID(ctx context.Context, id string) context.Context {
	c := fromContext(ctx)
	c.runID = id
	return context.WithValue(ctx, ctxKey{}, c)
}

// WithTool tags the context with the tool being dispatched.
func WithTool(ctx context.Context, tool string) context.Context {
	c := fromContext(ctx)
	c.tool = tool
	return context.WithValue(ctx, ctxKey{}, c)
}

// WithStep tags the context with a pipeline step index.
func WithStep(ctx context.Context, index int) context.Context {
	c := fromContext(ctx)
	c.stepIndex = index
	c.hasStep = true
	return context.WithValue(ctx, ctxKey{}, c)
}

// RunID extracts the run ID, or "" if absent.
func RunID(ctx context.Context) string { return fromContext(ctx).runID }

// Tool extracts the tool name, or "" if absent.
func Tool(ctx context.Context) string { return fromContext(ctx).tool }

// StepIndex extracts the step index; ok is false outside a pipeline step.
func StepIndex(ctx context.Context) (index int, ok bool) {
	c := fromContext(ctx)
	return c.stepIndex, c.hasStep
}

func (c correlation) attrs() []slog.Attr {
	var out []slog.Attr
	if c.runID != "" {
		out = append(out, slog.String("run_id", c.runID))
	}
	if c.hasStep {
		out = append(out, slog.Int("step_index", c.stepIndex))
	}
	if c.tool != "" {
		out = append(out, slog.String("tool", c.tool))
	}
	return out
}

// CorrelationHandler wraps an slog.Handler and adds the correlation IDs found
// in the record's context. Use logger.InfoContext(ctx, ...) to benefit.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(fromContext(ctx).attrs()...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// New builds a correlated logger writing to w. format is "json" or "text";
// level is one of debug, info, warn, error (default info).
func New(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

// ParseLevel maps a level name onto slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDefault returns logger, or slog.Default() when nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
