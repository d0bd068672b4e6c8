package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/toolforge/internal/logging"
	"github.com/rendis/toolforge/internal/resilience"
	"github.com/rendis/toolforge/pkg/schema"
)

// Logging records every dispatch on logger.
type Logging struct {
	Base
	logger *slog.Logger
}

// NewLogging creates a Logging middleware. A nil logger uses slog.Default().
func NewLogging(logger *slog.Logger) *Logging {
	return &Logging{logger: logging.OrDefault(logger)}
}

func (l *Logging) Before(ctx context.Context, req Request) (Request, error) {
	l.logger.DebugContext(ctx, "dispatch started", slog.String("tool", req.Tool))
	return req, nil
}

func (l *Logging) After(ctx context.Context, req Request, resp any) (any, error) {
	l.logger.InfoContext(ctx, "dispatch completed",
		slog.String("tool", req.Tool),
		slog.Duration("duration", time.Since(req.StartedAt)))
	return resp, nil
}

func (l *Logging) OnError(ctx context.Context, req Request, err error) (any, error) {
	l.logger.WarnContext(ctx, "dispatch failed",
		slog.String("tool", req.Tool),
		slog.String("code", schema.Code(err)),
		slog.String("error", err.Error()),
		slog.Duration("duration", time.Since(req.StartedAt)))
	return nil, err
}

// RequiredFields rejects object inputs that lack any of the listed keys.
type RequiredFields struct {
	Base
	fields []string
}

// NewRequiredFields creates a RequiredFields middleware.
func NewRequiredFields(fields ...string) *RequiredFields {
	return &RequiredFields{fields: fields}
}

func (v *RequiredFields) Before(_ context.Context, req Request) (Request, error) {
	obj, ok := req.Input.(map[string]any)
	if !ok {
		return req, schema.NewValidationError("", "input must be an object").WithTool(req.Tool)
	}
	for _, f := range v.fields {
		if _, present := obj[f]; !present {
			return req, schema.NewValidationError(f, "required field missing").WithTool(req.Tool)
		}
	}
	return req, nil
}

// Transform rewrites inputs and outputs with plain functions. Either may be nil.
type Transform struct {
	Base
	Input  func(input any) (any, error)
	Output func(output any) (any, error)
}

func (t *Transform) Before(_ context.Context, req Request) (Request, error) {
	if t.Input == nil {
		return req, nil
	}
	in, err := t.Input(req.Input)
	if err != nil {
		return req, err
	}
	req.Input = in
	return req, nil
}

func (t *Transform) After(_ context.Context, _ Request, resp any) (any, error) {
	if t.Output == nil {
		return resp, nil
	}
	return t.Output(resp)
}

// Recovery guards each tool with its own circuit breaker and tracks failures.
// It never recovers a response itself.
type Recovery struct {
	Base
	breakers *resilience.BreakerRegistry
	tracker  *resilience.ErrorTracker
}

// NewRecovery creates a Recovery middleware. Either dependency may be nil.
func NewRecovery(breakers *resilience.BreakerRegistry, tracker *resilience.ErrorTracker) *Recovery {
	return &Recovery{breakers: breakers, tracker: tracker}
}

func (r *Recovery) Before(_ context.Context, req Request) (Request, error) {
	if r.breakers == nil {
		return req, nil
	}
	return req, r.breakers.Get(req.Tool).Allow()
}

func (r *Recovery) After(_ context.Context, req Request, resp any) (any, error) {
	if r.breakers != nil {
		r.breakers.Get(req.Tool).RecordSuccess()
	}
	return resp, nil
}

func (r *Recovery) OnError(_ context.Context, req Request, err error) (any, error) {
	if r.tracker != nil {
		r.tracker.Track(req.Tool, err)
	}
	if r.breakers != nil {
		r.breakers.Get(req.Tool).Record(err)
	}
	return nil, err
}

// MetricsRecorder receives one observation per finished dispatch.
type MetricsRecorder interface {
	ObserveDispatch(tool string, duration time.Duration, err error)
}

// Metrics reports dispatch outcomes to a MetricsRecorder.
type Metrics struct {
	Base
	recorder MetricsRecorder
}

// NewMetrics creates a Metrics middleware.
func NewMetrics(recorder MetricsRecorder) *Metrics {
	return &Metrics{recorder: recorder}
}

func (m *Metrics) After(_ context.Context, req Request, resp any) (any, error) {
	m.recorder.ObserveDispatch(req.Tool, time.Since(req.StartedAt), nil)
	return resp, nil
}

func (m *Metrics) OnError(_ context.Context, req Request, err error) (any, error) {
	m.recorder.ObserveDispatch(req.Tool, time.Since(req.StartedAt), err)
	return nil, err
}

// Scoped applies inner only to the listed tools and passes every other
// request through untouched.
type Scoped struct {
	inner Middleware
	tools map[string]struct{}
}

// ForTools scopes inner to tools.
func ForTools(inner Middleware, tools ...string) *Scoped {
	set := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		set[t] = struct{}{}
	}
	return &Scoped{inner: inner, tools: set}
}

func (s *Scoped) applies(tool string) bool {
	_, ok := s.tools[tool]
	return ok
}

func (s *Scoped) Before(ctx context.Context, req Request) (Request, error) {
	if !s.applies(req.Tool) {
		return req, nil
	}
	return s.inner.Before(ctx, req)
}

func (s *Scoped) After(ctx context.Context, req Request, resp any) (any, error) {
	if !s.applies(req.Tool) {
		return resp, nil
	}
	return s.inner.After(ctx, req, resp)
}

func (s *Scoped) OnError(ctx context.Context, req Request, err error) (any, error) {
	if !s.applies(req.Tool) {
		return nil, err
	}
	return s.inner.OnError(ctx, req, err)
}
