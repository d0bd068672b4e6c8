package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/toolforge/internal/logging"
	"github.com/rendis/toolforge/internal/middleware"
	"github.com/rendis/toolforge/internal/registry"
	"github.com/rendis/toolforge/internal/resilience"
	"github.com/rendis/toolforge/pkg/schema"
)

// ToolPolicy is the fault tolerance applied to one tool. The zero value
// makes a single unguarded attempt with no deadline.
type ToolPolicy struct {
	Timeout time.Duration
	Retry   *resilience.RetryPolicy
	Breaker *resilience.BreakerConfig
}

// Dispatcher is the entry point for callers: every call passes through the
// middleware chain, then retry, then the tool's circuit breaker, then the
// per-call deadline, and finally the registry.
type Dispatcher struct {
	registry *registry.Registry
	chain    *middleware.Chain
	breakers *resilience.BreakerRegistry
	tracker  *resilience.ErrorTracker
	logger   *slog.Logger
	engine   *PipelineEngine

	engineOpts []EngineOption

	mu            sync.RWMutex
	defaultPolicy ToolPolicy
	policies      map[string]ToolPolicy
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMiddleware sets the middleware chain, outermost first.
func WithMiddleware(layers ...middleware.Middleware) DispatcherOption {
	return func(d *Dispatcher) { d.chain = middleware.NewChain(layers...) }
}

// WithBreakers shares an existing breaker registry.
func WithBreakers(b *resilience.BreakerRegistry) DispatcherOption {
	return func(d *Dispatcher) { d.breakers = b }
}

// WithErrorTracker shares an existing error tracker.
func WithErrorTracker(t *resilience.ErrorTracker) DispatcherOption {
	return func(d *Dispatcher) { d.tracker = t }
}

// WithDefaultPolicy sets the policy for tools without their own.
func WithDefaultPolicy(p ToolPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.defaultPolicy = p }
}

// WithToolPolicy sets the policy for one tool.
func WithToolPolicy(tool string, p ToolPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.policies[tool] = p }
}

// WithDispatcherLogger sets the logger shared by the dispatcher and its engine.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithEngineOptions forwards options to the pipeline engine.
func WithEngineOptions(opts ...EngineOption) DispatcherOption {
	return func(d *Dispatcher) { d.engineOpts = append(d.engineOpts, opts...) }
}

// NewDispatcher wraps reg with the configured middleware and policies.
func NewDispatcher(reg *registry.Registry, opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{
		registry: reg,
		policies: make(map[string]ToolPolicy),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrDefault(d.logger)
	if d.chain == nil {
		d.chain = middleware.NewChain()
	}
	if d.breakers == nil {
		d.breakers = resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig(),
			resilience.WithStateChange(d.logBreakerChange))
	}
	if d.tracker == nil {
		d.tracker = resilience.NewErrorTracker(resilience.DefaultTrackerCapacity)
	}

	engineOpts := append([]EngineOption{WithLogger(d.logger)}, d.engineOpts...)
	engine, err := NewPipelineEngine(d, engineOpts...)
	if err != nil {
		return nil, err
	}
	d.engine = engine
	return d, nil
}

// SetPolicy replaces the policy for one tool.
func (d *Dispatcher) SetPolicy(tool string, p ToolPolicy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policies[tool] = p
}

// Policy returns the policy in effect for tool.
func (d *Dispatcher) Policy(tool string) ToolPolicy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.policies[tool]; ok {
		return p
	}
	return d.defaultPolicy
}

// Dispatch runs one tool call. Every error that leaves the dispatcher is
// recorded in the error tracker.
func (d *Dispatcher) Dispatch(ctx context.Context, tool string, input any) (any, error) {
	ctx = logging.WithTool(ctx, tool)
	out, err := d.chain.Execute(ctx, middleware.Request{Tool: tool, Input: input}, d.invoke)
	if err != nil {
		d.tracker.Track(tool, err)
		return nil, err
	}
	return out, nil
}

// RunPipeline executes steps, dispatching each one through Dispatch.
func (d *Dispatcher) RunPipeline(ctx context.Context, steps []schema.PipelineStep, initial map[string]any, opts ...RunOption) (*PipelineResult, error) {
	return d.engine.Run(ctx, steps, initial, opts...)
}

// RunBranches executes independent step lists concurrently.
func (d *Dispatcher) RunBranches(ctx context.Context, branches []Branch, initial map[string]any, opts ...RunOption) (*BranchesResult, error) {
	return d.engine.RunBranches(ctx, branches, initial, opts...)
}

// BreakerSnapshots returns the state of every circuit breaker.
func (d *Dispatcher) BreakerSnapshots() []resilience.BreakerSnapshot {
	return d.breakers.Snapshots()
}

// ErrorStats returns the error tracker counts.
func (d *Dispatcher) ErrorStats() resilience.ErrorStats {
	return d.tracker.Stats()
}

// RecentErrors returns up to n tracked errors, newest first.
func (d *Dispatcher) RecentErrors(n int) []resilience.TrackedError {
	return d.tracker.Recent(n)
}

// Registry returns the underlying registry.
func (d *Dispatcher) Registry() *registry.Registry { return d.registry }

// Engine returns the pipeline engine bound to this dispatcher.
func (d *Dispatcher) Engine() *PipelineEngine { return d.engine }

// invoke is the terminal of the middleware chain.
func (d *Dispatcher) invoke(ctx context.Context, req middleware.Request) (any, error) {
	if !d.registry.Has(req.Tool) {
		return nil, schema.ToolNotFound(req.Tool)
	}

	policy := d.Policy(req.Tool)
	var breaker *resilience.CircuitBreaker
	if policy.Breaker != nil {
		breaker = d.breakers.GetWithConfig(req.Tool, *policy.Breaker)
	}

	call := func(ctx context.Context, _ int) (any, error) {
		return d.callWithDeadline(ctx, req.Tool, req.Input, policy.Timeout)
	}

	if policy.Retry == nil {
		return resilience.Retry(ctx, resilience.RetryPolicy{MaxAttempts: 1}, breaker, call)
	}
	p := *policy.Retry
	if p.OnRetry == nil {
		p.OnRetry = func(attempt int, delay time.Duration, err error) {
			d.logger.InfoContext(ctx, schema.EventRetryAttempt,
				slog.String("event", schema.EventRetryAttempt),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
		}
	}
	return resilience.Retry(ctx, p, breaker, call)
}

type callOutcome struct {
	out any
	err error
}

// callWithDeadline runs the registry dispatch and returns as soon as ctx
// ends, even if the handler ignores cancellation.
func (d *Dispatcher) callWithDeadline(ctx context.Context, tool string, input any, timeout time.Duration) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if ctx.Done() == nil {
		return d.registry.Dispatch(ctx, tool, input)
	}

	done := make(chan callOutcome, 1)
	go func() {
		out, err := d.registry.Dispatch(ctx, tool, input)
		done <- callOutcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && !isForgeError(o.err) && ctx.Err() != nil {
			return nil, deadlineError(tool, timeout, ctx.Err())
		}
		return o.out, o.err
	case <-ctx.Done():
		return nil, deadlineError(tool, timeout, ctx.Err())
	}
}

func deadlineError(tool string, timeout time.Duration, ctxErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		e := schema.NewTimeoutError("deadline exceeded").WithTool(tool).WithCause(ctxErr)
		if timeout > 0 {
			e.Message = fmt.Sprintf("no response within %s", timeout)
			e.Details = map[string]any{"timeout_ms": timeout.Milliseconds()}
		}
		return e
	}
	return schema.NewCancelledError(ctxErr).WithTool(tool)
}

func isForgeError(err error) bool {
	var fe *schema.ForgeError
	return errors.As(err, &fe)
}

func (d *Dispatcher) logBreakerChange(name string, from, to resilience.State) {
	var event string
	switch to {
	case resilience.StateOpen:
		event = schema.EventCircuitOpen
	case resilience.StateHalfOpen:
		event = schema.EventCircuitHalfOpen
	default:
		event = schema.EventCircuitClosed
	}
	d.logger.Warn(event,
		slog.String("event", event),
		slog.String("dependency", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}
