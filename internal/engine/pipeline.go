package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/toolforge/internal/expressions"
	"github.com/rendis/toolforge/internal/logging"
	"github.com/rendis/toolforge/internal/resilience"
	"github.com/rendis/toolforge/pkg/schema"
)

// StepDispatcher runs one tool call on behalf of a pipeline step.
type StepDispatcher interface {
	Dispatch(ctx context.Context, tool string, input any) (any, error)
}

// Persister stores the final variables of a run. state.Manager satisfies it.
type Persister interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// StepResult is the outcome of a single pipeline step.
type StepResult struct {
	Index      int                `json:"index"`
	Tool       string             `json:"tool"`
	OutputVar  string             `json:"output_var,omitempty"`
	Status     schema.StepStatus  `json:"status"`
	Success    bool               `json:"success"`
	Output     any                `json:"output,omitempty"`
	Error      *schema.ForgeError `json:"error,omitempty"`
	Attempts   int                `json:"attempts,omitempty"`
	DurationMs int64              `json:"duration_ms"`
}

// PipelineResult is returned by Run, complete or partial.
type PipelineResult struct {
	RunID       string           `json:"run_id"`
	Status      schema.RunStatus `json:"status"`
	Results     []StepResult     `json:"results"`
	Variables   *Variables       `json:"variables"`
	Released    []string         `json:"released,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// PipelineEngine executes ordered step lists against a run-scoped variable store.
type PipelineEngine struct {
	dispatcher StepDispatcher
	conditions *expressions.CELEngine
	logger     *slog.Logger
	persister  Persister
	hooks      []TransitionHook
	pool       *WorkerPool
}

// EngineOption configures a PipelineEngine.
type EngineOption func(*PipelineEngine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *PipelineEngine) { e.logger = logger }
}

// WithPersister sets where WithPersist runs write their variables.
func WithPersister(p Persister) EngineOption {
	return func(e *PipelineEngine) { e.persister = p }
}

// WithTransitionHook observes every run state change.
func WithTransitionHook(h TransitionHook) EngineOption {
	return func(e *PipelineEngine) { e.hooks = append(e.hooks, h) }
}

// WithPoolSize bounds how many branches RunBranches executes at once.
func WithPoolSize(n int) EngineOption {
	return func(e *PipelineEngine) { e.pool = NewWorkerPool(n) }
}

// NewPipelineEngine creates an engine dispatching steps through d.
func NewPipelineEngine(d StepDispatcher, opts ...EngineOption) (*PipelineEngine, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, schema.NewInternalError(err.Error()).WithCause(err)
	}
	e := &PipelineEngine{dispatcher: d, conditions: cel}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDefault(e.logger)
	if e.pool == nil {
		e.pool = NewWorkerPool(DefaultPoolSize)
	}
	return e, nil
}

type runOptions struct {
	runID        string
	timeout      time.Duration
	earlyRelease bool
	keep         map[string]struct{}
	persistKey   string
	persistTTL   time.Duration
}

// RunOption configures a single run.
type RunOption func(*runOptions)

// WithRunID overrides the generated run id.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithRunTimeout bounds the whole run. Step and handler deadlines still
// apply; the earliest deadline wins.
func WithRunTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

// WithEarlyRelease drops variables as soon as no remaining step reads them.
// Names in keep survive until the end of the run.
func WithEarlyRelease(keep ...string) RunOption {
	return func(o *runOptions) {
		o.earlyRelease = true
		o.keep = make(map[string]struct{}, len(keep))
		for _, k := range keep {
			o.keep[k] = struct{}{}
		}
	}
}

// WithPersist writes the final variables under key once the run ends.
func WithPersist(key string, ttl time.Duration) RunOption {
	return func(o *runOptions) {
		o.persistKey = key
		o.persistTTL = ttl
	}
}

// Run executes steps in order, seeding the store with initial.
//
// The returned result is never nil: on failure or cancellation it carries
// every step result gathered so far. A fail_fast step failure returns
// PIPELINE_STEP_ERROR, cancellation of ctx returns CANCELLED, and an
// exceeded run deadline returns TIMEOUT_ERROR.
func (e *PipelineEngine) Run(ctx context.Context, steps []schema.PipelineStep, initial map[string]any, opts ...RunOption) (*PipelineResult, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}

	ctx = logging.WithRunID(ctx, o.runID)
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	vars := NewVariables(initial)
	result := &PipelineResult{
		RunID:     o.runID,
		Status:    schema.RunStatusInit,
		Results:   make([]StepResult, 0, len(steps)),
		Variables: vars,
		StartedAt: time.Now(),
	}
	fsm := NewRunFSM(o.runID, e.logger, e.hooks...)

	if err := ctx.Err(); err != nil {
		return e.finish(ctx, fsm, result, o, schema.RunStatusCancelled, resilience.ContextError(err))
	}
	if err := fsm.Transition(ctx, schema.RunStatusRunning); err != nil {
		return result, err
	}

	var live *liveness
	if o.earlyRelease {
		live = newLiveness(steps)
	}

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return e.stop(ctx, fsm, result, o, err)
		}

		sr, stepErr := e.runStep(ctx, i, step, vars)
		result.Results = append(result.Results, sr)

		if stepErr != nil {
			if err := ctx.Err(); err != nil {
				return e.stop(ctx, fsm, result, o, err)
			}
			stepCtx := logging.WithStep(logging.WithTool(ctx, step.Tool), i)
			if h := HandleStepError(stepCtx, e.logger, i, step, stepErr); !h.Continue {
				return e.finish(ctx, fsm, result, o, schema.RunStatusFailed, h.Err)
			}
		}

		if live != nil && i+1 < len(steps) {
			for _, name := range live.release(vars, i+1, o.keep) {
				result.Released = append(result.Released, name)
				e.logger.DebugContext(ctx, schema.EventVariableReleased,
					slog.String("event", schema.EventVariableReleased),
					slog.String("variable", name),
					slog.Int("after_step", i))
			}
		}
	}

	return e.finish(ctx, fsm, result, o, schema.RunStatusCompleted, nil)
}

// stop ends a run whose context is done: caller cancellation is reported as
// cancelled, an expired deadline as a failure.
func (e *PipelineEngine) stop(ctx context.Context, fsm *RunFSM, result *PipelineResult, o runOptions, ctxErr error) (*PipelineResult, error) {
	err := resilience.ContextError(ctxErr)
	if errors.Is(ctxErr, context.Canceled) {
		return e.finish(ctx, fsm, result, o, schema.RunStatusCancelled, err)
	}
	fe := asForgeError(err)
	fe.Message = fmt.Sprintf("pipeline deadline exceeded after %d steps", len(result.Results))
	return e.finish(ctx, fsm, result, o, schema.RunStatusFailed, fe)
}

func (e *PipelineEngine) finish(ctx context.Context, fsm *RunFSM, result *PipelineResult, o runOptions, status schema.RunStatus, runErr error) (*PipelineResult, error) {
	if err := fsm.Transition(ctx, status); err != nil {
		return result, err
	}
	result.Status = status
	result.CompletedAt = time.Now()

	if o.persistKey != "" && e.persister != nil {
		if err := e.persister.Set(context.WithoutCancel(ctx), o.persistKey, result.Variables.Map(), o.persistTTL); err != nil {
			e.logger.ErrorContext(ctx, "persist variables failed",
				slog.String("key", o.persistKey), slog.String("error", err.Error()))
			if runErr == nil {
				runErr = schema.NewErrorf(schema.ErrCodeState, "persist variables under %q: %v", o.persistKey, err).WithCause(err)
			}
		}
	}
	return result, runErr
}

// runStep evaluates the condition, interpolates the input and dispatches a
// single step. The returned error is nil for completed and skipped steps.
func (e *PipelineEngine) runStep(ctx context.Context, index int, step schema.PipelineStep, vars *Variables) (StepResult, error) {
	start := time.Now()
	sr := StepResult{Index: index, Tool: step.Tool, OutputVar: step.OutputVar}
	ctx = logging.WithStep(logging.WithTool(ctx, step.Tool), index)

	fail := func(err error) (StepResult, error) {
		sr.Status = schema.StepStatusFailed
		sr.Error = asForgeError(err)
		sr.DurationMs = time.Since(start).Milliseconds()
		return sr, err
	}

	run, err := e.conditions.Condition(ctx, step.Condition, vars.Map())
	if err != nil {
		return fail(err)
	}
	if !run {
		sr.Status = schema.StepStatusSkipped
		e.logger.DebugContext(ctx, schema.EventStepSkipped,
			slog.String("event", schema.EventStepSkipped),
			slog.String("condition", step.Condition))
		return sr, nil
	}

	input, err := expressions.Interpolate(step.Input, vars.Resolver())
	if err != nil {
		return fail(err)
	}
	if input == nil {
		input = map[string]any{}
	}

	e.logger.DebugContext(ctx, schema.EventStepStarted, slog.String("event", schema.EventStepStarted))

	if d := step.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	out, attempts, err := e.dispatch(ctx, step, input)
	sr.Attempts = attempts
	if err != nil {
		return fail(err)
	}

	if step.OutputVar != "" {
		vars.Set(step.OutputVar, out)
	}
	sr.Status = schema.StepStatusCompleted
	sr.Success = true
	sr.Output = out
	sr.DurationMs = time.Since(start).Milliseconds()
	e.logger.DebugContext(ctx, schema.EventStepCompleted,
		slog.String("event", schema.EventStepCompleted),
		slog.Int64("duration_ms", sr.DurationMs))
	return sr, nil
}

// dispatch calls the step tool, retrying when the step carries a retry policy.
func (e *PipelineEngine) dispatch(ctx context.Context, step schema.PipelineStep, input any) (any, int, error) {
	if step.Retry == nil {
		out, err := e.dispatcher.Dispatch(ctx, step.Tool, input)
		return out, 1, err
	}

	policy := resilience.RetryPolicyFrom(step.Retry)
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		e.logger.InfoContext(ctx, schema.EventRetryAttempt,
			slog.String("event", schema.EventRetryAttempt),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
	}

	attempts := 0
	out, err := resilience.Retry(ctx, policy, nil, func(ctx context.Context, attempt int) (any, error) {
		attempts = attempt
		return e.dispatcher.Dispatch(ctx, step.Tool, input)
	})
	return out, attempts, err
}
