package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/rendis/toolforge/pkg/schema"
)

// TransitionHook is called after a run changes state.
type TransitionHook func(ctx context.Context, runID string, from, to schema.RunStatus)

// ValidRunTransitions defines the allowed state transitions for a pipeline run.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusInit:      {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// RunFSM tracks the lifecycle of one pipeline run.
type RunFSM struct {
	mu     sync.Mutex
	runID  string
	status schema.RunStatus
	logger *slog.Logger
	hooks  []TransitionHook
}

// NewRunFSM creates an FSM in the init state.
func NewRunFSM(runID string, logger *slog.Logger, hooks ...TransitionHook) *RunFSM {
	return &RunFSM{
		runID:  runID,
		status: schema.RunStatusInit,
		logger: logger,
		hooks:  hooks,
	}
}

// Status returns the current run state.
func (f *RunFSM) Status() schema.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Transition moves the run to state to, emitting the matching event.
func (f *RunFSM) Transition(ctx context.Context, to schema.RunStatus) error {
	f.mu.Lock()
	from := f.status
	if !isValidRunTransition(from, to) {
		f.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": f.runID, "from": string(from), "to": string(to)})
	}
	f.status = to
	f.mu.Unlock()

	if event := runEventType(to); event != "" {
		f.logger.InfoContext(ctx, event, slog.String("event", event), slog.String("from", string(from)))
	}
	for _, hook := range f.hooks {
		hook(ctx, f.runID, from, to)
	}
	return nil
}

// Terminal reports whether the run can no longer change state.
func (f *RunFSM) Terminal() bool {
	return len(ValidRunTransitions[f.Status()]) == 0
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventPipelineStarted
	case schema.RunStatusCompleted:
		return schema.EventPipelineCompleted
	case schema.RunStatusFailed:
		return schema.EventPipelineFailed
	case schema.RunStatusCancelled:
		return schema.EventPipelineCancelled
	default:
		return ""
	}
}
