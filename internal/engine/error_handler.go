package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rendis/toolforge/pkg/schema"
)

// ErrorHandlerResult describes what the run does after a step fails.
type ErrorHandlerResult struct {
	// Continue is true when the run proceeds to the next step.
	Continue bool
	// Err is the error that ends the run when Continue is false.
	Err error
}

// HandleStepError applies the step's error policy to a failed step and logs
// the outcome.
func HandleStepError(ctx context.Context, logger *slog.Logger, index int, step schema.PipelineStep, stepErr error) ErrorHandlerResult {
	policy := step.Policy()
	logger.WarnContext(ctx, schema.EventStepFailed,
		slog.String("event", schema.EventStepFailed),
		slog.String("policy", string(policy)),
		slog.String("code", schema.Code(stepErr)),
		slog.String("error", stepErr.Error()))

	if fe := asForgeError(stepErr); fe.IsFatal() {
		return ErrorHandlerResult{Err: schema.NewPipelineStepError(index, step.Tool, stepErr)}
	}

	switch policy {
	case schema.ErrorPolicyContinue:
		return ErrorHandlerResult{Continue: true}
	default:
		return ErrorHandlerResult{Err: schema.NewPipelineStepError(index, step.Tool, stepErr)}
	}
}

// asForgeError returns err as a *ForgeError, wrapping foreign errors as
// handler errors.
func asForgeError(err error) *schema.ForgeError {
	var fe *schema.ForgeError
	if errors.As(err, &fe) {
		return fe
	}
	return schema.NewHandlerError(err.Error()).WithCause(err)
}
