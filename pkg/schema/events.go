package schema

// Event names emitted to loggers and observers.
const (
	EventPipelineStarted   = "pipeline_started"
	EventPipelineCompleted = "pipeline_completed"
	EventPipelineFailed    = "pipeline_failed"
	EventPipelineCancelled = "pipeline_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventRetryAttempt     = "retry_attempt"
	EventCircuitOpen      = "circuit_open"
	EventCircuitHalfOpen  = "circuit_half_open"
	EventCircuitClosed    = "circuit_closed"
	EventVariableReleased = "variable_released"
	EventScheduleFired    = "schedule_fired"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusInit      RunStatus = "init"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// StepStatus is the outcome recorded for a pipeline step.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)
