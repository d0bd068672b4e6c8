package schema

import (
	"bytes"
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"
)

// ForgeConfig is the validated, immutable server definition handed to the runtime.
type ForgeConfig struct {
	Forge      ForgeMetadata        `json:"forge" yaml:"forge"`
	Tools      []ToolDefinition     `json:"tools,omitempty" yaml:"tools,omitempty"`
	State      *StateConfig         `json:"state,omitempty" yaml:"state,omitempty"`
	Resilience *ResilienceConfig    `json:"resilience,omitempty" yaml:"resilience,omitempty"`
	Schedules  []ScheduleDefinition `json:"schedules,omitempty" yaml:"schedules,omitempty"`
}

// ForgeMetadata names the server.
type ForgeMetadata struct {
	Name      string `json:"name" yaml:"name"`
	Version   string `json:"version" yaml:"version"`
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"` // stdio (default)
}

// ToolType enumerates handler variants a tool definition can bind to.
type ToolType string

const (
	ToolTypeNative   ToolType = "native"
	ToolTypeCLI      ToolType = "cli"
	ToolTypeHTTP     ToolType = "http"
	ToolTypePipeline ToolType = "pipeline"
	ToolTypeExpr     ToolType = "expr"
	ToolTypeJQ       ToolType = "jq"
)

// ToolDefinition declares one registry entry. Which fields apply depends on Type.
type ToolDefinition struct {
	Type        ToolType    `json:"type" yaml:"type"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Params      ParamSchema `json:"params,omitempty" yaml:"params,omitempty"`
	TimeoutMs   int64       `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`

	// native
	Handler string `json:"handler,omitempty" yaml:"handler,omitempty"`

	// cli
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// http
	Endpoint string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Method   string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Auth     *AuthConfig       `json:"auth,omitempty" yaml:"auth,omitempty"`

	// pipeline: either Steps, or Branches run concurrently
	Steps    []PipelineStep   `json:"steps,omitempty" yaml:"steps,omitempty"`
	Branches []PipelineBranch `json:"branches,omitempty" yaml:"branches,omitempty"`

	// expr, jq
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// RequiredFields lists input keys checked before dispatch, for any type.
	RequiredFields []string `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`

	Retry   *RetryConfig   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Breaker *BreakerConfig `json:"breaker,omitempty" yaml:"breaker,omitempty"`
}

// Timeout returns the per-call deadline, zero when unset.
func (t *ToolDefinition) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// AuthConfig configures outbound HTTP authentication.
type AuthConfig struct {
	Type     string `json:"type" yaml:"type"` // bearer | basic | apikey
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	Key      string `json:"key,omitempty" yaml:"key,omitempty"`
	Header   string `json:"header,omitempty" yaml:"header,omitempty"`
}

// ErrorPolicy decides what a pipeline does after a step fails.
type ErrorPolicy string

const (
	ErrorPolicyFailFast ErrorPolicy = "fail_fast"
	ErrorPolicyContinue ErrorPolicy = "continue"
)

// PipelineStep is one entry of a pipeline's ordered step list.
type PipelineStep struct {
	Tool        string       `json:"tool" yaml:"tool"`
	Input       any          `json:"input,omitempty" yaml:"input,omitempty"`
	OutputVar   string       `json:"output_var,omitempty" yaml:"output_var,omitempty"`
	Condition   string       `json:"condition,omitempty" yaml:"condition,omitempty"`
	ErrorPolicy ErrorPolicy  `json:"error_policy,omitempty" yaml:"error_policy,omitempty"`
	TimeoutMs   int64        `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Retry       *RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// PipelineBranch is a named step list run alongside its siblings, each on
// its own copy of the variables.
type PipelineBranch struct {
	Name  string         `json:"name" yaml:"name"`
	Steps []PipelineStep `json:"steps" yaml:"steps"`
}

// Policy returns the step's error policy, fail_fast when unset.
func (s *PipelineStep) Policy() ErrorPolicy {
	if s.ErrorPolicy == "" {
		return ErrorPolicyFailFast
	}
	return s.ErrorPolicy
}

// Timeout returns the per-step deadline, zero when unset.
func (s *PipelineStep) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// RetryConfig tunes a retry policy. Zero fields fall back to defaults.
type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts" yaml:"max_attempts"`
	InitialDelayMs int64   `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	MaxDelayMs     int64   `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Multiplier     float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Jitter         bool    `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// BreakerConfig tunes a circuit breaker. Zero fields fall back to defaults.
type BreakerConfig struct {
	FailureThreshold int   `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	SuccessThreshold int   `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty"`
	TimeoutMs        int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// ResilienceConfig holds server-wide fault tolerance defaults.
type ResilienceConfig struct {
	Retry              *RetryConfig   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Breaker            *BreakerConfig `json:"breaker,omitempty" yaml:"breaker,omitempty"`
	ErrorTrackerWindow int            `json:"error_tracker_window,omitempty" yaml:"error_tracker_window,omitempty"`
	// Guard puts one breaker per tool around the whole dispatch, retries
	// included. Unset disables it.
	Guard              *BreakerConfig `json:"guard,omitempty" yaml:"guard,omitempty"`
}

// StateConfig selects the state backend.
type StateConfig struct {
	Backend string         `json:"backend" yaml:"backend"` // memory | libsql | redis
	Path    string         `json:"path,omitempty" yaml:"path,omitempty"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// ScheduleDefinition fires a tool on a cron expression.
type ScheduleDefinition struct {
	ID       string         `json:"id" yaml:"id"`
	CronExpr string         `json:"cron" yaml:"cron"`
	Tool     string         `json:"tool" yaml:"tool"`
	Input    map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Enabled  *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the schedule should be registered. Defaults to true.
func (s *ScheduleDefinition) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SimpleType is a primitive parameter type.
type SimpleType string

const (
	TypeString  SimpleType = "string"
	TypeInteger SimpleType = "integer"
	TypeFloat   SimpleType = "float"
	TypeBoolean SimpleType = "boolean"
	TypeArray   SimpleType = "array"
	TypeObject  SimpleType = "object"
)

// ParamSchema maps parameter names to their declared types.
type ParamSchema map[string]ParamType

// ParamValidation carries optional value constraints.
type ParamValidation struct {
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	MinLength *int     `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty" yaml:"max_length,omitempty"`
}

// ParamType is either the bare type name ("string") or the expanded form.
type ParamType struct {
	Type        SimpleType       `json:"type" yaml:"type"`
	Required    bool             `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any              `json:"default,omitempty" yaml:"default,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Validation  *ParamValidation `json:"validation,omitempty" yaml:"validation,omitempty"`
}

type paramTypeAlias ParamType

func (p *ParamType) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*p = ParamType{Type: SimpleType(s)}
		return nil
	}
	var alias paramTypeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*p = ParamType(alias)
	return nil
}

func (p *ParamType) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*p = ParamType{Type: SimpleType(node.Value)}
		return nil
	}
	var alias paramTypeAlias
	if err := node.Decode(&alias); err != nil {
		return err
	}
	*p = ParamType(alias)
	return nil
}
