package config

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/rendis/toolforge/internal/expressions"
	"github.com/rendis/toolforge/internal/state"
	"github.com/rendis/toolforge/internal/validation"
	"github.com/rendis/toolforge/pkg/schema"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodDelete: true, http.MethodPatch: true,
}

// ToolLookup reports whether a tool name is provided outside the config,
// such as a built-in namespace tool.
type ToolLookup func(name string) bool

// Validate checks a parsed forge definition. Tool references in pipeline
// steps and schedules must name a config tool or satisfy external.
// Native handler names are checked against natives when it is non-nil.
func Validate(cfg *schema.ForgeConfig, external ToolLookup, natives ToolLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if cfg == nil {
		result.AddError("", schema.ErrCodeValidation, "config is nil")
		return result
	}

	if cfg.Forge.Name == "" {
		result.AddError("forge.name", schema.ErrCodeValidation, "server name is required")
	}
	if t := cfg.Forge.Transport; t != "" && t != "stdio" {
		result.AddError("forge.transport", schema.ErrCodeValidation, fmt.Sprintf("unsupported transport %q", t))
	}

	tools := make(map[string]*schema.ToolDefinition, len(cfg.Tools))
	for i := range cfg.Tools {
		def := &cfg.Tools[i]
		path := fmt.Sprintf("tools[%d]", i)
		if def.Name == "" {
			result.AddError(path+".name", schema.ErrCodeValidation, "tool name is required")
			continue
		}
		if _, dup := tools[def.Name]; dup {
			result.AddError(path+".name", schema.ErrCodeDuplicateName, fmt.Sprintf("tool %q defined more than once", def.Name))
			continue
		}
		tools[def.Name] = def
	}

	known := func(name string) bool {
		if _, ok := tools[name]; ok {
			return true
		}
		return external != nil && external(name)
	}

	for i := range cfg.Tools {
		validateTool(&cfg.Tools[i], fmt.Sprintf("tools[%d]", i), known, natives, result)
	}
	validatePipelineCycles(cfg.Tools, tools, result)

	if r := cfg.Resilience; r != nil {
		validateRetry(r.Retry, "resilience.retry", result)
		validateBreaker(r.Breaker, "resilience.breaker", result)
		if r.ErrorTrackerWindow < 0 {
			result.AddError("resilience.error_tracker_window", schema.ErrCodeValidation, "must not be negative")
		}
		validateBreaker(r.Guard, "resilience.guard", result)
	}

	if s := cfg.State; s != nil {
		switch s.Backend {
		case "", state.BackendMemory, state.BackendLibSQL, state.BackendRedis:
		default:
			result.AddError("state.backend", schema.ErrCodeValidation, fmt.Sprintf("unknown state backend %q", s.Backend))
		}
		if (s.Backend == state.BackendLibSQL || s.Backend == state.BackendRedis) && s.Path == "" {
			result.AddError("state.path", schema.ErrCodeValidation, fmt.Sprintf("%s backend requires a path", s.Backend))
		}
	}

	scheduleIDs := make(map[string]bool, len(cfg.Schedules))
	for i, sch := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		switch {
		case sch.ID == "":
			result.AddError(path+".id", schema.ErrCodeValidation, "schedule id is required")
		case scheduleIDs[sch.ID]:
			result.AddError(path+".id", schema.ErrCodeDuplicateName, fmt.Sprintf("schedule %q defined more than once", sch.ID))
		}
		scheduleIDs[sch.ID] = true
		if sch.CronExpr == "" {
			result.AddError(path+".cron", schema.ErrCodeValidation, "cron expression is required")
		}
		if !known(sch.Tool) {
			result.AddError(path+".tool", schema.ErrCodeToolNotFound, fmt.Sprintf("unknown tool %q", sch.Tool))
		}
	}
	return result
}

func validateTool(def *schema.ToolDefinition, path string, known, natives ToolLookup, result *schema.ValidationResult) {
	if def.TimeoutMs < 0 {
		result.AddError(path+".timeout_ms", schema.ErrCodeValidation, "must not be negative")
	}
	if _, err := validation.ParamsToJSONSchema(def.Params); err != nil {
		result.AddError(path+".params", schema.ErrCodeValidation, err.Error())
	}
	validateRetry(def.Retry, path+".retry", result)
	validateBreaker(def.Breaker, path+".breaker", result)
	for i, f := range def.RequiredFields {
		if f == "" {
			result.AddError(fmt.Sprintf("%s.required_fields[%d]", path, i), schema.ErrCodeValidation, "field name is empty")
		}
	}

	switch def.Type {
	case schema.ToolTypeNative:
		switch {
		case def.Handler == "":
			result.AddError(path+".handler", schema.ErrCodeValidation, "native tool requires a handler")
		case natives != nil && !natives(def.Handler):
			result.AddError(path+".handler", schema.ErrCodeToolNotFound, fmt.Sprintf("no native handler %q", def.Handler))
		}
	case schema.ToolTypeCLI:
		if def.Command == "" {
			result.AddError(path+".command", schema.ErrCodeValidation, "cli tool requires a command")
		}
	case schema.ToolTypeHTTP:
		if def.Endpoint == "" {
			result.AddError(path+".endpoint", schema.ErrCodeValidation, "http tool requires an endpoint")
		} else if !strings.HasPrefix(def.Endpoint, "http://") && !strings.HasPrefix(def.Endpoint, "https://") {
			result.AddError(path+".endpoint", schema.ErrCodeValidation, fmt.Sprintf("endpoint %q is not an http(s) URL", def.Endpoint))
		}
		if m := strings.ToUpper(def.Method); m != "" && !validMethods[m] {
			result.AddError(path+".method", schema.ErrCodeValidation, fmt.Sprintf("unsupported method %q", def.Method))
		}
	case schema.ToolTypeExpr, schema.ToolTypeJQ:
		if def.Expression == "" {
			result.AddError(path+".expression", schema.ErrCodeValidation, fmt.Sprintf("%s tool requires an expression", def.Type))
		}
	case schema.ToolTypePipeline:
		validatePipeline(def, path, known, result)
	default:
		result.AddError(path+".type", schema.ErrCodeValidation, fmt.Sprintf("unknown tool type %q", def.Type))
	}
}

func validatePipeline(def *schema.ToolDefinition, path string, known ToolLookup, result *schema.ValidationResult) {
	switch {
	case len(def.Steps) > 0 && len(def.Branches) > 0:
		result.AddError(path+".branches", schema.ErrCodeValidation, "pipeline takes steps or branches, not both")
	case len(def.Branches) > 0:
		names := make(map[string]bool, len(def.Branches))
		for i, b := range def.Branches {
			bp := fmt.Sprintf("%s.branches[%d]", path, i)
			switch {
			case b.Name == "":
				result.AddError(bp+".name", schema.ErrCodeValidation, "branch name is required")
			case names[b.Name]:
				result.AddError(bp+".name", schema.ErrCodeDuplicateName, fmt.Sprintf("branch %q defined more than once", b.Name))
			}
			names[b.Name] = true
			validateSteps(b.Steps, def.Params, bp, known, result)
		}
	default:
		validateSteps(def.Steps, def.Params, path, known, result)
	}
}

// validateSteps checks one ordered step list. Steps may read declared params
// and every earlier output_var.
func validateSteps(steps []schema.PipelineStep, params schema.ParamSchema, path string, known ToolLookup, result *schema.ValidationResult) {
	if len(steps) == 0 {
		result.AddError(path+".steps", schema.ErrCodeValidation, "pipeline requires at least one step")
		return
	}

	defined := make(map[string]bool, len(params)+len(steps))
	for name := range params {
		defined[name] = true
	}

	for i, step := range steps {
		sp := fmt.Sprintf("%s.steps[%d]", path, i)
		if step.Tool == "" {
			result.AddError(sp+".tool", schema.ErrCodeValidation, "step tool is required")
		} else if !known(step.Tool) {
			result.AddError(sp+".tool", schema.ErrCodeToolNotFound, fmt.Sprintf("unknown tool %q", step.Tool))
		}

		switch step.ErrorPolicy {
		case "", schema.ErrorPolicyFailFast, schema.ErrorPolicyContinue:
		default:
			result.AddError(sp+".error_policy", schema.ErrCodeValidation, fmt.Sprintf("unknown error policy %q", step.ErrorPolicy))
		}
		if step.TimeoutMs < 0 {
			result.AddError(sp+".timeout_ms", schema.ErrCodeValidation, "must not be negative")
		}
		validateRetry(step.Retry, sp+".retry", result)

		for _, ref := range expressions.References(step.Input) {
			if root := expressions.RootName(ref); !defined[root] {
				result.AddWarning(sp+".input", schema.ErrCodeUnresolvedVariable,
					fmt.Sprintf("{{%s}} is not a parameter or an earlier output_var", ref))
			}
		}

		if step.OutputVar != "" {
			if !identPattern.MatchString(step.OutputVar) {
				result.AddError(sp+".output_var", schema.ErrCodeValidation, fmt.Sprintf("invalid variable name %q", step.OutputVar))
			}
			defined[step.OutputVar] = true
		}
	}
}

// validatePipelineCycles rejects pipelines that reach themselves through
// their steps.
func validatePipelineCycles(defs []schema.ToolDefinition, tools map[string]*schema.ToolDefinition, result *schema.ValidationResult) {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(tools))

	var visit func(name string, trail []string) bool
	visit = func(name string, trail []string) bool {
		def, ok := tools[name]
		if !ok || def.Type != schema.ToolTypePipeline {
			return false
		}
		switch marks[name] {
		case visiting:
			result.AddError("tools."+name, schema.ErrCodeValidation,
				fmt.Sprintf("pipeline cycle: %s", strings.Join(append(trail, name), " -> ")))
			return true
		case done:
			return false
		}
		marks[name] = visiting
		for _, step := range pipelineSteps(def) {
			if visit(step.Tool, append(trail, name)) {
				marks[name] = done
				return true
			}
		}
		marks[name] = done
		return false
	}

	for _, def := range defs {
		if marks[def.Name] == unvisited {
			visit(def.Name, nil)
		}
	}
}

// pipelineSteps flattens a pipeline's steps and branch steps.
func pipelineSteps(def *schema.ToolDefinition) []schema.PipelineStep {
	steps := append([]schema.PipelineStep(nil), def.Steps...)
	for _, b := range def.Branches {
		steps = append(steps, b.Steps...)
	}
	return steps
}

func validateRetry(r *schema.RetryConfig, path string, result *schema.ValidationResult) {
	if r == nil {
		return
	}
	if r.MaxAttempts < 1 {
		result.AddError(path+".max_attempts", schema.ErrCodeValidation, "must be at least 1")
	}
	if r.InitialDelayMs < 0 || r.MaxDelayMs < 0 {
		result.AddError(path, schema.ErrCodeValidation, "delays must not be negative")
	}
	if r.MaxDelayMs > 0 && r.InitialDelayMs > r.MaxDelayMs {
		result.AddError(path+".max_delay_ms", schema.ErrCodeValidation, "must not be below initial_delay_ms")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		result.AddError(path+".multiplier", schema.ErrCodeValidation, "must be at least 1")
	}
}

func validateBreaker(b *schema.BreakerConfig, path string, result *schema.ValidationResult) {
	if b == nil {
		return
	}
	if b.FailureThreshold < 0 || b.SuccessThreshold < 0 || b.TimeoutMs < 0 {
		result.AddError(path, schema.ErrCodeValidation, "thresholds and timeout must not be negative")
	}
}
