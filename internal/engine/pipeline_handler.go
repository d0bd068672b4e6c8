package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/toolforge/internal/registry"
	"github.com/rendis/toolforge/pkg/schema"
)

// PipelineRunner runs a step list. *Dispatcher satisfies it.
type PipelineRunner interface {
	RunPipeline(ctx context.Context, steps []schema.PipelineStep, initial map[string]any, opts ...RunOption) (*PipelineResult, error)
}

var pipelineOutputSchema = json.RawMessage(`{
	"type": "object",
	"required": ["run_id", "results", "variables"],
	"properties": {
		"run_id": {"type": "string"},
		"results": {"type": "array"},
		"variables": {"type": "object"}
	}
}`)

// BranchRunner runs step lists concurrently. *Dispatcher satisfies it.
type BranchRunner interface {
	RunBranches(ctx context.Context, branches []Branch, initial map[string]any, opts ...RunOption) (*BranchesResult, error)
}

var branchesOutputSchema = json.RawMessage(`{
	"type": "object",
	"required": ["branches", "variables"],
	"properties": {
		"branches": {"type": "object"},
		"variables": {"type": "object"}
	}
}`)

// PipelineHandler exposes a fixed step list as a registry tool. Its input is
// {"variables": {...}} and its output {"run_id", "results", "variables"}.
type PipelineHandler struct {
	runner   PipelineRunner
	steps    []schema.PipelineStep
	opts     []RunOption
	contract registry.Schema
}

// NewPipelineHandler creates a pipeline tool. variablesSchema constrains the
// initial variables; nil accepts any object.
func NewPipelineHandler(runner PipelineRunner, description string, steps []schema.PipelineStep, variablesSchema json.RawMessage, opts ...RunOption) (*PipelineHandler, error) {
	input, err := variablesInputSchema(variablesSchema)
	if err != nil {
		return nil, err
	}
	return &PipelineHandler{
		runner: runner,
		steps:  steps,
		opts:   opts,
		contract: registry.Schema{
			Description:  description,
			InputSchema:  input,
			OutputSchema: pipelineOutputSchema,
		},
	}, nil
}

func variablesInputSchema(variablesSchema json.RawMessage) (json.RawMessage, error) {
	if len(variablesSchema) == 0 {
		variablesSchema = json.RawMessage(`{"type": "object"}`)
	}
	input, err := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"variables": variablesSchema,
		},
		"additionalProperties": false,
	})
	if err != nil {
		return nil, schema.NewInternalError(fmt.Sprintf("build pipeline input schema: %v", err)).WithCause(err)
	}
	return input, nil
}

func initialVariables(input any) map[string]any {
	in, ok := input.(map[string]any)
	if !ok {
		return nil
	}
	vars, _ := in["variables"].(map[string]any)
	return vars
}

func (h *PipelineHandler) Schema() registry.Schema { return h.contract }

// Steps returns the step list the tool runs.
func (h *PipelineHandler) Steps() []schema.PipelineStep { return h.steps }

func (h *PipelineHandler) Handle(ctx context.Context, input any) (any, error) {
	res, err := h.runner.RunPipeline(ctx, h.steps, initialVariables(input), h.opts...)
	if err != nil {
		return nil, err
	}
	return pipelineOutput(res), nil
}

func pipelineOutput(res *PipelineResult) map[string]any {
	results := make([]any, 0, len(res.Results))
	for _, sr := range res.Results {
		entry := map[string]any{
			"index":   sr.Index,
			"tool":    sr.Tool,
			"status":  string(sr.Status),
			"success": sr.Success,
		}
		if sr.Output != nil {
			entry["output"] = sr.Output
		}
		if sr.Error != nil {
			entry["error"] = sr.Error.Error()
		}
		results = append(results, entry)
	}
	return map[string]any{
		"run_id":    res.RunID,
		"results":   results,
		"variables": res.Variables.Map(),
	}
}

// BranchesHandler exposes a set of concurrent branches as a registry tool.
// Its input matches PipelineHandler; its output is
// {"branches": {name: {"run_id", "results", "variables"}}, "variables"} where
// the top-level variables are the merged store.
type BranchesHandler struct {
	runner   BranchRunner
	branches []Branch
	opts     []RunOption
	contract registry.Schema
}

// NewBranchesHandler creates a tool that runs branches through RunBranches.
func NewBranchesHandler(runner BranchRunner, description string, branches []Branch, variablesSchema json.RawMessage, opts ...RunOption) (*BranchesHandler, error) {
	input, err := variablesInputSchema(variablesSchema)
	if err != nil {
		return nil, err
	}
	return &BranchesHandler{
		runner:   runner,
		branches: branches,
		opts:     opts,
		contract: registry.Schema{
			Description:  description,
			InputSchema:  input,
			OutputSchema: branchesOutputSchema,
		},
	}, nil
}

func (h *BranchesHandler) Schema() registry.Schema { return h.contract }

func (h *BranchesHandler) Handle(ctx context.Context, input any) (any, error) {
	res, err := h.runner.RunBranches(ctx, h.branches, initialVariables(input), h.opts...)
	if err != nil {
		return nil, err
	}
	traces := make(map[string]any, len(h.branches))
	for i, b := range h.branches {
		traces[b.Name] = pipelineOutput(res.Branches[i])
	}
	return map[string]any{
		"branches":  traces,
		"variables": res.Variables.Map(),
	}, nil
}

var (
	_ registry.Handler = (*PipelineHandler)(nil)
	_ registry.Handler = (*BranchesHandler)(nil)
)
