package handlers

import (
	"context"

	"github.com/rendis/toolforge/internal/expressions"
	"github.com/rendis/toolforge/internal/registry"
	"github.com/rendis/toolforge/pkg/schema"
)

// EvalInput is the input of the generic expr.eval and jq.eval tools.
type EvalInput struct {
	Expression string `json:"expression" jsonschema:"minLength=1"`
	Data       any    `json:"data,omitempty"`
}

// EvalOutput wraps an expression result.
type EvalOutput struct {
	Result any `json:"result"`
}

// Expression evaluates a fixed expression against the call input. Map input
// keys become top-level identifiers for expr and the input document for jq.
type Expression struct {
	engine      expressions.Engine
	expression  string
	description string
}

// NewExpression builds the handler for an expr or jq tool definition.
func NewExpression(def schema.ToolDefinition) (*Expression, error) {
	if def.Expression == "" {
		return nil, schema.NewValidationError("expression", "expression tool requires an expression").WithTool(def.Name)
	}
	var engine expressions.Engine
	switch def.Type {
	case schema.ToolTypeExpr:
		engine = expressions.NewExprEngine()
	case schema.ToolTypeJQ:
		engine = expressions.NewGoJQEngine()
	default:
		return nil, schema.NewValidationError("type", "expression tools must be expr or jq").WithTool(def.Name)
	}
	return &Expression{engine: engine, expression: def.Expression, description: def.Description}, nil
}

func (e *Expression) Schema() registry.Schema {
	return registry.Schema{Description: e.description}
}

func (e *Expression) Handle(ctx context.Context, input any) (any, error) {
	out, err := e.engine.Evaluate(ctx, e.expression, input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": out}, nil
}

// EvalHandlers returns the generic "eval" tool for each engine, keyed by
// namespace: expr.eval and jq.eval.
func EvalHandlers() map[string]map[string]registry.Handler {
	return map[string]map[string]registry.Handler{
		"expr": {"eval": evalHandler(expressions.NewExprEngine(), "Evaluate an expr-lang expression against data.")},
		"jq":   {"eval": evalHandler(expressions.NewGoJQEngine(), "Run a jq program against data.")},
	}
}

func evalHandler(engine expressions.Engine, description string) registry.Handler {
	return registry.MustTyped(description, func(ctx context.Context, in EvalInput) (EvalOutput, error) {
		data := in.Data
		if engine.Name() == "expr" {
			data = map[string]any{"data": in.Data}
		}
		out, err := engine.Evaluate(ctx, in.Expression, data)
		if err != nil {
			return EvalOutput{}, err
		}
		return EvalOutput{Result: out}, nil
	})
}

var _ registry.Handler = (*Expression)(nil)
