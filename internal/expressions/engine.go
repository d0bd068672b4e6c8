package expressions

import "context"

// Engine evaluates an expression language against structured data.
// CEL drives step conditions; expr and jq back the expression tools.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data any) (any, error)
}

func expressionDetails(expression string) map[string]any {
	return map[string]any{"expression": expression}
}
