package expressions

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/toolforge/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. Keys of a map input become
// top-level identifiers; unknown identifiers evaluate to nil.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

// NewExprEngine creates an expr-lang engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string { return "expr" }

// Evaluate compiles (once) and runs expression against data.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return nil, schema.NewValidationError("expression", "empty expr expression")
	}

	env, _ := data.(map[string]any)
	if env == nil {
		env = map[string]any{"input": data}
	}

	prg, err := e.cache.get(expression, func(src string) (*vm.Program, error) {
		p, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, schema.NewValidationError("expression", fmt.Sprintf("compile %q: %s", src, err)).
				WithCause(err).
				WithDetails(expressionDetails(src))
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewHandlerError(fmt.Sprintf("expr evaluation failed for %q: %s", expression, err)).
			WithCause(err).
			WithDetails(expressionDetails(expression))
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
