package expressions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/rendis/toolforge/pkg/schema"
)

// GoJQEngine evaluates jq programs. A program with one output returns it
// directly; several outputs are collected into a slice.
type GoJQEngine struct {
	cache *programCache[*gojq.Code]
}

// NewGoJQEngine creates a jq engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newProgramCache[*gojq.Code]()}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs expression with data as the jq input document.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return nil, schema.NewValidationError("expression", "empty jq expression")
	}

	code, err := e.cache.get(expression, compileJQ)
	if err != nil {
		return nil, err
	}

	input, err := jqValue(data)
	if err != nil {
		return nil, schema.NewValidationError("", "jq input is not JSON-serializable").WithCause(err)
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewHandlerError(fmt.Sprintf("jq evaluation failed for %q: %s", expression, err)).
				WithCause(err).
				WithDetails(expressionDetails(expression))
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

func compileJQ(src string) (*gojq.Code, error) {
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, schema.NewValidationError("expression", fmt.Sprintf("parse %q: %s", src, err)).
			WithCause(err).
			WithDetails(expressionDetails(src))
	}
	// $ENV is always empty.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewValidationError("expression", fmt.Sprintf("compile %q: %s", src, err)).
			WithCause(err).
			WithDetails(expressionDetails(src))
	}
	return code, nil
}

// jqValue converts arbitrary Go values into the map/slice/float64 shapes gojq accepts.
func jqValue(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64, int, map[string]any, []any:
		if !needsNormalizing(v) {
			return v, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func needsNormalizing(v any) bool {
	switch val := v.(type) {
	case map[string]any:
		for _, child := range val {
			if needsNormalizing(child) {
				return true
			}
		}
	case []any:
		for _, child := range val {
			if needsNormalizing(child) {
				return true
			}
		}
	case nil, bool, string, float64, int:
	default:
		return true
	}
	return false
}

var _ Engine = (*GoJQEngine)(nil)
