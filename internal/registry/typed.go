package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"github.com/rendis/toolforge/pkg/schema"
)

// TypedHandler binds a Go function with concrete input and output types.
// Schemas are reflected from In and Out; structured input is decoded into In
// using json field tags, and Out is normalized back into a structured value.
type TypedHandler[In, Out any] struct {
	contract Schema
	fn       func(ctx context.Context, in In) (Out, error)
}

// Typed creates a TypedHandler, reflecting both schemas up front.
func Typed[In, Out any](description string, fn func(ctx context.Context, in In) (Out, error)) (*TypedHandler[In, Out], error) {
	in, err := reflectSchema[In]()
	if err != nil {
		return nil, fmt.Errorf("reflect input schema: %w", err)
	}
	out, err := reflectSchema[Out]()
	if err != nil {
		return nil, fmt.Errorf("reflect output schema: %w", err)
	}
	return &TypedHandler[In, Out]{
		contract: Schema{InputSchema: in, OutputSchema: out, Description: description},
		fn:       fn,
	}, nil
}

// MustTyped is like Typed but panics on reflection failure. For use at init time.
func MustTyped[In, Out any](description string, fn func(ctx context.Context, in In) (Out, error)) *TypedHandler[In, Out] {
	h, err := Typed(description, fn)
	if err != nil {
		panic(err)
	}
	return h
}

func (h *TypedHandler[In, Out]) Schema() Schema { return h.contract }

func (h *TypedHandler[In, Out]) Handle(ctx context.Context, input any) (any, error) {
	var in In
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &in,
	})
	if err != nil {
		return nil, schema.NewInternalError("build input decoder").WithCause(err)
	}
	if err := dec.Decode(input); err != nil {
		return nil, schema.NewValidationError("", err.Error()).WithCause(err)
	}

	out, err := h.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	return normalize(out)
}

func reflectSchema[T any]() (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	s := r.Reflect(new(T))
	return json.Marshal(s)
}

// normalize converts a typed value into its generic structured form.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewHandlerError("output is not JSON-serializable").WithCause(err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, schema.NewHandlerError("output is not JSON-serializable").WithCause(err)
	}
	return out, nil
}
