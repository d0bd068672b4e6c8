package registry

import (
	"context"
	"encoding/json"
)

// Handler is a named unit of logic with a declared input/output contract.
// Input and output are structured values (maps, slices, scalars) as produced
// by encoding/json decoding into any.
type Handler interface {
	Schema() Schema
	Handle(ctx context.Context, input any) (any, error)
}

// Schema describes the input/output contract of a handler.
// A nil schema accepts every value.
type Schema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ToolInfo is a summary of a registered handler for listing.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// HandlerFunc adapts a plain function with an explicit schema into a Handler.
type HandlerFunc struct {
	Contract Schema
	Fn       func(ctx context.Context, input any) (any, error)
}

// NewFunc creates a HandlerFunc.
func NewFunc(contract Schema, fn func(ctx context.Context, input any) (any, error)) *HandlerFunc {
	return &HandlerFunc{Contract: contract, Fn: fn}
}

func (h *HandlerFunc) Schema() Schema { return h.Contract }

func (h *HandlerFunc) Handle(ctx context.Context, input any) (any, error) {
	return h.Fn(ctx, input)
}
