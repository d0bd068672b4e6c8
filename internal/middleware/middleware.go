package middleware

import (
	"context"
	"time"
)

// Request is what flows through the chain for one dispatch.
type Request struct {
	Tool      string
	Input     any
	Metadata  map[string]any
	StartedAt time.Time
}

// Middleware intercepts a dispatch.
//
// Before may rewrite the request or reject it. After may rewrite a
// successful response. OnError may recover by returning a response with a
// nil error, or propagate by returning an error (the same or a new one).
type Middleware interface {
	Before(ctx context.Context, req Request) (Request, error)
	After(ctx context.Context, req Request, resp any) (any, error)
	OnError(ctx context.Context, req Request, err error) (any, error)
}

// Base provides pass-through hooks. Embed it and override what you need.
type Base struct{}

func (Base) Before(_ context.Context, req Request) (Request, error) { return req, nil }

func (Base) After(_ context.Context, _ Request, resp any) (any, error) { return resp, nil }

func (Base) OnError(_ context.Context, _ Request, err error) (any, error) { return nil, err }

// Terminal is the call the chain wraps.
type Terminal func(ctx context.Context, req Request) (any, error)

// Chain is an ordered, immutable list of middlewares.
type Chain struct {
	layers []Middleware
}

// NewChain composes layers in registration order.
func NewChain(layers ...Middleware) *Chain {
	return &Chain{layers: append([]Middleware(nil), layers...)}
}

// Len returns the number of layers.
func (c *Chain) Len() int { return len(c.layers) }

// Execute runs req through the chain around terminal.
//
// Before hooks run in order; a rejection skips the terminal and every
// remaining Before. After hooks run in reverse order once the terminal
// succeeds, and an error from one propagates as-is. When a Before or the
// terminal fails, OnError runs in reverse over the layers whose Before had
// completed; the first layer to recover supplies the response, otherwise the
// last propagated error is returned.
func (c *Chain) Execute(ctx context.Context, req Request, terminal Terminal) (any, error) {
	if req.StartedAt.IsZero() {
		req.StartedAt = time.Now()
	}

	for i, m := range c.layers {
		next, err := m.Before(ctx, req)
		if err != nil {
			return c.unwind(ctx, req, err, i)
		}
		req = next
	}

	resp, err := terminal(ctx, req)
	if err != nil {
		return c.unwind(ctx, req, err, len(c.layers))
	}

	for i := len(c.layers) - 1; i >= 0; i-- {
		resp, err = c.layers[i].After(ctx, req, resp)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// unwind runs OnError for layers [0, entered) in reverse.
func (c *Chain) unwind(ctx context.Context, req Request, err error, entered int) (any, error) {
	current := err
	for i := entered - 1; i >= 0; i-- {
		resp, herr := c.layers[i].OnError(ctx, req, current)
		if herr == nil {
			return resp, nil
		}
		current = herr
	}
	return nil, current
}
