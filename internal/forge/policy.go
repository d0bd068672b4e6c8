package forge

import (
	"context"
	"encoding/json"

	"github.com/rendis/toolforge/internal/engine"
	"github.com/rendis/toolforge/internal/registry"
	"github.com/rendis/toolforge/internal/resilience"
	"github.com/rendis/toolforge/internal/validation"
	"github.com/rendis/toolforge/pkg/schema"
)

// defaultPolicy turns the server-wide resilience section into the policy of
// tools without their own settings.
func defaultPolicy(r *schema.ResilienceConfig) engine.ToolPolicy {
	var p engine.ToolPolicy
	if r == nil {
		return p
	}
	if r.Retry != nil {
		rp := resilience.RetryPolicyFrom(r.Retry)
		p.Retry = &rp
	}
	if r.Breaker != nil {
		bc := resilience.BreakerConfigFrom(r.Breaker)
		p.Breaker = &bc
	}
	return p
}

// toolPolicy overlays a tool's timeout, retry and breaker onto the
// defaults. ok is false when the tool sets none of them.
func toolPolicy(def schema.ToolDefinition, r *schema.ResilienceConfig) (engine.ToolPolicy, bool) {
	if def.TimeoutMs == 0 && def.Retry == nil && def.Breaker == nil {
		return engine.ToolPolicy{}, false
	}
	p := defaultPolicy(r)
	p.Timeout = def.Timeout()
	if def.Retry != nil {
		rp := resilience.RetryPolicyFrom(def.Retry)
		p.Retry = &rp
	}
	if def.Breaker != nil {
		bc := resilience.BreakerConfigFrom(def.Breaker)
		p.Breaker = &bc
	}
	return p, true
}

// normalizeInput turns Go-typed call inputs (structs, typed maps and
// slices) into the JSON shapes handlers and templates expect. JSON-shaped
// values pass through unchanged.
func normalizeInput(in any) (any, error) {
	switch in.(type) {
	case nil, map[string]any, []any, string, bool, float64, json.Number:
		return in, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, schema.NewValidationError("", "input is not JSON-encodable").WithCause(err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, schema.NewInternalError("normalize input").WithCause(err)
	}
	return out, nil
}

func paramsSchema(params schema.ParamSchema) (json.RawMessage, error) {
	s, err := validation.ParamsToJSONSchema(params)
	if err != nil {
		return nil, schema.NewValidationError("params", err.Error()).WithCause(err)
	}
	return s, nil
}

// paramsHandler replaces a handler's input contract with the declared
// params and fills in their defaults before the call.
type paramsHandler struct {
	inner    registry.Handler
	params   schema.ParamSchema
	contract registry.Schema
}

// withParams applies the description and params of def to h. h is returned
// unchanged when def declares neither.
func withParams(h registry.Handler, def schema.ToolDefinition) (registry.Handler, error) {
	if len(def.Params) == 0 && def.Description == "" {
		return h, nil
	}
	contract := h.Schema()
	if def.Description != "" {
		contract.Description = def.Description
	}
	if len(def.Params) > 0 {
		s, err := paramsSchema(def.Params)
		if err != nil {
			return nil, err
		}
		contract.InputSchema = s
	}
	return &paramsHandler{inner: h, params: def.Params, contract: contract}, nil
}

func (p *paramsHandler) Schema() registry.Schema { return p.contract }

func (p *paramsHandler) Handle(ctx context.Context, input any) (any, error) {
	return p.inner.Handle(ctx, validation.ApplyDefaults(p.params, input))
}

var _ registry.Handler = (*paramsHandler)(nil)
