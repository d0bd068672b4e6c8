package handlers

import (
	"context"
	"time"

	"github.com/rendis/toolforge/internal/registry"
	"github.com/rendis/toolforge/internal/state"
)

// StateNamespace is the prefix of the state tools.
const StateNamespace = "state"

type stateKey struct {
	Key string `json:"key" jsonschema:"minLength=1"`
}

type stateSet struct {
	Key   string `json:"key" jsonschema:"minLength=1"`
	Value any    `json:"value"`
	TTLMs int64  `json:"ttl_ms,omitempty" jsonschema:"minimum=0"`
}

type stateGetResult struct {
	Found bool `json:"found"`
	Value any  `json:"value,omitempty"`
}

type stateExistsResult struct {
	Exists bool `json:"exists"`
}

type stateAck struct {
	Key string `json:"key"`
}

// StateHandlers exposes m as state.get, state.set, state.delete and
// state.exists.
func StateHandlers(m state.Manager) map[string]registry.Handler {
	return map[string]registry.Handler{
		"get": registry.MustTyped("Read a value from the state store.",
			func(ctx context.Context, in stateKey) (stateGetResult, error) {
				v, ok, err := m.Get(ctx, in.Key)
				if err != nil {
					return stateGetResult{}, err
				}
				return stateGetResult{Found: ok, Value: v}, nil
			}),
		"set": registry.MustTyped("Write a value to the state store, optionally expiring after ttl_ms.",
			func(ctx context.Context, in stateSet) (stateAck, error) {
				ttl := time.Duration(in.TTLMs) * time.Millisecond
				if err := m.Set(ctx, in.Key, in.Value, ttl); err != nil {
					return stateAck{}, err
				}
				return stateAck{Key: in.Key}, nil
			}),
		"delete": registry.MustTyped("Remove a value from the state store.",
			func(ctx context.Context, in stateKey) (stateAck, error) {
				if err := m.Delete(ctx, in.Key); err != nil {
					return stateAck{}, err
				}
				return stateAck{Key: in.Key}, nil
			}),
		"exists": registry.MustTyped("Report whether a key is present in the state store.",
			func(ctx context.Context, in stateKey) (stateExistsResult, error) {
				ok, err := m.Exists(ctx, in.Key)
				if err != nil {
					return stateExistsResult{}, err
				}
				return stateExistsResult{Exists: ok}, nil
			}),
	}
}
