package engine

import (
	"encoding/json"
	"maps"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/rendis/toolforge/internal/expressions"
)

// Variables is the ordered, run-scoped variable store threaded through a
// pipeline. Writes to an existing name replace the value in place, keeping
// its original position. A Variables is not safe for concurrent use; each
// run (and each parallel branch) owns its own instance.
type Variables struct {
	m *orderedmap.OrderedMap[string, any]
}

// NewVariables creates a store seeded with initial. Map iteration order is
// not defined in Go, so seeded names are inserted sorted.
func NewVariables(initial map[string]any) *Variables {
	v := &Variables{m: orderedmap.New[string, any]()}
	for _, k := range slices.Sorted(maps.Keys(initial)) {
		v.m.Set(k, initial[k])
	}
	return v
}

// Set writes value under name, shadowing any previous value.
func (v *Variables) Set(name string, value any) {
	v.m.Set(name, value)
}

// Get resolves a dotted path ("user.addresses.0.id") against the store.
func (v *Variables) Get(path string) (any, bool) {
	segments := expressions.SplitPath(path)
	root, ok := v.m.Get(segments[0])
	if !ok {
		return nil, false
	}
	if len(segments) == 1 {
		return root, true
	}
	return expressions.Lookup(root, segments[1:])
}

// Has reports whether a top-level variable exists.
func (v *Variables) Has(name string) bool {
	_, ok := v.m.Get(name)
	return ok
}

// Delete removes a top-level variable and reports whether it existed.
func (v *Variables) Delete(name string) bool {
	_, ok := v.m.Delete(name)
	return ok
}

// Len returns the number of top-level variables.
func (v *Variables) Len() int {
	return v.m.Len()
}

// Names returns the variable names in insertion order.
func (v *Variables) Names() []string {
	names := make([]string, 0, v.m.Len())
	for p := v.m.Oldest(); p != nil; p = p.Next() {
		names = append(names, p.Key)
	}
	return names
}

// Map returns a shallow copy of the store as a plain map.
func (v *Variables) Map() map[string]any {
	out := make(map[string]any, v.m.Len())
	for p := v.m.Oldest(); p != nil; p = p.Next() {
		out[p.Key] = p.Value
	}
	return out
}

// Snapshot returns an independent deep copy of the store.
func (v *Variables) Snapshot() *Variables {
	cp := &Variables{m: orderedmap.New[string, any](orderedmap.WithCapacity[string, any](v.m.Len()))}
	for p := v.m.Oldest(); p != nil; p = p.Next() {
		cp.m.Set(p.Key, deepCopy(p.Value))
	}
	return cp
}

// Resolver adapts the store to the interpolation lookup signature.
func (v *Variables) Resolver() expressions.Resolver {
	return v.Get
}

// MarshalJSON encodes the store as an object in insertion order.
func (v *Variables) MarshalJSON() ([]byte, error) {
	if v == nil || v.m == nil {
		return []byte("{}"), nil
	}
	return v.m.MarshalJSON()
}

// UnmarshalJSON replaces the store with the decoded object, keeping key order.
func (v *Variables) UnmarshalJSON(data []byte) error {
	m := orderedmap.New[string, any]()
	if err := json.Unmarshal(data, m); err != nil {
		return err
	}
	v.m = m
	return nil
}

func deepCopy(val any) any {
	switch t := val.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = deepCopy(child)
		}
		return out
	default:
		return val
	}
}
