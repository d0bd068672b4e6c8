// Package handlers provides the built-in handler variants a tool definition
// can bind to: outbound HTTP calls, local commands, expr and jq evaluation,
// and key-value state access.
package handlers

import (
	"encoding/json"
	"fmt"
	"io"
)

const defaultMaxOutput = 10 * 1024 * 1024 // 10MB

// objectInput returns input as a map, treating nil as empty.
func objectInput(input any) (map[string]any, error) {
	switch v := input.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("input must be an object, got %T", input)
	}
}

func stringMap(params map[string]any, key string) map[string]string {
	raw, ok := params[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func stringSlice(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprintf("%v", v))
	}
	return out
}

// decodeBody parses b as JSON, falling back to the raw string.
func decodeBody(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	var v any
	if json.Valid(b) && json.Unmarshal(b, &v) == nil {
		return v
	}
	return string(b)
}

// limitedWriter drops everything past limit while reporting full writes.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
