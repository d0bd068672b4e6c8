package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolforge/pkg/schema"
)

func TestPipelineHandler_RegisteredAsTool(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h, err := NewPipelineHandler(d, "double twice", []schema.PipelineStep{
		{Tool: "double", Input: map[string]any{"value": "{{start}}"}, OutputVar: "a"},
		{Tool: "double", Input: map[string]any{"value": "{{a.result}}"}, OutputVar: "b"},
	}, json.RawMessage(`{"type":"object","required":["start"],"properties":{"start":{"type":"integer"}}}`))
	require.NoError(t, err)
	require.NoError(t, d.Registry().Register("quad", h))

	out, err := d.Dispatch(context.Background(), "quad", map[string]any{
		"variables": map[string]any{"start": 3},
	})
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.NotEmpty(t, m["run_id"])
	results := m["results"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, true, results[1].(map[string]any)["success"])
	b, _ := m["variables"].(map[string]any)["b"].(map[string]any)
	assert.Equal(t, float64(12), b["result"])
}

func TestPipelineHandler_ValidatesVariables(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h, err := NewPipelineHandler(d, "", nil,
		json.RawMessage(`{"type":"object","required":["start"]}`))
	require.NoError(t, err)
	require.NoError(t, d.Registry().Register("p", h))

	_, err = d.Dispatch(context.Background(), "p", map[string]any{"variables": map[string]any{}})
	requireCode(t, err, schema.ErrCodeValidation)

	_, err = d.Dispatch(context.Background(), "p", map[string]any{"other": 1})
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestPipelineHandler_StepFailurePropagates(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h, err := NewPipelineHandler(d, "", []schema.PipelineStep{{Tool: "fail"}}, nil)
	require.NoError(t, err)
	require.NoError(t, d.Registry().Register("broken", h))

	_, err = d.Dispatch(context.Background(), "broken", map[string]any{})
	requireCode(t, err, schema.ErrCodePipelineStep)
	assert.Len(t, h.Steps(), 1)
}

func TestBranchesHandler_RegisteredAsTool(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h, err := NewBranchesHandler(d, "fan out", []Branch{
		{Name: "small", Steps: []schema.PipelineStep{
			{Tool: "double", Input: map[string]any{"value": "{{n}}"}, OutputVar: "small"},
		}},
		{Name: "large", Steps: []schema.PipelineStep{
			{Tool: "double", Input: map[string]any{"value": 100}, OutputVar: "large"},
		}},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, d.Registry().Register("fan", h))

	out, err := d.Dispatch(context.Background(), "fan", map[string]any{
		"variables": map[string]any{"n": 2},
	})
	require.NoError(t, err)

	m := out.(map[string]any)
	vars := m["variables"].(map[string]any)
	assert.Equal(t, map[string]any{"result": float64(4)}, vars["small"])
	assert.Equal(t, map[string]any{"result": float64(200)}, vars["large"])

	branches := m["branches"].(map[string]any)
	require.Len(t, branches, 2)
	assert.NotEmpty(t, branches["small"].(map[string]any)["run_id"])
}

func TestBranchesHandler_Conflict(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h, err := NewBranchesHandler(d, "", []Branch{
		{Name: "a", Steps: []schema.PipelineStep{{Tool: "double", Input: map[string]any{"value": 1}, OutputVar: "x"}}},
		{Name: "b", Steps: []schema.PipelineStep{{Tool: "double", Input: map[string]any{"value": 2}, OutputVar: "x"}}},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, d.Registry().Register("clash", h))

	_, err = d.Dispatch(context.Background(), "clash", map[string]any{})
	requireCode(t, err, schema.ErrCodeConflict)
}
