package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolforge/pkg/schema"
)

func TestPipeline_ThreadsVariablesBetweenSteps(t *testing.T) {
	d, _ := newTestDispatcher(t)
	steps := []schema.PipelineStep{
		{Tool: "double", Input: map[string]any{"value": 5}, OutputVar: "a"},
		{Tool: "double", Input: map[string]any{"value": "{{a.result}}"}, OutputVar: "b"},
	}

	res, err := d.RunPipeline(context.Background(), steps, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	require.Len(t, res.Results, 2)
	for i, sr := range res.Results {
		assert.Equal(t, i, sr.Index)
		assert.True(t, sr.Success)
		assert.Equal(t, schema.StepStatusCompleted, sr.Status)
	}
	assert.Equal(t, map[string]any{
		"a": map[string]any{"result": float64(10)},
		"b": map[string]any{"result": float64(20)},
	}, res.Variables.Map())
	assert.NotEmpty(t, res.RunID)
	assert.False(t, res.CompletedAt.Before(res.StartedAt))
}

func TestPipeline_FalseConditionSkipsStep(t *testing.T) {
	d, tools := newTestDispatcher(t)
	steps := []schema.PipelineStep{
		{Tool: "double", Input: map[string]any{"value": 1}, OutputVar: "a", Condition: "vars.enabled == true"},
		{Tool: "double", Input: map[string]any{"value": 2}, OutputVar: "b", Condition: "!missing"},
	}

	res, err := d.RunPipeline(context.Background(), steps, map[string]any{"enabled": false})
	require.NoError(t, err)

	assert.Equal(t, schema.StepStatusSkipped, res.Results[0].Status)
	assert.False(t, res.Results[0].Success)
	assert.Equal(t, schema.StepStatusCompleted, res.Results[1].Status)
	assert.False(t, res.Variables.Has("a"))
	assert.True(t, res.Variables.Has("b"))
	assert.EqualValues(t, 1, tools.doubleCalls.Load())
}

func TestPipeline_FailFastStopsAtFirstFailure(t *testing.T) {
	d, tools := newTestDispatcher(t)
	steps := []schema.PipelineStep{
		{Tool: "double", Input: map[string]any{"value": 1}, OutputVar: "a"},
		{Tool: "fail", OutputVar: "b"},
		{Tool: "double", Input: map[string]any{"value": 3}, OutputVar: "c"},
	}

	res, err := d.RunPipeline(context.Background(), steps, nil)
	fe := requireCode(t, err, schema.ErrCodePipelineStep)
	require.NotNil(t, fe.StepIndex)
	assert.Equal(t, 1, *fe.StepIndex)
	assert.Equal(t, "fail", fe.Tool)
	assert.True(t, schema.HasCode(err, schema.ErrCodeHandler))

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].Success)
	assert.False(t, res.Results[1].Success)
	assert.True(t, res.Variables.Has("a"))
	assert.False(t, res.Variables.Has("c"))
	assert.EqualValues(t, 1, tools.doubleCalls.Load())
}

func TestPipeline_ContinueRunsEveryStep(t *testing.T) {
	d, tools := newTestDispatcher(t)
	steps := []schema.PipelineStep{
		{Tool: "fail", OutputVar: "broken", ErrorPolicy: schema.ErrorPolicyContinue},
		{Tool: "double", Input: map[string]any{"value": 4}, OutputVar: "a"},
	}

	res, err := d.RunPipeline(context.Background(), steps, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	require.Len(t, res.Results, 2)
	assert.False(t, res.Results[0].Success)
	require.NotNil(t, res.Results[0].Error)
	assert.Equal(t, schema.ErrCodeHandler, res.Results[0].Error.Code)
	assert.False(t, res.Variables.Has("broken"))
	assert.True(t, res.Results[1].Success)
	assert.EqualValues(t, 1, tools.failCalls.Load())
}

func TestPipeline_ContinueLeavesOutputUnsetSoLaterReadsFail(t *testing.T) {
	d, _ := newTestDispatcher(t)
	steps := []schema.PipelineStep{
		{Tool: "fail", OutputVar: "user", ErrorPolicy: schema.ErrorPolicyContinue},
		{Tool: "echo", Input: map[string]any{"id": "{{user.address_id}}"}},
	}

	res, err := d.RunPipeline(context.Background(), steps, nil)
	requireCode(t, err, schema.ErrCodePipelineStep)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnresolvedVariable))
	require.Len(t, res.Results, 2)
	assert.Equal(t, "user.address_id", res.Results[1].Error.Details["variable"])
}

func TestPipeline_InterpolationPreservesTypes(t *testing.T) {
	d, _ := newTestDispatcher(t)
	initial := map[string]any{
		"user":  map[string]any{"name": "ada", "tags": []any{"x", "y"}},
		"count": 3,
	}
	steps := []schema.PipelineStep{{
		Tool: "echo",
		Input: map[string]any{
			"whole":    "{{user}}",
			"count":    "{{count}}",
			"greeting": "hi {{user.name}} ({{count}})",
			"first":    "{{user.tags.0}}",
		},
		OutputVar: "out",
	}}

	res, err := d.RunPipeline(context.Background(), steps, initial)
	require.NoError(t, err)

	out, ok := res.Variables.Get("out")
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"whole":    map[string]any{"name": "ada", "tags": []any{"x", "y"}},
		"count":    3,
		"greeting": "hi ada (3)",
		"first":    "x",
	}, out)
}

func TestPipeline_OutputVarShadowing(t *testing.T) {
	d, _ := newTestDispatcher(t)
	steps := []schema.PipelineStep{
		{Tool: "double", Input: map[string]any{"value": 1}, OutputVar: "x"},
		{Tool: "double", Input: map[string]any{"value": "{{x.result}}"}, OutputVar: "x"},
	}

	res, err := d.RunPipeline(context.Background(), steps, map[string]any{"before": true})
	require.NoError(t, err)

	x, _ := res.Variables.Get("x.result")
	assert.Equal(t, float64(4), x)
	assert.Equal(t, []string{"before", "x"}, res.Variables.Names())
}

func TestPipeline_StepRetry(t *testing.T) {
	d, tools := newTestDispatcher(t)
	steps := []schema.PipelineStep{{
		Tool:      "flaky",
		OutputVar: "r",
		Retry:     &schema.RetryConfig{MaxAttempts: 3, InitialDelayMs: 1, MaxDelayMs: 2},
	}}

	res, err := d.RunPipeline(context.Background(), steps, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Results[0].Attempts)
	assert.EqualValues(t, 3, tools.flakyCalls.Load())
}

func TestPipeline_StepTimeout(t *testing.T) {
	d, _ := newTestDispatcher(t)
	steps := []schema.PipelineStep{
		{Tool: "block", TimeoutMs: 20, ErrorPolicy: schema.ErrorPolicyContinue},
		{Tool: "double", Input: map[string]any{"value": 1}, OutputVar: "a"},
	}

	res, err := d.RunPipeline(context.Background(), steps, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, res.Results[0].Error.Code)
	assert.True(t, res.Results[1].Success)
}

func TestPipeline_RunTimeoutWinsOverStepTimeout(t *testing.T) {
	d, _ := newTestDispatcher(t)
	steps := []schema.PipelineStep{
		{Tool: "block", TimeoutMs: 5000, ErrorPolicy: schema.ErrorPolicyContinue},
		{Tool: "double", Input: map[string]any{"value": 1}},
	}

	start := time.Now()
	res, err := d.RunPipeline(context.Background(), steps, nil, WithRunTimeout(30*time.Millisecond))
	requireCode(t, err, schema.ErrCodeTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Len(t, res.Results, 1)
}

func TestPipeline_HandlerIgnoringCancellationStillTimesOut(t *testing.T) {
	d, _ := newTestDispatcher(t)
	steps := []schema.PipelineStep{{Tool: "stubborn", TimeoutMs: 20}}

	start := time.Now()
	_, err := d.RunPipeline(context.Background(), steps, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestPipeline_CancellationKeepsPartialTrace(t *testing.T) {
	d, _ := newTestDispatcher(t)
	steps := []schema.PipelineStep{
		{Tool: "double", Input: map[string]any{"value": 1}, OutputVar: "a"},
		{Tool: "block"},
		{Tool: "double", Input: map[string]any{"value": 2}, OutputVar: "b"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	res, err := d.RunPipeline(ctx, steps, nil)
	requireCode(t, err, schema.ErrCodeCancelled)
	assert.Equal(t, schema.RunStatusCancelled, res.Status)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].Success)
	assert.False(t, res.Results[1].Success)
	assert.False(t, res.Variables.Has("b"))
}

func TestPipeline_AlreadyCancelledContext(t *testing.T) {
	d, tools := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := d.RunPipeline(ctx, []schema.PipelineStep{{Tool: "double", Input: map[string]any{"value": 1}}}, nil)
	requireCode(t, err, schema.ErrCodeCancelled)
	assert.Equal(t, schema.RunStatusCancelled, res.Status)
	assert.Empty(t, res.Results)
	assert.Zero(t, tools.doubleCalls.Load())
}

func TestPipeline_InvalidConditionFailsStep(t *testing.T) {
	d, _ := newTestDispatcher(t)
	steps := []schema.PipelineStep{{Tool: "echo", Condition: "vars.x >"}}

	_, err := d.RunPipeline(context.Background(), steps, nil)
	requireCode(t, err, schema.ErrCodePipelineStep)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestPipeline_EarlyRelease(t *testing.T) {
	d, _ := newTestDispatcher(t)
	steps := []schema.PipelineStep{
		{Tool: "double", Input: map[string]any{"value": "{{seed}}"}, OutputVar: "a"},
		{Tool: "double", Input: map[string]any{"value": "{{a.result}}"}, OutputVar: "b"},
		{Tool: "double", Input: map[string]any{"value": "{{b.result}}"}, OutputVar: "c", Condition: "has(vars.b)"},
	}

	res, err := d.RunPipeline(context.Background(), steps, map[string]any{"seed": 1}, WithEarlyRelease())
	require.NoError(t, err)

	assert.Equal(t, []string{"seed", "a"}, res.Released)
	assert.Equal(t, []string{"b", "c"}, res.Variables.Names())
	c, _ := res.Variables.Get("c.result")
	assert.Equal(t, float64(8), c)
}

func TestPipeline_EarlyReleaseKeepsFinalOutputs(t *testing.T) {
	d, _ := newTestDispatcher(t)
	steps := []schema.PipelineStep{
		{Tool: "double", Input: map[string]any{"value": 1}, OutputVar: "a"},
		{Tool: "double", Input: map[string]any{"value": 2}, OutputVar: "b"},
	}

	res, err := d.RunPipeline(context.Background(), steps, nil, WithEarlyRelease())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Released)
	assert.Equal(t, []string{"b"}, res.Variables.Names())

	res, err = d.RunPipeline(context.Background(), steps, nil, WithEarlyRelease("a"))
	require.NoError(t, err)
	assert.Empty(t, res.Released)
	assert.Equal(t, []string{"a", "b"}, res.Variables.Names())
}

func TestPipeline_EarlyReleasePinnedByOpaqueCondition(t *testing.T) {
	d, _ := newTestDispatcher(t)
	steps := []schema.PipelineStep{
		{Tool: "double", Input: map[string]any{"value": 1}, OutputVar: "a"},
		{Tool: "echo", Condition: "size(vars) > 0"},
	}

	res, err := d.RunPipeline(context.Background(), steps, map[string]any{"unused": 1}, WithEarlyRelease())
	require.NoError(t, err)
	assert.Empty(t, res.Released)
	assert.Equal(t, 2, res.Variables.Len())
}

type memPersister struct {
	mu   sync.Mutex
	data map[string]any
	err  error
}

func (m *memPersister) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.data == nil {
		m.data = map[string]any{}
	}
	m.data[key] = value
	return nil
}

func TestPipeline_PersistFinalVariables(t *testing.T) {
	p := &memPersister{}
	d, _ := newTestDispatcher(t, WithEngineOptions(WithPersister(p)))

	_, err := d.RunPipeline(context.Background(),
		[]schema.PipelineStep{{Tool: "double", Input: map[string]any{"value": 2}, OutputVar: "a"}},
		nil, WithPersist("runs/last", time.Minute))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": map[string]any{"result": float64(4)}}, p.data["runs/last"])
}

func TestPipeline_PersistFailureSurfaces(t *testing.T) {
	p := &memPersister{err: errors.New("disk full")}
	d, _ := newTestDispatcher(t, WithEngineOptions(WithPersister(p)))

	res, err := d.RunPipeline(context.Background(), nil, nil, WithPersist("k", 0))
	requireCode(t, err, schema.ErrCodeState)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
}

func TestPipeline_TransitionHookAndRunID(t *testing.T) {
	var seen []schema.RunStatus
	hook := func(_ context.Context, runID string, _, to schema.RunStatus) {
		assert.Equal(t, "fixed", runID)
		seen = append(seen, to)
	}
	d, _ := newTestDispatcher(t, WithEngineOptions(WithTransitionHook(hook)))

	res, err := d.RunPipeline(context.Background(), nil, nil, WithRunID("fixed"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", res.RunID)
	assert.Equal(t, []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusCompleted}, seen)
}

func TestPipelineResult_MarshalsInOrder(t *testing.T) {
	d, _ := newTestDispatcher(t)
	res, err := d.RunPipeline(context.Background(), []schema.PipelineStep{
		{Tool: "double", Input: map[string]any{"value": 1}, OutputVar: "z"},
		{Tool: "double", Input: map[string]any{"value": 1}, OutputVar: "a"},
	}, nil)
	require.NoError(t, err)

	b, err := json.Marshal(res.Variables)
	require.NoError(t, err)
	assert.JSONEq(t, `{"z":{"result":2},"a":{"result":2}}`, string(b))
	assert.Regexp(t, `^\{"z":.*"a":`, string(b))
}
