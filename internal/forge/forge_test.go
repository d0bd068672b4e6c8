package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolforge/internal/engine"
	"github.com/rendis/toolforge/internal/logging"
	"github.com/rendis/toolforge/internal/registry"
	"github.com/rendis/toolforge/internal/state"
	"github.com/rendis/toolforge/pkg/schema"
)

type fixture struct {
	flakyCalls atomic.Int32
	downCalls  atomic.Int32
}

func (fx *fixture) natives() map[string]registry.Handler {
	return map[string]registry.Handler{
		"greet": registry.NewFunc(registry.Schema{Description: "greets"},
			func(_ context.Context, input any) (any, error) {
				in, _ := input.(map[string]any)
				return map[string]any{"message": fmt.Sprintf("hello %v x%v", in["name"], in["times"])}, nil
			}),
		"flaky": registry.NewFunc(registry.Schema{},
			func(_ context.Context, _ any) (any, error) {
				if fx.flakyCalls.Add(1) < 3 {
					return nil, schema.NewHandlerError("busy").WithDetails(map[string]any{"status": 503})
				}
				return map[string]any{"ok": true}, nil
			}),
		"down": registry.NewFunc(registry.Schema{},
			func(_ context.Context, _ any) (any, error) {
				fx.downCalls.Add(1)
				return nil, schema.NewHandlerError("down").WithDetails(map[string]any{"status": 500})
			}),
		"slow": registry.NewFunc(registry.Schema{},
			func(ctx context.Context, _ any) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
	}
}

func baseConfig() *schema.ForgeConfig {
	return &schema.ForgeConfig{
		Forge: schema.ForgeMetadata{Name: "test", Version: "0.0.1"},
		Tools: []schema.ToolDefinition{
			{
				Type: schema.ToolTypeNative, Name: "greet", Handler: "greet",
				Params: schema.ParamSchema{
					"name":  {Type: schema.TypeString, Required: true},
					"times": {Type: schema.TypeInteger, Default: 2},
				},
			},
			{
				Type: schema.ToolTypeNative, Name: "flaky", Handler: "flaky",
				Retry: &schema.RetryConfig{MaxAttempts: 3, InitialDelayMs: 1},
			},
			{
				Type: schema.ToolTypeNative, Name: "down", Handler: "down",
				Breaker: &schema.BreakerConfig{FailureThreshold: 2, TimeoutMs: 60_000},
			},
			{Type: schema.ToolTypeNative, Name: "slow", Handler: "slow", TimeoutMs: 20},
			{Type: schema.ToolTypeJQ, Name: "ids", Expression: "[.items[].id]"},
			{
				Type: schema.ToolTypePipeline, Name: "welcome",
				Params: schema.ParamSchema{"user": {Type: schema.TypeString, Required: true}},
				Steps: []schema.PipelineStep{
					{Tool: "greet", Input: map[string]any{"name": "{{user}}"}, OutputVar: "greeting"},
					{Tool: "state.set", Input: map[string]any{"key": "welcome", "value": "{{greeting.message}}"}},
				},
			},
		},
	}
}

func build(t *testing.T, cfg *schema.ForgeConfig, opts ...Option) (*Forge, *fixture) {
	t.Helper()
	fx := &fixture{}
	opts = append([]Option{WithNatives(fx.natives()), WithLogger(logging.Discard())}, opts...)
	f, err := Build(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f, fx
}

func TestBuild_RegistersConfigAndBuiltinTools(t *testing.T) {
	f, _ := build(t, baseConfig())

	for _, name := range append(BuiltinTools(), "greet", "flaky", "down", "slow", "ids", "welcome") {
		assert.True(t, f.Registry.Has(name), name)
	}
	assert.Contains(t, BuiltinTools(), "state.get")
	assert.Contains(t, BuiltinTools(), "jq.eval")
	assert.Empty(t, f.Warnings)
}

func TestCall_NativeParamsAndDefaults(t *testing.T) {
	f, _ := build(t, baseConfig())
	ctx := context.Background()

	out, err := f.Call(ctx, "greet", map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "hello ada x2"}, out)

	_, err = f.Call(ctx, "greet", map[string]any{"times": 1})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCall_Pipeline(t *testing.T) {
	f, _ := build(t, baseConfig())
	ctx := context.Background()

	out, err := f.Call(ctx, "welcome", map[string]any{"variables": map[string]any{"user": "ada"}})
	require.NoError(t, err)

	res, ok := out.(map[string]any)
	require.True(t, ok)
	vars, ok := res["variables"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"message": "hello ada x2"}, vars["greeting"])

	v, found, err := f.State.Get(ctx, "welcome")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello ada x2", v)

	persisted, found, err := f.State.Get(ctx, "pipeline:welcome")
	require.NoError(t, err)
	assert.True(t, found)
	assert.NotNil(t, persisted)
}

func TestCall_ExpressionTool(t *testing.T) {
	f, _ := build(t, baseConfig())

	out, err := f.Call(context.Background(), "ids", map[string]any{
		"items": []any{map[string]any{"id": 1.0}, map[string]any{"id": 2.0}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": []any{1.0, 2.0}}, out)
}

func TestCall_ToolRetryPolicy(t *testing.T) {
	f, fx := build(t, baseConfig())

	out, err := f.Call(context.Background(), "flaky", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
	assert.Equal(t, int32(3), fx.flakyCalls.Load())
}

func TestCall_ToolBreakerPolicy(t *testing.T) {
	f, fx := build(t, baseConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.Call(ctx, "down", map[string]any{})
		assert.True(t, schema.HasCode(err, schema.ErrCodeHandler))
	}
	_, err := f.Call(ctx, "down", map[string]any{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))
	assert.Equal(t, int32(2), fx.downCalls.Load())

	snaps := f.Dispatcher.BreakerSnapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "down", snaps[0].Name)
	assert.Equal(t, "open", snaps[0].State)
}

func TestCall_ToolTimeout(t *testing.T) {
	f, _ := build(t, baseConfig())

	start := time.Now()
	_, err := f.Call(context.Background(), "slow", map[string]any{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCall_HTTPTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"login":%q}`, r.URL.Query().Get("login"))
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.Tools = append(cfg.Tools, schema.ToolDefinition{
		Type: schema.ToolTypeHTTP, Name: "user", Endpoint: srv.URL,
	})
	f, _ := build(t, cfg, WithHTTPClient(srv.Client()))

	out, err := f.Call(context.Background(), "user", map[string]any{"query": map[string]any{"login": "ada"}})
	require.NoError(t, err)
	res := out.(map[string]any)
	assert.EqualValues(t, 200, res["status"])
	assert.Equal(t, map[string]any{"login": "ada"}, res["body"])
}

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Tools[5].Steps[0].Tool = "ghost"

	_, err := Build(context.Background(), cfg, WithNatives((&fixture{}).natives()), WithLogger(logging.Discard()))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = Build(context.Background(), baseConfig(), WithNatives(map[string]registry.Handler{}), WithLogger(logging.Discard()))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestBuild_CollectsWarnings(t *testing.T) {
	cfg := baseConfig()
	cfg.Tools[5].Steps[0].Input = map[string]any{"name": "{{nobody}}"}

	f, _ := build(t, cfg)
	require.Len(t, f.Warnings, 1)
	assert.Equal(t, schema.ErrCodeUnresolvedVariable, f.Warnings[0].Code)
}

func TestRouter(t *testing.T) {
	f, _ := build(t, baseConfig())
	_, err := f.Call(context.Background(), "greet", map[string]any{"name": "ada"})
	require.NoError(t, err)

	router := f.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"registry"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `toolforge_requests_total{tool="greet"} 1`)
}

func TestSchedules(t *testing.T) {
	cfg := baseConfig()
	disabled := false
	cfg.Schedules = []schema.ScheduleDefinition{
		{ID: "hourly", CronExpr: "@hourly", Tool: "greet", Input: map[string]any{"name": "cron"}},
		{ID: "off", CronExpr: "@daily", Tool: "greet", Enabled: &disabled},
	}
	f, _ := build(t, cfg, WithScheduleInterval(time.Hour))

	jobs := f.Scheduler.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "hourly", jobs[0].ID)

	require.NoError(t, f.Start(context.Background()))
	require.NoError(t, f.Scheduler.RunNow(context.Background(), "hourly"))
	assert.Equal(t, 1, f.Scheduler.Jobs()[0].Runs)
}

func TestStateConfigOverride(t *testing.T) {
	tests := []struct {
		name string
		cfg  *schema.StateConfig
		path string
		want *schema.StateConfig
	}{
		{"no override", &schema.StateConfig{Backend: state.BackendRedis, Path: "localhost:6379"}, "", &schema.StateConfig{Backend: state.BackendRedis, Path: "localhost:6379"}},
		{"no section", nil, "/tmp/s.db", &schema.StateConfig{Backend: state.BackendLibSQL, Path: "/tmp/s.db"}},
		{"memory upgraded", &schema.StateConfig{Backend: state.BackendMemory}, "/tmp/s.db", &schema.StateConfig{Backend: state.BackendLibSQL, Path: "/tmp/s.db"}},
		{"path replaced", &schema.StateConfig{Backend: state.BackendLibSQL, Path: "a.db"}, "b.db", &schema.StateConfig{Backend: state.BackendLibSQL, Path: "b.db"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stateConfig(tt.cfg, tt.path))
		})
	}
}

func TestToolPolicy(t *testing.T) {
	res := &schema.ResilienceConfig{Retry: &schema.RetryConfig{MaxAttempts: 4}}

	_, ok := toolPolicy(schema.ToolDefinition{Name: "plain"}, res)
	assert.False(t, ok)

	p, ok := toolPolicy(schema.ToolDefinition{Name: "t", TimeoutMs: 250}, res)
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, p.Timeout)
	require.NotNil(t, p.Retry)
	assert.Equal(t, 4, p.Retry.MaxAttempts)
	assert.Nil(t, p.Breaker)

	p, _ = toolPolicy(schema.ToolDefinition{Name: "t", Retry: &schema.RetryConfig{MaxAttempts: 2}}, res)
	assert.Equal(t, 2, p.Retry.MaxAttempts)

	assert.Equal(t, engine.ToolPolicy{}, defaultPolicy(nil))
}

func TestCall_TypedInputIsNormalized(t *testing.T) {
	f, _ := build(t, baseConfig())

	type greetInput struct {
		Name string `json:"name"`
	}
	out, err := f.Call(context.Background(), "greet", greetInput{Name: "ada"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "hello ada x2"}, out)
}

func TestCall_RequiredFieldsAreScopedToTheirTool(t *testing.T) {
	cfg := baseConfig()
	cfg.Tools[4].RequiredFields = []string{"items"}
	f, _ := build(t, cfg)
	ctx := context.Background()

	_, err := f.Call(ctx, "ids", map[string]any{})
	var fe *schema.ForgeError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.Equal(t, "items", fe.Field)

	_, err = f.Call(ctx, "greet", map[string]any{"name": "ada"})
	require.NoError(t, err)
}

func TestCall_BranchPipeline(t *testing.T) {
	cfg := baseConfig()
	cfg.Tools = append(cfg.Tools, schema.ToolDefinition{
		Type: schema.ToolTypePipeline, Name: "fan",
		Params: schema.ParamSchema{"user": {Type: schema.TypeString, Required: true}},
		Branches: []schema.PipelineBranch{
			{Name: "hello", Steps: []schema.PipelineStep{
				{Tool: "greet", Input: map[string]any{"name": "{{user}}"}, OutputVar: "greeting"},
			}},
			{Name: "pick", Steps: []schema.PipelineStep{
				{Tool: "ids", Input: map[string]any{"items": []any{map[string]any{"id": 7.0}}}, OutputVar: "picked"},
			}},
		},
	})
	f, _ := build(t, cfg)

	out, err := f.Call(context.Background(), "fan", map[string]any{"variables": map[string]any{"user": "ada"}})
	require.NoError(t, err)

	vars := out.(map[string]any)["variables"].(map[string]any)
	assert.Equal(t, map[string]any{"message": "hello ada x2"}, vars["greeting"])
	assert.Equal(t, map[string]any{"result": []any{7.0}}, vars["picked"])
	assert.Equal(t, "ada", vars["user"])
}

func TestCall_GuardBreakerWrapsWholeDispatch(t *testing.T) {
	cfg := baseConfig()
	cfg.Resilience = &schema.ResilienceConfig{
		Guard: &schema.BreakerConfig{FailureThreshold: 1, TimeoutMs: 60_000},
	}
	f, fx := build(t, cfg)
	ctx := context.Background()

	_, err := f.Call(ctx, "down", map[string]any{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeHandler))
	_, err = f.Call(ctx, "down", map[string]any{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))
	assert.Equal(t, int32(1), fx.downCalls.Load())

	require.NotNil(t, f.Guards)
	snaps := f.Guards.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "down", snaps[0].Name)
	assert.Equal(t, "open", snaps[0].State)

	_, err = f.Call(ctx, "greet", map[string]any{"name": "ada"})
	require.NoError(t, err)
}
