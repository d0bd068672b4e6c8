package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolforge/internal/logging"
	"github.com/rendis/toolforge/internal/registry"
	"github.com/rendis/toolforge/pkg/schema"
)

type doubleIn struct {
	Value int `json:"value"`
}

type doubleOut struct {
	Result int `json:"result"`
}

// testTools holds call counters for the tools registered by newTestRegistry.
type testTools struct {
	doubleCalls atomic.Int64
	failCalls   atomic.Int64
	flakyCalls  atomic.Int64
	flakyFails  int64
}

func newTestRegistry(t *testing.T) (*registry.Registry, *testTools) {
	t.Helper()
	tools := &testTools{flakyFails: 2}
	reg := registry.New()

	require.NoError(t, reg.Register("double", registry.MustTyped("doubles a value",
		func(_ context.Context, in doubleIn) (doubleOut, error) {
			tools.doubleCalls.Add(1)
			return doubleOut{Result: in.Value * 2}, nil
		})))

	require.NoError(t, reg.Register("echo", registry.NewFunc(registry.Schema{Description: "echo"},
		func(_ context.Context, input any) (any, error) {
			return input, nil
		})))

	require.NoError(t, reg.Register("fail", registry.NewFunc(registry.Schema{Description: "always fails"},
		func(_ context.Context, _ any) (any, error) {
			tools.failCalls.Add(1)
			return nil, schema.NewHandlerError("upstream returned 503").
				WithDetails(map[string]any{"status": 503})
		})))

	require.NoError(t, reg.Register("flaky", registry.NewFunc(registry.Schema{Description: "fails then succeeds"},
		func(_ context.Context, _ any) (any, error) {
			if tools.flakyCalls.Add(1) <= tools.flakyFails {
				return nil, schema.NewTimeoutError("slow upstream")
			}
			return map[string]any{"ok": true}, nil
		})))

	require.NoError(t, reg.Register("block", registry.NewFunc(registry.Schema{Description: "blocks until cancelled"},
		func(ctx context.Context, _ any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})))

	require.NoError(t, reg.Register("stubborn", registry.NewFunc(registry.Schema{Description: "ignores cancellation"},
		func(_ context.Context, _ any) (any, error) {
			time.Sleep(200 * time.Millisecond)
			return "late", nil
		})))

	return reg, tools
}

func newTestDispatcher(t *testing.T, opts ...DispatcherOption) (*Dispatcher, *testTools) {
	t.Helper()
	reg, tools := newTestRegistry(t)
	opts = append([]DispatcherOption{WithDispatcherLogger(logging.Discard())}, opts...)
	d, err := NewDispatcher(reg, opts...)
	require.NoError(t, err)
	return d, tools
}

func requireCode(t *testing.T, err error, code string) *schema.ForgeError {
	t.Helper()
	var fe *schema.ForgeError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, code, fe.Code)
	return fe
}
