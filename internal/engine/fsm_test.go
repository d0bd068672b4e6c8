package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolforge/internal/logging"
	"github.com/rendis/toolforge/pkg/schema"
)

func TestRunFSM_ValidTransitions(t *testing.T) {
	var seen []schema.RunStatus
	fsm := NewRunFSM("run-1", logging.Discard(), func(_ context.Context, runID string, _, to schema.RunStatus) {
		assert.Equal(t, "run-1", runID)
		seen = append(seen, to)
	})
	ctx := context.Background()

	assert.Equal(t, schema.RunStatusInit, fsm.Status())
	require.NoError(t, fsm.Transition(ctx, schema.RunStatusRunning))
	require.NoError(t, fsm.Transition(ctx, schema.RunStatusCompleted))

	assert.Equal(t, schema.RunStatusCompleted, fsm.Status())
	assert.True(t, fsm.Terminal())
	assert.Equal(t, []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusCompleted}, seen)
}

func TestRunFSM_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		setup []schema.RunStatus
		to    schema.RunStatus
	}{
		{"init to completed", nil, schema.RunStatusCompleted},
		{"init to failed", nil, schema.RunStatusFailed},
		{"running to running", []schema.RunStatus{schema.RunStatusRunning}, schema.RunStatusRunning},
		{"completed to failed", []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusCompleted}, schema.RunStatusFailed},
		{"cancelled to running", []schema.RunStatus{schema.RunStatusCancelled}, schema.RunStatusRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsm := NewRunFSM("run", logging.Discard())
			for _, s := range tt.setup {
				require.NoError(t, fsm.Transition(ctx, s))
			}
			before := fsm.Status()

			err := fsm.Transition(ctx, tt.to)
			var fe *schema.ForgeError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
			assert.Equal(t, before, fsm.Status())
		})
	}
}
