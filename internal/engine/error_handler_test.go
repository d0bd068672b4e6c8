package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolforge/internal/logging"
	"github.com/rendis/toolforge/pkg/schema"
)

func TestHandleStepError_FailFast(t *testing.T) {
	step := schema.PipelineStep{Tool: "fetch"}
	inner := schema.NewHandlerError("down")

	res := HandleStepError(context.Background(), logging.Discard(), 2, step, inner)

	assert.False(t, res.Continue)
	var fe *schema.ForgeError
	require.ErrorAs(t, res.Err, &fe)
	assert.Equal(t, schema.ErrCodePipelineStep, fe.Code)
	require.NotNil(t, fe.StepIndex)
	assert.Equal(t, 2, *fe.StepIndex)
	assert.Equal(t, "fetch", fe.Tool)
	assert.True(t, schema.HasCode(res.Err, schema.ErrCodeHandler))
}

func TestHandleStepError_Continue(t *testing.T) {
	step := schema.PipelineStep{Tool: "fetch", ErrorPolicy: schema.ErrorPolicyContinue}

	res := HandleStepError(context.Background(), logging.Discard(), 0, step, errors.New("plain"))

	assert.True(t, res.Continue)
	assert.NoError(t, res.Err)
}

func TestHandleStepError_FatalAlwaysAborts(t *testing.T) {
	step := schema.PipelineStep{Tool: "fetch", ErrorPolicy: schema.ErrorPolicyContinue}

	res := HandleStepError(context.Background(), logging.Discard(), 1, step, schema.NewInternalError("corrupt"))

	assert.False(t, res.Continue)
	assert.True(t, schema.HasCode(res.Err, schema.ErrCodeInternal))
}
