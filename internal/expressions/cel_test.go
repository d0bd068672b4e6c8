package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/toolforge/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCELCondition_ExistenceShorthand(t *testing.T) {
	e := newCEL(t)
	vars := map[string]any{"user": map[string]any{"id": "u1"}}

	cases := map[string]bool{
		"user":     true,
		"!user":    false,
		"missing":  false,
		"!missing": true,
		"user.id":  true,
		"user.age": false,
		"":         true,
	}
	for cond, want := range cases {
		got, err := e.Condition(context.Background(), cond, vars)
		require.NoError(t, err, cond)
		assert.Equal(t, want, got, cond)
	}
}

func TestCELCondition_Expressions(t *testing.T) {
	e := newCEL(t)
	vars := map[string]any{
		"a":    map[string]any{"result": float64(10)},
		"name": "ada",
	}

	cases := map[string]bool{
		"vars.a.result > 5":           true,
		"vars.a.result == 10":         true,
		`vars.name == "bob"`:          false,
		`has(vars.a) && !has(vars.b)`: true,
		"true":                        true,
		"false":                       false,
	}
	for cond, want := range cases {
		got, err := e.Condition(context.Background(), cond, vars)
		require.NoError(t, err, cond)
		assert.Equal(t, want, got, cond)
	}
}

func TestCELCondition_NonBoolean(t *testing.T) {
	e := newCEL(t)
	_, err := e.Condition(context.Background(), "1 + 2", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.Code(err))
}

func TestCELCondition_CompileError(t *testing.T) {
	e := newCEL(t)
	_, err := e.Condition(context.Background(), "vars.a >", nil)
	var fe *schema.ForgeError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "condition", fe.Field)
}

func TestCELEngine_CachesPrograms(t *testing.T) {
	e := newCEL(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Evaluate(context.Background(), "size(vars) > 0", map[string]any{"x": 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.cache.len())
}

func TestConditionReferences(t *testing.T) {
	tests := []struct {
		condition string
		names     []string
		all       bool
	}{
		{"", nil, false},
		{"user", []string{"user"}, false},
		{"!user.address", []string{"user"}, false},
		{"vars.a.result > 5 && vars['b'] == 1", []string{"a", "b"}, false},
		{"has(vars.flag)", []string{"flag"}, false},
		{"size(vars) > 0", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			names, all := ConditionReferences(tt.condition)
			assert.Equal(t, tt.names, names)
			assert.Equal(t, tt.all, all)
		})
	}
}
