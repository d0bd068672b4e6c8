package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolforge/pkg/schema"
)

// runManagerContract checks the behaviour every backend must share.
func runManagerContract(t *testing.T, m Manager) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		v, found, err := m.Get(ctx, "absent")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, v)

		ok, err := m.Exists(ctx, "absent")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("round trip normalizes to JSON values", func(t *testing.T) {
		require.NoError(t, m.Set(ctx, "user", map[string]any{"name": "ada", "age": 36}, 0))

		v, found, err := m.Get(ctx, "user")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, map[string]any{"name": "ada", "age": float64(36)}, v)

		ok, err := m.Exists(ctx, "user")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, m.Set(ctx, "counter", 1, 0))
		require.NoError(t, m.Set(ctx, "counter", 2, 0))

		v, _, err := m.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, float64(2), v)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, m.Set(ctx, "gone", "x", 0))
		require.NoError(t, m.Delete(ctx, "gone"))
		require.NoError(t, m.Delete(ctx, "gone"))

		_, found, err := m.Get(ctx, "gone")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("empty key", func(t *testing.T) {
		err := m.Set(ctx, "", 1, 0)
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	})

	t.Run("unserializable value", func(t *testing.T) {
		err := m.Set(ctx, "ch", make(chan int), 0)
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	})
}
