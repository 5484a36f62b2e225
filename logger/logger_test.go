package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize(t *testing.T) {
	t.Run("starts as no-op before Initialize", func(t *testing.T) {
		require.NotNil(t, Logger)
		// Must not panic
		Logger.Debugw("noop logger is safe", "key", "value")
	})

	t.Run("console output", func(t *testing.T) {
		err := Initialize(false)
		require.NoError(t, err)
		assert.False(t, JSONOutput)
		Logger.Infow("console logger initialized", "mode", "console")
	})

	t.Run("json output", func(t *testing.T) {
		err := Initialize(true)
		require.NoError(t, err)
		assert.True(t, JSONOutput)
		Logger.Infow("json logger initialized", "mode", "json")
	})
}
