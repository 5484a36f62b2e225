package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelChecks(t *testing.T) {
	t.Run("wrapped sentinels keep their identity", func(t *testing.T) {
		err := Wrap(ErrNotFound, "entity 42")
		assert.True(t, IsNotFoundError(err))
		assert.False(t, IsForbiddenError(err))

		err = Wrapf(ErrForbidden, "agent %s", "a1")
		assert.True(t, IsForbiddenError(err))

		err = Wrap(Wrap(ErrInvalidState, "already approved"), "resolve")
		assert.True(t, IsInvalidStateError(err))
	})

	t.Run("validation covers unknown enum", func(t *testing.T) {
		assert.True(t, IsValidationError(Wrap(ErrValidation, "bad id")))
		assert.True(t, IsValidationError(Wrapf(ErrUnknownEnum, "scope %q", "nope")))
		assert.False(t, IsValidationError(ErrForbidden))
	})

	t.Run("nil is never a match", func(t *testing.T) {
		assert.False(t, IsNotFoundError(nil))
		assert.False(t, IsValidationError(nil))
		assert.False(t, IsRateLimitedError(nil))
		assert.False(t, IsStoreUnavailableError(nil))
	})
}

func TestConstructors(t *testing.T) {
	err := NewNotFoundError("entity %s", "e-1")
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "e-1")

	err = NewValidationError("malformed identifier %q", "zzz")
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "zzz")

	err = NewForbiddenError("agent %s may not mutate %s", "a", "b")
	assert.True(t, IsForbiddenError(err))

	err = NewInvalidStateError("request %s already resolved", "r1")
	assert.True(t, IsInvalidStateError(err))
}

func TestWrapStore(t *testing.T) {
	assert.Nil(t, WrapStore(nil, "query entities"))

	err := WrapStore(New("connection refused"), "query entities")
	assert.True(t, IsStoreUnavailableError(err))
	assert.Contains(t, err.Error(), "query entities")
	assert.Contains(t, err.Error(), "connection refused")
}
