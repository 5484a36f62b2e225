package access

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gnosisgraph/gnosis/errors"
)

func TestCanRead(t *testing.T) {
	user := &Principal{ID: "u1", Kind: KindHumanUser, Scopes: []string{"s-public", "s-internal"}}
	admin := &Principal{ID: "a1", Kind: KindHumanAdmin, IsAdmin: true}

	t.Run("admin reads everything", func(t *testing.T) {
		assert.True(t, CanRead(admin, []string{"s-restricted"}))
		assert.True(t, CanRead(admin, nil))
	})

	t.Run("non-admin needs scope intersection", func(t *testing.T) {
		assert.True(t, CanRead(user, []string{"s-internal", "s-restricted"}))
		assert.False(t, CanRead(user, []string{"s-restricted"}))
		assert.False(t, CanRead(user, nil))
	})

	t.Run("nil principal reads nothing", func(t *testing.T) {
		assert.False(t, CanRead(nil, []string{"s-public"}))
	})
}

func TestCanWrite(t *testing.T) {
	agent := &Principal{ID: "agent-1", Kind: KindAgent, Scopes: []string{"s-internal"}}
	other := &Principal{ID: "agent-2", Kind: KindAgent, Scopes: []string{"s-internal"}}
	admin := &Principal{ID: "a1", Kind: KindHumanAdmin, IsAdmin: true}

	scopes := []string{"s-internal"}

	t.Run("unowned records follow scope overlap", func(t *testing.T) {
		assert.True(t, CanWrite(agent, scopes, ""))
		assert.False(t, CanWrite(agent, []string{"s-restricted"}, ""))
	})

	t.Run("owner writes its own records", func(t *testing.T) {
		assert.True(t, CanWrite(agent, scopes, "agent-1"))
	})

	t.Run("non-owner is rejected despite scope overlap", func(t *testing.T) {
		assert.False(t, CanWrite(other, scopes, "agent-1"))
	})

	t.Run("admin overrides ownership", func(t *testing.T) {
		assert.True(t, CanWrite(admin, scopes, "agent-1"))
	})
}

func TestCheckReadCheckWrite(t *testing.T) {
	user := &Principal{ID: "u1", Kind: KindHumanUser, Scopes: []string{"s-internal"}}
	other := &Principal{ID: "u2", Kind: KindHumanUser, Scopes: []string{"s-internal"}}

	t.Run("invisible records yield not-found, never forbidden", func(t *testing.T) {
		err := CheckRead(user, []string{"s-restricted"}, "entity e1")
		assert.True(t, errors.IsNotFoundError(err))
		assert.False(t, errors.IsForbiddenError(err))

		err = CheckWrite(user, []string{"s-restricted"}, "", "entity e1")
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("visible but unowned yields forbidden", func(t *testing.T) {
		err := CheckWrite(other, []string{"s-internal"}, "u1", "entity e1")
		assert.True(t, errors.IsForbiddenError(err))
	})

	t.Run("owner passes", func(t *testing.T) {
		assert.NoError(t, CheckWrite(user, []string{"s-internal"}, "u1", "entity e1"))
	})
}

func TestSanitizeTrusted(t *testing.T) {
	admin := &Principal{ID: "a1", IsAdmin: true}
	user := &Principal{ID: "u1"}
	boolPtr := func(b bool) *bool { return &b }

	t.Run("absent value keeps existing", func(t *testing.T) {
		assert.True(t, SanitizeTrusted(user, nil, true))
		assert.False(t, SanitizeTrusted(user, nil, false))
	})

	t.Run("non-admin true is coerced to false", func(t *testing.T) {
		assert.False(t, SanitizeTrusted(user, boolPtr(true), false))
		assert.False(t, SanitizeTrusted(user, boolPtr(true), true))
		assert.False(t, SanitizeTrusted(nil, boolPtr(true), true))
	})

	t.Run("admin passes through", func(t *testing.T) {
		assert.True(t, SanitizeTrusted(admin, boolPtr(true), false))
		assert.False(t, SanitizeTrusted(admin, boolPtr(false), true))
	})

	t.Run("non-admin can clear the flag", func(t *testing.T) {
		assert.False(t, SanitizeTrusted(user, boolPtr(false), true))
	})
}

func TestCanReadTrustedContent(t *testing.T) {
	admin := &Principal{ID: "a1", IsAdmin: true}
	user := &Principal{ID: "u1"}

	assert.True(t, CanReadTrustedContent(user, false))
	assert.False(t, CanReadTrustedContent(user, true))
	assert.False(t, CanReadTrustedContent(nil, true))
	assert.True(t, CanReadTrustedContent(admin, true))
}

func TestPrincipalContext(t *testing.T) {
	p := &Principal{ID: "u1", Kind: KindHumanUser}
	ctx := WithPrincipal(t.Context(), p)

	assert.Equal(t, p, PrincipalFromContext(ctx))
	assert.Nil(t, PrincipalFromContext(t.Context()))
}
