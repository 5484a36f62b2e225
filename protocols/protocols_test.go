package protocols

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gnosisgraph/gnosis/access"
	"github.com/gnosisgraph/gnosis/agents"
	"github.com/gnosisgraph/gnosis/approval"
	"github.com/gnosisgraph/gnosis/audit"
	"github.com/gnosisgraph/gnosis/errors"
	gtesting "github.com/gnosisgraph/gnosis/internal/testing"
	"github.com/gnosisgraph/gnosis/internal/util"
	"github.com/gnosisgraph/gnosis/scopes"
)

type fixture struct {
	svc      *Service
	agents   *agents.Service
	workflow *approval.Workflow
	db       *sql.DB

	admin *access.Principal
	user  *access.Principal

	internalScope string
	publicScope   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := gtesting.CreateTestDB(t)
	reg, err := scopes.Load(t.Context(), db)
	require.NoError(t, err)

	log := zaptest.NewLogger(t).Sugar()
	rec := audit.NewRecorder(db, reg, log)
	workflow := approval.NewWorkflow(db, rec, log)
	agentSvc := agents.NewService(db, reg, rec, log)
	svc := NewService(db, reg, agentSvc, workflow, rec, log)

	internalScope, err := reg.Resolve(scopes.SectionScope, "internal")
	require.NoError(t, err)
	publicScope, err := reg.Resolve(scopes.SectionScope, "public")
	require.NoError(t, err)

	return &fixture{
		svc:      svc,
		agents:   agentSvc,
		workflow: workflow,
		db:       db,
		admin:    &access.Principal{ID: "adm-1", Kind: access.KindHumanAdmin, IsAdmin: true},
		user:     &access.Principal{ID: "u-1", Kind: access.KindHumanUser, Scopes: []string{internalScope, publicScope}},

		internalScope: internalScope,
		publicScope:   publicScope,
	}
}

func TestCreateProtocol(t *testing.T) {
	f := newFixture(t)

	proto, pending, err := f.svc.Create(t.Context(), f.user, CreateParams{
		Name: "code-review", Title: "Code Review Protocol", Content: "All changes need a second reviewer.",
		Scopes: []string{"internal"}, Tags: []string{"engineering"},
	})
	require.NoError(t, err)
	require.Nil(t, pending)
	require.NotNil(t, proto)
	assert.Equal(t, "1", proto.Version)
	assert.False(t, proto.Trusted)
	assert.Equal(t, []string{f.internalScope}, proto.ScopeIDs)

	t.Run("requires name", func(t *testing.T) {
		_, _, err := f.svc.Create(t.Context(), f.user, CreateParams{Scopes: []string{"internal"}})
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("requires scope", func(t *testing.T) {
		_, _, err := f.svc.Create(t.Context(), f.user, CreateParams{Name: "unscoped"})
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		_, _, err := f.svc.Create(t.Context(), f.user, CreateParams{
			Name: "bad-status", Scopes: []string{"internal"}, Status: "published",
		})
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("duplicate name is a validation error", func(t *testing.T) {
		_, _, err := f.svc.Create(t.Context(), f.user, CreateParams{
			Name: "code-review", Scopes: []string{"internal"},
		})
		require.Error(t, err)
		assert.True(t, errors.IsValidationError(err))
	})
}

func TestTrustGateOnCreate(t *testing.T) {
	f := newFixture(t)

	t.Run("non-admin request for trusted is downgraded", func(t *testing.T) {
		proto, _, err := f.svc.Create(t.Context(), f.user, CreateParams{
			Name: "user-trusted", Scopes: []string{"internal"}, Trusted: util.Ptr(true),
		})
		require.NoError(t, err)
		assert.False(t, proto.Trusted)
	})

	t.Run("admin can mark trusted", func(t *testing.T) {
		proto, _, err := f.svc.Create(t.Context(), f.admin, CreateParams{
			Name: "admin-trusted", Scopes: []string{"internal"}, Trusted: util.Ptr(true),
		})
		require.NoError(t, err)
		assert.True(t, proto.Trusted)
	})

	t.Run("agent request for trusted is downgraded", func(t *testing.T) {
		agent, err := f.agents.Create(t.Context(), f.admin, agents.CreateParams{
			Name: "crawler", Scopes: []string{"internal"},
		})
		require.NoError(t, err)
		ap := &access.Principal{ID: agent.ID, Kind: access.KindAgent, Scopes: []string{f.internalScope}}

		proto, _, err := f.svc.Create(t.Context(), ap, CreateParams{
			Name: "agent-trusted", Scopes: []string{"internal"}, Trusted: util.Ptr(true),
		})
		require.NoError(t, err)
		assert.False(t, proto.Trusted)
	})
}

func TestTrustGateOnUpdate(t *testing.T) {
	f := newFixture(t)

	proto, _, err := f.svc.Create(t.Context(), f.admin, CreateParams{
		Name: "deploy-freeze", Scopes: []string{"internal"}, Trusted: util.Ptr(true),
	})
	require.NoError(t, err)

	t.Run("non-admin request for trusted persists false even on a trusted record", func(t *testing.T) {
		updated, pending, err := f.svc.Update(t.Context(), f.user, proto.ID, UpdateParams{
			Trusted: util.Ptr(true), Title: util.Ptr("Deploy Freeze"),
		})
		require.NoError(t, err)
		require.Nil(t, pending)
		assert.Equal(t, "Deploy Freeze", updated.Title)
		assert.False(t, updated.Trusted)
	})

	t.Run("omitting trusted keeps the existing flag", func(t *testing.T) {
		restored, _, err := f.svc.Update(t.Context(), f.admin, proto.ID, UpdateParams{
			Trusted: util.Ptr(true),
		})
		require.NoError(t, err)
		require.True(t, restored.Trusted)

		updated, _, err := f.svc.Update(t.Context(), f.user, proto.ID, UpdateParams{
			Title: util.Ptr("No Trust Change"),
		})
		require.NoError(t, err)
		assert.True(t, updated.Trusted)
	})

	t.Run("non-admin update of untrusted protocol cannot raise trusted", func(t *testing.T) {
		plain, _, err := f.svc.Create(t.Context(), f.user, CreateParams{
			Name: "style-guide", Scopes: []string{"internal"},
		})
		require.NoError(t, err)

		updated, _, err := f.svc.Update(t.Context(), f.user, plain.ID, UpdateParams{
			Trusted: util.Ptr(true),
		})
		require.NoError(t, err)
		assert.False(t, updated.Trusted)
	})

	t.Run("admin can clear trusted", func(t *testing.T) {
		updated, _, err := f.svc.Update(t.Context(), f.admin, proto.ID, UpdateParams{
			Trusted: util.Ptr(false),
		})
		require.NoError(t, err)
		assert.False(t, updated.Trusted)
	})
}

func TestTrustedContentElision(t *testing.T) {
	f := newFixture(t)

	proto, _, err := f.svc.Create(t.Context(), f.admin, CreateParams{
		Name: "incident-response", Content: "Page the on-call, then open a bridge.",
		ContentRef: "docs/ir.md", Scopes: []string{"internal"}, Trusted: util.Ptr(true),
	})
	require.NoError(t, err)

	t.Run("non-admin get elides content", func(t *testing.T) {
		got, err := f.svc.Get(t.Context(), f.user, proto.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Content)
		assert.Empty(t, got.ContentRef)
		assert.True(t, got.Trusted)
		assert.Equal(t, "incident-response", got.Name)
	})

	t.Run("admin get keeps content", func(t *testing.T) {
		got, err := f.svc.Get(t.Context(), f.admin, proto.ID)
		require.NoError(t, err)
		assert.Equal(t, "Page the on-call, then open a bridge.", got.Content)
		assert.Equal(t, "docs/ir.md", got.ContentRef)
	})

	t.Run("non-admin content fetch is not found", func(t *testing.T) {
		_, err := f.svc.GetContent(t.Context(), f.user, proto.ID)
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("admin content fetch succeeds", func(t *testing.T) {
		content, err := f.svc.GetContent(t.Context(), f.admin, proto.ID)
		require.NoError(t, err)
		assert.Equal(t, "Page the on-call, then open a bridge.", content)
	})

	t.Run("untrusted content is open to readers", func(t *testing.T) {
		plain, _, err := f.svc.Create(t.Context(), f.user, CreateParams{
			Name: "naming", Content: "Use kebab-case for service names.", Scopes: []string{"internal"},
		})
		require.NoError(t, err)
		content, err := f.svc.GetContent(t.Context(), f.user, plain.ID)
		require.NoError(t, err)
		assert.Equal(t, "Use kebab-case for service names.", content)
	})

	t.Run("list elides per reader", func(t *testing.T) {
		listed, _, err := f.svc.List(t.Context(), f.user, 0, 0)
		require.NoError(t, err)
		for _, lp := range listed {
			if lp.Trusted {
				assert.Empty(t, lp.Content, "trusted protocol %s leaked content", lp.Name)
			}
		}
	})
}

func TestProtocolVisibility(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.Create(t.Context(), f.admin, CreateParams{
		Name: "secrets-handling", Scopes: []string{"restricted"},
	})
	require.NoError(t, err)
	open, _, err := f.svc.Create(t.Context(), f.admin, CreateParams{
		Name: "commit-style", Scopes: []string{"public"},
	})
	require.NoError(t, err)

	t.Run("out-of-scope get is not found", func(t *testing.T) {
		restricted, err := f.svc.GetByName(t.Context(), f.admin, "secrets-handling")
		require.NoError(t, err)
		_, err = f.svc.Get(t.Context(), f.user, restricted.ID)
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("list filters to visible", func(t *testing.T) {
		listed, total, err := f.svc.List(t.Context(), f.user, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, listed, 1)
		assert.Equal(t, open.Name, listed[0].Name)
	})

	t.Run("malformed id is a validation error", func(t *testing.T) {
		_, err := f.svc.Get(t.Context(), f.user, "ptc' OR '1'='1")
		assert.True(t, errors.IsValidationError(err))
	})
}

func TestGatedProtocolWrites(t *testing.T) {
	f := newFixture(t)

	agent, err := f.agents.Create(t.Context(), f.admin, agents.CreateParams{
		Name: "doc-bot", Scopes: []string{"internal"}, RequiresApproval: true,
	})
	require.NoError(t, err)
	ap := &access.Principal{ID: agent.ID, Kind: access.KindAgent, Scopes: []string{f.internalScope}}

	proto, pending, err := f.svc.Create(t.Context(), ap, CreateParams{
		Name: "bot-playbook", Content: "draft one", Scopes: []string{"internal"}, Trusted: util.Ptr(true),
	})
	require.NoError(t, err)
	require.Nil(t, proto)
	require.NotNil(t, pending)
	assert.Equal(t, string(approval.StatusPending), pending.Status)

	t.Run("not visible before approval", func(t *testing.T) {
		_, err := f.svc.GetByName(t.Context(), f.admin, "bot-playbook")
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("approval materializes the protocol, still untrusted", func(t *testing.T) {
		_, err := f.workflow.Approve(t.Context(), f.admin, pending.RequestID)
		require.NoError(t, err)

		created, err := f.svc.GetByName(t.Context(), f.admin, "bot-playbook")
		require.NoError(t, err)
		assert.Equal(t, "draft one", created.Content)
		assert.Equal(t, agent.ID, created.OwnerAgentID)
		// The trust gate ran at capture time, so approval cannot launder
		// the flag.
		assert.False(t, created.Trusted)
	})

	t.Run("gated update applies on approval", func(t *testing.T) {
		created, err := f.svc.GetByName(t.Context(), f.admin, "bot-playbook")
		require.NoError(t, err)

		updated, pending, err := f.svc.Update(t.Context(), ap, created.ID, UpdateParams{
			Content: util.Ptr("draft two"),
		})
		require.NoError(t, err)
		require.Nil(t, updated)
		require.NotNil(t, pending)

		unchanged, err := f.svc.GetContent(t.Context(), f.admin, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "draft one", unchanged)

		_, err = f.workflow.Approve(t.Context(), f.admin, pending.RequestID)
		require.NoError(t, err)

		content, err := f.svc.GetContent(t.Context(), f.admin, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "draft two", content)
	})
}

func TestProtocolOwnership(t *testing.T) {
	f := newFixture(t)

	agent, err := f.agents.Create(t.Context(), f.admin, agents.CreateParams{
		Name: "owner-bot", Scopes: []string{"internal"},
	})
	require.NoError(t, err)
	ap := &access.Principal{ID: agent.ID, Kind: access.KindAgent, Scopes: []string{f.internalScope}}

	proto, _, err := f.svc.Create(t.Context(), ap, CreateParams{
		Name: "owned-playbook", Scopes: []string{"internal"},
	})
	require.NoError(t, err)
	assert.Equal(t, agent.ID, proto.OwnerAgentID)

	t.Run("other principal cannot update owned protocol", func(t *testing.T) {
		_, _, err := f.svc.Update(t.Context(), f.user, proto.ID, UpdateParams{
			Title: util.Ptr("hijacked"),
		})
		assert.True(t, errors.IsForbiddenError(err))
	})

	t.Run("owner can update", func(t *testing.T) {
		updated, _, err := f.svc.Update(t.Context(), ap, proto.ID, UpdateParams{
			Title: util.Ptr("Owner Playbook"),
		})
		require.NoError(t, err)
		assert.Equal(t, "Owner Playbook", updated.Title)
	})

	t.Run("admin can update regardless of owner", func(t *testing.T) {
		updated, _, err := f.svc.Update(t.Context(), f.admin, proto.ID, UpdateParams{
			Version: util.Ptr("2"),
		})
		require.NoError(t, err)
		assert.Equal(t, "2", updated.Version)
	})
}

func TestProtocolReadsWriteAccessEntries(t *testing.T) {
	f := newFixture(t)
	reg, err := scopes.Load(t.Context(), f.db)
	require.NoError(t, err)
	accessType, err := reg.Resolve(scopes.SectionLogType, audit.TypeAccess)
	require.NoError(t, err)

	countAccess := func() int {
		var n int
		require.NoError(t, f.db.QueryRow(
			"SELECT COUNT(*) FROM audit_log WHERE log_type_id = ?", accessType).Scan(&n))
		return n
	}

	proto, _, err := f.svc.Create(t.Context(), f.user, CreateParams{
		Name: "incident-response", Title: "Incident Response", Content: "Page the on-call first.",
		Scopes: []string{"internal"},
	})
	require.NoError(t, err)

	before := countAccess()
	_, err = f.svc.Get(t.Context(), f.user, proto.ID)
	require.NoError(t, err)
	assert.Equal(t, before+1, countAccess())

	before = countAccess()
	_, err = f.svc.GetByName(t.Context(), f.user, "incident-response")
	require.NoError(t, err)
	assert.Equal(t, before+1, countAccess())
}
