package approval

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gnosisgraph/gnosis/access"
	"github.com/gnosisgraph/gnosis/audit"
	"github.com/gnosisgraph/gnosis/errors"
	gtesting "github.com/gnosisgraph/gnosis/internal/testing"
	"github.com/gnosisgraph/gnosis/scopes"
)

// recordingApplier writes the diff into a scratch table so the test can
// verify the apply ran inside the resolve transaction.
type recordingApplier struct {
	applied []string
	fail    error
}

func (a *recordingApplier) ApplyDiff(ctx context.Context, tx *sql.Tx, subjectID string, diff map[string]any) error {
	if a.fail != nil {
		return a.fail
	}
	a.applied = append(a.applied, subjectID)
	_, err := tx.ExecContext(ctx,
		"UPDATE entities SET name = ? WHERE id = ?", diff["name"], subjectID)
	return err
}

func newTestWorkflow(t *testing.T) (*Workflow, *recordingApplier, *sql.DB, *audit.Recorder) {
	t.Helper()
	db := gtesting.CreateTestDB(t)
	reg, err := scopes.Load(t.Context(), db)
	require.NoError(t, err)
	rec := audit.NewRecorder(db, reg, zaptest.NewLogger(t).Sugar())

	w := NewWorkflow(db, rec, zaptest.NewLogger(t).Sugar())
	applier := &recordingApplier{}
	w.RegisterApplier("entity", applier)
	return w, applier, db, rec
}

func seedEntity(t *testing.T, db *sql.DB, id, name string) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO entities (id, name, entity_type_id, status_id, scope_ids, created_at, updated_at)
		 VALUES (?, ?, 'et', 'st', '["s1"]', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		id, name)
	require.NoError(t, err)
}

var (
	agent = &access.Principal{ID: "agent-1", Kind: access.KindAgent, Scopes: []string{"s1"}}
	admin = &access.Principal{ID: "adm-1", Kind: access.KindHumanAdmin, IsAdmin: true}
)

func TestEnqueue(t *testing.T) {
	w, _, _, _ := newTestWorkflow(t)

	req, err := w.Enqueue(t.Context(), agent, SubjectRef{Kind: "entity", ID: "e1"},
		map[string]any{"name": "renamed"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, "agent-1", req.RequestedBy)
	assert.Nil(t, req.ResolvedBy)

	t.Run("unknown subject kind is rejected", func(t *testing.T) {
		_, err := w.Enqueue(t.Context(), agent, SubjectRef{Kind: "widget", ID: "x"}, nil)
		assert.True(t, errors.IsValidationError(err))
	})
}

func TestApprove(t *testing.T) {
	w, applier, db, _ := newTestWorkflow(t)
	seedEntity(t, db, "e1", "original")

	req, err := w.Enqueue(t.Context(), agent, SubjectRef{Kind: "entity", ID: "e1"},
		map[string]any{"name": "renamed"})
	require.NoError(t, err)

	// Live record untouched while pending
	var name string
	require.NoError(t, db.QueryRow("SELECT name FROM entities WHERE id = 'e1'").Scan(&name))
	assert.Equal(t, "original", name)

	resolved, err := w.Approve(t.Context(), admin, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resolved.Status)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, "adm-1", *resolved.ResolvedBy)
	assert.Equal(t, []string{"e1"}, applier.applied)

	require.NoError(t, db.QueryRow("SELECT name FROM entities WHERE id = 'e1'").Scan(&name))
	assert.Equal(t, "renamed", name)

	t.Run("exactly one approved audit entry", func(t *testing.T) {
		var count int
		require.NoError(t, db.QueryRow(
			`SELECT COUNT(*) FROM audit_log WHERE detail LIKE '%' || ? || '%' AND detail LIKE '%approved%'`,
			req.ID).Scan(&count))
		assert.Equal(t, 1, count)
	})
}

func TestResolveIdempotency(t *testing.T) {
	w, _, db, _ := newTestWorkflow(t)
	seedEntity(t, db, "e1", "original")

	req, err := w.Enqueue(t.Context(), agent, SubjectRef{Kind: "entity", ID: "e1"},
		map[string]any{"name": "renamed"})
	require.NoError(t, err)

	_, err = w.Approve(t.Context(), admin, req.ID)
	require.NoError(t, err)

	t.Run("same decision is idempotent with no duplicate audit entry", func(t *testing.T) {
		var before int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&before))

		again, err := w.Approve(t.Context(), admin, req.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, again.Status)

		var after int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&after))
		assert.Equal(t, before, after)
	})

	t.Run("conflicting decision fails with invalid state", func(t *testing.T) {
		_, err := w.Reject(t.Context(), admin, req.ID, "changed my mind")
		assert.True(t, errors.IsInvalidStateError(err))
	})
}

func TestReject(t *testing.T) {
	w, applier, db, _ := newTestWorkflow(t)
	seedEntity(t, db, "e1", "original")

	req, err := w.Enqueue(t.Context(), agent, SubjectRef{Kind: "entity", ID: "e1"},
		map[string]any{"name": "renamed"})
	require.NoError(t, err)

	resolved, err := w.Reject(t.Context(), admin, req.ID, "not appropriate")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, resolved.Status)
	assert.Equal(t, "not appropriate", resolved.ReviewNotes)
	assert.Empty(t, applier.applied)

	// Diff discarded: live record untouched
	var name string
	require.NoError(t, db.QueryRow("SELECT name FROM entities WHERE id = 'e1'").Scan(&name))
	assert.Equal(t, "original", name)
}

func TestResolveGuards(t *testing.T) {
	w, _, db, _ := newTestWorkflow(t)
	seedEntity(t, db, "e1", "original")

	req, err := w.Enqueue(t.Context(), agent, SubjectRef{Kind: "entity", ID: "e1"},
		map[string]any{"name": "renamed"})
	require.NoError(t, err)

	t.Run("non-admin cannot resolve", func(t *testing.T) {
		_, err := w.Approve(t.Context(), agent, req.ID)
		assert.True(t, errors.IsForbiddenError(err))
	})

	t.Run("malformed request id is a validation error", func(t *testing.T) {
		_, err := w.Approve(t.Context(), admin, "not-a-uuid")
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("unknown request id is not found", func(t *testing.T) {
		_, err := w.Approve(t.Context(), admin, uuid.New().String())
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("failed apply rolls the whole resolution back", func(t *testing.T) {
		w2, applier2, db2, _ := newTestWorkflow(t)
		seedEntity(t, db2, "e2", "original")
		applier2.fail = errors.New("apply exploded")

		req2, err := w2.Enqueue(t.Context(), agent, SubjectRef{Kind: "entity", ID: "e2"},
			map[string]any{"name": "renamed"})
		require.NoError(t, err)

		_, err = w2.Approve(t.Context(), admin, req2.ID)
		require.Error(t, err)

		// Still pending: status flip and apply are one transaction
		got, err := w2.Get(t.Context(), admin, req2.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
	})
}

func TestGetAndList(t *testing.T) {
	w, _, _, _ := newTestWorkflow(t)

	req1, err := w.Enqueue(t.Context(), agent, SubjectRef{Kind: "entity", ID: "e1"},
		map[string]any{"name": "a"})
	require.NoError(t, err)

	other := &access.Principal{ID: "agent-2", Kind: access.KindAgent}
	_, err = w.Enqueue(t.Context(), other, SubjectRef{Kind: "entity", ID: "e2"},
		map[string]any{"name": "b"})
	require.NoError(t, err)

	t.Run("requester sees own request", func(t *testing.T) {
		got, err := w.Get(t.Context(), agent, req1.ID)
		require.NoError(t, err)
		assert.Equal(t, req1.ID, got.ID)
	})

	t.Run("stranger gets not-found, never forbidden", func(t *testing.T) {
		_, err := w.Get(t.Context(), other, req1.ID)
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("admin lists everything, requester only their own", func(t *testing.T) {
		all, total, err := w.List(t.Context(), admin, StatusPending, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, all, 2)

		mine, total, err := w.List(t.Context(), agent, "", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, mine, 1)
		assert.Equal(t, req1.ID, mine[0].ID)
	})
}
