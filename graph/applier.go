package graph

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/gnosisgraph/gnosis/errors"
	"github.com/gnosisgraph/gnosis/internal/util"
)

// Appliers run inside the approval workflow's resolve transaction. Diffs
// hold already-resolved vocabulary identifiers; validation happened at
// enqueue time. Values arrive through a JSON round-trip, so arrays and
// objects come back as []any and map[string]any.

type entityApplier struct{ svc *Service }

func (a entityApplier) ApplyDiff(ctx context.Context, tx *sql.Tx, subjectID string, diff map[string]any) error {
	now := time.Now().UTC()

	if diff["op"] == "create" {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entities (id, name, entity_type_id, status_id, scope_ids, tags, metadata, owner_agent_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			subjectID, diff["name"], diff["entity_type_id"], diff["status_id"],
			util.EncodeStrings(asStrings(diff["scope_ids"])),
			util.EncodeStrings(asStrings(diff["tags"])),
			util.EncodeMap(asMap(diff["metadata"])),
			nullable(asString(diff["owner_agent_id"])), now, now,
		)
		if err != nil {
			return errors.WrapStore(err, "apply entity create")
		}
		return nil
	}

	return applyEntityDiff(ctx, tx, subjectID, diff)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// applyEntityDiff runs an update diff against the entities table. Shared
// by the direct update path (on the bare connection) and the approval
// applier (inside the resolve transaction).
func applyEntityDiff(ctx context.Context, ex execer, id string, diff map[string]any) error {
	sets, args := entityDiffColumns(diff)
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := ex.ExecContext(ctx,
		"UPDATE entities SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return errors.WrapStore(err, "apply entity update")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFoundError("entity %s no longer exists", id)
	}
	return nil
}

func entityDiffColumns(diff map[string]any) ([]string, []any) {
	var sets []string
	var args []any
	if v, ok := diff["name"]; ok {
		sets = append(sets, "name = ?")
		args = append(args, v)
	}
	if v, ok := diff["status_id"]; ok {
		sets = append(sets, "status_id = ?")
		args = append(args, v)
	}
	if v, ok := diff["scope_ids"]; ok {
		sets = append(sets, "scope_ids = ?")
		args = append(args, util.EncodeStrings(asStrings(v)))
	}
	if v, ok := diff["tags"]; ok {
		sets = append(sets, "tags = ?")
		args = append(args, util.EncodeStrings(asStrings(v)))
	}
	if v, ok := diff["metadata"]; ok {
		sets = append(sets, "metadata = ?")
		args = append(args, util.EncodeMap(asMap(v)))
	}
	return sets, args
}

type relationshipApplier struct{ svc *Service }

func (a relationshipApplier) ApplyDiff(ctx context.Context, tx *sql.Tx, subjectID string, diff map[string]any) error {
	if diff["op"] != "create" {
		return errors.AssertionFailedf("relationship diffs only support create, got %v", diff["op"])
	}

	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO relationships (id, source_kind, source_id, target_kind, target_id, relationship_type_id, properties, status_id, scope_ids, owner_agent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subjectID, diff["source_kind"], diff["source_id"], diff["target_kind"], diff["target_id"],
		diff["relationship_type_id"], util.EncodeMap(asMap(diff["properties"])),
		diff["status_id"], util.EncodeStrings(asStrings(diff["scope_ids"])),
		nullable(asString(diff["owner_agent_id"])), now, now,
	)
	if err != nil {
		return errors.WrapStore(err, "apply relationship create")
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
