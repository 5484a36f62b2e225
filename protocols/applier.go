package protocols

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/gnosisgraph/gnosis/errors"
	"github.com/gnosisgraph/gnosis/internal/util"
)

// protocolApplier applies captured protocol diffs when an approval request
// resolves.
type protocolApplier struct {
	svc *Service
}

func (a protocolApplier) ApplyDiff(ctx context.Context, tx *sql.Tx, subjectID string, diff map[string]any) error {
	op, _ := diff["op"].(string)
	if op == "create" {
		return insertFromDiff(ctx, tx, subjectID, diff)
	}
	return applyProtocolDiff(ctx, tx, subjectID, diff)
}

func insertFromDiff(ctx context.Context, tx *sql.Tx, id string, diff map[string]any) error {
	now := time.Now().UTC()
	trusted, _ := diff["trusted"].(bool)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO protocols (id, name, title, version, content, protocol_type, applies_to, status_id, tags, trusted, metadata, content_ref, scope_ids, owner_agent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, asString(diff["name"]), asString(diff["title"]), asString(diff["version"]),
		asString(diff["content"]), asString(diff["protocol_type"]),
		util.EncodeStrings(asStrings(diff["applies_to"])), asString(diff["status_id"]),
		util.EncodeStrings(asStrings(diff["tags"])), trusted,
		util.EncodeMap(asMap(diff["metadata"])), nullableStr(asString(diff["content_ref"])),
		util.EncodeStrings(asStrings(diff["scope_ids"])), nullableStr(asString(diff["owner_agent_id"])),
		now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.NewValidationError("protocol name %q already exists", asString(diff["name"]))
		}
		return errors.WrapStore(err, "insert approved protocol")
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// protocolDiffColumns whitelists columns a captured update may touch and
// maps each to its SQL value encoding.
var protocolDiffColumns = map[string]func(any) any{
	"title":       func(v any) any { return asString(v) },
	"version":     func(v any) any { return asString(v) },
	"content":     func(v any) any { return asString(v) },
	"status_id":   func(v any) any { return asString(v) },
	"tags":        func(v any) any { return util.EncodeStrings(asStrings(v)) },
	"trusted":     func(v any) any { b, _ := v.(bool); return b },
	"metadata":    func(v any) any { return util.EncodeMap(asMap(v)) },
	"content_ref": func(v any) any { return nullableStr(asString(v)) },
	"scope_ids":   func(v any) any { return util.EncodeStrings(asStrings(v)) },
}

func applyProtocolDiff(ctx context.Context, ex execer, id string, diff map[string]any) error {
	sets := []string{}
	args := []any{}
	for col, encode := range protocolDiffColumns {
		v, ok := diff[col]
		if !ok {
			continue
		}
		sets = append(sets, col+" = ?")
		args = append(args, encode(v))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := ex.ExecContext(ctx,
		"UPDATE protocols SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return errors.WrapStore(err, "update protocol")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WrapStore(err, "update protocol rows")
	}
	if n == 0 {
		return errors.NewNotFoundError("protocol")
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
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
