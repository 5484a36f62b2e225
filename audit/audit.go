// Package audit maintains the append-only ledger of access, mutation, and
// approval events.
//
// Recording is best-effort: a failed append never fails the operation that
// triggered it, but is itself reported on the operational log channel so
// failures do not silently disappear.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gnosisgraph/gnosis/access"
	"github.com/gnosisgraph/gnosis/errors"
	"github.com/gnosisgraph/gnosis/scopes"
)

// Log type names, resolved against the scope registry at record time.
const (
	TypeAccess      = "access"
	TypeMutation    = "mutation"
	TypeApproval    = "approval"
	TypeRateLimit   = "rate_limit"
	TypeSecurity    = "security"
	TypeOperational = "operational"
)

// Entry is one ledger record. Entries are never updated or deleted.
type Entry struct {
	ID          string         `json:"id"`
	ActorID     string         `json:"actor_id"`
	ScopeID     *string        `json:"scope_id,omitempty"`
	LogType     string         `json:"log_type"`
	SubjectKind string         `json:"subject_kind,omitempty"`
	SubjectID   string         `json:"subject_id,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Filter narrows a ledger query. Zero values are ignored.
type Filter struct {
	ActorID string
	ScopeID string
	LogType string
	Since   time.Time
	Until   time.Time
	Limit   int
	Offset  int
}

// Recorder appends to and queries the ledger.
type Recorder struct {
	db       *sql.DB
	registry *scopes.Registry
	logger   *zap.SugaredLogger
}

// NewRecorder creates a ledger recorder.
func NewRecorder(db *sql.DB, registry *scopes.Registry, logger *zap.SugaredLogger) *Recorder {
	return &Recorder{db: db, registry: registry, logger: logger}
}

// Record appends an entry. Errors are logged, never returned: the primary
// operation must not fail because its audit trail could not be written.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	logTypeID, err := r.registry.Resolve(scopes.SectionLogType, e.LogType)
	if err != nil {
		r.logger.Errorw("Audit entry dropped: unknown log type",
			"log_type", e.LogType,
			"actor", e.ActorID,
			"error", err,
		)
		return
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	detail := "{}"
	if len(e.Detail) > 0 {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			r.logger.Warnw("Audit detail payload not serializable, recording without it",
				"entry_id", e.ID,
				"error", err,
			)
		} else {
			detail = string(b)
		}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor_id, scope_id, log_type_id, subject_kind, subject_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ActorID, e.ScopeID, logTypeID, e.SubjectKind, e.SubjectID, detail, e.CreatedAt,
	)
	if err != nil {
		r.logger.Errorw("Audit entry write failed",
			"entry_id", e.ID,
			"actor", e.ActorID,
			"log_type", e.LogType,
			"error", err,
		)
	}
}

// Query returns ledger entries matching the filter, oldest first, plus the
// total count before pagination. Non-admin principals only receive entries
// whose scope they can read; entries with no scope are admin-only.
func (r *Recorder) Query(ctx context.Context, p *access.Principal, f Filter) ([]Entry, int, error) {
	var conds []string
	var args []any

	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.ScopeID != "" {
		conds = append(conds, "scope_id = ?")
		args = append(args, f.ScopeID)
	}
	if f.LogType != "" {
		logTypeID, err := r.registry.Resolve(scopes.SectionLogType, f.LogType)
		if err != nil {
			return nil, 0, err
		}
		conds = append(conds, "log_type_id = ?")
		args = append(args, logTypeID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.Until)
	}

	// Visibility filtering happens in the query itself, before any row
	// leaves the store.
	if p == nil {
		return nil, 0, errors.NewForbiddenError("no principal")
	}
	if !p.IsAdmin {
		if len(p.Scopes) == 0 {
			return []Entry{}, 0, nil
		}
		placeholders := strings.Repeat("?,", len(p.Scopes))
		conds = append(conds, "scope_id IN ("+placeholders[:len(placeholders)-1]+")")
		for _, s := range p.Scopes {
			args = append(args, s)
		}
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_log"+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, errors.WrapStore(err, "count audit entries")
	}

	query := `SELECT id, actor_id, scope_id, log_type_id, subject_kind, subject_id, detail, created_at
		 FROM audit_log` + where + " ORDER BY created_at ASC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.WrapStore(err, "query audit entries")
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var scopeID sql.NullString
		var logTypeID, detail string
		if err := rows.Scan(&e.ID, &e.ActorID, &scopeID, &logTypeID,
			&e.SubjectKind, &e.SubjectID, &detail, &e.CreatedAt); err != nil {
			return nil, 0, errors.WrapStore(err, "scan audit entry")
		}
		if scopeID.Valid {
			e.ScopeID = &scopeID.String
		}
		if name, err := r.registry.NameOf(scopes.SectionLogType, logTypeID); err == nil {
			e.LogType = name
		}
		if detail != "" && detail != "{}" {
			_ = json.Unmarshal([]byte(detail), &e.Detail)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.WrapStore(err, "iterate audit entries")
	}

	return entries, total, nil
}
