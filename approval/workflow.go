// Package approval implements the asynchronous approval workflow gating
// mutations on records whose owning agent requires approval.
//
// A gated write is never applied to the live record. It is captured as a
// pending request holding the proposed diff; an admin later approves the
// request, which applies the diff transactionally, or rejects it, which
// discards the diff. pending -> approved and pending -> rejected are the
// only transitions.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gnosisgraph/gnosis/access"
	"github.com/gnosisgraph/gnosis/audit"
	"github.com/gnosisgraph/gnosis/errors"
)

// Status of an approval request. Approved and rejected are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// SubjectRef identifies the record a request proposes to change.
type SubjectRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Request is one captured change proposal.
type Request struct {
	ID          string         `json:"id"`
	Subject     SubjectRef     `json:"subject"`
	Diff        map[string]any `json:"diff"`
	RequestedBy string         `json:"requested_by"`
	Status      Status         `json:"status"`
	ReviewNotes string         `json:"review_notes,omitempty"`
	ResolvedBy  *string        `json:"resolved_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// Applier applies an approved diff to the live subject record. The call
// runs inside the same transaction that flips the request status, so a
// crash cannot separate "mark approved" from "apply diff".
type Applier interface {
	ApplyDiff(ctx context.Context, tx *sql.Tx, subjectID string, diff map[string]any) error
}

// Workflow owns the approval queue.
type Workflow struct {
	db       *sql.DB
	appliers map[string]Applier
	recorder *audit.Recorder
	logger   *zap.SugaredLogger
}

// NewWorkflow creates the approval workflow. Appliers for each subject
// kind are registered by the service wiring before any resolution runs.
func NewWorkflow(db *sql.DB, recorder *audit.Recorder, logger *zap.SugaredLogger) *Workflow {
	return &Workflow{
		db:       db,
		appliers: make(map[string]Applier),
		recorder: recorder,
		logger:   logger,
	}
}

// RegisterApplier binds the diff applier for a subject kind.
func (w *Workflow) RegisterApplier(kind string, a Applier) {
	w.appliers[kind] = a
}

// Enqueue captures a proposed change as a pending request. Transactional:
// an aborted request context cannot leave a half-created row.
func (w *Workflow) Enqueue(ctx context.Context, p *access.Principal, subject SubjectRef, diff map[string]any) (*Request, error) {
	if p == nil {
		return nil, errors.NewForbiddenError("no principal")
	}
	if _, ok := w.appliers[subject.Kind]; !ok {
		return nil, errors.NewValidationError("unknown approval subject kind %q", subject.Kind)
	}

	diffJSON, err := json.Marshal(diff)
	if err != nil {
		return nil, errors.NewValidationError("diff is not serializable: %v", err)
	}

	req := &Request{
		ID:          uuid.New().String(),
		Subject:     subject,
		Diff:        diff,
		RequestedBy: p.ID,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WrapStore(err, "begin enqueue")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO approval_requests (id, subject_kind, subject_id, diff, requested_by, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, subject.Kind, subject.ID, string(diffJSON), p.ID, StatusPending, req.CreatedAt,
	); err != nil {
		return nil, errors.WrapStore(err, "insert approval request")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.WrapStore(err, "commit enqueue")
	}

	w.recorder.Record(ctx, audit.Entry{
		ActorID:     p.ID,
		LogType:     audit.TypeApproval,
		SubjectKind: subject.Kind,
		SubjectID:   subject.ID,
		Detail:      map[string]any{"request_id": req.ID, "status": string(StatusPending)},
	})

	w.logger.Infow("Approval request enqueued",
		"request_id", req.ID,
		"subject_kind", subject.Kind,
		"subject_id", subject.ID,
		"requested_by", p.ID,
	)

	return req, nil
}

// Approve applies the captured diff to the target record and marks the
// request approved, both inside a single transaction. Re-approving an
// already-approved request is idempotent; any other terminal re-resolution
// fails with ErrInvalidState.
func (w *Workflow) Approve(ctx context.Context, admin *access.Principal, requestID string) (*Request, error) {
	return w.resolve(ctx, admin, requestID, StatusApproved, "")
}

// Reject discards the captured diff and marks the request rejected,
// retaining the review notes for audit.
func (w *Workflow) Reject(ctx context.Context, admin *access.Principal, requestID, notes string) (*Request, error) {
	return w.resolve(ctx, admin, requestID, StatusRejected, notes)
}

func (w *Workflow) resolve(ctx context.Context, admin *access.Principal, requestID string, decision Status, notes string) (*Request, error) {
	if admin == nil || !admin.IsAdmin {
		return nil, errors.NewForbiddenError("approval resolution requires an admin principal")
	}
	if _, err := uuid.Parse(requestID); err != nil {
		return nil, errors.NewValidationError("malformed request id %q", requestID)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WrapStore(err, "begin resolve")
	}
	defer tx.Rollback()

	req, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT id, subject_kind, subject_id, diff, requested_by, status, review_notes, resolved_by, created_at, resolved_at
		 FROM approval_requests WHERE id = ?`, requestID))
	if err != nil {
		return nil, err
	}

	if req.Status != StatusPending {
		// Retrying the identical resolution is idempotent: same outcome,
		// no duplicate audit entry.
		if req.Status == decision {
			return req, nil
		}
		return nil, errors.NewInvalidStateError(
			"request %s already resolved as %s", requestID, req.Status)
	}

	if decision == StatusApproved {
		applier, ok := w.appliers[req.Subject.Kind]
		if !ok {
			return nil, errors.AssertionFailedf("no applier registered for subject kind %q", req.Subject.Kind)
		}
		if err := applier.ApplyDiff(ctx, tx, req.Subject.ID, req.Diff); err != nil {
			return nil, errors.Wrapf(err, "apply diff for request %s", requestID)
		}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE approval_requests SET status = ?, review_notes = ?, resolved_by = ?, resolved_at = ? WHERE id = ?`,
		decision, notes, admin.ID, now, requestID,
	); err != nil {
		return nil, errors.WrapStore(err, "update approval request")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.WrapStore(err, "commit resolve")
	}

	req.Status = decision
	req.ReviewNotes = notes
	req.ResolvedBy = &admin.ID
	req.ResolvedAt = &now

	w.recorder.Record(ctx, audit.Entry{
		ActorID:     admin.ID,
		LogType:     audit.TypeApproval,
		SubjectKind: req.Subject.Kind,
		SubjectID:   req.Subject.ID,
		Detail: map[string]any{
			"request_id": req.ID,
			"status":     string(decision),
			"notes":      notes,
		},
	})

	w.logger.Infow("Approval request resolved",
		"request_id", req.ID,
		"decision", string(decision),
		"resolved_by", admin.ID,
	)

	return req, nil
}

// Get returns a request. Admins see every request; other principals only
// their own.
func (w *Workflow) Get(ctx context.Context, p *access.Principal, requestID string) (*Request, error) {
	if _, err := uuid.Parse(requestID); err != nil {
		return nil, errors.NewValidationError("malformed request id %q", requestID)
	}

	req, err := scanRequest(w.db.QueryRowContext(ctx,
		`SELECT id, subject_kind, subject_id, diff, requested_by, status, review_notes, resolved_by, created_at, resolved_at
		 FROM approval_requests WHERE id = ?`, requestID))
	if err != nil {
		return nil, err
	}

	if p == nil || (!p.IsAdmin && p.ID != req.RequestedBy) {
		return nil, errors.NewNotFoundError("approval request %s", requestID)
	}
	return req, nil
}

// List returns requests filtered by status (empty for all), newest last.
// Non-admin principals only see their own requests.
func (w *Workflow) List(ctx context.Context, p *access.Principal, status Status, limit, offset int) ([]*Request, int, error) {
	if p == nil {
		return nil, 0, errors.NewForbiddenError("no principal")
	}

	where := " WHERE 1=1"
	var args []any
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}
	if !p.IsAdmin {
		where += " AND requested_by = ?"
		args = append(args, p.ID)
	}

	var total int
	if err := w.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM approval_requests"+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, errors.WrapStore(err, "count approval requests")
	}

	query := `SELECT id, subject_kind, subject_id, diff, requested_by, status, review_notes, resolved_by, created_at, resolved_at
		 FROM approval_requests` + where + " ORDER BY created_at ASC"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.WrapStore(err, "query approval requests")
	}
	defer rows.Close()

	requests := []*Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.WrapStore(err, "iterate approval requests")
	}

	return requests, total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	req := &Request{}
	var diffJSON string
	var status string
	var resolvedBy sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&req.ID, &req.Subject.Kind, &req.Subject.ID, &diffJSON,
		&req.RequestedBy, &status, &req.ReviewNotes, &resolvedBy, &req.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("approval request")
	}
	if err != nil {
		return nil, errors.WrapStore(err, "scan approval request")
	}

	req.Status = Status(status)
	if resolvedBy.Valid {
		req.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		req.ResolvedAt = &resolvedAt.Time
	}
	if diffJSON != "" {
		if err := json.Unmarshal([]byte(diffJSON), &req.Diff); err != nil {
			return nil, errors.Wrap(err, "decode request diff")
		}
	}
	return req, nil
}
