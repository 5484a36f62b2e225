// Package agents manages autonomous agent records.
//
// Agent records are security-sensitive: the requires_approval flag decides
// whether the agent's writes are gated by the approval workflow, and scopes
// decide what it can see. Every mutation therefore requires an admin
// principal; an agent cannot escalate itself.
package agents

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gnosisgraph/gnosis/access"
	"github.com/gnosisgraph/gnosis/audit"
	"github.com/gnosisgraph/gnosis/errors"
	"github.com/gnosisgraph/gnosis/internal/util"
	"github.com/gnosisgraph/gnosis/scopes"
)

// Agent is a registered autonomous agent.
type Agent struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	ScopeIDs         []string  `json:"scope_ids"`
	RequiresApproval bool      `json:"requires_approval"`
	StatusID         string    `json:"status_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CreateParams captures a new agent record. Scope and status are given by
// vocabulary name and resolved against the registry.
type CreateParams struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Scopes           []string `json:"scopes"`
	RequiresApproval bool     `json:"requires_approval"`
	Status           string   `json:"status"`
}

// UpdateParams captures a partial agent update. Nil fields are unchanged.
type UpdateParams struct {
	Description      *string  `json:"description,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	RequiresApproval *bool    `json:"requires_approval,omitempty"`
	Status           *string  `json:"status,omitempty"`
}

// Service owns agent records.
type Service struct {
	db       *sql.DB
	registry *scopes.Registry
	recorder *audit.Recorder
	logger   *zap.SugaredLogger
}

// NewService creates the agent service.
func NewService(db *sql.DB, registry *scopes.Registry, recorder *audit.Recorder, logger *zap.SugaredLogger) *Service {
	return &Service{db: db, registry: registry, recorder: recorder, logger: logger}
}

// Create registers a new agent. Admin only.
func (s *Service) Create(ctx context.Context, p *access.Principal, params CreateParams) (*Agent, error) {
	if p == nil || !p.IsAdmin {
		return nil, errors.NewForbiddenError("agent records are mutable by admin principals only")
	}
	if strings.TrimSpace(params.Name) == "" {
		return nil, errors.NewValidationError("agent name is required")
	}
	if len(params.Scopes) == 0 {
		return nil, errors.NewValidationError("agent needs at least one scope")
	}

	scopeIDs, err := s.registry.ResolveScopes(params.Scopes)
	if err != nil {
		return nil, err
	}
	status := params.Status
	if status == "" {
		status = "active"
	}
	statusID, err := s.registry.Resolve(scopes.SectionStatus, status)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	agent := &Agent{
		ID:               uuid.New().String(),
		Name:             params.Name,
		Description:      params.Description,
		ScopeIDs:         scopeIDs,
		RequiresApproval: params.RequiresApproval,
		StatusID:         statusID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, description, scope_ids, requires_approval, status_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.Description, util.EncodeStrings(agent.ScopeIDs),
		agent.RequiresApproval, agent.StatusID, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.NewValidationError("agent name %q already exists", params.Name)
		}
		return nil, errors.WrapStore(err, "insert agent")
	}

	s.recorder.Record(ctx, audit.Entry{
		ActorID: p.ID, LogType: audit.TypeMutation,
		SubjectKind: "agent", SubjectID: agent.ID,
		Detail: map[string]any{"op": "create", "name": agent.Name},
	})

	return agent, nil
}

// Get returns an agent the principal can see.
func (s *Service) Get(ctx context.Context, p *access.Principal, id string) (*Agent, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NewValidationError("malformed agent id %q", id)
	}

	agent, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := access.CheckRead(p, agent.ScopeIDs, "agent"); err != nil {
		return nil, err
	}

	s.auditAccess(ctx, p, agent)
	return agent, nil
}

// GetByName returns an agent by unique name.
func (s *Service) GetByName(ctx context.Context, p *access.Principal, name string) (*Agent, error) {
	agent, err := scanAgent(s.db.QueryRowContext(ctx, selectAgent+" WHERE name = ?", name))
	if err != nil {
		return nil, err
	}
	if err := access.CheckRead(p, agent.ScopeIDs, "agent"); err != nil {
		return nil, err
	}

	s.auditAccess(ctx, p, agent)
	return agent, nil
}

func (s *Service) auditAccess(ctx context.Context, p *access.Principal, agent *Agent) {
	s.recorder.Record(ctx, audit.Entry{
		ActorID: p.ID, ScopeID: firstScope(agent.ScopeIDs), LogType: audit.TypeAccess,
		SubjectKind: "agent", SubjectID: agent.ID,
	})
}

// List returns agents visible to the principal plus the total visible count.
func (s *Service) List(ctx context.Context, p *access.Principal, limit, offset int) ([]*Agent, int, error) {
	if p == nil {
		return nil, 0, errors.NewForbiddenError("no principal")
	}

	rows, err := s.db.QueryContext(ctx, selectAgent+" ORDER BY name ASC")
	if err != nil {
		return nil, 0, errors.WrapStore(err, "query agents")
	}
	defer rows.Close()

	// Scope sets live in a JSON column, so visibility is applied here at
	// the query boundary, before records reach any caller.
	visible := []*Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, 0, err
		}
		if access.CanRead(p, agent.ScopeIDs) {
			visible = append(visible, agent)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.WrapStore(err, "iterate agents")
	}

	s.recorder.Record(ctx, audit.Entry{
		ActorID: p.ID, LogType: audit.TypeAccess,
		SubjectKind: "agent",
		Detail:      map[string]any{"op": "list", "visible": len(visible)},
	})

	total := len(visible)
	return paginate(visible, limit, offset), total, nil
}

// Update mutates an agent record. Admin only, self-mutation included.
func (s *Service) Update(ctx context.Context, p *access.Principal, id string, params UpdateParams) (*Agent, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NewValidationError("malformed agent id %q", id)
	}
	if p == nil || !p.IsAdmin {
		return nil, errors.NewForbiddenError("agent records are mutable by admin principals only")
	}

	agent, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := map[string]any{}
	if params.Description != nil {
		agent.Description = *params.Description
		changed["description"] = *params.Description
	}
	if params.Scopes != nil {
		scopeIDs, err := s.registry.ResolveScopes(params.Scopes)
		if err != nil {
			return nil, err
		}
		if len(scopeIDs) == 0 {
			return nil, errors.NewValidationError("agent needs at least one scope")
		}
		agent.ScopeIDs = scopeIDs
		changed["scopes"] = params.Scopes
	}
	if params.RequiresApproval != nil {
		agent.RequiresApproval = *params.RequiresApproval
		changed["requires_approval"] = *params.RequiresApproval
	}
	if params.Status != nil {
		statusID, err := s.registry.Resolve(scopes.SectionStatus, *params.Status)
		if err != nil {
			return nil, err
		}
		agent.StatusID = statusID
		changed["status"] = *params.Status
	}

	agent.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE agents SET description = ?, scope_ids = ?, requires_approval = ?, status_id = ?, updated_at = ?
		 WHERE id = ?`,
		agent.Description, util.EncodeStrings(agent.ScopeIDs), agent.RequiresApproval,
		agent.StatusID, agent.UpdatedAt, id,
	)
	if err != nil {
		return nil, errors.WrapStore(err, "update agent")
	}

	s.recorder.Record(ctx, audit.Entry{
		ActorID: p.ID, LogType: audit.TypeMutation,
		SubjectKind: "agent", SubjectID: id,
		Detail: map[string]any{"op": "update", "changed": changed},
	})

	return agent, nil
}

// RequiresApproval reports whether the given agent's writes are gated by
// the approval workflow. An empty id means no owning agent and no gating.
func (s *Service) RequiresApproval(ctx context.Context, agentID string) (bool, error) {
	if agentID == "" {
		return false, nil
	}
	var requires bool
	err := s.db.QueryRowContext(ctx,
		"SELECT requires_approval FROM agents WHERE id = ?", agentID,
	).Scan(&requires)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapStore(err, "lookup agent approval flag")
	}
	return requires, nil
}

// Exists reports whether an agent row exists, for integrity checks.
func (s *Service) Exists(ctx context.Context, id string) (bool, []string, error) {
	var scopeIDs string
	err := s.db.QueryRowContext(ctx, "SELECT scope_ids FROM agents WHERE id = ?", id).Scan(&scopeIDs)
	if err == sql.ErrNoRows {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, errors.WrapStore(err, "lookup agent")
	}
	return true, util.DecodeStrings(scopeIDs), nil
}

const selectAgent = `SELECT id, name, description, scope_ids, requires_approval, status_id, created_at, updated_at FROM agents`

func (s *Service) get(ctx context.Context, id string) (*Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx, selectAgent+" WHERE id = ?", id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	agent := &Agent{}
	var scopeIDs string
	err := row.Scan(&agent.ID, &agent.Name, &agent.Description, &scopeIDs,
		&agent.RequiresApproval, &agent.StatusID, &agent.CreatedAt, &agent.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("agent")
	}
	if err != nil {
		return nil, errors.WrapStore(err, "scan agent")
	}
	agent.ScopeIDs = util.DecodeStrings(scopeIDs)
	return agent, nil
}

func firstScope(scopeIDs []string) *string {
	if len(scopeIDs) == 0 {
		return nil
	}
	return &scopeIDs[0]
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
