package graph

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gnosisgraph/gnosis/access"
	"github.com/gnosisgraph/gnosis/agents"
	"github.com/gnosisgraph/gnosis/approval"
	"github.com/gnosisgraph/gnosis/audit"
	"github.com/gnosisgraph/gnosis/errors"
	"github.com/gnosisgraph/gnosis/internal/util"
	"github.com/gnosisgraph/gnosis/scopes"
)

// Service owns entity and relationship records.
type Service struct {
	db       *sql.DB
	registry *scopes.Registry
	agents   *agents.Service
	workflow *approval.Workflow
	recorder *audit.Recorder
	logger   *zap.SugaredLogger
}

// NewService creates the graph service and registers its diff appliers
// with the approval workflow.
func NewService(db *sql.DB, registry *scopes.Registry, agentSvc *agents.Service,
	workflow *approval.Workflow, recorder *audit.Recorder, logger *zap.SugaredLogger) *Service {
	s := &Service{
		db:       db,
		registry: registry,
		agents:   agentSvc,
		workflow: workflow,
		recorder: recorder,
		logger:   logger,
	}
	workflow.RegisterApplier(KindEntity, entityApplier{s})
	workflow.RegisterApplier("relationship", relationshipApplier{s})
	return s
}

// CreateEntity persists a new entity, or captures it as a pending approval
// request when the creating agent's writes are gated. Exactly one of the
// returned values is non-nil.
func (s *Service) CreateEntity(ctx context.Context, p *access.Principal, params CreateEntityParams) (*Entity, *PendingRef, error) {
	if p == nil {
		return nil, nil, errors.NewForbiddenError("no principal")
	}
	if strings.TrimSpace(params.Name) == "" {
		return nil, nil, errors.NewValidationError("entity name is required")
	}
	if len(params.Scopes) == 0 {
		return nil, nil, errors.NewValidationError("entity needs at least one privacy scope")
	}

	typeID, err := s.registry.Resolve(scopes.SectionEntityType, params.Type)
	if err != nil {
		return nil, nil, err
	}
	status := params.Status
	if status == "" {
		status = "active"
	}
	statusID, err := s.registry.Resolve(scopes.SectionStatus, status)
	if err != nil {
		return nil, nil, err
	}
	scopeIDs, err := s.registry.ResolveScopes(params.Scopes)
	if err != nil {
		return nil, nil, err
	}

	owner := ""
	if p.Kind == access.KindAgent {
		owner = p.ID
	}

	entity := &Entity{
		ID:           uuid.New().String(),
		Name:         params.Name,
		EntityTypeID: typeID,
		StatusID:     statusID,
		ScopeIDs:     scopeIDs,
		Tags:         params.Tags,
		Metadata:     params.Metadata,
		OwnerAgentID: owner,
	}

	gated, err := s.writeGated(ctx, p, owner)
	if err != nil {
		return nil, nil, err
	}
	if gated {
		req, err := s.workflow.Enqueue(ctx, p, approval.SubjectRef{Kind: KindEntity, ID: entity.ID},
			map[string]any{
				"op":             "create",
				"name":           entity.Name,
				"entity_type_id": entity.EntityTypeID,
				"status_id":      entity.StatusID,
				"scope_ids":      entity.ScopeIDs,
				"tags":           entity.Tags,
				"metadata":       entity.Metadata,
				"owner_agent_id": owner,
			})
		if err != nil {
			return nil, nil, err
		}
		return nil, &PendingRef{RequestID: req.ID, Status: string(req.Status)}, nil
	}

	now := time.Now().UTC()
	entity.CreatedAt = now
	entity.UpdatedAt = now
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (id, name, entity_type_id, status_id, scope_ids, tags, metadata, owner_agent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entity.ID, entity.Name, entity.EntityTypeID, entity.StatusID,
		util.EncodeStrings(entity.ScopeIDs), util.EncodeStrings(entity.Tags),
		util.EncodeMap(entity.Metadata), nullable(owner), now, now,
	); err != nil {
		return nil, nil, errors.WrapStore(err, "insert entity")
	}

	s.auditMutation(ctx, p, KindEntity, entity.ID, entity.ScopeIDs, map[string]any{"op": "create", "name": entity.Name})
	return entity, nil, nil
}

// GetEntity returns an entity visible to the principal.
func (s *Service) GetEntity(ctx context.Context, p *access.Principal, id string) (*Entity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NewValidationError("malformed entity id %q", id)
	}

	entity, err := s.getEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := access.CheckRead(p, entity.ScopeIDs, "entity"); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, audit.Entry{
		ActorID: p.ID, ScopeID: firstScope(entity.ScopeIDs), LogType: audit.TypeAccess,
		SubjectKind: KindEntity, SubjectID: id,
	})
	return entity, nil
}

// ListEntities returns entities visible to the principal and the total
// visible count, paginated by (limit, offset).
func (s *Service) ListEntities(ctx context.Context, p *access.Principal, params ListEntitiesParams) ([]*Entity, int, error) {
	if p == nil {
		return nil, 0, errors.NewForbiddenError("no principal")
	}

	query := selectEntity
	var conds []string
	var args []any
	if params.Type != "" {
		typeID, err := s.registry.Resolve(scopes.SectionEntityType, params.Type)
		if err != nil {
			return nil, 0, err
		}
		conds = append(conds, "entity_type_id = ?")
		args = append(args, typeID)
	}
	if params.Status != "" {
		statusID, err := s.registry.Resolve(scopes.SectionStatus, params.Status)
		if err != nil {
			return nil, 0, err
		}
		conds = append(conds, "status_id = ?")
		args = append(args, statusID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.WrapStore(err, "query entities")
	}
	defer rows.Close()

	// Visibility applies before anything leaves the service.
	visible := []*Entity{}
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, 0, err
		}
		if access.CanRead(p, entity.ScopeIDs) {
			visible = append(visible, entity)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.WrapStore(err, "iterate entities")
	}

	total := len(visible)
	return paginate(visible, params.Limit, params.Offset), total, nil
}

// UpdateEntity mutates an entity, or captures the change as a pending
// approval request when the owning agent's writes are gated.
func (s *Service) UpdateEntity(ctx context.Context, p *access.Principal, id string, params UpdateEntityParams) (*Entity, *PendingRef, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil, errors.NewValidationError("malformed entity id %q", id)
	}
	if p == nil {
		return nil, nil, errors.NewForbiddenError("no principal")
	}

	entity, err := s.getEntity(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := access.CheckWrite(p, entity.ScopeIDs, entity.OwnerAgentID, "entity"); err != nil {
		return nil, nil, err
	}

	diff := map[string]any{"op": "update"}
	if params.Name != nil {
		if strings.TrimSpace(*params.Name) == "" {
			return nil, nil, errors.NewValidationError("entity name cannot be empty")
		}
		diff["name"] = *params.Name
	}
	if params.Status != nil {
		statusID, err := s.registry.Resolve(scopes.SectionStatus, *params.Status)
		if err != nil {
			return nil, nil, err
		}
		diff["status_id"] = statusID
	}
	if params.Scopes != nil {
		scopeIDs, err := s.registry.ResolveScopes(params.Scopes)
		if err != nil {
			return nil, nil, err
		}
		if len(scopeIDs) == 0 {
			return nil, nil, errors.NewValidationError("entity needs at least one privacy scope")
		}
		diff["scope_ids"] = scopeIDs
	}
	if params.Tags != nil {
		diff["tags"] = params.Tags
	}
	if params.Metadata != nil {
		diff["metadata"] = params.Metadata
	}

	gated, err := s.writeGated(ctx, p, entity.OwnerAgentID)
	if err != nil {
		return nil, nil, err
	}
	if gated {
		req, err := s.workflow.Enqueue(ctx, p, approval.SubjectRef{Kind: KindEntity, ID: id}, diff)
		if err != nil {
			return nil, nil, err
		}
		return nil, &PendingRef{RequestID: req.ID, Status: string(req.Status)}, nil
	}

	if err := applyEntityDiff(ctx, s.db, id, diff); err != nil {
		return nil, nil, err
	}

	s.auditMutation(ctx, p, KindEntity, id, entity.ScopeIDs, diff)

	updated, err := s.getEntity(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return updated, nil, nil
}

// CreateRelationship validates both endpoints, then persists the
// relationship or captures it for approval. Endpoint validation always
// runs first: approval requests are never created for invalid graphs.
func (s *Service) CreateRelationship(ctx context.Context, p *access.Principal, params CreateRelationshipParams) (*Relationship, *PendingRef, error) {
	if p == nil {
		return nil, nil, errors.NewForbiddenError("no principal")
	}
	if len(params.Scopes) == 0 {
		return nil, nil, errors.NewValidationError("relationship needs at least one privacy scope")
	}

	typeID, err := s.registry.Resolve(scopes.SectionRelationshipType, params.Type)
	if err != nil {
		return nil, nil, err
	}
	status := params.Status
	if status == "" {
		status = "active"
	}
	statusID, err := s.registry.Resolve(scopes.SectionStatus, status)
	if err != nil {
		return nil, nil, err
	}
	scopeIDs, err := s.registry.ResolveScopes(params.Scopes)
	if err != nil {
		return nil, nil, err
	}

	if err := s.CheckEndpoints(ctx, p, params.Source, params.Target); err != nil {
		return nil, nil, err
	}

	owner := ""
	if p.Kind == access.KindAgent {
		owner = p.ID
	}

	rel := &Relationship{
		ID:                 uuid.New().String(),
		Source:             params.Source,
		Target:             params.Target,
		RelationshipTypeID: typeID,
		Properties:         params.Properties,
		StatusID:           statusID,
		ScopeIDs:           scopeIDs,
		OwnerAgentID:       owner,
	}

	gated, err := s.writeGated(ctx, p, owner)
	if err != nil {
		return nil, nil, err
	}
	if gated {
		req, err := s.workflow.Enqueue(ctx, p, approval.SubjectRef{Kind: "relationship", ID: rel.ID},
			map[string]any{
				"op":                   "create",
				"source_kind":          rel.Source.Kind,
				"source_id":            rel.Source.ID,
				"target_kind":          rel.Target.Kind,
				"target_id":            rel.Target.ID,
				"relationship_type_id": typeID,
				"properties":           rel.Properties,
				"status_id":            statusID,
				"scope_ids":            scopeIDs,
				"owner_agent_id":       owner,
			})
		if err != nil {
			return nil, nil, err
		}
		return nil, &PendingRef{RequestID: req.ID, Status: string(req.Status)}, nil
	}

	now := time.Now().UTC()
	rel.CreatedAt = now
	rel.UpdatedAt = now
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO relationships (id, source_kind, source_id, target_kind, target_id, relationship_type_id, properties, status_id, scope_ids, owner_agent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rel.ID, rel.Source.Kind, rel.Source.ID, rel.Target.Kind, rel.Target.ID,
		typeID, util.EncodeMap(rel.Properties), statusID,
		util.EncodeStrings(scopeIDs), nullable(owner), now, now,
	); err != nil {
		return nil, nil, errors.WrapStore(err, "insert relationship")
	}

	s.auditMutation(ctx, p, "relationship", rel.ID, scopeIDs, map[string]any{
		"op": "create", "type": params.Type,
	})
	return rel, nil, nil
}

// GetRelationship returns a relationship visible to the principal.
func (s *Service) GetRelationship(ctx context.Context, p *access.Principal, id string) (*Relationship, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NewValidationError("malformed relationship id %q", id)
	}

	rel, err := scanRelationship(s.db.QueryRowContext(ctx, selectRelationship+" WHERE id = ?", id))
	if err != nil {
		return nil, err
	}
	if err := access.CheckRead(p, rel.ScopeIDs, "relationship"); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, audit.Entry{
		ActorID: p.ID, ScopeID: firstScope(rel.ScopeIDs), LogType: audit.TypeAccess,
		SubjectKind: "relationship", SubjectID: id,
	})
	return rel, nil
}

// ListRelationships returns relationships visible to the principal.
func (s *Service) ListRelationships(ctx context.Context, p *access.Principal, params ListRelationshipsParams) ([]*Relationship, int, error) {
	if p == nil {
		return nil, 0, errors.NewForbiddenError("no principal")
	}

	query := selectRelationship
	var conds []string
	var args []any
	if params.Type != "" {
		typeID, err := s.registry.Resolve(scopes.SectionRelationshipType, params.Type)
		if err != nil {
			return nil, 0, err
		}
		conds = append(conds, "relationship_type_id = ?")
		args = append(args, typeID)
	}
	if params.SourceKind != "" {
		conds = append(conds, "source_kind = ?")
		args = append(args, params.SourceKind)
	}
	if params.SourceID != "" {
		conds = append(conds, "source_id = ?")
		args = append(args, params.SourceID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.WrapStore(err, "query relationships")
	}
	defer rows.Close()

	visible := []*Relationship{}
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, 0, err
		}
		if access.CanRead(p, rel.ScopeIDs) {
			visible = append(visible, rel)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.WrapStore(err, "iterate relationships")
	}

	total := len(visible)
	return paginate(visible, params.Limit, params.Offset), total, nil
}

// writeGated reports whether a write on a record owned by ownerAgentID
// must be captured for approval instead of applied. Admin writes apply
// directly; the admin is the approver.
func (s *Service) writeGated(ctx context.Context, p *access.Principal, ownerAgentID string) (bool, error) {
	if p.IsAdmin || ownerAgentID == "" {
		return false, nil
	}
	return s.agents.RequiresApproval(ctx, ownerAgentID)
}

func (s *Service) auditMutation(ctx context.Context, p *access.Principal, kind, id string, scopeIDs []string, detail map[string]any) {
	s.recorder.Record(ctx, audit.Entry{
		ActorID: p.ID, ScopeID: firstScope(scopeIDs), LogType: audit.TypeMutation,
		SubjectKind: kind, SubjectID: id, Detail: detail,
	})
}

const selectEntity = `SELECT id, name, entity_type_id, status_id, scope_ids, tags, metadata, owner_agent_id, created_at, updated_at FROM entities`

func (s *Service) getEntity(ctx context.Context, id string) (*Entity, error) {
	return scanEntity(s.db.QueryRowContext(ctx, selectEntity+" WHERE id = ?", id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	entity := &Entity{}
	var scopeIDs, tags, metadata string
	var owner sql.NullString
	err := row.Scan(&entity.ID, &entity.Name, &entity.EntityTypeID, &entity.StatusID,
		&scopeIDs, &tags, &metadata, &owner, &entity.CreatedAt, &entity.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("entity")
	}
	if err != nil {
		return nil, errors.WrapStore(err, "scan entity")
	}
	entity.ScopeIDs = util.DecodeStrings(scopeIDs)
	entity.Tags = util.DecodeStrings(tags)
	entity.Metadata = util.DecodeMap(metadata)
	entity.OwnerAgentID = owner.String
	return entity, nil
}

const selectRelationship = `SELECT id, source_kind, source_id, target_kind, target_id, relationship_type_id, properties, status_id, scope_ids, owner_agent_id, created_at, updated_at FROM relationships`

func scanRelationship(row rowScanner) (*Relationship, error) {
	rel := &Relationship{}
	var properties, scopeIDs string
	var owner sql.NullString
	err := row.Scan(&rel.ID, &rel.Source.Kind, &rel.Source.ID, &rel.Target.Kind, &rel.Target.ID,
		&rel.RelationshipTypeID, &properties, &rel.StatusID, &scopeIDs, &owner,
		&rel.CreatedAt, &rel.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("relationship")
	}
	if err != nil {
		return nil, errors.WrapStore(err, "scan relationship")
	}
	rel.Properties = util.DecodeMap(properties)
	rel.ScopeIDs = util.DecodeStrings(scopeIDs)
	rel.OwnerAgentID = owner.String
	return rel, nil
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

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func firstScope(scopeIDs []string) *string {
	if len(scopeIDs) == 0 {
		return nil
	}
	return &scopeIDs[0]
}
