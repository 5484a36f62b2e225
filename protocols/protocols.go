// Package protocols manages protocol documents: versioned instructions and
// conventions that entities and agents are expected to follow.
//
// Protocols carry a trusted flag marking content as authoritative. The
// trust gate runs before any other validation on create and update, and
// trusted content is readable by admin principals only.
package protocols

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
	"github.com/gnosisgraph/gnosis/graph"
	"github.com/gnosisgraph/gnosis/internal/util"
	"github.com/gnosisgraph/gnosis/scopes"
)

// SubjectKind is the approval subject kind for protocol diffs.
const SubjectKind = "protocol"

// Protocol is a versioned protocol document.
type Protocol struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Title        string         `json:"title,omitempty"`
	Version      string         `json:"version"`
	Content      string         `json:"content,omitempty"`
	ProtocolType string         `json:"protocol_type,omitempty"`
	AppliesTo    []string       `json:"applies_to,omitempty"`
	StatusID     string         `json:"status_id"`
	Tags         []string       `json:"tags,omitempty"`
	Trusted      bool           `json:"trusted"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ContentRef   string         `json:"content_ref,omitempty"`
	ScopeIDs     []string       `json:"scope_ids"`
	OwnerAgentID string         `json:"owner_agent_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// CreateParams captures a new protocol.
type CreateParams struct {
	Name         string         `json:"name"`
	Title        string         `json:"title"`
	Version      string         `json:"version"`
	Content      string         `json:"content"`
	ProtocolType string         `json:"protocol_type"`
	AppliesTo    []string       `json:"applies_to"`
	Status       string         `json:"status"`
	Tags         []string       `json:"tags"`
	Trusted      *bool          `json:"trusted"`
	Metadata     map[string]any `json:"metadata"`
	ContentRef   string         `json:"content_ref"`
	Scopes       []string       `json:"scopes"`
}

// UpdateParams captures a partial protocol update. Nil fields are unchanged.
type UpdateParams struct {
	Title      *string        `json:"title,omitempty"`
	Version    *string        `json:"version,omitempty"`
	Content    *string        `json:"content,omitempty"`
	Status     *string        `json:"status,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Trusted    *bool          `json:"trusted,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ContentRef *string        `json:"content_ref,omitempty"`
	Scopes     []string       `json:"scopes,omitempty"`
}

// Service owns protocol records.
type Service struct {
	db       *sql.DB
	registry *scopes.Registry
	agents   *agents.Service
	workflow *approval.Workflow
	recorder *audit.Recorder
	logger   *zap.SugaredLogger
}

// NewService creates the protocol service and registers its diff applier
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
	workflow.RegisterApplier(SubjectKind, protocolApplier{s})
	return s
}

// Create persists a new protocol, or captures it for approval when the
// creating agent's writes are gated. The trust gate runs before any other
// field validation.
func (s *Service) Create(ctx context.Context, p *access.Principal, params CreateParams) (*Protocol, *graph.PendingRef, error) {
	if p == nil {
		return nil, nil, errors.NewForbiddenError("no principal")
	}

	// Trust gate first: a non-admin requesting trusted=true is silently
	// downgraded, never rejected, and nothing downstream sees the raw flag.
	trusted := access.SanitizeTrusted(p, params.Trusted, false)

	if strings.TrimSpace(params.Name) == "" {
		return nil, nil, errors.NewValidationError("protocol name is required")
	}
	if len(params.Scopes) == 0 {
		return nil, nil, errors.NewValidationError("protocol needs at least one privacy scope")
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

	version := params.Version
	if version == "" {
		version = "1"
	}

	owner := ""
	if p.Kind == access.KindAgent {
		owner = p.ID
	}

	proto := &Protocol{
		ID:           uuid.New().String(),
		Name:         params.Name,
		Title:        params.Title,
		Version:      version,
		Content:      params.Content,
		ProtocolType: params.ProtocolType,
		AppliesTo:    params.AppliesTo,
		StatusID:     statusID,
		Tags:         params.Tags,
		Trusted:      trusted,
		Metadata:     params.Metadata,
		ContentRef:   params.ContentRef,
		ScopeIDs:     scopeIDs,
		OwnerAgentID: owner,
	}

	gated, err := s.writeGated(ctx, p, owner)
	if err != nil {
		return nil, nil, err
	}
	if gated {
		req, err := s.workflow.Enqueue(ctx, p, approval.SubjectRef{Kind: SubjectKind, ID: proto.ID},
			map[string]any{
				"op":             "create",
				"name":           proto.Name,
				"title":          proto.Title,
				"version":        proto.Version,
				"content":        proto.Content,
				"protocol_type":  proto.ProtocolType,
				"applies_to":     proto.AppliesTo,
				"status_id":      statusID,
				"tags":           proto.Tags,
				"trusted":        trusted,
				"metadata":       proto.Metadata,
				"content_ref":    proto.ContentRef,
				"scope_ids":      scopeIDs,
				"owner_agent_id": owner,
			})
		if err != nil {
			return nil, nil, err
		}
		return nil, &graph.PendingRef{RequestID: req.ID, Status: string(req.Status)}, nil
	}

	now := time.Now().UTC()
	proto.CreatedAt = now
	proto.UpdatedAt = now
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO protocols (id, name, title, version, content, protocol_type, applies_to, status_id, tags, trusted, metadata, content_ref, scope_ids, owner_agent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		proto.ID, proto.Name, proto.Title, proto.Version, proto.Content, proto.ProtocolType,
		util.EncodeStrings(proto.AppliesTo), statusID, util.EncodeStrings(proto.Tags),
		trusted, util.EncodeMap(proto.Metadata), nullableStr(proto.ContentRef),
		util.EncodeStrings(scopeIDs), nullableStr(owner), now, now,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, nil, errors.NewValidationError("protocol name %q already exists", params.Name)
		}
		return nil, nil, errors.WrapStore(err, "insert protocol")
	}

	s.recorder.Record(ctx, audit.Entry{
		ActorID: p.ID, ScopeID: firstScope(scopeIDs), LogType: audit.TypeMutation,
		SubjectKind: SubjectKind, SubjectID: proto.ID,
		Detail: map[string]any{"op": "create", "name": proto.Name, "trusted": trusted},
	})

	return s.redactForReader(p, proto), nil, nil
}

// Get returns a protocol visible to the principal. For trusted protocols,
// non-admin readers receive the record with content and content reference
// elided.
func (s *Service) Get(ctx context.Context, p *access.Principal, id string) (*Protocol, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NewValidationError("malformed protocol id %q", id)
	}
	proto, err := scanProtocol(s.db.QueryRowContext(ctx, selectProtocol+" WHERE id = ?", id))
	if err != nil {
		return nil, err
	}
	if err := access.CheckRead(p, proto.ScopeIDs, "protocol"); err != nil {
		return nil, err
	}

	s.auditAccess(ctx, p, proto)
	return s.redactForReader(p, proto), nil
}

// GetByName returns a protocol by unique name.
func (s *Service) GetByName(ctx context.Context, p *access.Principal, name string) (*Protocol, error) {
	proto, err := scanProtocol(s.db.QueryRowContext(ctx, selectProtocol+" WHERE name = ?", name))
	if err != nil {
		return nil, err
	}
	if err := access.CheckRead(p, proto.ScopeIDs, "protocol"); err != nil {
		return nil, err
	}

	s.auditAccess(ctx, p, proto)
	return s.redactForReader(p, proto), nil
}

func (s *Service) auditAccess(ctx context.Context, p *access.Principal, proto *Protocol) {
	s.recorder.Record(ctx, audit.Entry{
		ActorID: p.ID, ScopeID: firstScope(proto.ScopeIDs), LogType: audit.TypeAccess,
		SubjectKind: SubjectKind, SubjectID: proto.ID,
	})
}

// GetContent returns the raw content of a protocol. Trusted content is
// admin-only; non-admin callers get not-found semantics so restricted
// content existence is never confirmed.
func (s *Service) GetContent(ctx context.Context, p *access.Principal, id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", errors.NewValidationError("malformed protocol id %q", id)
	}
	proto, err := scanProtocol(s.db.QueryRowContext(ctx, selectProtocol+" WHERE id = ?", id))
	if err != nil {
		return "", err
	}
	if err := access.CheckRead(p, proto.ScopeIDs, "protocol"); err != nil {
		return "", err
	}
	if !access.CanReadTrustedContent(p, proto.Trusted) {
		return "", errors.NewNotFoundError("protocol content")
	}

	s.recorder.Record(ctx, audit.Entry{
		ActorID: p.ID, ScopeID: firstScope(proto.ScopeIDs), LogType: audit.TypeAccess,
		SubjectKind: SubjectKind, SubjectID: id,
		Detail: map[string]any{"op": "content", "trusted": proto.Trusted},
	})
	return proto.Content, nil
}

// List returns protocols visible to the principal, content elided per the
// trust rules, plus the total visible count.
func (s *Service) List(ctx context.Context, p *access.Principal, limit, offset int) ([]*Protocol, int, error) {
	if p == nil {
		return nil, 0, errors.NewForbiddenError("no principal")
	}

	rows, err := s.db.QueryContext(ctx, selectProtocol+" ORDER BY name ASC")
	if err != nil {
		return nil, 0, errors.WrapStore(err, "query protocols")
	}
	defer rows.Close()

	visible := []*Protocol{}
	for rows.Next() {
		proto, err := scanProtocol(rows)
		if err != nil {
			return nil, 0, err
		}
		if access.CanRead(p, proto.ScopeIDs) {
			visible = append(visible, s.redactForReader(p, proto))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.WrapStore(err, "iterate protocols")
	}

	total := len(visible)
	if offset >= len(visible) {
		return []*Protocol{}, total, nil
	}
	visible = visible[offset:]
	if limit > 0 && limit < len(visible) {
		visible = visible[:limit]
	}
	return visible, total, nil
}

// Update mutates a protocol, or captures the change for approval. The
// trust gate runs before any other field validation.
func (s *Service) Update(ctx context.Context, p *access.Principal, id string, params UpdateParams) (*Protocol, *graph.PendingRef, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil, errors.NewValidationError("malformed protocol id %q", id)
	}
	if p == nil {
		return nil, nil, errors.NewForbiddenError("no principal")
	}

	proto, err := scanProtocol(s.db.QueryRowContext(ctx, selectProtocol+" WHERE id = ?", id))
	if err != nil {
		return nil, nil, err
	}

	// Trust gate before everything else, including the write check.
	trusted := access.SanitizeTrusted(p, params.Trusted, proto.Trusted)

	if err := access.CheckWrite(p, proto.ScopeIDs, proto.OwnerAgentID, "protocol"); err != nil {
		return nil, nil, err
	}

	diff := map[string]any{"op": "update", "trusted": trusted}
	if params.Title != nil {
		diff["title"] = *params.Title
	}
	if params.Version != nil {
		diff["version"] = *params.Version
	}
	if params.Content != nil {
		diff["content"] = *params.Content
	}
	if params.Status != nil {
		statusID, err := s.registry.Resolve(scopes.SectionStatus, *params.Status)
		if err != nil {
			return nil, nil, err
		}
		diff["status_id"] = statusID
	}
	if params.Tags != nil {
		diff["tags"] = params.Tags
	}
	if params.Metadata != nil {
		diff["metadata"] = params.Metadata
	}
	if params.ContentRef != nil {
		diff["content_ref"] = *params.ContentRef
	}
	if params.Scopes != nil {
		scopeIDs, err := s.registry.ResolveScopes(params.Scopes)
		if err != nil {
			return nil, nil, err
		}
		if len(scopeIDs) == 0 {
			return nil, nil, errors.NewValidationError("protocol needs at least one privacy scope")
		}
		diff["scope_ids"] = scopeIDs
	}

	gated, err := s.writeGated(ctx, p, proto.OwnerAgentID)
	if err != nil {
		return nil, nil, err
	}
	if gated {
		req, err := s.workflow.Enqueue(ctx, p, approval.SubjectRef{Kind: SubjectKind, ID: id}, diff)
		if err != nil {
			return nil, nil, err
		}
		return nil, &graph.PendingRef{RequestID: req.ID, Status: string(req.Status)}, nil
	}

	if err := applyProtocolDiff(ctx, s.db, id, diff); err != nil {
		return nil, nil, err
	}

	s.recorder.Record(ctx, audit.Entry{
		ActorID: p.ID, ScopeID: firstScope(proto.ScopeIDs), LogType: audit.TypeMutation,
		SubjectKind: SubjectKind, SubjectID: id,
		Detail: map[string]any{"op": "update", "trusted": trusted},
	})

	updated, err := scanProtocol(s.db.QueryRowContext(ctx, selectProtocol+" WHERE id = ?", id))
	if err != nil {
		return nil, nil, err
	}
	return s.redactForReader(p, updated), nil, nil
}

// redactForReader elides trusted content for non-admin readers.
func (s *Service) redactForReader(p *access.Principal, proto *Protocol) *Protocol {
	if access.CanReadTrustedContent(p, proto.Trusted) {
		return proto
	}
	redacted := *proto
	redacted.Content = ""
	redacted.ContentRef = ""
	return &redacted
}

func (s *Service) writeGated(ctx context.Context, p *access.Principal, ownerAgentID string) (bool, error) {
	if p.IsAdmin || ownerAgentID == "" {
		return false, nil
	}
	return s.agents.RequiresApproval(ctx, ownerAgentID)
}

const selectProtocol = `SELECT id, name, title, version, content, protocol_type, applies_to, status_id, tags, trusted, metadata, content_ref, scope_ids, owner_agent_id, created_at, updated_at FROM protocols`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProtocol(row rowScanner) (*Protocol, error) {
	proto := &Protocol{}
	var appliesTo, tags, metadata, scopeIDs string
	var contentRef, owner sql.NullString
	err := row.Scan(&proto.ID, &proto.Name, &proto.Title, &proto.Version, &proto.Content,
		&proto.ProtocolType, &appliesTo, &proto.StatusID, &tags, &proto.Trusted,
		&metadata, &contentRef, &scopeIDs, &owner, &proto.CreatedAt, &proto.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("protocol")
	}
	if err != nil {
		return nil, errors.WrapStore(err, "scan protocol")
	}
	proto.AppliesTo = util.DecodeStrings(appliesTo)
	proto.Tags = util.DecodeStrings(tags)
	proto.Metadata = util.DecodeMap(metadata)
	proto.ScopeIDs = util.DecodeStrings(scopeIDs)
	proto.ContentRef = contentRef.String
	proto.OwnerAgentID = owner.String
	return proto, nil
}

func nullableStr(s string) any {
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
