// Package graph owns the knowledge-graph records: entities and the typed
// relationships between them. Every read is filtered by scope visibility
// and every gated write is routed through the approval workflow.
package graph

import "time"

// Endpoint kinds a relationship may reference.
const (
	KindEntity   = "entity"
	KindAgent    = "agent"
	KindProtocol = "protocol"
)

// Entity is a node in the knowledge graph.
type Entity struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	EntityTypeID string         `json:"entity_type_id"`
	StatusID     string         `json:"status_id"`
	ScopeIDs     []string       `json:"scope_ids"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	OwnerAgentID string         `json:"owner_agent_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// EndpointRef names one end of a relationship by kind and identifier.
type EndpointRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Relationship is a typed edge between two graph records.
type Relationship struct {
	ID                 string         `json:"id"`
	Source             EndpointRef    `json:"source"`
	Target             EndpointRef    `json:"target"`
	RelationshipTypeID string         `json:"relationship_type_id"`
	Properties         map[string]any `json:"properties,omitempty"`
	StatusID           string         `json:"status_id"`
	ScopeIDs           []string       `json:"scope_ids"`
	OwnerAgentID       string         `json:"owner_agent_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// CreateEntityParams captures a new entity. Type, status, and scopes are
// vocabulary names resolved against the registry.
type CreateEntityParams struct {
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Status   string         `json:"status"`
	Scopes   []string       `json:"scopes"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateEntityParams captures a partial entity update. Nil fields are
// unchanged.
type UpdateEntityParams struct {
	Name     *string        `json:"name,omitempty"`
	Status   *string        `json:"status,omitempty"`
	Scopes   []string       `json:"scopes,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ListEntitiesParams filters an entity listing.
type ListEntitiesParams struct {
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// CreateRelationshipParams captures a new relationship.
type CreateRelationshipParams struct {
	Source     EndpointRef    `json:"source"`
	Target     EndpointRef    `json:"target"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	Scopes     []string       `json:"scopes"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ListRelationshipsParams filters a relationship listing.
type ListRelationshipsParams struct {
	Type       string `json:"type,omitempty"`
	SourceKind string `json:"source_kind,omitempty"`
	SourceID   string `json:"source_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// PendingRef is returned instead of the mutated record when a write was
// captured by the approval workflow.
type PendingRef struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}
