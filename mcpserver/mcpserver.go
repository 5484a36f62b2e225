// Package mcpserver exposes the knowledge graph over the Model Context
// Protocol so that agent runtimes can query and mutate it as tools.
//
// The connection is authenticated out of band: the process is launched
// with the principal context of the connected agent, and every tool call
// runs as that principal. Access control, rate limiting, and approval
// gating apply exactly as on the HTTP surface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/gnosisgraph/gnosis/access"
	"github.com/gnosisgraph/gnosis/agents"
	"github.com/gnosisgraph/gnosis/approval"
	"github.com/gnosisgraph/gnosis/audit"
	"github.com/gnosisgraph/gnosis/graph"
	"github.com/gnosisgraph/gnosis/protocols"
	"github.com/gnosisgraph/gnosis/ratelimit"
)

// MCPServer wraps the domain services and exposes them as MCP tools.
type MCPServer struct {
	principal *access.Principal
	graph     *graph.Service
	protocols *protocols.Service
	agents    *agents.Service
	workflow  *approval.Workflow
	recorder  *audit.Recorder
	guard     *ratelimit.Guard
	logger    *zap.SugaredLogger
	server    *server.MCPServer
}

// NewMCPServer creates an MCP server acting as the given principal.
func NewMCPServer(principal *access.Principal, graphSvc *graph.Service, protocolSvc *protocols.Service,
	agentSvc *agents.Service, workflow *approval.Workflow, recorder *audit.Recorder,
	guard *ratelimit.Guard, logger *zap.SugaredLogger) *MCPServer {
	s := &MCPServer{
		principal: principal,
		graph:     graphSvc,
		protocols: protocolSvc,
		agents:    agentSvc,
		workflow:  workflow,
		recorder:  recorder,
		guard:     guard,
		logger:    logger,
	}

	s.server = server.NewMCPServer(
		"gnosis",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// ServeStdio blocks serving the MCP connection on stdin/stdout.
func (s *MCPServer) ServeStdio() error {
	s.logger.Infow("MCP server serving on stdio", "principal", s.principal.ID, "kind", s.principal.Kind)
	return server.ServeStdio(s.server)
}

// registerTools registers all graph tools.
func (s *MCPServer) registerTools() {
	s.server.AddTool(mcp.NewTool("entity_create",
		mcp.WithDescription("Create a knowledge-graph entity. Gated agents receive a pending approval reference instead of the record."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Entity name")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Entity type name (person, organization, system, dataset, job, concept)")),
		mcp.WithString("scopes", mcp.Required(), mcp.Description("Comma-separated privacy scope names")),
		mcp.WithString("tags", mcp.Description("Comma-separated tags")),
	), s.handleEntityCreate)

	s.server.AddTool(mcp.NewTool("entity_get",
		mcp.WithDescription("Fetch one entity by id"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Entity id")),
	), s.handleEntityGet)

	s.server.AddTool(mcp.NewTool("entity_list",
		mcp.WithDescription("List entities visible to the connected principal"),
		mcp.WithString("type", mcp.Description("Filter by entity type name")),
		mcp.WithString("status", mcp.Description("Filter by status name")),
		mcp.WithNumber("limit", mcp.Description("Maximum results")),
	), s.handleEntityList)

	s.server.AddTool(mcp.NewTool("entity_update",
		mcp.WithDescription("Update an entity. Gated agents receive a pending approval reference."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Entity id")),
		mcp.WithString("name", mcp.Description("New name")),
		mcp.WithString("status", mcp.Description("New status name")),
		mcp.WithString("tags", mcp.Description("Replacement comma-separated tags")),
	), s.handleEntityUpdate)

	s.server.AddTool(mcp.NewTool("relationship_create",
		mcp.WithDescription("Create a typed relationship between two graph records"),
		mcp.WithString("source_kind", mcp.Required(), mcp.Description("Source kind: entity, agent, or protocol")),
		mcp.WithString("source_id", mcp.Required(), mcp.Description("Source record id")),
		mcp.WithString("target_kind", mcp.Required(), mcp.Description("Target kind: entity, agent, or protocol")),
		mcp.WithString("target_id", mcp.Required(), mcp.Description("Target record id")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Relationship type name")),
		mcp.WithString("scopes", mcp.Required(), mcp.Description("Comma-separated privacy scope names")),
	), s.handleRelationshipCreate)

	s.server.AddTool(mcp.NewTool("relationship_list",
		mcp.WithDescription("List relationships visible to the connected principal"),
		mcp.WithString("source_kind", mcp.Description("Filter by source kind")),
		mcp.WithString("source_id", mcp.Description("Filter by source id")),
		mcp.WithString("type", mcp.Description("Filter by relationship type name")),
		mcp.WithNumber("limit", mcp.Description("Maximum results")),
	), s.handleRelationshipList)

	s.server.AddTool(mcp.NewTool("protocol_get",
		mcp.WithDescription("Fetch one protocol by id. Trusted content is withheld from non-admin principals."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Protocol id")),
	), s.handleProtocolGet)

	s.server.AddTool(mcp.NewTool("protocol_list",
		mcp.WithDescription("List protocols visible to the connected principal"),
		mcp.WithNumber("limit", mcp.Description("Maximum results")),
	), s.handleProtocolList)

	s.server.AddTool(mcp.NewTool("agent_list",
		mcp.WithDescription("List registered agents visible to the connected principal"),
		mcp.WithNumber("limit", mcp.Description("Maximum results")),
	), s.handleAgentList)

	s.server.AddTool(mcp.NewTool("approval_list",
		mcp.WithDescription("List approval requests. Non-admin principals see only their own."),
		mcp.WithString("status", mcp.Description("Filter: pending, approved, or rejected")),
		mcp.WithNumber("limit", mcp.Description("Maximum results")),
	), s.handleApprovalList)

	s.server.AddTool(mcp.NewTool("approval_resolve",
		mcp.WithDescription("Approve or reject a pending request. Admin only."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Approval request id")),
		mcp.WithString("decision", mcp.Required(), mcp.Description("approved or rejected")),
		mcp.WithString("notes", mcp.Description("Review notes, recorded on rejection")),
	), s.handleApprovalResolve)

	s.server.AddTool(mcp.NewTool("audit_query",
		mcp.WithDescription("Query the audit ledger, restricted to the principal's scopes"),
		mcp.WithString("actor", mcp.Description("Filter by actor id")),
		mcp.WithString("type", mcp.Description("Filter by log type name")),
		mcp.WithNumber("limit", mcp.Description("Maximum results")),
	), s.handleAuditQuery)
}

// guarded applies the per-principal rate guard before a tool body runs.
func (s *MCPServer) guarded() error {
	return s.guard.Allow(s.principal.ID)
}

func (s *MCPServer) handleEntityCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.guarded(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entityType, err := request.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	scopeNames, err := request.RequireString("scopes")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	entity, pending, err := s.graph.CreateEntity(ctx, s.principal, graph.CreateEntityParams{
		Name:   name,
		Type:   entityType,
		Scopes: splitList(scopeNames),
		Tags:   splitList(request.GetString("tags", "")),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create entity: %v", err)), nil
	}
	if pending != nil {
		return jsonResult(pending)
	}
	return jsonResult(entity)
}

func (s *MCPServer) handleEntityGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.guarded(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entity, err := s.graph.GetEntity(ctx, s.principal, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get entity: %v", err)), nil
	}
	return jsonResult(entity)
}

func (s *MCPServer) handleEntityList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.guarded(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entities, total, err := s.graph.ListEntities(ctx, s.principal, graph.ListEntitiesParams{
		Type:   request.GetString("type", ""),
		Status: request.GetString("status", ""),
		Limit:  request.GetInt("limit", 50),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list entities: %v", err)), nil
	}
	return jsonResult(map[string]any{"items": entities, "total": total})
}

func (s *MCPServer) handleEntityUpdate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.guarded(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	params := graph.UpdateEntityParams{}
	if v := request.GetString("name", ""); v != "" {
		params.Name = &v
	}
	if v := request.GetString("status", ""); v != "" {
		params.Status = &v
	}
	if v := request.GetString("tags", ""); v != "" {
		params.Tags = splitList(v)
	}

	entity, pending, err := s.graph.UpdateEntity(ctx, s.principal, id, params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update entity: %v", err)), nil
	}
	if pending != nil {
		return jsonResult(pending)
	}
	return jsonResult(entity)
}

func (s *MCPServer) handleRelationshipCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.guarded(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var args struct {
		sourceKind, sourceID, targetKind, targetID, relType, scopeNames string
	}
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"source_kind", &args.sourceKind},
		{"source_id", &args.sourceID},
		{"target_kind", &args.targetKind},
		{"target_id", &args.targetID},
		{"type", &args.relType},
		{"scopes", &args.scopeNames},
	} {
		v, err := request.RequireString(f.key)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		*f.dst = v
	}

	rel, pending, err := s.graph.CreateRelationship(ctx, s.principal, graph.CreateRelationshipParams{
		Source: graph.EndpointRef{Kind: args.sourceKind, ID: args.sourceID},
		Target: graph.EndpointRef{Kind: args.targetKind, ID: args.targetID},
		Type:   args.relType,
		Scopes: splitList(args.scopeNames),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create relationship: %v", err)), nil
	}
	if pending != nil {
		return jsonResult(pending)
	}
	return jsonResult(rel)
}

func (s *MCPServer) handleRelationshipList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.guarded(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rels, total, err := s.graph.ListRelationships(ctx, s.principal, graph.ListRelationshipsParams{
		Type:       request.GetString("type", ""),
		SourceKind: request.GetString("source_kind", ""),
		SourceID:   request.GetString("source_id", ""),
		Limit:      request.GetInt("limit", 50),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list relationships: %v", err)), nil
	}
	return jsonResult(map[string]any{"items": rels, "total": total})
}

func (s *MCPServer) handleProtocolGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.guarded(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	proto, err := s.protocols.Get(ctx, s.principal, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get protocol: %v", err)), nil
	}
	return jsonResult(proto)
}

func (s *MCPServer) handleProtocolList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.guarded(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	protos, total, err := s.protocols.List(ctx, s.principal, request.GetInt("limit", 50), 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list protocols: %v", err)), nil
	}
	return jsonResult(map[string]any{"items": protos, "total": total})
}

func (s *MCPServer) handleAgentList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.guarded(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	list, total, err := s.agents.List(ctx, s.principal, request.GetInt("limit", 50), 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list agents: %v", err)), nil
	}
	return jsonResult(map[string]any{"items": list, "total": total})
}

func (s *MCPServer) handleApprovalList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.guarded(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	list, total, err := s.workflow.List(ctx, s.principal,
		approval.Status(request.GetString("status", "")), request.GetInt("limit", 50), 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list approvals: %v", err)), nil
	}
	return jsonResult(map[string]any{"items": list, "total": total})
}

func (s *MCPServer) handleApprovalResolve(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.guarded(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	decision, err := request.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var resolved *approval.Request
	switch approval.Status(decision) {
	case approval.StatusApproved:
		resolved, err = s.workflow.Approve(ctx, s.principal, id)
	case approval.StatusRejected:
		resolved, err = s.workflow.Reject(ctx, s.principal, id, request.GetString("notes", ""))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("decision must be approved or rejected, got %q", decision)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve approval: %v", err)), nil
	}
	return jsonResult(resolved)
}

func (s *MCPServer) handleAuditQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.guarded(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entries, total, err := s.recorder.Query(ctx, s.principal, audit.Filter{
		ActorID: request.GetString("actor", ""),
		LogType: request.GetString("type", ""),
		Limit:   request.GetInt("limit", 50),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to query audit ledger: %v", err)), nil
	}
	return jsonResult(map[string]any{"items": entries, "total": total})
}

// splitList parses a comma-separated tool argument.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
