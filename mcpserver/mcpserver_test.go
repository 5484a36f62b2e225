package mcpserver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gnosisgraph/gnosis/access"
	"github.com/gnosisgraph/gnosis/agents"
	"github.com/gnosisgraph/gnosis/approval"
	"github.com/gnosisgraph/gnosis/audit"
	"github.com/gnosisgraph/gnosis/graph"
	gtesting "github.com/gnosisgraph/gnosis/internal/testing"
	"github.com/gnosisgraph/gnosis/protocols"
	"github.com/gnosisgraph/gnosis/ratelimit"
	"github.com/gnosisgraph/gnosis/scopes"
)

func newTestMCPServer(t *testing.T, principal *access.Principal) *MCPServer {
	t.Helper()
	db := gtesting.CreateTestDB(t)
	reg, err := scopes.Load(t.Context(), db)
	require.NoError(t, err)

	log := zaptest.NewLogger(t).Sugar()
	rec := audit.NewRecorder(db, reg, log)
	workflow := approval.NewWorkflow(db, rec, log)
	agentSvc := agents.NewService(db, reg, rec, log)
	graphSvc := graph.NewService(db, reg, agentSvc, workflow, rec, log)
	protocolSvc := protocols.NewService(db, reg, agentSvc, workflow, rec, log)

	if principal.Kind == access.KindHumanUser || principal.IsAdmin {
		resolved, err := reg.ResolveScopes([]string{"public", "internal"})
		require.NoError(t, err)
		principal.Scopes = resolved
	}

	guard := ratelimit.NewGuard(100, time.Minute)
	return NewMCPServer(principal, graphSvc, protocolSvc, agentSvc, workflow, rec, guard, log)
}

func toolCall(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestEntityToolsRoundTrip(t *testing.T) {
	user := &access.Principal{ID: "u-1", Kind: access.KindHumanUser}
	srv := newTestMCPServer(t, user)

	res, err := srv.handleEntityCreate(t.Context(), toolCall("entity_create", map[string]any{
		"name": "ingest-job", "type": "job", "scopes": "internal", "tags": "etl,nightly",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, "create failed: %s", resultText(t, res))

	var created map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &created))
	id := created["id"].(string)

	t.Run("get returns the record", func(t *testing.T) {
		res, err := srv.handleEntityGet(t.Context(), toolCall("entity_get", map[string]any{"id": id}))
		require.NoError(t, err)
		require.False(t, res.IsError)
		assert.Contains(t, resultText(t, res), "ingest-job")
	})

	t.Run("missing required argument is a tool error", func(t *testing.T) {
		res, err := srv.handleEntityGet(t.Context(), toolCall("entity_get", map[string]any{}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	t.Run("list filters by type", func(t *testing.T) {
		res, err := srv.handleEntityList(t.Context(), toolCall("entity_list", map[string]any{"type": "job"}))
		require.NoError(t, err)
		require.False(t, res.IsError)

		var listed map[string]any
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &listed))
		assert.Equal(t, float64(1), listed["total"])
	})
}

func TestGatedAgentToolWrites(t *testing.T) {
	admin := &access.Principal{ID: "adm-1", Kind: access.KindHumanAdmin, IsAdmin: true}
	srv := newTestMCPServer(t, admin)

	agent, err := srv.agents.Create(t.Context(), admin, agents.CreateParams{
		Name: "mcp-bot", Scopes: []string{"internal"}, RequiresApproval: true,
	})
	require.NoError(t, err)

	// Re-bind the server to the gated agent principal, as the runtime would.
	srv.principal = &access.Principal{ID: agent.ID, Kind: access.KindAgent, Scopes: agent.ScopeIDs}

	res, err := srv.handleEntityCreate(t.Context(), toolCall("entity_create", map[string]any{
		"name": "bot-note", "type": "concept", "scopes": "internal",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, "create failed: %s", resultText(t, res))

	var pending map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &pending))
	assert.Equal(t, "pending", pending["status"])
	require.NotEmpty(t, pending["request_id"])

	t.Run("agent cannot resolve its own request", func(t *testing.T) {
		res, err := srv.handleApprovalResolve(t.Context(), toolCall("approval_resolve", map[string]any{
			"id": pending["request_id"], "decision": "approved",
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})
}

func TestRateGuardOnTools(t *testing.T) {
	user := &access.Principal{ID: "u-burst", Kind: access.KindHumanUser}
	srv := newTestMCPServer(t, user)
	srv.guard = ratelimit.NewGuard(2, time.Minute)

	for i := 0; i < 2; i++ {
		res, err := srv.handleEntityList(t.Context(), toolCall("entity_list", map[string]any{}))
		require.NoError(t, err)
		require.False(t, res.IsError)
	}
	res, err := srv.handleEntityList(t.Context(), toolCall("entity_list", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "rate limited")
}
