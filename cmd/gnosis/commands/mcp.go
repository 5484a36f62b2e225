package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/gnosisgraph/gnosis/access"
	"github.com/gnosisgraph/gnosis/agents"
	"github.com/gnosisgraph/gnosis/approval"
	"github.com/gnosisgraph/gnosis/audit"
	"github.com/gnosisgraph/gnosis/config"
	"github.com/gnosisgraph/gnosis/errors"
	"github.com/gnosisgraph/gnosis/graph"
	"github.com/gnosisgraph/gnosis/logger"
	"github.com/gnosisgraph/gnosis/mcpserver"
	"github.com/gnosisgraph/gnosis/protocols"
	"github.com/gnosisgraph/gnosis/ratelimit"
	"github.com/gnosisgraph/gnosis/scopes"
)

// McpCmd serves the MCP tool surface on stdio.
var McpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve knowledge-graph tools over the Model Context Protocol",
	Long: `Serve MCP tools on stdin/stdout for an agent runtime.

The connected principal is fixed at launch: the supervising runtime is
responsible for starting one gnosis mcp process per agent identity.

Examples:
  gnosis mcp --actor agent-7 --scopes internal,public
  gnosis mcp --actor ops-1 --kind human-admin --admin`,
	RunE: runMcp,
}

var (
	mcpActorFlag  string
	mcpKindFlag   string
	mcpScopesFlag string
	mcpAdminFlag  bool
)

func init() {
	McpCmd.Flags().StringVar(&mcpActorFlag, "actor", "", "Principal id for all tool calls (required)")
	McpCmd.Flags().StringVar(&mcpKindFlag, "kind", string(access.KindAgent), "Principal kind: human-admin, human-user, or agent")
	McpCmd.Flags().StringVar(&mcpScopesFlag, "scopes", "", "Comma-separated privacy scope names")
	McpCmd.Flags().BoolVar(&mcpAdminFlag, "admin", false, "Grant admin rights (human-admin kind only)")
	McpCmd.MarkFlagRequired("actor")
}

func runMcp(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	registry, err := scopes.Load(cmd.Context(), database)
	if err != nil {
		return errors.Wrap(err, "failed to load vocabulary registry")
	}

	principal, err := buildPrincipal(registry)
	if err != nil {
		return err
	}

	recorder := audit.NewRecorder(database, registry, logger.Logger)
	workflow := approval.NewWorkflow(database, recorder, logger.Logger)
	agentSvc := agents.NewService(database, registry, recorder, logger.Logger)
	graphSvc := graph.NewService(database, registry, agentSvc, workflow, recorder, logger.Logger)
	protocolSvc := protocols.NewService(database, registry, agentSvc, workflow, recorder, logger.Logger)
	guard := ratelimit.NewGuard(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window())

	srv := mcpserver.NewMCPServer(principal, graphSvc, protocolSvc, agentSvc, workflow, recorder, guard, logger.Logger)
	return srv.ServeStdio()
}

func buildPrincipal(registry *scopes.Registry) (*access.Principal, error) {
	kind := access.Kind(mcpKindFlag)
	switch kind {
	case access.KindHumanAdmin, access.KindHumanUser, access.KindAgent:
	default:
		return nil, errors.Wrapf(errors.ErrUnknownEnum, "unknown principal kind %q", mcpKindFlag)
	}

	var scopeIDs []string
	if mcpScopesFlag != "" {
		names := strings.Split(mcpScopesFlag, ",")
		for i := range names {
			names[i] = strings.TrimSpace(names[i])
		}
		resolved, err := registry.ResolveScopes(names)
		if err != nil {
			return nil, err
		}
		scopeIDs = resolved
	}

	return &access.Principal{
		ID:      mcpActorFlag,
		Kind:    kind,
		Scopes:  scopeIDs,
		IsAdmin: mcpAdminFlag && kind == access.KindHumanAdmin,
	}, nil
}
