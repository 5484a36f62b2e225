package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gnosisgraph/gnosis/cmd/gnosis/commands"
	"github.com/gnosisgraph/gnosis/logger"
)

var rootCmd = &cobra.Command{
	Use:   "gnosis",
	Short: "gnosis - Shared knowledge graph for humans and agents",
	Long: `gnosis - Scope-governed knowledge graph backend.

gnosis stores entities, relationships, and protocol documents shared
between human operators and autonomous agents. Every read is filtered by
privacy scope, gated agent writes flow through an approval queue, and
every security-relevant action lands in an append-only audit ledger.

Examples:
  gnosis serve                    # Start the HTTP API
  gnosis mcp --actor agent-7      # Serve MCP tools on stdio as a principal
  gnosis db migrate               # Apply pending schema migrations
  gnosis db stats                 # Show graph and ledger statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.McpCmd)
	rootCmd.AddCommand(commands.DbCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
