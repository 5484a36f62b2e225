package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gnosisgraph/gnosis/config"
	"github.com/gnosisgraph/gnosis/errors"
)

// DbCmd groups database maintenance commands.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the gnosis database",
	Long: `Manage database operations: migrations and statistics.

Examples:
  gnosis db migrate               # Apply pending schema migrations
  gnosis db stats                 # Show graph and ledger statistics`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show graph and ledger statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase migrates as part of opening.
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Println("Database is up to date.")
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	counts := map[string]int{}
	for _, table := range []string{"entities", "relationships", "protocols", "agents", "approval_requests", "audit_log"} {
		var n int
		if err := database.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return errors.Wrapf(err, "failed to count %s", table)
		}
		counts[table] = n
	}

	var pending int
	if err := database.QueryRow(`SELECT COUNT(*) FROM approval_requests WHERE status = 'pending'`).Scan(&pending); err != nil {
		return errors.Wrap(err, "failed to count pending approvals")
	}

	fmt.Println("Database Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Printf("Database Path:     %s\n", cfg.Database.Path)
	fmt.Printf("Entities:          %d\n", counts["entities"])
	fmt.Printf("Relationships:     %d\n", counts["relationships"])
	fmt.Printf("Protocols:         %d\n", counts["protocols"])
	fmt.Printf("Agents:            %d\n", counts["agents"])
	fmt.Printf("Approvals:         %d (%d pending)\n", counts["approval_requests"], pending)
	fmt.Printf("Audit Entries:     %d\n", counts["audit_log"])
	return nil
}
