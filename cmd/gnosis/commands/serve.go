package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gnosisgraph/gnosis/config"
	"github.com/gnosisgraph/gnosis/errors"
	"github.com/gnosisgraph/gnosis/logger"
	"github.com/gnosisgraph/gnosis/scopes"
	"github.com/gnosisgraph/gnosis/server"
)

// ServeCmd starts the HTTP API.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gnosis HTTP API",
	Long: `Start the HTTP API serving the knowledge graph.

The listener address, principal header names, and rate limits come from
gnosis.toml or GNOSIS_-prefixed environment variables.

Examples:
  gnosis serve
  GNOSIS_SERVER_ADDR=:9000 gnosis serve`,
	RunE: runServe,
}

var serveAddrFlag string

func init() {
	ServeCmd.Flags().StringVar(&serveAddrFlag, "addr", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if serveAddrFlag != "" {
		cfg.Server.Addr = serveAddrFlag
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

	srv := server.New(cfg, database, registry, logger.Logger)

	// Stop on SIGINT/SIGTERM, draining in-flight requests.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Logger.Infow("Shutting down", "signal", sig)
		if err := srv.Stop(); err != nil {
			logger.Logger.Errorw("Shutdown failed", "error", err)
		}
	}()

	return srv.Start()
}
