package main

import (
	"context"
	"fmt"
	"os"

	"github.com/artpar/tokenledger/bootstrap"
	"github.com/spf13/cobra"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ledger server",
	Long: `Start the tokenledger server.

The server will:
  - Load configuration from tokenledger.yaml (or --config)
  - Or load configuration from TOKENLEDGER_* environment variables
  - Open the sqlite or mongo backend
  - Accept usage events on POST /api/v1/events
  - Flush and settle on the configured cron schedules

Environment variables (for container deployments):
  TOKENLEDGER_DATABASE_DRIVER   - sqlite or mongo (default: sqlite)
  TOKENLEDGER_DATABASE_DSN      - Database path or URI (default: tokenledger.db)
  TOKENLEDGER_SERVER_PORT       - Server port (default: 8080)
  TOKENLEDGER_SETTLEMENT_LOCK   - none or redis
  TOKENLEDGER_LOG_LEVEL         - Log level: debug, info, warn, error

Examples:
  tokenledger serve
  tokenledger serve --config /etc/tokenledger/config.yaml
  tokenledger serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "reload pricing and quota defaults when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgFile); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "No config file at %s; using environment variables\n", cfgFile)
	}

	app, err := bootstrap.New(context.Background(), bootstrap.Options{
		ConfigPath: cfgFile,
		Watch:      hotReload,
	})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
