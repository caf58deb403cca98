package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Settle pending raw batches now",
	Long: `Settle every pending raw batch into the daily rollups and user quotas.

The settlement lock is honoured, so this is safe to run while servers are
settling on schedule. Events still held in a server's memory buffer are not
included; use POST /api/v1/ops/flush-settle for those.

Examples:
  tokenledger settle
  tokenledger settle --config /etc/tokenledger/config.yaml`,
	RunE: runSettle,
}

func init() {
	rootCmd.AddCommand(settleCmd)
}

func runSettle(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	res, err := app.Scheduler.Settle(ctx)
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), res)
}
