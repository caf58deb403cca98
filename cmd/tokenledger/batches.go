package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/artpar/tokenledger/domain/usage"
	"github.com/spf13/cobra"
)

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Inspect and recover raw batches",
	Long: `Inspect and recover raw event batches.

Examples:
  tokenledger batches counts
  tokenledger batches reset 2025-06-01_1748768400000_1a2b3c4d`,
}

var batchesCountsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Show batch counts by state",
	RunE:  runBatchesCounts,
}

var batchesResetCmd = &cobra.Command{
	Use:   "reset <batch-id>",
	Short: "Return a processed batch to pending",
	Long: `Return a processed batch to pending so the next settlement recomputes it.

The batch's events are added to the rollups and quotas again. Only use this
after the rows it contributed have been removed or restored from backup.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatchesReset,
}

func init() {
	rootCmd.AddCommand(batchesCmd)

	batchesCmd.AddCommand(batchesCountsCmd)
	batchesCmd.AddCommand(batchesResetCmd)
}

func runBatchesCounts(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	counts, err := app.Settler.Counts(ctx)
	if err != nil {
		return fmt.Errorf("failed to count batches: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tBATCHES")
	fmt.Fprintln(w, "-----\t-------")
	for _, s := range []usage.BatchState{usage.BatchPending, usage.BatchProcessing, usage.BatchProcessed} {
		fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
	}
	return w.Flush()
}

func runBatchesReset(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	if err := app.Settler.ResetBatch(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Batch %s reset to pending\n", args[0])
	return nil
}
