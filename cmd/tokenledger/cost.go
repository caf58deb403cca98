package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/artpar/tokenledger/config"
	"github.com/artpar/tokenledger/domain/pricing"
	"github.com/spf13/cobra"
)

var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "Price a hypothetical request",
	Long: `Price a request against the configured pricing table without recording it.

Input tokens exclude cache reads and cache writes, as the gateway reports them.

Examples:
  tokenledger cost --model=claude-sonnet --input=12000 --output=800
  tokenledger cost --model=claude-sonnet --input=200 --cache-read=50000 --output=400`,
	RunE: runCost,
}

var (
	costModel      string
	costInput      int64
	costOutput     int64
	costCacheRead  int64
	costCacheWrite int64
)

func init() {
	rootCmd.AddCommand(costCmd)

	costCmd.Flags().StringVar(&costModel, "model", "", "model name")
	costCmd.Flags().Int64Var(&costInput, "input", 0, "input tokens")
	costCmd.Flags().Int64Var(&costOutput, "output", 0, "output tokens")
	costCmd.Flags().Int64Var(&costCacheRead, "cache-read", 0, "cache-read tokens")
	costCmd.Flags().Int64Var(&costCacheWrite, "cache-write", 0, "cache-creation tokens")
	costCmd.MarkFlagRequired("model")
}

func runCost(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	table, err := cfg.PricingTable()
	if err != nil {
		return err
	}
	calc := pricing.NewCalculator(table)

	tokens := pricing.Tokens{
		Input:         costInput,
		Output:        costOutput,
		CacheCreation: costCacheWrite,
		CacheRead:     costCacheRead,
	}
	b, err := calc.Breakdown(costModel, tokens)
	if err != nil {
		return err
	}
	saved, err := calc.CacheSavings(costModel, costCacheRead)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tTOKENS\tUSD")
	fmt.Fprintln(w, "--------\t------\t---")
	fmt.Fprintf(w, "input\t%d\t%s\n", costInput, b.Input)
	fmt.Fprintf(w, "output\t%d\t%s\n", costOutput, b.Output)
	fmt.Fprintf(w, "cache read\t%d\t%s\n", costCacheRead, b.CacheRead)
	fmt.Fprintf(w, "cache write\t%d\t%s\n", costCacheWrite, b.CacheWrite)
	fmt.Fprintf(w, "total\t\t%s\n", b.Total())
	fmt.Fprintf(w, "cache savings\t\t%s\n", saved)
	return w.Flush()
}
