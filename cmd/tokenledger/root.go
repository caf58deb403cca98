package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/artpar/tokenledger/bootstrap"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tokenledger",
	Short: "Token usage ledger for LLM gateways",
	Long: `tokenledger buffers per-request token usage from an LLM gateway,
settles it into daily rollups and tracks monthly cost quotas per user.

Quick start:
  tokenledger serve       # Start ingestion, scheduled settlement and the admin API

Operations:
  tokenledger settle      # Settle pending batches now
  tokenledger batches     # Inspect or reset raw batches
  tokenledger quota       # Show and manage user quotas
  tokenledger cost        # Price a hypothetical request`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "tokenledger.yaml", "config file path")
}

// openApp wires the application for a one-shot command. Nothing is started;
// the caller closes it.
func openApp(ctx context.Context) (*bootstrap.App, error) {
	a, err := bootstrap.New(ctx, bootstrap.Options{ConfigPath: cfgFile})
	if err != nil {
		return nil, fmt.Errorf("error initializing: %w", err)
	}
	return a, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
