package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/artpar/tokenledger/bootstrap"
	"github.com/artpar/tokenledger/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the tokenledger configuration file.

Checks:
  - YAML syntax is valid
  - Schedules, pricing and quota defaults parse
  - The database is reachable (optional)

Examples:
  tokenledger validate
  tokenledger validate --check-database --config /etc/tokenledger/config.yaml`,
	RunE: runValidate,
}

var (
	validateCheckDatabase bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check that the database is reachable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Fprintf(out, "  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Fprintf(out, "  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config valid\n", checkMark)

	fmt.Fprintf(out, "  %s Database: %s (%s)\n", checkMark, cfg.Database.DSN, cfg.Database.Driver)
	fmt.Fprintf(out, "  %s Models priced: %d\n", checkMark, len(cfg.Pricing))
	fmt.Fprintf(out, "  %s Flush schedule: %s\n", checkMark, cfg.Buffer.FlushCron)
	fmt.Fprintf(out, "  %s Settlement schedule: %s (lock: %s)\n", checkMark, cfg.Settlement.Cron, cfg.Settlement.Lock)

	if validateCheckDatabase {
		if err := checkDatabase(cfg.Database); err != nil {
			fmt.Fprintf(out, "  %s Database reachable\n", crossMark)
			fmt.Fprintf(out, "      Error: %v\n", err)
		} else {
			fmt.Fprintf(out, "  %s Database reachable\n", checkMark)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration is valid.")
	return nil
}

func checkDatabase(cfg config.DatabaseConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stores, err := bootstrap.OpenStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close(context.Background())
	return stores.HealthCheck(ctx)
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
