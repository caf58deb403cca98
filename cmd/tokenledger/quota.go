package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/artpar/tokenledger/domain/pricing"
	"github.com/artpar/tokenledger/domain/quota"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show and manage user quotas",
	Long: `Show and manage monthly cost quotas.

Examples:
  tokenledger quota show alice
  tokenledger quota set alice --limit=50 --enabled
  tokenledger quota grant alice --amount=10 --reason="launch week" --by=ops
  tokenledger quota rollover alice
  tokenledger quota rollover --expired
  tokenledger quota exceeded
  tokenledger quota history alice --limit=6`,
}

var quotaShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a user's quota",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuotaShow,
}

var quotaSetCmd = &cobra.Command{
	Use:   "set <user-id>",
	Short: "Set a user's limit and enforcement",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuotaSet,
}

var quotaGrantCmd = &cobra.Command{
	Use:   "grant <user-id>",
	Short: "Grant bonus credit for the current period",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuotaGrant,
}

var quotaRolloverCmd = &cobra.Command{
	Use:   "rollover [user-id]",
	Short: "Close finished quota periods",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runQuotaRollover,
}

var quotaExceededCmd = &cobra.Command{
	Use:   "exceeded",
	Short: "List users over their limit",
	RunE:  runQuotaExceeded,
}

var quotaHistoryCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "Show closed periods",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuotaHistory,
}

var (
	quotaLimitUSD  string
	quotaEnabled   bool
	quotaAmountUSD string
	quotaReason    string
	quotaGrantedBy string
	quotaExpired   bool
	quotaLimit     int
)

func init() {
	rootCmd.AddCommand(quotaCmd)

	quotaCmd.AddCommand(quotaShowCmd)
	quotaCmd.AddCommand(quotaSetCmd)
	quotaCmd.AddCommand(quotaGrantCmd)
	quotaCmd.AddCommand(quotaRolloverCmd)
	quotaCmd.AddCommand(quotaExceededCmd)
	quotaCmd.AddCommand(quotaHistoryCmd)

	quotaSetCmd.Flags().StringVar(&quotaLimitUSD, "limit", "", "monthly cost limit in USD")
	quotaSetCmd.Flags().BoolVar(&quotaEnabled, "enabled", true, "enforce the limit")
	quotaSetCmd.MarkFlagRequired("limit")

	quotaGrantCmd.Flags().StringVar(&quotaAmountUSD, "amount", "", "bonus amount in USD")
	quotaGrantCmd.Flags().StringVar(&quotaReason, "reason", "", "reason recorded with the grant")
	quotaGrantCmd.Flags().StringVar(&quotaGrantedBy, "by", "", "operator granting the bonus")
	quotaGrantCmd.MarkFlagRequired("amount")
	quotaGrantCmd.MarkFlagRequired("by")

	quotaRolloverCmd.Flags().BoolVar(&quotaExpired, "expired", false, "roll over every user whose period has ended")

	quotaHistoryCmd.Flags().IntVar(&quotaLimit, "limit", 12, "number of periods to show")
}

func parseAmount(flag, v string) (int64, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, fmt.Errorf("--%s must be a decimal USD amount: %w", flag, err)
	}
	return pricing.ToMicros(d), nil
}

func usd(micros int64) string {
	return "$" + pricing.FromMicros(micros).StringFixed(2)
}

func printQuota(out io.Writer, q quota.UserQuota) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "User:\t%s\n", q.UserID)
	fmt.Fprintf(w, "Period:\t%04d-%02d\n", q.PeriodYear, q.PeriodMonth)
	fmt.Fprintf(w, "Enabled:\t%t\n", q.QuotaEnabled)
	fmt.Fprintf(w, "Cost:\t%s of %s (%s bonus)\n", usd(q.PeriodCostMicros), usd(q.EffectiveLimitMicros()), usd(q.BonusMicros))
	fmt.Fprintf(w, "Usage:\t%.1f%% (%s)\n", q.UsagePercent, q.Warning())
	fmt.Fprintf(w, "Exceeded:\t%t\n", q.Exceeded)
	fmt.Fprintf(w, "Period tokens:\t%d in / %d out / %d total\n", q.PeriodInputTokens, q.PeriodOutputTokens, q.PeriodTokens)
	fmt.Fprintf(w, "Period requests:\t%d\n", q.PeriodRequests)
	fmt.Fprintf(w, "Lifetime:\t%d tokens, %d requests, %s\n", q.TotalTokens(), q.TotalRequests(), usd(q.TotalCostMicros()))
	return w.Flush()
}

func runQuotaShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	q, err := app.Ledger.Get(ctx, args[0])
	if err != nil {
		return err
	}
	return printQuota(cmd.OutOrStdout(), q)
}

func runQuotaSet(cmd *cobra.Command, args []string) error {
	limit, err := parseAmount("limit", quotaLimitUSD)
	if err != nil {
		return err
	}

	ctx := context.Background()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	q, err := app.Ledger.UpdateConfig(ctx, args[0], quotaEnabled, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Updated quota for %s\n", checkMark, args[0])
	return printQuota(cmd.OutOrStdout(), q)
}

func runQuotaGrant(cmd *cobra.Command, args []string) error {
	amount, err := parseAmount("amount", quotaAmountUSD)
	if err != nil {
		return err
	}

	ctx := context.Background()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	q, rec, err := app.Ledger.GrantBonus(ctx, args[0], amount, quotaReason, quotaGrantedBy)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Granted %s to %s (bonus %s)\n", checkMark, usd(rec.AmountMicros), q.UserID, rec.ID)
	return printQuota(cmd.OutOrStdout(), q)
}

func runQuotaRollover(cmd *cobra.Command, args []string) error {
	if quotaExpired == (len(args) == 1) {
		return fmt.Errorf("give either a user ID or --expired")
	}

	ctx := context.Background()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)
	out := cmd.OutOrStdout()

	if quotaExpired {
		n, err := app.Ledger.RolloverExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s Rolled over %d quotas\n", checkMark, n)
		return nil
	}

	h, rolled, err := app.Ledger.Rollover(ctx, args[0])
	if err != nil {
		return err
	}
	if !rolled {
		fmt.Fprintf(out, "%s Period for %s has not ended\n", crossMark, args[0])
		return nil
	}
	fmt.Fprintf(out, "%s Closed %04d-%02d for %s: %s spent, %.1f%% of limit\n",
		checkMark, h.Year, h.Month, args[0], usd(h.CostMicros), h.FinalUsagePercent)
	return nil
}

func runQuotaExceeded(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	quotas, err := app.Ledger.ListExceeded(ctx)
	if err != nil {
		return fmt.Errorf("failed to list exceeded quotas: %w", err)
	}
	if len(quotas) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No users over their limit.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tCOST\tLIMIT\tUSAGE")
	fmt.Fprintln(w, "----\t----\t-----\t-----")
	for _, q := range quotas {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\n", q.UserID, usd(q.PeriodCostMicros), usd(q.EffectiveLimitMicros()), q.UsagePercent)
	}
	return w.Flush()
}

func runQuotaHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	history, err := app.Ledger.History(ctx, args[0], quotaLimit)
	if err != nil {
		return fmt.Errorf("failed to get quota history: %w", err)
	}
	if len(history) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No closed periods found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERIOD\tTOKENS\tREQUESTS\tCOST\tLIMIT\tUSAGE")
	fmt.Fprintln(w, "------\t------\t--------\t----\t-----\t-----")
	for _, h := range history {
		fmt.Fprintf(w, "%04d-%02d\t%d\t%d\t%s\t%s\t%.1f%%\n",
			h.Year, h.Month, h.Tokens, h.Requests,
			usd(h.CostMicros), usd(h.CostLimitMicros+h.BonusMicros), h.FinalUsagePercent)
	}
	return w.Flush()
}
