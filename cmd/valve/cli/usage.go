package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/usage"
)

func newUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect API key usage",
		Long:  "Show aggregated statistics and raw attempt logs for an API key.",
	}

	cmd.AddCommand(newUsageStatsCmd())
	cmd.AddCommand(newUsageLogsCmd())

	return cmd
}

func newUsageStatsCmd() *cobra.Command {
	var (
		days   int
		top    int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "stats <key-id-or-prefix>",
		Short: "Show usage statistics for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsageStats(args[0], days, top, asJSON)
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, fmt.Sprintf("Period in days (1-%d)", usage.MaxStatsDays))
	cmd.Flags().IntVar(&top, "top", usage.DefaultTopN, fmt.Sprintf("Number of endpoints to list (1-%d)", usage.MaxTopN))
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	return cmd
}

func runUsageStats(ref string, days, top int, asJSON bool) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := context.Background()
	key, err := env.resolveKey(ctx, ref)
	if err != nil {
		return err
	}
	stats, err := usage.NewAnalytics(env.store).Stats(ctx, key.ID, days, top)
	if err != nil {
		return describeErr(err)
	}

	if asJSON {
		return printJSON(os.Stdout, stats)
	}

	fmt.Printf("Usage of %s (%s), last %d days\n", key.KeyPrefix, key.Name, stats.PeriodDays)
	fmt.Println()
	fmt.Printf("  Total requests:     %d\n", stats.TotalRequests)
	fmt.Printf("  Avg response time:  %.1f ms\n", stats.AvgResponseTimeMs)

	if len(stats.ByStatus) > 0 {
		fmt.Println()
		fmt.Println("  By status:")
		for _, s := range stats.ByStatus {
			fmt.Printf("    %d  %d\n", s.StatusCode, s.Count)
		}
	}
	if len(stats.ByEndpoint) > 0 {
		fmt.Println()
		fmt.Println("  Top endpoints:")
		for _, e := range stats.ByEndpoint {
			fmt.Printf("    %-50s  %d\n", truncate(e.Endpoint, 50), e.Count)
		}
	}
	return nil
}

func newUsageLogsCmd() *cobra.Command {
	var (
		f      model.UsageLogFilter
		since  time.Duration
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "logs <key-id-or-prefix>",
		Short: "Show raw usage events for a key, newest first",
		Example: `  valve usage logs vlv_1a2b3c4d --status 429
  valve usage logs vlv_1a2b3c4d --endpoint /api/users --since 1h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				from := time.Now().Add(-since)
				f.From = &from
			}
			return runUsageLogs(args[0], f, asJSON)
		},
	}

	cmd.Flags().StringVar(&f.Endpoint, "endpoint", "", "Only endpoints containing this text")
	cmd.Flags().StringVar(&f.Method, "method", "", "Only this method")
	cmd.Flags().IntVar(&f.StatusCode, "status", 0, "Only this status code")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&f.Limit, "limit", usage.DefaultLogLimit, fmt.Sprintf("Maximum events (1-%d)", usage.MaxLogLimit))
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "Events to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	return cmd
}

func runUsageLogs(ref string, f model.UsageLogFilter, asJSON bool) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := context.Background()
	key, err := env.resolveKey(ctx, ref)
	if err != nil {
		return err
	}
	f.KeyID = key.ID
	events, total, err := usage.NewAnalytics(env.store).Logs(ctx, f)
	if err != nil {
		return describeErr(err)
	}

	if asJSON {
		return printJSON(os.Stdout, map[string]interface{}{
			"resource": events,
			"meta":     map[string]int64{"total": total},
		})
	}

	if len(events) == 0 {
		fmt.Println("No usage events found.")
		return nil
	}

	fmt.Printf("%-19s  %-7s  %-40s  %-6s  %-8s  %s\n", "TIME", "METHOD", "ENDPOINT", "STATUS", "LATENCY", "IP")
	fmt.Printf("%-19s  %-7s  %-40s  %-6s  %-8s  %s\n",
		strings.Repeat("-", 19), strings.Repeat("-", 7), strings.Repeat("-", 40),
		strings.Repeat("-", 6), strings.Repeat("-", 8), strings.Repeat("-", 15))
	for _, e := range events {
		fmt.Printf("%-19s  %-7s  %-40s  %-6d  %-8s  %s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Method, truncate(e.Endpoint, 40),
			e.StatusCode, fmt.Sprintf("%dms", e.LatencyMs), e.IP)
	}
	fmt.Printf("\nShowing %d of %d events.\n", len(events), total)
	return nil
}
