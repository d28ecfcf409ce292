package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/faucetdb/valve/internal/alert"
	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/model"
)

func newAlertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "alert",
		Aliases: []string{"alerts"},
		Short:   "Manage usage alert rules",
		Long:    "Create, list and delete threshold rules, or run one evaluation cycle by hand.",
	}

	cmd.AddCommand(newAlertCreateCmd())
	cmd.AddCommand(newAlertListCmd())
	cmd.AddCommand(newAlertDeleteCmd())
	cmd.AddCommand(newAlertEvaluateCmd())

	return cmd
}

func newAlertCreateCmd() *cobra.Command {
	var (
		alertType string
		threshold int
		disabled  bool
	)

	cmd := &cobra.Command{
		Use:   "create <key-id-or-prefix>",
		Short: "Create an alert rule for a key",
		Example: `  valve alert create vlv_1a2b3c4d --type rate_limit --threshold 80
  valve alert create vlv_1a2b3c4d --type error_rate --threshold 25`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := !disabled
			return runAlertCreate(args[0], alert.CreateRuleInput{
				AlertType:        model.AlertType(alertType),
				ThresholdPercent: threshold,
				Enabled:          &enabled,
			})
		},
	}

	cmd.Flags().StringVar(&alertType, "type", "", "Alert type: rate_limit, error_rate or usage (required)")
	cmd.Flags().IntVar(&threshold, "threshold", 80, "Threshold in percent (1-100)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the rule disabled")
	cmd.MarkFlagRequired("type")

	return cmd
}

func runAlertCreate(ref string, in alert.CreateRuleInput) error {
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
	in.KeyID = key.ID
	rule, err := alert.NewRules(env.store).Create(ctx, in)
	if err != nil {
		return describeErr(err)
	}
	fmt.Printf("Alert rule %s created: %s >= %d%% on %s (%s)\n",
		rule.ID, rule.AlertType, rule.ThresholdPercent, key.KeyPrefix, key.Name)
	return nil
}

func newAlertListCmd() *cobra.Command {
	var (
		keyRef string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alert rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlertList(keyRef, asJSON)
		},
	}

	cmd.Flags().StringVar(&keyRef, "key", "", "Only rules of this key (ID or prefix)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func runAlertList(keyRef string, asJSON bool) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := context.Background()
	keyID := ""
	if keyRef != "" {
		key, err := env.resolveKey(ctx, keyRef)
		if err != nil {
			return err
		}
		keyID = key.ID
	}
	rules, err := alert.NewRules(env.store).List(ctx, keyID)
	if err != nil {
		return fmt.Errorf("list alert rules: %w", err)
	}

	if asJSON {
		return printJSON(os.Stdout, rules)
	}
	if len(rules) == 0 {
		fmt.Println("No alert rules found.")
		return nil
	}

	fmt.Printf("%-36s  %-36s  %-10s  %-9s  %-7s  %-8s  %s\n", "ID", "KEY", "TYPE", "THRESHOLD", "ENABLED", "FIRED", "LAST TRIGGERED")
	fmt.Printf("%-36s  %-36s  %-10s  %-9s  %-7s  %-8s  %s\n",
		strings.Repeat("-", 36), strings.Repeat("-", 36), strings.Repeat("-", 10),
		strings.Repeat("-", 9), strings.Repeat("-", 7), strings.Repeat("-", 8), strings.Repeat("-", 16))
	for _, r := range rules {
		enabled := "yes"
		if !r.Enabled {
			enabled = "no"
		}
		fmt.Printf("%-36s  %-36s  %-10s  %-9s  %-7s  %-8d  %s\n",
			r.ID, r.KeyID, r.AlertType, fmt.Sprintf("%d%%", r.ThresholdPercent), enabled, r.TriggerCount, formatTime(r.LastTriggered))
	}
	return nil
}

func newAlertDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete an alert rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			if err := alert.NewRules(env.store).Delete(context.Background(), args[0]); err != nil {
				return fmt.Errorf("delete alert rule %s: %w", args[0], err)
			}
			fmt.Printf("Alert rule %s deleted.\n", args[0])
			return nil
		},
	}
}

func newAlertEvaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Run one alert evaluation cycle now",
		Long: `Evaluate every enabled rule once against stored usage. Fired alerts go to
the log and, when alerts.webhook_url is set, to the webhook.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			notifiers := alert.Multi{alert.LogNotifier{Logger: env.logger}}
			var webhook *alert.WebhookNotifier
			if env.cfg.Alerts.WebhookURL != "" {
				webhook = alert.NewWebhookNotifier(env.cfg.Alerts.WebhookURL, config.Duration(env.cfg.Alerts.WebhookTimeout, 0), env.logger)
				notifiers = append(notifiers, webhook)
			}
			evaluator := alert.NewEvaluator(env.store, alert.EvaluatorConfig{
				Window:   config.Duration(env.cfg.Alerts.Window, alert.DefaultWindow),
				Notifier: notifiers,
				Logger:   env.logger,
			})

			ctx := context.Background()
			report, err := evaluator.Evaluate(ctx)
			if webhook != nil {
				if werr := webhook.Shutdown(ctx); werr != nil {
					env.logger.Warn("alert webhook deliveries incomplete", "error", werr)
				}
			}
			if err != nil {
				return fmt.Errorf("evaluate alerts: %w", err)
			}
			fmt.Printf("Evaluated %d rules: %d triggered, %d failed.\n", report.Evaluated, report.Triggered, report.Failed)
			return nil
		},
	}
}
