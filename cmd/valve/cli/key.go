package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey", "keys"},
		Short:   "Manage API keys",
		Long:    "Create, inspect, update, rotate, revoke and delete API keys directly against the store.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyShowCmd())
	cmd.AddCommand(newKeyUpdateCmd())
	cmd.AddCommand(newKeyRotateCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyDeleteCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		in      service.CreateKeyInput
		rate    int
		expires string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long: `Generate a new API key. Permissions are METHOD:/path entries; omit them
(and --template) for a full access key. The raw key is shown once and cannot
be retrieved again.`,
		Example: `  valve key create --name "CI pipeline" --template read_only
  valve key create --name billing --perm GET:/api/invoices --perm POST:/api/invoices --rate-limit 600
  valve key create --name partner --expires 30d --ip 203.0.113.0/24`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("rate-limit") {
				in.RateLimit = &rate
			}
			if expires != "" {
				t, err := parseExpiry(expires, time.Now())
				if err != nil {
					return err
				}
				in.ExpiresAt = &t
			}
			in.CreatedBy = "cli"
			return runKeyCreate(in, asJSON)
		},
	}

	cmd.Flags().StringVar(&in.Name, "name", "", "Human-readable name for the key (required)")
	cmd.Flags().StringVar(&in.Description, "description", "", "Free-form description")
	cmd.Flags().StringArrayVar(&in.Permissions, "perm", nil, "Permission METHOD:/path (repeatable)")
	cmd.Flags().StringVar(&in.Template, "template", "", "Permission template name (see 'valve template list')")
	cmd.Flags().IntVar(&rate, "rate-limit", model.DefaultRateLimit, "Requests per minute")
	cmd.Flags().StringVar(&expires, "expires", "", "Expiry as RFC 3339, YYYY-MM-DD, or a duration like 30d")
	cmd.Flags().StringSliceVar(&in.IPWhitelist, "ip", nil, "Allowed client IP or CIDR (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runKeyCreate(in service.CreateKeyInput, asJSON bool) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	key, secret, err := env.keys.Create(context.Background(), in)
	if err != nil {
		return describeErr(err)
	}

	if asJSON {
		return printJSON(os.Stdout, struct {
			*model.APIKey
			Key string `json:"key"`
		}{key, secret})
	}

	fmt.Println("API Key created:")
	fmt.Println()
	fmt.Printf("  Key:         %s\n", secret)
	fmt.Printf("  ID:          %s\n", key.ID)
	fmt.Printf("  Name:        %s\n", key.Name)
	fmt.Printf("  Permissions: %s\n", permissionSummary(key))
	fmt.Printf("  Rate limit:  %d/min\n", key.RateLimit)
	if key.ExpiresAt != nil {
		fmt.Printf("  Expires:     %s\n", formatTime(key.ExpiresAt))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		state  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Long:  "List API keys with their prefix, state and limits. Raw keys are never shown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(model.KeyState(state), asJSON)
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state: active, rotating or revoked")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(state model.KeyState, asJSON bool) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	keys, err := env.keys.List(context.Background(), state)
	if err != nil {
		return describeErr(err)
	}

	if asJSON {
		return printJSON(os.Stdout, keys)
	}

	if len(keys) == 0 {
		fmt.Println("No API keys found. Create one with: valve key create --name <name>")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-36s  %-12s  %-20s  %-9s  %-8s  %-10s  %s\n", "ID", "PREFIX", "NAME", "STATE", "RATE", "USES", "EXPIRES")
	fmt.Printf("%-36s  %-12s  %-20s  %-9s  %-8s  %-10s  %s\n",
		strings.Repeat("-", 36), strings.Repeat("-", 12), strings.Repeat("-", 20),
		strings.Repeat("-", 9), strings.Repeat("-", 8), strings.Repeat("-", 10), strings.Repeat("-", 16))
	for _, k := range keys {
		state := string(k.State)
		if k.IsExpired(now) {
			state = "expired"
		}
		expires := "never"
		if k.ExpiresAt != nil {
			expires = formatTime(k.ExpiresAt)
		}
		fmt.Printf("%-36s  %-12s  %-20s  %-9s  %-8s  %-10d  %s\n",
			k.ID, k.KeyPrefix, truncate(k.Name, 20), state,
			fmt.Sprintf("%d/min", k.RateLimit), k.UsageCount, expires)
	}
	return nil
}

// ---------- key show ----------

func newKeyShowCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <id-or-prefix>",
		Short: "Show one API key and its rotation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyShow(args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func runKeyShow(ref string, asJSON bool) error {
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
	history, err := env.rotations.History(ctx, key.ID)
	if err != nil {
		return describeErr(err)
	}

	if asJSON {
		return printJSON(os.Stdout, struct {
			*model.APIKey
			Rotations []model.RotationRecord `json:"rotations"`
		}{key, history})
	}

	printKey(key)
	if len(history) > 0 {
		fmt.Println()
		fmt.Println("  Rotations:")
		for _, r := range history {
			fmt.Printf("    %s -> %s  grace %dd until %s  by %s\n",
				r.OldKeyID, r.NewKeyID, r.GracePeriodDays, formatTime(&r.GraceExpiresAt), r.RotatedBy)
		}
	}
	return nil
}

func printKey(k *model.APIKey) {
	fmt.Printf("  ID:          %s\n", k.ID)
	fmt.Printf("  Name:        %s\n", k.Name)
	if k.Description != "" {
		fmt.Printf("  Description: %s\n", k.Description)
	}
	fmt.Printf("  Prefix:      %s\n", k.KeyPrefix)
	fmt.Printf("  State:       %s\n", k.State)
	fmt.Printf("  Permissions: %s\n", permissionSummary(k))
	fmt.Printf("  Rate limit:  %d/min\n", k.RateLimit)
	if len(k.IPWhitelist) > 0 {
		fmt.Printf("  IP allow:    %s\n", strings.Join(k.IPWhitelist, ", "))
	}
	fmt.Printf("  Expires:     %s\n", formatTime(k.ExpiresAt))
	fmt.Printf("  Usage:       %d (last %s)\n", k.UsageCount, formatTime(k.LastUsedAt))
	fmt.Printf("  Created:     %s by %s\n", formatTime(&k.CreatedAt), k.CreatedBy)
}

func permissionSummary(k *model.APIKey) string {
	if k.FullAccess() {
		return "full access"
	}
	return strings.Join(k.Permissions.Strings(), ", ")
}

// ---------- key update ----------

func newKeyUpdateCmd() *cobra.Command {
	var (
		name, description, template, expires string
		perms, ips                           []string
		rate                                 int
		active                               bool
		clearExpiry                          bool
	)

	cmd := &cobra.Command{
		Use:   "update <id-or-prefix>",
		Short: "Update an API key's name, permissions, limits or expiry",
		Example: `  valve key update vlv_1a2b3c4d --rate-limit 1200
  valve key update 6f1c... --perm GET:/api/users --perm GET:/api/orders
  valve key update vlv_1a2b3c4d --no-expiry`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			var in service.UpdateKeyInput
			if f.Changed("name") {
				in.Name = &name
			}
			if f.Changed("description") {
				in.Description = &description
			}
			if f.Changed("perm") {
				in.Permissions = &perms
			}
			if f.Changed("template") {
				in.Template = &template
			}
			if f.Changed("rate-limit") {
				in.RateLimit = &rate
			}
			if f.Changed("ip") {
				in.IPWhitelist = &ips
			}
			if f.Changed("active") {
				in.IsActive = &active
			}
			if f.Changed("expires") {
				t, err := parseExpiry(expires, time.Now())
				if err != nil {
					return err
				}
				in.ExpiresAt = &t
			}
			in.ClearExpiry = clearExpiry
			return runKeyUpdate(args[0], in)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	cmd.Flags().StringArrayVar(&perms, "perm", nil, "Replace permissions with METHOD:/path entries (repeatable)")
	cmd.Flags().StringVar(&template, "template", "", "Replace permissions with a template")
	cmd.Flags().IntVar(&rate, "rate-limit", 0, "Requests per minute")
	cmd.Flags().StringSliceVar(&ips, "ip", nil, "Replace the IP whitelist (repeatable)")
	cmd.Flags().BoolVar(&active, "active", true, "Enable or disable the key")
	cmd.Flags().StringVar(&expires, "expires", "", "New expiry as RFC 3339, YYYY-MM-DD, or a duration like 30d")
	cmd.Flags().BoolVar(&clearExpiry, "no-expiry", false, "Remove the expiry")
	cmd.MarkFlagsMutuallyExclusive("perm", "template")
	cmd.MarkFlagsMutuallyExclusive("expires", "no-expiry")

	return cmd
}

func runKeyUpdate(ref string, in service.UpdateKeyInput) error {
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
	updated, err := env.keys.Update(ctx, key.ID, in)
	if err != nil {
		return describeErr(err)
	}
	fmt.Println("API key updated:")
	printKey(updated)
	return nil
}

// ---------- key rotate ----------

func newKeyRotateCmd() *cobra.Command {
	var (
		grace  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "rotate <id-or-prefix>",
		Short: "Issue a successor key and keep the old one valid for a grace period",
		Long: `Rotate an API key. The new key inherits the old key's permissions, rate
limit, whitelist and expiry. The old key keeps working until the grace period
ends and is then revoked. A grace period of 0 revokes it immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRotate(args[0], grace, asJSON)
		},
	}

	cmd.Flags().IntVar(&grace, "grace-days", model.DefaultGracePeriodDays, "Days the old key stays valid (0-30)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	return cmd
}

func runKeyRotate(ref string, grace int, asJSON bool) error {
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
	res, err := env.rotations.Rotate(ctx, key.ID, service.RotateInput{
		GracePeriodDays: grace,
		RotatedBy:       "cli",
	})
	if err != nil {
		return describeErr(err)
	}

	if asJSON {
		return printJSON(os.Stdout, struct {
			NewKey   *model.APIKey         `json:"new_key"`
			Key      string                `json:"key"`
			Rotation *model.RotationRecord `json:"rotation"`
		}{res.NewKey, res.Secret, res.Rotation})
	}

	fmt.Println("API key rotated:")
	fmt.Println()
	fmt.Printf("  New key:   %s\n", res.Secret)
	fmt.Printf("  New ID:    %s\n", res.NewKey.ID)
	if grace == 0 {
		fmt.Printf("  Old key:   %s (revoked)\n", key.KeyPrefix)
	} else {
		fmt.Printf("  Old key:   %s valid until %s\n", key.KeyPrefix, formatTime(&res.Rotation.GraceExpiresAt))
	}
	fmt.Println()
	fmt.Println("  Save the new key now - it cannot be retrieved again.")
	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id-or-prefix>",
		Short: "Revoke an API key",
		Long:  "Permanently revoke an API key. The record and its usage history are kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}
}

func runKeyRevoke(ref string) error {
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
	if _, err := env.keys.Revoke(ctx, key.ID); err != nil {
		return describeErr(err)
	}
	fmt.Printf("API key %s (%s) revoked.\n", key.KeyPrefix, key.Name)
	return nil
}

// ---------- key delete ----------

func newKeyDeleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <id-or-prefix>",
		Short: "Delete an API key and its alert rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("deleting a key cannot be undone; re-run with --force or use 'valve key revoke'")
			}
			return runKeyDelete(args[0])
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Confirm deletion")
	return cmd
}

func runKeyDelete(ref string) error {
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
	if err := env.keys.Delete(ctx, key.ID); err != nil {
		return describeErr(err)
	}
	fmt.Printf("API key %s (%s) deleted.\n", key.KeyPrefix, key.Name)
	return nil
}
