package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/faucetdb/valve/internal/service"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin accounts",
		Long:  "Create and list admin accounts that log in to the management API.",
	}

	cmd.AddCommand(newAdminCreateCmd())
	cmd.AddCommand(newAdminListCmd())

	return cmd
}

// ---------- admin create ----------

func newAdminCreateCmd() *cobra.Command {
	var (
		email    string
		password string
		name     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new admin account",
		Long:  "Create a new admin account. If --password is omitted you will be prompted for it.",
		Example: `  valve admin create --email ops@example.com
  valve admin create --email ops@example.com --name "Ops" --password s3cret-pass`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminCreate(email, password, name)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Admin email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Admin password (prompted if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.MarkFlagRequired("email")

	return cmd
}

func runAdminCreate(email, password, name string) error {
	if password == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("--password is required when stdin is not a terminal")
		}
		fmt.Print("Password: ")
		pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = string(pwBytes)

		fmt.Print("Confirm password: ")
		confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read password confirmation: %w", err)
		}
		if password != string(confirmBytes) {
			return fmt.Errorf("passwords do not match")
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// No session is issued here, so the signing secret is never used.
	authSvc := service.NewAuthService(store, cfg.Auth.JWTSecret, 0)
	admin, err := authSvc.CreateAdmin(context.Background(), email, password, name)
	if err != nil {
		return describeErr(err)
	}

	fmt.Println("Admin account created:")
	fmt.Printf("  ID:    %s\n", admin.ID)
	fmt.Printf("  Email: %s\n", admin.Email)
	if admin.Name != "" {
		fmt.Printf("  Name:  %s\n", admin.Name)
	}
	return nil
}

// ---------- admin list ----------

func newAdminListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List admin accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func runAdminList(jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	admins, err := store.ListAdmins(context.Background())
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}

	if jsonOutput {
		return printJSON(os.Stdout, admins)
	}

	if len(admins) == 0 {
		fmt.Println("No admin accounts. Create one with: valve admin create --email <email>")
		return nil
	}

	fmt.Printf("%-36s  %-30s  %-20s  %-8s  %s\n", "ID", "EMAIL", "NAME", "ACTIVE", "LAST LOGIN")
	fmt.Printf("%-36s  %-30s  %-20s  %-8s  %s\n",
		strings.Repeat("-", 36), strings.Repeat("-", 30), strings.Repeat("-", 20), strings.Repeat("-", 8), strings.Repeat("-", 16))
	for _, a := range admins {
		active := "yes"
		if !a.IsActive {
			active = "no"
		}
		fmt.Printf("%-36s  %-30s  %-20s  %-8s  %s\n",
			a.ID, truncate(a.Email, 30), truncate(a.Name, 20), active, formatTime(a.LastLoginAt))
	}
	return nil
}
