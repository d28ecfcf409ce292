package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/faucetdb/valve/internal/model"
)

func newTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "template",
		Aliases: []string{"templates"},
		Short:   "Inspect permission templates",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List the permission templates keys can be created from",
		Long:  "List built-in templates plus those defined under templates: in the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			table, err := model.NewTemplateTable(cfg.Templates)
			if err != nil {
				return fmt.Errorf("load templates: %w", err)
			}
			templates := table.List()
			if asJSON {
				return printJSON(os.Stdout, templates)
			}
			for _, t := range templates {
				perms := "full access"
				if !t.Permissions.FullAccess() {
					perms = strings.Join(t.Permissions.Strings(), ", ")
				}
				fmt.Printf("%s\n  %s\n  %s\n\n", t.Name, t.Description, perms)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.AddCommand(list)

	return cmd
}
