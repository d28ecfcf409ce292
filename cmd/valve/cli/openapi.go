package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/faucetdb/valve/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var (
		outputFile string
		baseURL    string
		format     string
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI document",
		Long: `Generate the OpenAPI 3.1 document describing the management API and the
forward-auth endpoint. The same document is served at /openapi.json.`,
		Example: `  valve openapi                         # JSON to stdout
  valve openapi -o valve-api.yaml --format yaml
  valve openapi --base-url https://keys.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpenAPI(outputFile, baseURL, format)
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the document to a file instead of stdout")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Server URL to advertise in the document")
	cmd.Flags().StringVar(&format, "format", "", "Output format: json or yaml (default from file extension, else json)")

	return cmd
}

func runOpenAPI(outputFile, baseURL, format string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	doc := openapi.Generate(openapi.Options{
		BaseURL:      baseURL,
		Version:      versionString(),
		APIKeyHeader: cfg.Auth.APIKeyHeader,
	})

	if format == "" {
		format = "json"
		if strings.HasSuffix(outputFile, ".yaml") || strings.HasSuffix(outputFile, ".yml") {
			format = "yaml"
		}
	}

	var data []byte
	switch format {
	case "json":
		data, err = json.MarshalIndent(doc, "", "  ")
	case "yaml":
		// Round-trip through JSON so the YAML honours the document's JSON
		// field names.
		var raw []byte
		if raw, err = json.Marshal(doc); err == nil {
			var tree interface{}
			if err = yaml.Unmarshal(raw, &tree); err == nil {
				data, err = yaml.Marshal(tree)
			}
		}
	default:
		return fmt.Errorf("unknown format %q (want json or yaml)", format)
	}
	if err != nil {
		return fmt.Errorf("encode openapi document: %w", err)
	}

	if outputFile == "" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(outputFile, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", outputFile, err)
	}
	fmt.Printf("OpenAPI document written to %s\n", outputFile)
	return nil
}
