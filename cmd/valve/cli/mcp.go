package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/faucetdb/valve/internal/alert"
	vmcp "github.com/faucetdb/valve/internal/mcp"
	"github.com/faucetdb/valve/internal/usage"
)

func newMCPCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that lets AI agents list keys,
check permissions and read usage analytics. Supports stdio (default) and HTTP
transports.

In stdio mode, the MCP server communicates over stdin/stdout using JSON-RPC,
suitable for direct integration with desktop MCP clients.

In HTTP mode, the server listens on the specified port for streamable HTTP
connections.

Revoking keys is only offered when mcp.allow_revoke is enabled.`,
		Example: `  valve mcp                              # stdio mode
  valve mcp --transport http --port 3001   # HTTP mode
  valve mcp --allow-revoke                 # expose valve_revoke_key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(port)
		},
	}

	cmd.Flags().String("transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")
	cmd.Flags().Bool("allow-revoke", false, "Register the key revocation tool")

	viper.BindPFlag("mcp.transport", cmd.Flags().Lookup("transport"))
	viper.BindPFlag("mcp.allow_revoke", cmd.Flags().Lookup("allow-revoke"))

	return cmd
}

func runMCP(port int) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	cfg := env.cfg
	if !cfg.MCP.Enabled {
		return fmt.Errorf("the MCP server is disabled (set mcp.enabled: true)")
	}
	// stdout carries the protocol in stdio mode.
	logger := newLogger(cfg.Logging, os.Stderr)

	mcpSrv := vmcp.NewMCPServer(vmcp.Deps{
		Keys:      env.keys,
		Rotations: env.rotations,
		Analytics: usage.NewAnalytics(env.store),
		Rules:     alert.NewRules(env.store),
	}, vmcp.Options{
		Version:     versionString(),
		AllowRevoke: cfg.MCP.AllowRevoke,
	}, logger)

	switch cfg.MCP.Transport {
	case "", "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		addr := fmt.Sprintf(":%d", port)
		logger.Info("starting MCP HTTP server", "addr", addr, "allow_revoke", cfg.MCP.AllowRevoke)
		return mcpSrv.ServeHTTP(addr)
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", cfg.MCP.Transport)
	}
}
