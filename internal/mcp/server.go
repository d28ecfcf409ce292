package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/faucetdb/valve/internal/alert"
	"github.com/faucetdb/valve/internal/service"
	"github.com/faucetdb/valve/internal/usage"
)

// Deps are the components the MCP tools read from.
type Deps struct {
	Keys      *service.KeyService
	Rotations *service.RotationManager
	Analytics *usage.Analytics
	Rules     *alert.Rules
}

// Options tune what agents may do.
type Options struct {
	Version string
	// AllowRevoke registers the valve_revoke_key tool. Everything else is
	// read-only.
	AllowRevoke bool
}

// MCPServer wraps the mcp-go server with valve's tool and resource
// registrations. It lets AI agents inspect keys, usage and alert rules
// without going through the management API.
type MCPServer struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates an MCPServer pre-loaded with all valve tools and
// resources. The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(deps Deps, opts Options, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &MCPServer{
		deps:   deps,
		opts:   opts,
		logger: logger,
	}

	mcpServer := server.NewMCPServer(
		"Valve API Key Gate",
		opts.Version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode, the integration path for
// clients that launch the server as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP starts the MCP server in Streamable HTTP mode, listening on
// the given address (e.g. ":3001").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func destructiveAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
