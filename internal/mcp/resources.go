package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	keysURI      = "valve://keys"
	templatesURI = "valve://templates"
	keyURIPrefix = "valve://key/"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			keysURI,
			"API Keys",
			mcp.WithResourceDescription(
				"All API keys managed by valve with their state, permissions and rate limit. "+
					"Secrets and hashes are never included.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleKeysResource,
	)

	srv.AddResource(
		mcp.NewResource(
			templatesURI,
			"Permission Templates",
			mcp.WithResourceDescription("Named permission sets available when issuing keys."),
			mcp.WithMIMEType("application/json"),
		),
		s.handleTemplatesResource,
	)

	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			keyURIPrefix+"{id}",
			"API Key",
			mcp.WithTemplateDescription("One API key with its rotation history."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleKeyResource,
	)
}

func (s *MCPServer) handleKeysResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	keys, err := s.deps.Keys.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	now := time.Now()
	items := make([]keySummary, len(keys))
	for i := range keys {
		items[i] = summarize(&keys[i], keys[i].IsExpired(now))
	}
	return jsonContents(keysURI, items)
}

func (s *MCPServer) handleTemplatesResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonContents(templatesURI, s.deps.Keys.Templates().List())
}

// handleKeyResource serves "valve://key/{id}".
func (s *MCPServer) handleKeyResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	id := strings.TrimPrefix(uri, keyURIPrefix)
	if id == "" || id == uri {
		return nil, fmt.Errorf("invalid key URI %q: expected %s{id}", uri, keyURIPrefix)
	}

	key, err := s.deps.Keys.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", id, err)
	}
	history, err := s.deps.Rotations.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("rotation history of %q: %w", id, err)
	}
	return jsonContents(uri, map[string]interface{}{
		"key":       summarize(key, key.IsExpired(time.Now())),
		"rotations": history,
	})
}

func jsonContents(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
