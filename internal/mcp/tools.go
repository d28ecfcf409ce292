package mcp

import (
	"context"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/service"
	"github.com/faucetdb/valve/internal/usage"
)

// registerTools registers all valve MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Key inspection -----

	srv.AddTool(
		mcp.NewTool("valve_list_keys",
			mcp.WithDescription(
				"List API keys with their prefix, lifecycle state, permissions and rate "+
					"limit. Secrets are never returned. Use this first to discover key ids.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("state",
				mcp.Description("Only return keys in this state"),
				mcp.Enum("active", "rotating", "revoked"),
			),
		),
		s.handleListKeys,
	)

	srv.AddTool(
		mcp.NewTool("valve_get_key",
			mcp.WithDescription(
				"Get one API key with its rotation history. Permissions are METHOD:/path "+
					"grants; an empty list means full access.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("ID of the key"),
			),
		),
		s.handleGetKey,
	)

	srv.AddTool(
		mcp.NewTool("valve_check_permission",
			mcp.WithDescription(
				"Explain whether a key would be allowed to call METHOD path right now. "+
					"Checks state, expiry, grace period, IP whitelist and permissions. "+
					"Does not consume rate limit capacity and records no usage.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("ID of the key"),
			),
			mcp.WithString("method",
				mcp.Required(),
				mcp.Description("HTTP method, e.g. GET"),
			),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Request path, e.g. /api/users"),
			),
			mcp.WithString("ip",
				mcp.Description("Client IP to test against the whitelist"),
			),
		),
		s.handleCheckPermission,
	)

	srv.AddTool(
		mcp.NewTool("valve_list_templates",
			mcp.WithDescription("List the permission templates keys can be created from."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListTemplates,
	)

	// ----- Analytics -----

	srv.AddTool(
		mcp.NewTool("valve_usage_stats",
			mcp.WithDescription(
				"Aggregated usage over the last N days: total requests, counts by status "+
					"code, top endpoints and average latency. Omit key_id for all keys.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("key_id",
				mcp.Description("Restrict to one key"),
			),
			mcp.WithNumber("days",
				mcp.Description("Look-back period in days (default 7, max 365)"),
			),
			mcp.WithNumber("top",
				mcp.Description("Number of endpoints to return (default 10, max 100)"),
			),
		),
		s.handleUsageStats,
	)

	srv.AddTool(
		mcp.NewTool("valve_usage_logs",
			mcp.WithDescription(
				"Recent usage events, newest first. Filter by key, endpoint substring, "+
					"method or status code.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("key_id", mcp.Description("Restrict to one key")),
			mcp.WithString("endpoint", mcp.Description("Substring of the endpoint path")),
			mcp.WithString("method", mcp.Description("HTTP method")),
			mcp.WithNumber("status", mcp.Description("Exact status code, e.g. 429")),
			mcp.WithNumber("limit", mcp.Description("Maximum events (default 50, max 1000)")),
		),
		s.handleUsageLogs,
	)

	// ----- Alerts -----

	srv.AddTool(
		mcp.NewTool("valve_list_alerts",
			mcp.WithDescription(
				"List alert rules with their threshold, last trigger time and trigger count.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("key_id", mcp.Description("Restrict to one key")),
		),
		s.handleListAlerts,
	)

	// ----- Mutations (opt-in) -----

	if s.opts.AllowRevoke {
		srv.AddTool(
			mcp.NewTool("valve_revoke_key",
				mcp.WithDescription(
					"Permanently revoke an API key. The key stops authenticating at once "+
						"and cannot be reactivated. Confirm with the user before calling.",
				),
				mcp.WithToolAnnotation(destructiveAnnotation()),
				mcp.WithString("key_id",
					mcp.Required(),
					mcp.Description("ID of the key to revoke"),
				),
			),
			s.handleRevokeKey,
		)
	}
}

// =========================================================================
// Tool handlers
// =========================================================================

func (s *MCPServer) handleListKeys(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keys, err := s.deps.Keys.List(ctx, model.KeyState(optionalString(request, "state")))
	if err != nil {
		return serviceError("List keys", err)
	}
	now := time.Now()
	items := make([]keySummary, len(keys))
	for i := range keys {
		items[i] = summarize(&keys[i], keys[i].IsExpired(now))
	}
	return successJSON(items)
}

func (s *MCPServer) handleGetKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}
	key, err := s.deps.Keys.Get(ctx, id)
	if err != nil {
		return serviceError("Get key "+id, err)
	}
	history, err := s.deps.Rotations.History(ctx, id)
	if err != nil {
		return serviceError("Rotation history of "+id, err)
	}
	return successJSON(map[string]interface{}{
		"key":       summarize(key, key.IsExpired(time.Now())),
		"rotations": history,
	})
}

// permissionCheck is the result of valve_check_permission.
type permissionCheck struct {
	Allowed bool   `json:"allowed"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
}

func (s *MCPServer) handleCheckPermission(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}
	method, err := requireString(request, "method")
	if err != nil {
		return toolError("%v", err)
	}
	path, err := requireString(request, "path")
	if err != nil {
		return toolError("%v", err)
	}
	if !strings.HasPrefix(path, "/") {
		return toolError("path must start with '/', got %q", path)
	}

	key, err := s.deps.Keys.Get(ctx, id)
	if err != nil {
		return serviceError("Get key "+id, err)
	}
	res, err := s.explain(ctx, key, strings.ToUpper(method), path, optionalString(request, "ip"), time.Now())
	if err != nil {
		return toolError("Check permission: %v", err)
	}
	return successJSON(res)
}

// explain walks the same checks as the request pipeline, in the same order,
// without touching rate limit state.
func (s *MCPServer) explain(ctx context.Context, key *model.APIKey, method, path, ip string, now time.Time) (permissionCheck, error) {
	deny := func(cause error, reason string) (permissionCheck, error) {
		return permissionCheck{Outcome: service.Outcome(cause), Reason: reason}, nil
	}
	switch {
	case key.State == model.KeyStateRevoked:
		return deny(service.ErrRevoked, "key is revoked")
	case !key.IsActive:
		return deny(service.ErrRevoked, "key is deactivated")
	case key.IsExpired(now):
		return deny(service.ErrExpired, "key expired at "+key.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if key.State == model.KeyStateRotating {
		history, err := s.deps.Rotations.History(ctx, key.ID)
		if err != nil {
			return permissionCheck{}, err
		}
		inGrace := false
		for _, rec := range history {
			if rec.OldKeyID == key.ID && rec.InGrace(now) {
				inGrace = true
			}
		}
		if !inGrace {
			return deny(service.ErrRevoked, "rotation grace period has ended")
		}
	}
	if ip != "" && !service.IPAllowed(key, ip) {
		return deny(service.ErrForbidden, "IP "+ip+" is not in the key's whitelist")
	}
	if !service.Authorize(key, method, path) {
		return deny(service.ErrForbidden, "no permission grants "+method+":"+path)
	}

	reason := "granted by " + method + ":" + path
	if key.FullAccess() {
		reason = "key has full access"
	}
	return permissionCheck{Allowed: true, Outcome: service.Outcome(nil), Reason: reason}, nil
}

func (s *MCPServer) handleListTemplates(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successJSON(s.deps.Keys.Templates().List())
}

func (s *MCPServer) handleUsageStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keyID := optionalString(request, "key_id")
	days := clamp(optionalInt(request, "days", 7), 1, usage.MaxStatsDays)
	top := clamp(optionalInt(request, "top", usage.DefaultTopN), 1, usage.MaxTopN)

	if keyID != "" {
		if _, err := s.deps.Keys.Get(ctx, keyID); err != nil {
			return serviceError("Get key "+keyID, err)
		}
	}
	stats, err := s.deps.Analytics.Stats(ctx, keyID, days, top)
	if err != nil {
		return serviceError("Usage stats", err)
	}
	return successJSON(stats)
}

func (s *MCPServer) handleUsageLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	events, total, err := s.deps.Analytics.Logs(ctx, model.UsageLogFilter{
		KeyID:      optionalString(request, "key_id"),
		Endpoint:   optionalString(request, "endpoint"),
		Method:     strings.ToUpper(optionalString(request, "method")),
		StatusCode: optionalInt(request, "status", 0),
		Limit:      clamp(optionalInt(request, "limit", usage.DefaultLogLimit), 1, usage.MaxLogLimit),
	})
	if err != nil {
		return serviceError("Usage logs", err)
	}
	return successJSON(map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

func (s *MCPServer) handleListAlerts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rules, err := s.deps.Rules.List(ctx, optionalString(request, "key_id"))
	if err != nil {
		return serviceError("List alert rules", err)
	}
	if rules == nil {
		rules = []model.AlertRule{}
	}
	return successJSON(rules)
}

func (s *MCPServer) handleRevokeKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}
	key, err := s.deps.Keys.Revoke(ctx, id)
	if err != nil {
		return serviceError("Revoke key "+id, err)
	}
	s.logger.Info("api key revoked over MCP", "key_id", id)
	return successJSON(summarize(key, false))
}
