package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/service"
)

// --------------------------------------------------------------------------
// Parameter extraction helpers
// --------------------------------------------------------------------------

// requireString extracts a required, non-blank string argument.
func requireString(request mcp.CallToolRequest, key string) (string, error) {
	val, err := request.RequireString(key)
	if err != nil || strings.TrimSpace(val) == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return strings.TrimSpace(val), nil
}

// optionalString extracts an optional string argument.
func optionalString(request mcp.CallToolRequest, key string) string {
	return strings.TrimSpace(request.GetString(key, ""))
}

// optionalInt extracts an optional integer argument.
func optionalInt(request mcp.CallToolRequest, key string, defaultVal int) int {
	return request.GetInt(key, defaultVal)
}

// --------------------------------------------------------------------------
// Response builders
// --------------------------------------------------------------------------

// successJSON marshals data to JSON and returns it as a tool result.
func successJSON(data interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError returns a tool-level error result. Errors returned this way are
// visible to the LLM so it can self-correct; they do NOT terminate the MCP
// session.
func toolError(format string, args ...interface{}) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}

// serviceError turns a service error into a tool error an agent can act on.
func serviceError(what string, err error) (*mcp.CallToolResult, error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		fields := make([]string, 0, len(verr.Fields))
		for f, msg := range verr.Fields {
			fields = append(fields, f+": "+msg)
		}
		sort.Strings(fields)
		return toolError("%s: invalid arguments (%s)", what, strings.Join(fields, "; "))
	case errors.Is(err, service.ErrNotFound):
		return toolError("%s: not found. Use valve_list_keys to see existing key ids.", what)
	case errors.Is(err, service.ErrRevoked):
		return toolError("%s: the key is already revoked", what)
	case errors.Is(err, service.ErrExpired):
		return toolError("%s: the key is expired", what)
	}
	return toolError("%s: %v", what, err)
}

// keySummary is the agent-facing view of a key. The hash never leaves the
// store, and the secret is never known after issuance.
type keySummary struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	KeyPrefix   string         `json:"key_prefix"`
	State       model.KeyState `json:"state"`
	IsActive    bool           `json:"is_active"`
	Permissions []string       `json:"permissions"`
	FullAccess  bool           `json:"full_access"`
	RateLimit   int            `json:"rate_limit"`
	IPWhitelist []string       `json:"ip_whitelist,omitempty"`
	Expired     bool           `json:"expired"`
	ExpiresAt   *time.Time     `json:"expires_at"`
	UsageCount  int64          `json:"usage_count"`
	LastUsedAt  *time.Time     `json:"last_used_at"`
}

func summarize(k *model.APIKey, expired bool) keySummary {
	perms := k.Permissions.Strings()
	if perms == nil {
		perms = []string{}
	}
	return keySummary{
		ID:          k.ID,
		Name:        k.Name,
		KeyPrefix:   k.KeyPrefix,
		State:       k.State,
		IsActive:    k.IsActive,
		Permissions: perms,
		FullAccess:  k.FullAccess(),
		RateLimit:   k.RateLimit,
		IPWhitelist: k.IPWhitelist,
		Expired:     expired,
		ExpiresAt:   k.ExpiresAt,
		UsageCount:  k.UsageCount,
		LastUsedAt:  k.LastUsedAt,
	}
}

// clamp constrains val to [min, max].
func clamp(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
