package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/faucetdb/valve/internal/alert"
	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/service"
	"github.com/faucetdb/valve/internal/usage"
)

func newTestServer(t *testing.T, opts Options) (*MCPServer, *service.KeyService) {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys := service.NewKeyService(store, model.DefaultTemplates(), logger)
	s := NewMCPServer(Deps{
		Keys:      keys,
		Rotations: service.NewRotationManager(keys),
		Analytics: usage.NewAnalytics(store),
		Rules:     alert.NewRules(store),
	}, opts, logger)
	return s, keys
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return text.Text
}

func toolNames(t *testing.T, s *MCPServer) map[string]bool {
	t.Helper()
	msg := s.Server().HandleMessage(context.Background(), json.RawMessage(
		`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`))
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range resp.Result.Tools {
		names[tool.Name] = true
	}
	return names
}

func TestToolRegistration(t *testing.T) {
	readOnly, _ := newTestServer(t, Options{})
	names := toolNames(t, readOnly)
	for _, want := range []string{
		"valve_list_keys", "valve_get_key", "valve_check_permission", "valve_list_templates",
		"valve_usage_stats", "valve_usage_logs", "valve_list_alerts",
	} {
		if !names[want] {
			t.Errorf("tool %s not registered", want)
		}
	}
	if names["valve_revoke_key"] {
		t.Error("revoke tool must only be registered when allowed")
	}

	withRevoke, _ := newTestServer(t, Options{AllowRevoke: true})
	if !toolNames(t, withRevoke)["valve_revoke_key"] {
		t.Error("revoke tool missing with AllowRevoke")
	}
}

func TestListKeysNeverLeaksSecrets(t *testing.T) {
	s, keys := newTestServer(t, Options{})
	_, secret, err := keys.Create(context.Background(), service.CreateKeyInput{Name: "ci"})
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.handleListKeys(context.Background(), callRequest("valve_list_keys", nil))
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, res)
	if strings.Contains(text, secret) || strings.Contains(text, secret[12:]) {
		t.Error("secret material in tool output")
	}
	var items []keySummary
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || !items[0].FullAccess || items[0].KeyPrefix != secret[:12] {
		t.Errorf("items = %+v", items)
	}
}

func TestGetKey_NotFound(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	res, err := s.handleGetKey(context.Background(), callRequest("valve_get_key", map[string]interface{}{"key_id": "nope"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "not found") {
		t.Errorf("expected a not found tool error, got %+v", res)
	}
}

func TestCheckPermission(t *testing.T) {
	s, keys := newTestServer(t, Options{})
	ctx := context.Background()
	scoped, _, err := keys.Create(ctx, service.CreateKeyInput{
		Name:        "scoped",
		Permissions: []string{"GET:/api/users"},
		IPWhitelist: []string{"10.0.0.0/8"},
	})
	if err != nil {
		t.Fatal(err)
	}
	revoked, _, err := keys.Create(ctx, service.CreateKeyInput{Name: "gone"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := keys.Revoke(ctx, revoked.ID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		args        map[string]interface{}
		wantAllowed bool
		wantOutcome string
	}{
		{"granted", map[string]interface{}{"key_id": scoped.ID, "method": "get", "path": "/api/users"}, true, "allowed"},
		{"method denied", map[string]interface{}{"key_id": scoped.ID, "method": "DELETE", "path": "/api/users"}, false, "forbidden"},
		{"ip denied", map[string]interface{}{"key_id": scoped.ID, "method": "GET", "path": "/api/users", "ip": "192.168.0.1"}, false, "forbidden"},
		{"ip allowed", map[string]interface{}{"key_id": scoped.ID, "method": "GET", "path": "/api/users", "ip": "10.1.2.3"}, true, "allowed"},
		{"revoked", map[string]interface{}{"key_id": revoked.ID, "method": "GET", "path": "/x"}, false, "revoked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.handleCheckPermission(ctx, callRequest("valve_check_permission", tt.args))
			if err != nil {
				t.Fatal(err)
			}
			if res.IsError {
				t.Fatalf("tool error: %s", resultText(t, res))
			}
			var got permissionCheck
			if err := json.Unmarshal([]byte(resultText(t, res)), &got); err != nil {
				t.Fatal(err)
			}
			if got.Allowed != tt.wantAllowed || got.Outcome != tt.wantOutcome {
				t.Errorf("got %+v, want allowed=%v outcome=%s", got, tt.wantAllowed, tt.wantOutcome)
			}
		})
	}

	res, _ := s.handleCheckPermission(ctx, callRequest("valve_check_permission", map[string]interface{}{
		"key_id": scoped.ID, "method": "GET", "path": "api/users",
	}))
	if !res.IsError {
		t.Error("expected relative path to be rejected")
	}
}

func TestCheckPermission_RotationGrace(t *testing.T) {
	s, keys := newTestServer(t, Options{})
	ctx := context.Background()
	old, _, err := keys.Create(ctx, service.CreateKeyInput{Name: "svc"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.deps.Rotations.Rotate(ctx, old.ID, service.RotateInput{GracePeriodDays: 7}); err != nil {
		t.Fatal(err)
	}
	old, err = keys.Get(ctx, old.ID)
	if err != nil {
		t.Fatal(err)
	}

	inGrace, err := s.explain(ctx, old, "GET", "/x", "", time.Now())
	if err != nil || !inGrace.Allowed {
		t.Errorf("within grace: %+v, %v", inGrace, err)
	}
	after, err := s.explain(ctx, old, "GET", "/x", "", time.Now().AddDate(0, 0, 8))
	if err != nil || after.Allowed || after.Outcome != "revoked" {
		t.Errorf("after grace: %+v, %v", after, err)
	}
}

func TestRevokeKey(t *testing.T) {
	s, keys := newTestServer(t, Options{AllowRevoke: true})
	ctx := context.Background()
	key, _, err := keys.Create(ctx, service.CreateKeyInput{Name: "leaked"})
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.handleRevokeKey(ctx, callRequest("valve_revoke_key", map[string]interface{}{"key_id": key.ID}))
	if err != nil || res.IsError {
		t.Fatalf("revoke: %v %+v", err, res)
	}
	res, _ = s.handleRevokeKey(ctx, callRequest("valve_revoke_key", map[string]interface{}{"key_id": key.ID}))
	if !res.IsError || !strings.Contains(resultText(t, res), "already revoked") {
		t.Errorf("second revoke = %+v", res)
	}
}

func TestUsageStats_ClampsArguments(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	res, err := s.handleUsageStats(context.Background(), callRequest("valve_usage_stats", map[string]interface{}{
		"days": 5000, "top": 0,
	}))
	if err != nil || res.IsError {
		t.Fatalf("usage stats: %v %+v", err, res)
	}
	var stats model.UsageStats
	if err := json.Unmarshal([]byte(resultText(t, res)), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.PeriodDays != 365 {
		t.Errorf("period_days = %d, want 365", stats.PeriodDays)
	}
}

func TestKeyResource(t *testing.T) {
	s, keys := newTestServer(t, Options{})
	key, _, err := keys.Create(context.Background(), service.CreateKeyInput{Name: "res"})
	if err != nil {
		t.Fatal(err)
	}

	var req mcp.ReadResourceRequest
	req.Params.URI = keyURIPrefix + key.ID
	contents, err := s.handleKeyResource(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	if !strings.Contains(text, key.ID) || !strings.Contains(text, `"rotations": []`) {
		t.Errorf("resource = %s", text)
	}

	req.Params.URI = "valve://other/x"
	if _, err := s.handleKeyResource(context.Background(), req); err == nil {
		t.Error("expected an error for a foreign URI")
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name     string
		val      int
		min      int
		max      int
		expected int
	}{
		{"value in range", 5, 1, 10, 5},
		{"value below min", -3, 1, 10, 1},
		{"value above max", 15, 1, 10, 10},
		{"value equals min", 1, 1, 10, 1},
		{"value equals max", 10, 1, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clamp(tt.val, tt.min, tt.max)
			if got != tt.expected {
				t.Errorf("clamp(%d, %d, %d) = %d, want %d", tt.val, tt.min, tt.max, got, tt.expected)
			}
		})
	}
}

func TestAnnotations(t *testing.T) {
	ro := readOnlyAnnotation()
	if ro.ReadOnlyHint == nil || !*ro.ReadOnlyHint {
		t.Error("read-only annotation must set ReadOnlyHint")
	}
	d := destructiveAnnotation()
	if d.ReadOnlyHint == nil || *d.ReadOnlyHint || d.DestructiveHint == nil || !*d.DestructiveHint {
		t.Errorf("destructive annotation = %+v", d)
	}
}
