package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/ratelimit"
	"github.com/faucetdb/valve/internal/server/middleware"
	"github.com/faucetdb/valve/internal/service"
	"github.com/faucetdb/valve/internal/usage"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const testAdminEmail = "ops@example.com"

type testEnv struct {
	router chi.Router
	keys   *service.KeyService
	store  *config.Store
}

// newTestEnv wires the key and forward-auth handlers onto a bare router. A
// fake admin principal is attached to every request.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys := service.NewKeyService(store, model.DefaultTemplates(), logger)
	rotations := service.NewRotationManager(keys)
	guard := service.NewGuard(keys, rotations, ratelimit.NewSlidingWindow(time.Minute), nil)
	gate := middleware.NewGate(guard, nil, "", logger)

	kh := NewKeyHandler(keys, rotations, usage.NewAnalytics(store))
	ac := NewAuthCheckHandler(gate)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := &middleware.Principal{Type: "admin", AdminID: "a1", Email: testAdminEmail, IsAdmin: true}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), middleware.AuthPrincipalKey, p)))
		})
	})
	r.Post("/api-key", kh.CreateAPIKey)
	r.Get("/api-key/{id}", kh.GetAPIKey)
	r.Patch("/api-key/{id}", kh.UpdateAPIKey)
	r.Post("/api-key/{id}/rotate", kh.RotateAPIKey)
	r.Get("/api-key/{id}/usage", kh.KeyUsage)
	r.Get("/template", kh.ListTemplates)
	r.Get("/auth/check", ac.Check)
	r.Get("/echo", Echo)

	return &testEnv{router: r, keys: keys, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

func (e *testEnv) createKey(t *testing.T, body string) map[string]interface{} {
	t.Helper()
	rr := e.do(t, "POST", "/api-key", body, nil)
	assertStatus(t, rr, http.StatusCreated)
	var resp map[string]interface{}
	decodeJSON(t, rr, &resp)
	return resp
}

// ---------------------------------------------------------------------------
// Key handler tests
// ---------------------------------------------------------------------------

func TestCreateAPIKey_Response(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createKey(t, `{"name":"ci","permissions":["GET:/builds"]}`)

	if resp["created_by"] != testAdminEmail {
		t.Errorf("created_by = %v, want %s", resp["created_by"], testAdminEmail)
	}
	if resp["state"] != "active" || resp["is_active"] != true {
		t.Errorf("state = %v is_active = %v", resp["state"], resp["is_active"])
	}
	perms, _ := resp["permissions"].([]interface{})
	if len(perms) != 1 || perms[0] != "GET:/builds" {
		t.Errorf("permissions = %v, want [GET:/builds]", resp["permissions"])
	}
	if wl, ok := resp["ip_whitelist"].([]interface{}); !ok || len(wl) != 0 {
		t.Errorf("ip_whitelist = %v, want []", resp["ip_whitelist"])
	}
	if _, ok := resp["key_hash"]; ok {
		t.Error("key hash must never be returned")
	}
}

func TestCreateAPIKey_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "POST", "/api-key", `{not json`, nil)
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestUpdateAPIKey_Expiry(t *testing.T) {
	env := newTestEnv(t)
	future := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	created := env.createKey(t, `{"name":"temp","expires_at":"`+future+`"}`)
	id := created["id"].(string)

	// Omitting expires_at keeps it.
	rr := env.do(t, "PATCH", "/api-key/"+id, `{"description":"still temporary"}`, nil)
	assertStatus(t, rr, http.StatusOK)
	var resp map[string]interface{}
	decodeJSON(t, rr, &resp)
	if resp["expires_at"] == nil {
		t.Fatal("expires_at cleared by an unrelated update")
	}

	// An explicit null clears it.
	rr = env.do(t, "PATCH", "/api-key/"+id, `{"expires_at":null}`, nil)
	assertStatus(t, rr, http.StatusOK)
	resp = nil
	decodeJSON(t, rr, &resp)
	if resp["expires_at"] != nil {
		t.Errorf("expires_at = %v, want null", resp["expires_at"])
	}
}

func TestRotateAPIKey_EmptyBodyUsesDefaultGrace(t *testing.T) {
	env := newTestEnv(t)
	created := env.createKey(t, `{"name":"svc"}`)
	id := created["id"].(string)

	rr := env.do(t, "POST", "/api-key/"+id+"/rotate", "", nil)
	assertStatus(t, rr, http.StatusCreated)

	var resp struct {
		ID       string               `json:"id"`
		APIKey   string               `json:"api_key"`
		Rotation model.RotationRecord `json:"rotation"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Rotation.GracePeriodDays != model.DefaultGracePeriodDays {
		t.Errorf("grace_period_days = %d, want %d", resp.Rotation.GracePeriodDays, model.DefaultGracePeriodDays)
	}
	if resp.Rotation.RotatedBy != testAdminEmail {
		t.Errorf("rotated_by = %q", resp.Rotation.RotatedBy)
	}
	if resp.APIKey == "" || resp.ID == id {
		t.Errorf("expected a new key, got %+v", resp)
	}

	old, err := env.keys.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if old.State != model.KeyStateRotating {
		t.Errorf("old key state = %s, want rotating", old.State)
	}
}

func TestKeyUsage_Params(t *testing.T) {
	env := newTestEnv(t)
	id := env.createKey(t, `{"name":"svc"}`)["id"].(string)

	rr := env.do(t, "GET", "/api-key/"+id+"/usage", "", nil)
	assertStatus(t, rr, http.StatusOK)
	var stats model.UsageStats
	decodeJSON(t, rr, &stats)
	if stats.PeriodDays != defaultStatsDays || stats.TotalRequests != 0 {
		t.Errorf("stats = %+v", stats)
	}

	for _, q := range []string{"days=366", "days=x", "top=0x"} {
		rr = env.do(t, "GET", "/api-key/"+id+"/usage?"+q, "", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("usage?%s = %d, want 400", q, rr.Code)
		}
	}
}

func TestListTemplates_Handler(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/template", "", nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Resource []map[string]interface{} `json:"resource"`
		Meta     model.ResponseMeta         `json:"meta"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Meta.Count != 3 {
		t.Errorf("count = %d, want 3", resp.Meta.Count)
	}
	for _, tpl := range resp.Resource {
		if tpl["name"] == model.TemplateFullAccess && tpl["full_access"] != true {
			t.Errorf("full_access template not flagged: %v", tpl)
		}
	}
}

// ---------------------------------------------------------------------------
// Forward-auth tests
// ---------------------------------------------------------------------------

func TestAuthCheck_RequestValidation(t *testing.T) {
	env := newTestEnv(t)
	secret := func() string {
		_, s, err := env.keys.Create(context.Background(), service.CreateKeyInput{Name: "proxy"})
		if err != nil {
			t.Fatal(err)
		}
		return s
	}()

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing uri", map[string]string{"X-API-Key": secret}, http.StatusBadRequest},
		{"relative uri", map[string]string{"X-API-Key": secret, OriginalURIHeader: "orders"}, http.StatusBadRequest},
		{"method defaults to request", map[string]string{"X-API-Key": secret, OriginalURIHeader: "/orders"}, http.StatusNoContent},
		{"bearer fallback", map[string]string{"Authorization": "Bearer " + secret, OriginalURIHeader: "/orders"}, http.StatusNoContent},
		{"no credentials", map[string]string{OriginalURIHeader: "/orders"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "GET", "/auth/check", "", tt.headers)
			assertStatus(t, rr, tt.want)
			if tt.want == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("expected WWW-Authenticate on 401")
			}
			if tt.want == http.StatusNoContent && rr.Header().Get(KeyIDHeader) == "" {
				t.Errorf("expected %s on success", KeyIDHeader)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Echo
// ---------------------------------------------------------------------------

func TestEcho(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/echo", "", nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]interface{}
	decodeJSON(t, rr, &resp)
	if resp["method"] != "GET" || resp["endpoint"] != "/echo" {
		t.Errorf("echo = %v", resp)
	}
}
