package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/ratelimit"
	"github.com/faucetdb/valve/internal/service"
	"github.com/faucetdb/valve/internal/usage"
)

// ---------------------------------------------------------------------------
// RequestID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDGeneratesUUID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("expected non-empty request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	respID := rr.Header().Get(RequestIDHeader)
	// UUID v7 format check: 36 chars with dashes
	if len(respID) != 36 {
		t.Errorf("expected UUID-length request ID, got %q (len=%d)", respID, len(respID))
	}
}

func TestRequestIDClientValues(t *testing.T) {
	tests := []struct {
		name string
		id   string
		keep bool
	}{
		{"simple", "my-custom-trace-id-123", true},
		{"max length", strings.Repeat("a", 128), true},
		{"too long", strings.Repeat("a", 129), false},
		{"contains space", "trace id", false},
		{"control char", "trace\x01id", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))
			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set(RequestIDHeader, tt.id)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if got := rr.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("header %q and context %q differ", got, seen)
			}
			if (seen == tt.id) != tt.keep {
				t.Errorf("keep = %v, got id %q", !tt.keep, seen)
			}
		})
	}
}

func TestGetRequestIDEmptyContext(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("expected empty string from bare context, got %q", id)
	}
}

// ---------------------------------------------------------------------------
// Admin authentication tests
// ---------------------------------------------------------------------------

func newTestAuth(t *testing.T) *service.AuthService {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return service.NewAuthService(store, "middleware-test-secret", time.Hour)
}

func TestAuthenticate(t *testing.T) {
	auth := newTestAuth(t)
	token, err := auth.IssueJWT(context.Background(), "admin-1", "ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"lower-case scheme", "bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"garbage token", "Bearer not.a.jwt", http.StatusUnauthorized},
		{"api key instead of jwt", "Bearer vlv_0123", http.StatusUnauthorized},
		{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *Principal
			handler := Authenticate(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = GetPrincipal(r.Context())
			}))
			req := httptest.NewRequest("GET", "/api/v1/system/api-key", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("status: got %d, want %d", rr.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			if got == nil || got.AdminID != "admin-1" || got.Email != "ops@example.com" || !got.IsAdmin {
				t.Errorf("principal: got %+v", got)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name      string
		principal *Principal
		want      int
	}{
		{"admin", &Principal{Type: "admin", AdminID: "a1", IsAdmin: true}, http.StatusOK},
		{"api key principal", &Principal{Type: "api_key", KeyID: "k1"}, http.StatusForbidden},
		{"anonymous", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireAdmin()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest("GET", "/admin", nil)
			if tt.principal != nil {
				req = req.WithContext(context.WithValue(req.Context(), AuthPrincipalKey, tt.principal))
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status: got %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestRateLimitPerIP(t *testing.T) {
	handler := RateLimit(2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/v1/system/admin/session", nil)
		req.RemoteAddr = "198.51.100.4:5000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes: got %v", codes)
	}

	// A different client still has its own budget.
	req := httptest.NewRequest("POST", "/api/v1/system/admin/session", nil)
	req.RemoteAddr = "198.51.100.5:5000"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("other client: got %d", rr.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	handler := RateLimit(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 10; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("request %d: got %d", i, rr.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// API key gate tests
// ---------------------------------------------------------------------------

type memoryWriter struct {
	mu     sync.Mutex
	events []model.UsageEvent
}

func (m *memoryWriter) InsertUsageEvents(_ context.Context, events []model.UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *memoryWriter) all() []model.UsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.UsageEvent(nil), m.events...)
}

type gateFixture struct {
	keys     *service.KeyService
	gate     *Gate
	recorder *usage.Recorder
	events   *memoryWriter
}

func newTestGate(t *testing.T) *gateFixture {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	keys := service.NewKeyService(store, model.DefaultTemplates(), nil)
	guard := service.NewGuard(keys, service.NewRotationManager(keys), ratelimit.NewSlidingWindow(time.Minute), nil)

	events := &memoryWriter{}
	rec := usage.NewRecorder(events, usage.RecorderConfig{FlushInterval: time.Hour})
	rec.Start()
	t.Cleanup(rec.Shutdown)

	return &gateFixture{
		keys:     keys,
		gate:     NewGate(guard, rec, "", nil),
		recorder: rec,
		events:   events,
	}
}

func (f *gateFixture) createKey(t *testing.T, in service.CreateKeyInput) (*model.APIKey, string) {
	t.Helper()
	if in.Name == "" {
		in.Name = "gate key"
	}
	key, secret, err := f.keys.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return key, secret
}

func (f *gateFixture) serve(method, path, secret string) *httptest.ResponseRecorder {
	handler := RequireAPIKey(f.gate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := GetPrincipal(r.Context())
		if p == nil || p.Type != "api_key" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "10.9.8.7:40000"
	if secret != "" {
		req.Header.Set(DefaultAPIKeyHeader, secret)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func (f *gateFixture) flush(t *testing.T) []model.UsageEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.recorder.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return f.events.all()
}

func TestRequireAPIKeyAllowsAndRecords(t *testing.T) {
	f := newTestGate(t)
	key, secret := f.createKey(t, service.CreateKeyInput{Template: model.TemplateReadWrite})

	rr := f.serve("POST", "/api/users", secret)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "100" {
		t.Errorf("X-RateLimit-Limit: got %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "99" {
		t.Errorf("X-RateLimit-Remaining: got %q", got)
	}

	events := f.flush(t)
	if len(events) != 1 {
		t.Fatalf("events: got %d, want 1", len(events))
	}
	ev := events[0]
	if ev.KeyID != key.ID || ev.Method != "POST" || ev.Endpoint != "/api/users" {
		t.Errorf("event: got %+v", ev)
	}
	if ev.StatusCode != http.StatusCreated {
		t.Errorf("event status: got %d", ev.StatusCode)
	}
	if ev.IP != "10.9.8.7" {
		t.Errorf("event ip: got %q", ev.IP)
	}
}

func TestRequireAPIKeyBearerFallback(t *testing.T) {
	f := newTestGate(t)
	_, secret := f.createKey(t, service.CreateKeyInput{})

	handler := RequireAPIKey(f.gate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest("GET", "/api/users", nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status: got %d", rr.Code)
	}
}

func TestRequireAPIKeyDenials(t *testing.T) {
	f := newTestGate(t)
	_, readOnly := f.createKey(t, service.CreateKeyInput{Template: model.TemplateReadOnly})
	revokedKey, revoked := f.createKey(t, service.CreateKeyInput{})
	if _, err := f.keys.Revoke(context.Background(), revokedKey.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	_, walled := f.createKey(t, service.CreateKeyInput{IPWhitelist: []string{"192.0.2.0/24"}})

	tests := []struct {
		name   string
		method string
		path   string
		secret string
		want   int
	}{
		{"missing key", "GET", "/api/users", "", http.StatusUnauthorized},
		{"unknown key", "GET", "/api/users", "vlv_deadbeef", http.StatusUnauthorized},
		{"revoked key", "GET", "/api/users", revoked, http.StatusUnauthorized},
		{"method not granted", "DELETE", "/api/users", readOnly, http.StatusForbidden},
		{"ip not whitelisted", "GET", "/api/users", walled, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.serve(tt.method, tt.path, tt.secret)
			if rr.Code != tt.want {
				t.Fatalf("status: got %d, want %d", rr.Code, tt.want)
			}
			var body model.ErrorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Error.Code != tt.want || body.Error.Message == "" {
				t.Errorf("body: got %+v", body)
			}
		})
	}

	// Unresolved secrets carry no key and are not recorded; the three
	// resolved denials are.
	events := f.flush(t)
	if len(events) != 3 {
		t.Errorf("events: got %d, want 3", len(events))
	}
}

func TestRequireAPIKeyRateLimited(t *testing.T) {
	f := newTestGate(t)
	_, secret := f.createKey(t, service.CreateKeyInput{RateLimit: func() *int { n := 2; return &n }()})

	for i := 0; i < 2; i++ {
		if rr := f.serve("GET", "/api/users", secret); rr.Code != http.StatusCreated {
			t.Fatalf("request %d: got %d", i, rr.Code)
		}
	}
	rr := f.serve("GET", "/api/users", secret)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status: got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit: got %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining: got %q", got)
	}
	if got := rr.Header().Get("Retry-After"); got == "" || got == "0" {
		t.Errorf("Retry-After: got %q", got)
	}

	events := f.flush(t)
	if len(events) != 3 || events[2].StatusCode != http.StatusTooManyRequests {
		t.Errorf("events: got %+v", events)
	}
}

func TestGateStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{service.ErrUnauthorized, http.StatusUnauthorized},
		{service.ErrExpired, http.StatusUnauthorized},
		{service.ErrRevoked, http.StatusUnauthorized},
		{service.ErrForbidden, http.StatusForbidden},
		{&service.RateLimitError{Limit: 1}, http.StatusTooManyRequests},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := GateStatus(tt.err); got != tt.want {
			t.Errorf("GateStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestLoggerCapturesGateOutcome(t *testing.T) {
	f := newTestGate(t)
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := Logger(logger)(RequireAPIKey(f.gate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	req := httptest.NewRequest("GET", "/api/users", nil)
	req.Header.Set(DefaultAPIKeyHeader, "vlv_unknown")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if !strings.Contains(out, "outcome=unauthorized") || !strings.Contains(out, "status=401") {
		t.Errorf("log line: %s", out)
	}
}
