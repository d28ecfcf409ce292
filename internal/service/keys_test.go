package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/model"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestKeys(t *testing.T) (*KeyService, *config.Store, *testClock) {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	keys := NewKeyService(store, model.DefaultTemplates(), nil)
	keys.SetClock(clock.Now)
	return keys, store, clock
}

func mustCreateKey(t *testing.T, keys *KeyService, in CreateKeyInput) (*model.APIKey, string) {
	t.Helper()
	if in.Name == "" {
		in.Name = "test key"
	}
	key, secret, err := keys.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return key, secret
}

func intPtr(n int) *int { return &n }

func TestCreateKey(t *testing.T) {
	keys, store, _ := newTestKeys(t)
	ctx := context.Background()

	key, secret := mustCreateKey(t, keys, CreateKeyInput{
		Name:        "  reporting  ",
		Permissions: []string{"GET:/api/users", "get:/api/users", "GET:/api/groups"},
		IPWhitelist: []string{"10.0.0.1", "192.168.0.0/16"},
	})

	if !strings.HasPrefix(secret, "vlv_") || len(secret) != 4+64 {
		t.Errorf("unexpected secret format %q", secret)
	}
	if key.KeyPrefix != secret[:12] {
		t.Errorf("KeyPrefix: got %q, want %q", key.KeyPrefix, secret[:12])
	}
	if key.Name != "reporting" {
		t.Errorf("Name: got %q", key.Name)
	}
	if key.RateLimit != model.DefaultRateLimit {
		t.Errorf("RateLimit: got %d, want %d", key.RateLimit, model.DefaultRateLimit)
	}
	if key.State != model.KeyStateActive || !key.IsActive {
		t.Errorf("new key should be active, got state=%s is_active=%v", key.State, key.IsActive)
	}
	if len(key.Permissions) != 2 {
		t.Errorf("expected duplicates to collapse, got %v", key.Permissions.Strings())
	}
	if got := strings.Join(key.IPWhitelist, ","); got != "10.0.0.1/32,192.168.0.0/16" {
		t.Errorf("IPWhitelist: got %q", got)
	}
	if key.CreatedBy != "system" {
		t.Errorf("CreatedBy: got %q", key.CreatedBy)
	}

	stored, err := store.GetAPIKeyByHash(ctx, config.HashAPIKey(secret))
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if stored.ID != key.ID {
		t.Errorf("hash lookup returned %q, want %q", stored.ID, key.ID)
	}
}

func TestCreateKeyNeverExposesSecret(t *testing.T) {
	keys, store, _ := newTestKeys(t)
	ctx := context.Background()

	key, secret := mustCreateKey(t, keys, CreateKeyInput{})

	b, err := json.Marshal(key)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(b), secret) || strings.Contains(string(b), key.KeyHash) {
		t.Errorf("serialized key leaks secret material: %s", b)
	}

	stored, err := store.GetAPIKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if stored.KeyHash == secret {
		t.Error("store must hold the hash, not the plaintext")
	}
}

func TestCreateKeyFromTemplate(t *testing.T) {
	keys, _, _ := newTestKeys(t)

	key, _ := mustCreateKey(t, keys, CreateKeyInput{Template: model.TemplateReadOnly})
	want, _ := model.DefaultTemplates().Expand(model.TemplateReadOnly)
	if !key.Permissions.Equal(want) {
		t.Errorf("Permissions: got %v, want %v", key.Permissions.Strings(), want.Strings())
	}

	full, _ := mustCreateKey(t, keys, CreateKeyInput{Template: model.TemplateFullAccess})
	if !full.FullAccess() {
		t.Errorf("full_access template should yield an empty set, got %v", full.Permissions.Strings())
	}
}

func TestCreateKeyValidation(t *testing.T) {
	keys, _, clock := newTestKeys(t)
	ctx := context.Background()
	past := clock.Now().Add(-time.Hour)

	tests := []struct {
		name  string
		in    CreateKeyInput
		field string
	}{
		{"missing name", CreateKeyInput{Name: "  "}, "name"},
		{"long name", CreateKeyInput{Name: strings.Repeat("x", 256)}, "name"},
		{"rate limit too low", CreateKeyInput{Name: "k", RateLimit: intPtr(0)}, "rate_limit"},
		{"rate limit too high", CreateKeyInput{Name: "k", RateLimit: intPtr(10001)}, "rate_limit"},
		{"bad permission", CreateKeyInput{Name: "k", Permissions: []string{"GET/api/users"}}, "permissions"},
		{"bad method", CreateKeyInput{Name: "k", Permissions: []string{"FETCH:/api/users"}}, "permissions"},
		{"unknown template", CreateKeyInput{Name: "k", Template: "admin"}, "template"},
		{"template and permissions", CreateKeyInput{Name: "k", Template: model.TemplateReadOnly, Permissions: []string{"GET:/x"}}, "template"},
		{"bad whitelist", CreateKeyInput{Name: "k", IPWhitelist: []string{"10.0.0.300"}}, "ip_whitelist"},
		{"expiry in the past", CreateKeyInput{Name: "k", ExpiresAt: &past}, "expires_at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := keys.Create(ctx, tt.in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Errorf("expected field %q in %v", tt.field, verr.Fields)
			}
		})
	}

	list, err := keys.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("rejected input must not create keys, found %d", len(list))
	}
}

func TestListKeysByState(t *testing.T) {
	keys, _, _ := newTestKeys(t)
	ctx := context.Background()

	a, _ := mustCreateKey(t, keys, CreateKeyInput{Name: "a"})
	mustCreateKey(t, keys, CreateKeyInput{Name: "b"})
	if _, err := keys.Revoke(ctx, a.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	active, err := keys.List(ctx, model.KeyStateActive)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(active) != 1 || active[0].Name != "b" {
		t.Errorf("active keys: got %+v", active)
	}

	var verr *ValidationError
	if _, err := keys.List(ctx, "paused"); !errors.As(err, &verr) {
		t.Errorf("expected ValidationError for unknown state, got %v", err)
	}
}

func TestUpdateKey(t *testing.T) {
	keys, _, clock := newTestKeys(t)
	ctx := context.Background()

	expiry := clock.Now().Add(24 * time.Hour)
	key, secret := mustCreateKey(t, keys, CreateKeyInput{ExpiresAt: &expiry})

	name := "renamed"
	tpl := model.TemplateReadWrite
	updated, err := keys.Update(ctx, key.ID, UpdateKeyInput{
		Name:        &name,
		RateLimit:   intPtr(250),
		Template:    &tpl,
		ClearExpiry: true,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != "renamed" || updated.RateLimit != 250 {
		t.Errorf("unexpected update result %+v", updated)
	}
	if updated.ExpiresAt != nil {
		t.Error("expected expiry to be cleared")
	}
	if updated.FullAccess() {
		t.Error("expected read_write permissions")
	}
	if updated.KeyHash != config.HashAPIKey(secret) {
		t.Error("update must not change the secret")
	}

	got, err := keys.Get(ctx, key.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RateLimit != 250 || got.Name != "renamed" {
		t.Errorf("update not persisted: %+v", got)
	}

	if _, err := keys.SetRateLimit(ctx, key.ID, 0); err == nil {
		t.Error("expected SetRateLimit(0) to fail")
	}
	if _, err := keys.Update(ctx, "missing", UpdateKeyInput{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMutationsOnDeadKeys(t *testing.T) {
	keys, _, clock := newTestKeys(t)
	ctx := context.Background()
	name := "x"

	revoked, _ := mustCreateKey(t, keys, CreateKeyInput{})
	if _, err := keys.Revoke(ctx, revoked.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := keys.Revoke(ctx, revoked.ID); !errors.Is(err, ErrRevoked) {
		t.Errorf("second revoke: got %v, want ErrRevoked", err)
	}
	if _, err := keys.Update(ctx, revoked.ID, UpdateKeyInput{Name: &name}); !errors.Is(err, ErrRevoked) {
		t.Errorf("update revoked: got %v, want ErrRevoked", err)
	}

	expiry := clock.Now().Add(time.Hour)
	expiring, _ := mustCreateKey(t, keys, CreateKeyInput{ExpiresAt: &expiry})
	clock.Advance(2 * time.Hour)
	if _, err := keys.Update(ctx, expiring.ID, UpdateKeyInput{Name: &name}); !errors.Is(err, ErrExpired) {
		t.Errorf("update expired: got %v, want ErrExpired", err)
	}
	if _, err := keys.Revoke(ctx, expiring.ID); !errors.Is(err, ErrExpired) {
		t.Errorf("revoke expired: got %v, want ErrExpired", err)
	}
}

func TestRevokeKeepsRecord(t *testing.T) {
	keys, _, _ := newTestKeys(t)
	ctx := context.Background()

	key, _ := mustCreateKey(t, keys, CreateKeyInput{})
	revoked, err := keys.Revoke(ctx, key.ID)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if revoked.State != model.KeyStateRevoked || revoked.IsActive {
		t.Errorf("expected revoked inactive key, got state=%s is_active=%v", revoked.State, revoked.IsActive)
	}
	if _, err := keys.Get(ctx, key.ID); err != nil {
		t.Errorf("revoked key should still be readable: %v", err)
	}
}

func TestDeleteKey(t *testing.T) {
	keys, _, _ := newTestKeys(t)
	ctx := context.Background()

	key, _ := mustCreateKey(t, keys, CreateKeyInput{})
	if err := keys.Delete(ctx, key.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := keys.Get(ctx, key.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := keys.Delete(ctx, key.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}
