package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/metrics"
	"github.com/faucetdb/valve/internal/model"
)

const (
	keyTokenPrefix = "vlv_"
	keyPrefixLen   = 12 // "vlv_" + first 8 hex chars
	maxNameLen     = 255
)

// KeyService owns API key records: issuing, reading, updating, revoking and
// deleting them. Mutations on one key are serialized.
type KeyService struct {
	store     *config.Store
	templates *model.TemplateTable
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	locks     keyLocks
}

// NewKeyService creates a KeyService. A nil templates table falls back to the
// built-in templates.
func NewKeyService(store *config.Store, templates *model.TemplateTable, logger *slog.Logger) *KeyService {
	if templates == nil {
		templates = model.DefaultTemplates()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyService{
		store:     store,
		templates: templates,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source. It must be called before the service is
// shared between goroutines.
func (s *KeyService) SetClock(now func() time.Time) {
	s.now = now
}

// SetMetrics enables lifecycle counters.
func (s *KeyService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Templates returns the permission template table in use.
func (s *KeyService) Templates() *model.TemplateTable {
	return s.templates
}

// CreateKeyInput holds the fields accepted when issuing a key. Template and
// Permissions are mutually exclusive.
type CreateKeyInput struct {
	Name        string
	Description string
	Permissions []string
	Template    string
	RateLimit   *int
	ExpiresAt   *time.Time
	IPWhitelist []string
	CreatedBy   string
}

// Create issues a new key. The plaintext secret is returned exactly once and
// is never stored.
func (s *KeyService) Create(ctx context.Context, in CreateKeyInput) (*model.APIKey, string, error) {
	now := s.now().UTC()
	var v validation

	name := strings.TrimSpace(in.Name)
	validateName(&v, name)

	rateLimit := model.DefaultRateLimit
	if in.RateLimit != nil {
		rateLimit = *in.RateLimit
		validateRateLimit(&v, rateLimit)
	}

	perms := s.resolvePermissions(&v, in.Permissions, in.Template)

	whitelist, err := normalizeWhitelist(in.IPWhitelist)
	if err != nil {
		v.add("ip_whitelist", "%s", err.Error())
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		v.add("expires_at", "must be in the future")
	}
	if err := v.err(); err != nil {
		return nil, "", err
	}

	createdBy := in.CreatedBy
	if createdBy == "" {
		createdBy = "system"
	}

	plaintext, err := generateSecret()
	if err != nil {
		return nil, "", err
	}
	key := &model.APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		KeyHash:     config.HashAPIKey(plaintext),
		KeyPrefix:   plaintext[:keyPrefixLen],
		Permissions: perms,
		RateLimit:   rateLimit,
		IPWhitelist: whitelist,
		IsActive:    true,
		State:       model.KeyStateActive,
		ExpiresAt:   utcPtr(in.ExpiresAt),
		CreatedAt:   now,
		CreatedBy:   createdBy,
		UpdatedAt:   now,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}

	s.metrics.RecordKeyEvent("created")
	s.logger.Info("api key created", "key_id", key.ID, "key_prefix", key.KeyPrefix, "created_by", createdBy)
	return key, plaintext, nil
}

// Get returns a key by ID.
func (s *KeyService) Get(ctx context.Context, id string) (*model.APIKey, error) {
	key, err := s.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	return key, nil
}

// List returns all keys, optionally restricted to one state.
func (s *KeyService) List(ctx context.Context, state model.KeyState) ([]model.APIKey, error) {
	if state != "" && !state.Valid() {
		return nil, &ValidationError{Fields: map[string]string{
			"state": fmt.Sprintf("unknown state %q (want active, rotating or revoked)", state),
		}}
	}
	return s.store.ListAPIKeys(ctx, state)
}

// UpdateKeyInput carries optional changes. Nil fields are left untouched.
// ClearExpiry removes the expiry; it cannot be combined with ExpiresAt.
type UpdateKeyInput struct {
	Name        *string
	Description *string
	RateLimit   *int
	ExpiresAt   *time.Time
	ClearExpiry bool
	IsActive    *bool
	Permissions *[]string
	Template    *string
	IPWhitelist *[]string
}

// Update applies in to the key. The secret is never changed. Revoked and
// expired keys reject all updates.
func (s *KeyService) Update(ctx context.Context, id string, in UpdateKeyInput) (*model.APIKey, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	key, err := s.mutableKey(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var v validation

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		validateName(&v, name)
		key.Name = name
	}
	if in.Description != nil {
		key.Description = strings.TrimSpace(*in.Description)
	}
	if in.RateLimit != nil {
		validateRateLimit(&v, *in.RateLimit)
		key.RateLimit = *in.RateLimit
	}
	switch {
	case in.ClearExpiry && in.ExpiresAt != nil:
		v.add("expires_at", "cannot set and clear the expiry at once")
	case in.ClearExpiry:
		key.ExpiresAt = nil
	case in.ExpiresAt != nil:
		if !in.ExpiresAt.After(now) {
			v.add("expires_at", "must be in the future")
		}
		key.ExpiresAt = utcPtr(in.ExpiresAt)
	}
	if in.IsActive != nil {
		key.IsActive = *in.IsActive
	}
	switch {
	case in.Template != nil && in.Permissions != nil:
		v.add("template", "cannot be combined with permissions")
	case in.Template != nil:
		if *in.Template == "" {
			v.add("template", "must not be empty")
		} else {
			key.Permissions = s.resolvePermissions(&v, nil, *in.Template)
		}
	case in.Permissions != nil:
		key.Permissions = s.resolvePermissions(&v, *in.Permissions, "")
	}
	if in.IPWhitelist != nil {
		whitelist, err := normalizeWhitelist(*in.IPWhitelist)
		if err != nil {
			v.add("ip_whitelist", "%s", err.Error())
		}
		key.IPWhitelist = whitelist
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	key.UpdatedAt = now
	if err := s.store.UpdateAPIKey(ctx, key); err != nil {
		return nil, translateStoreErr(err)
	}
	s.logger.Info("api key updated", "key_id", key.ID)
	return key, nil
}

// SetRateLimit changes only the key's requests-per-minute limit.
func (s *KeyService) SetRateLimit(ctx context.Context, id string, limit int) (*model.APIKey, error) {
	return s.Update(ctx, id, UpdateKeyInput{RateLimit: &limit})
}

// Revoke permanently disables a key for authentication. The record is kept
// for audit. Revoking a rotating key ends its grace period early.
func (s *KeyService) Revoke(ctx context.Context, id string) (*model.APIKey, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	if _, err := s.mutableKey(ctx, id); err != nil {
		return nil, err
	}

	err := s.store.TransitionAPIKeyState(ctx, id,
		[]model.KeyState{model.KeyStateActive, model.KeyStateRotating},
		model.KeyStateRevoked, s.now())
	if err != nil {
		if errors.Is(err, config.ErrConflict) {
			return nil, ErrRevoked
		}
		return nil, translateStoreErr(err)
	}

	s.metrics.RecordKeyEvent("revoked")
	s.logger.Info("api key revoked", "key_id", id)
	return s.Get(ctx, id)
}

// Delete removes a key and its alert rules. Usage events and rotation
// records stay for audit.
func (s *KeyService) Delete(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	if err := s.store.DeleteAPIKey(ctx, id); err != nil {
		return translateStoreErr(err)
	}
	s.metrics.RecordKeyEvent("deleted")
	s.logger.Info("api key deleted", "key_id", id)
	return nil
}

// mutableKey loads a key that may still be changed.
func (s *KeyService) mutableKey(ctx context.Context, id string) (*model.APIKey, error) {
	key, err := s.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if key.State == model.KeyStateRevoked {
		return nil, ErrRevoked
	}
	if key.IsExpired(s.now()) {
		return nil, ErrExpired
	}
	return key, nil
}

// resolvePermissions expands a template or parses explicit permissions. A
// named template excludes explicit permissions.
func (s *KeyService) resolvePermissions(v *validation, perms []string, template string) model.PermissionSet {
	if template != "" {
		if len(perms) > 0 {
			v.add("template", "cannot be combined with permissions")
			return nil
		}
		set, ok := s.templates.Expand(template)
		if !ok {
			v.add("template", "unknown template %q", template)
			return nil
		}
		return set
	}
	set, err := model.ParsePermissionSet(perms)
	if err != nil {
		v.add("permissions", "%s", err.Error())
		return nil
	}
	return set
}

func validateName(v *validation, name string) {
	switch {
	case name == "":
		v.add("name", "is required")
	case len(name) > maxNameLen:
		v.add("name", "must be at most %d characters", maxNameLen)
	}
}

func validateRateLimit(v *validation, limit int) {
	if limit < model.MinRateLimit || limit > model.MaxRateLimit {
		v.add("rate_limit", "must be between %d and %d", model.MinRateLimit, model.MaxRateLimit)
	}
}

// generateSecret returns a 32-byte random key encoded as hex behind the
// "vlv_" token prefix.
func generateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return keyTokenPrefix + hex.EncodeToString(raw), nil
}

func translateStoreErr(err error) error {
	switch {
	case errors.Is(err, config.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, config.ErrConflict):
		return ErrConflict
	}
	return err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// keyLocks hands out one mutex per key ID. Entries are reference counted so
// the map does not grow with every key ever touched.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (l *keyLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*keyLock)
	}
	kl, ok := l.locks[id]
	if !ok {
		kl = &keyLock{}
		l.locks[id] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
