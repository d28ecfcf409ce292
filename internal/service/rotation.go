package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/model"
)

// RotationManager replaces keys with fresh secrets. The superseded key moves
// active -> rotating -> revoked; while rotating it keeps authenticating until
// its grace period ends.
type RotationManager struct {
	keys  *KeyService
	store *config.Store
}

// NewRotationManager creates a RotationManager sharing the key service's
// store, clock and per-key locks.
func NewRotationManager(keys *KeyService) *RotationManager {
	return &RotationManager{keys: keys, store: keys.store}
}

// RotateInput configures a rotation. Nil overrides inherit the value from
// the superseded key.
type RotateInput struct {
	GracePeriodDays int
	Name            *string
	Permissions     *[]string
	Template        *string
	RateLimit       *int
	IPWhitelist     *[]string
	ExpiresAt       *time.Time
	RotatedBy       string
}

// RotateResult is the outcome of a rotation. Secret is the plaintext of the
// new key and is only available here.
type RotateResult struct {
	NewKey   *model.APIKey
	Rotation *model.RotationRecord
	Secret   string
}

// Rotate issues a replacement for key id. A second rotation of a key that is
// already rotating fails with ErrConflict and creates nothing.
func (m *RotationManager) Rotate(ctx context.Context, id string, in RotateInput) (*RotateResult, error) {
	var v validation
	if in.GracePeriodDays < 0 || in.GracePeriodDays > model.MaxGracePeriodDays {
		v.add("grace_period_days", "must be between 0 and %d", model.MaxGracePeriodDays)
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	unlock := m.keys.locks.lock(id)
	defer unlock()

	old, err := m.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	now := m.keys.now().UTC()
	switch {
	case old.State == model.KeyStateRotating:
		return nil, ErrConflict
	case old.State == model.KeyStateRevoked, !old.IsActive:
		// A disabled key must be re-enabled before it can hand its
		// permissions to a successor.
		return nil, ErrRevoked
	case old.IsExpired(now):
		return nil, ErrExpired
	}

	newKey, secret, err := m.successor(old, in, now)
	if err != nil {
		return nil, err
	}

	rotatedBy := in.RotatedBy
	if rotatedBy == "" {
		rotatedBy = "system"
	}
	rec := &model.RotationRecord{
		ID:              uuid.NewString(),
		OldKeyID:        old.ID,
		NewKeyID:        newKey.ID,
		GracePeriodDays: in.GracePeriodDays,
		GraceExpiresAt:  now.AddDate(0, 0, in.GracePeriodDays),
		RotatedAt:       now,
		RotatedBy:       rotatedBy,
	}

	if err := m.store.RotateAPIKey(ctx, newKey, rec); err != nil {
		return nil, translateStoreErr(err)
	}

	m.keys.metrics.RecordKeyEvent("rotated")
	m.keys.logger.Info("api key rotated",
		"key_id", old.ID,
		"new_key_id", newKey.ID,
		"grace_period_days", in.GracePeriodDays,
		"grace_expires_at", rec.GraceExpiresAt,
	)
	return &RotateResult{NewKey: newKey, Rotation: rec, Secret: secret}, nil
}

// successor builds the replacement key, inheriting everything not
// overridden.
func (m *RotationManager) successor(old *model.APIKey, in RotateInput, now time.Time) (*model.APIKey, string, error) {
	var v validation

	name := old.Name
	if in.Name != nil {
		name = strings.TrimSpace(*in.Name)
		validateName(&v, name)
	}
	rateLimit := old.RateLimit
	if in.RateLimit != nil {
		rateLimit = *in.RateLimit
		validateRateLimit(&v, rateLimit)
	}

	perms := old.Permissions
	switch {
	case in.Template != nil && in.Permissions != nil:
		v.add("template", "cannot be combined with permissions")
	case in.Template != nil:
		perms = m.keys.resolvePermissions(&v, nil, *in.Template)
	case in.Permissions != nil:
		perms = m.keys.resolvePermissions(&v, *in.Permissions, "")
	}

	whitelist := old.IPWhitelist
	if in.IPWhitelist != nil {
		var err error
		if whitelist, err = normalizeWhitelist(*in.IPWhitelist); err != nil {
			v.add("ip_whitelist", "%s", err.Error())
		}
	}

	expiresAt := old.ExpiresAt
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(now) {
			v.add("expires_at", "must be in the future")
		}
		expiresAt = utcPtr(in.ExpiresAt)
	}
	if err := v.err(); err != nil {
		return nil, "", err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", err
	}
	createdBy := in.RotatedBy
	if createdBy == "" {
		createdBy = old.CreatedBy
	}
	return &model.APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		Description: old.Description,
		KeyHash:     config.HashAPIKey(secret),
		KeyPrefix:   secret[:keyPrefixLen],
		Permissions: perms,
		RateLimit:   rateLimit,
		IPWhitelist: whitelist,
		IsActive:    true,
		State:       model.KeyStateActive,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		CreatedBy:   createdBy,
		UpdatedAt:   now,
	}, secret, nil
}

// CheckGrace decides whether a rotating key may still authenticate at now.
// Once the grace period has ended the key is finalized to revoked on the
// spot and ErrRevoked is returned. Keys in other states pass through.
func (m *RotationManager) CheckGrace(ctx context.Context, key *model.APIKey, now time.Time) error {
	if key.State != model.KeyStateRotating {
		return nil
	}
	rec, err := m.store.GetRotationByOldKey(ctx, key.ID)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return ErrRevoked
		}
		return err
	}
	if rec.InGrace(now) {
		return nil
	}
	if err := m.finalize(ctx, key.ID, now); err != nil {
		m.keys.logger.Warn("finalize rotated key", "key_id", key.ID, "error", err)
	}
	return ErrRevoked
}

// Sweep revokes every rotating key whose grace period has ended and returns
// how many were finalized.
func (m *RotationManager) Sweep(ctx context.Context) (int, error) {
	now := m.keys.now()
	recs, err := m.store.ListExpiredGraceRotations(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := m.finalize(ctx, rec.OldKeyID, now); err != nil {
			m.keys.logger.Warn("finalize rotated key", "key_id", rec.OldKeyID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// History returns the rotations key id took part in.
func (m *RotationManager) History(ctx context.Context, id string) ([]model.RotationRecord, error) {
	if _, err := m.keys.Get(ctx, id); err != nil {
		return nil, err
	}
	recs, err := m.store.ListRotations(ctx, id)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []model.RotationRecord{}
	}
	return recs, nil
}

func (m *RotationManager) finalize(ctx context.Context, id string, now time.Time) error {
	err := m.store.TransitionAPIKeyState(ctx, id,
		[]model.KeyState{model.KeyStateRotating}, model.KeyStateRevoked, now)
	if errors.Is(err, config.ErrConflict) {
		// Already finalized or revoked by someone else.
		return nil
	}
	if err == nil {
		m.keys.metrics.RecordKeyEvent("finalized")
		m.keys.logger.Info("rotated key grace period ended", "key_id", id)
	}
	return err
}
