package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/faucetdb/valve/internal/model"
)

// apiKeyRow is a flat struct that maps 1:1 to the api_keys table. The
// permission set and IP whitelist are stored as JSON arrays.
type apiKeyRow struct {
	ID              string     `db:"id"`
	Name            string     `db:"name"`
	Description     string     `db:"description"`
	KeyHash         string     `db:"key_hash"`
	KeyPrefix       string     `db:"key_prefix"`
	PermissionsJSON string     `db:"permissions_json"`
	RateLimit       int        `db:"rate_limit"`
	IPWhitelistJSON string     `db:"ip_whitelist_json"`
	IsActive        bool       `db:"is_active"`
	State           string     `db:"state"`
	ExpiresAt       *time.Time `db:"expires_at"`
	CreatedAt       time.Time  `db:"created_at"`
	CreatedBy       string     `db:"created_by"`
	UpdatedAt       time.Time  `db:"updated_at"`
	UsageCount      int64      `db:"usage_count"`
	LastUsedAt      *time.Time `db:"last_used_at"`
}

const apiKeyColumns = `id, name, description, key_hash, key_prefix, permissions_json, rate_limit,
	ip_whitelist_json, is_active, state, expires_at, created_at, created_by, updated_at,
	usage_count, last_used_at`

func apiKeyRowFromModel(k *model.APIKey) (apiKeyRow, error) {
	perms, err := json.Marshal(k.Permissions.Strings())
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal permissions: %w", err)
	}
	whitelist := k.IPWhitelist
	if whitelist == nil {
		whitelist = []string{}
	}
	ips, err := json.Marshal(whitelist)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal ip whitelist: %w", err)
	}
	return apiKeyRow{
		ID:              k.ID,
		Name:            k.Name,
		Description:     k.Description,
		KeyHash:         k.KeyHash,
		KeyPrefix:       k.KeyPrefix,
		PermissionsJSON: string(perms),
		RateLimit:       k.RateLimit,
		IPWhitelistJSON: string(ips),
		IsActive:        k.IsActive,
		State:           string(k.State),
		ExpiresAt:       utcPtr(k.ExpiresAt),
		CreatedAt:       utc(k.CreatedAt),
		CreatedBy:       k.CreatedBy,
		UpdatedAt:       utc(k.UpdatedAt),
		UsageCount:      k.UsageCount,
		LastUsedAt:      utcPtr(k.LastUsedAt),
	}, nil
}

func (r apiKeyRow) toModel() (*model.APIKey, error) {
	var permStrings []string
	if err := json.Unmarshal([]byte(r.PermissionsJSON), &permStrings); err != nil {
		return nil, fmt.Errorf("unmarshal permissions: %w", err)
	}
	perms, err := model.ParsePermissionSet(permStrings)
	if err != nil {
		return nil, fmt.Errorf("stored permissions for key %s: %w", r.ID, err)
	}
	ips := []string{}
	if err := json.Unmarshal([]byte(r.IPWhitelistJSON), &ips); err != nil {
		return nil, fmt.Errorf("unmarshal ip whitelist: %w", err)
	}
	return &model.APIKey{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		KeyHash:     r.KeyHash,
		KeyPrefix:   r.KeyPrefix,
		Permissions: perms,
		RateLimit:   r.RateLimit,
		IPWhitelist: ips,
		IsActive:    r.IsActive,
		State:       model.KeyState(r.State),
		ExpiresAt:   r.ExpiresAt,
		CreatedAt:   r.CreatedAt,
		CreatedBy:   r.CreatedBy,
		UpdatedAt:   r.UpdatedAt,
		UsageCount:  r.UsageCount,
		LastUsedAt:  r.LastUsedAt,
	}, nil
}

const insertAPIKeyQ = `INSERT INTO api_keys
	(id, name, description, key_hash, key_prefix, permissions_json, rate_limit, ip_whitelist_json,
	 is_active, state, expires_at, created_at, created_by, updated_at, usage_count, last_used_at)
	VALUES
	(:id, :name, :description, :key_hash, :key_prefix, :permissions_json, :rate_limit, :ip_whitelist_json,
	 :is_active, :state, :expires_at, :created_at, :created_by, :updated_at, :usage_count, :last_used_at)`

// CreateAPIKey inserts a new API key record. The key_hash must already be set
// (use HashAPIKey). CreatedAt and UpdatedAt are taken from the model.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, insertAPIKeyQ, row); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKey returns an API key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, s.db, "id", id)
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, s.db, "key_hash", hash)
}

func (s *Store) getAPIKey(ctx context.Context, q sqlx.QueryerContext, column, value string) (*model.APIKey, error) {
	var row apiKeyRow
	query := s.q("SELECT " + apiKeyColumns + " FROM api_keys WHERE " + column + " = ?")
	if err := sqlx.GetContext(ctx, q, &row, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by %s: %w", column, err)
	}
	return row.toModel()
}

// ListAPIKeys returns all API keys, newest first. A non-empty state restricts
// the result to keys in that state.
func (s *Store) ListAPIKeys(ctx context.Context, state model.KeyState) ([]model.APIKey, error) {
	query := "SELECT " + apiKeyColumns + " FROM api_keys"
	var args []interface{}
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY created_at DESC, id"

	var rows []apiKeyRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}

	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, nil
}

// UpdateAPIKey persists the mutable fields of a key. The secret hash, prefix,
// state and usage counters are never touched here.
func (s *Store) UpdateAPIKey(ctx context.Context, key *model.APIKey) error {
	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `UPDATE api_keys SET
		name = :name, description = :description, permissions_json = :permissions_json,
		rate_limit = :rate_limit, ip_whitelist_json = :ip_whitelist_json, is_active = :is_active,
		expires_at = :expires_at, updated_at = :updated_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	n, err := rowsAffected(result, "update api key")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionAPIKeyState moves a key from one of the from states to the given
// state. It returns ErrConflict when the key exists but is not in an
// accepted source state, so concurrent transitions cannot both succeed.
func (s *Store) TransitionAPIKeyState(ctx context.Context, id string, from []model.KeyState, to model.KeyState, at time.Time) error {
	return s.transitionState(ctx, s.db, id, from, to, at)
}

func (s *Store) transitionState(ctx context.Context, ex sqlx.ExtContext, id string, from []model.KeyState, to model.KeyState, at time.Time) error {
	set := "state = ?, updated_at = ?"
	if to == model.KeyStateRevoked {
		set += ", is_active = " + s.dialect.falseLiteral()
	}
	query, args, err := sqlx.In(
		"UPDATE api_keys SET "+set+" WHERE id = ? AND state IN (?)",
		string(to), utc(at), id, statesToStrings(from))
	if err != nil {
		return fmt.Errorf("build state transition: %w", err)
	}
	result, err := ex.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("transition api key state: %w", err)
	}
	n, err := rowsAffected(result, "transition api key state")
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Distinguish a missing key from a lost race.
	if _, err := s.getAPIKey(ctx, ex, "id", id); err != nil {
		return err
	}
	return ErrConflict
}

func statesToStrings(states []model.KeyState) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

// DeleteAPIKey removes a key and its alert rules. Usage events and rotation
// records are retained for audit.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM alert_rules WHERE key_id = ?"), id); err != nil {
		return fmt.Errorf("delete alert rules for key: %w", err)
	}
	result, err := tx.ExecContext(ctx, s.q("DELETE FROM api_keys WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	n, err := rowsAffected(result, "delete api key")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Rotation
// ---------------------------------------------------------------------------

// RotateAPIKey atomically marks the old key rotating (or revoked when the
// grace period is zero), inserts its replacement and records the link. When
// the old key is no longer active the whole transaction is abandoned with
// ErrConflict, so a losing concurrent rotation leaves no orphaned key.
func (s *Store) RotateAPIKey(ctx context.Context, newKey *model.APIKey, rec *model.RotationRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	target := model.KeyStateRotating
	if rec.GracePeriodDays == 0 {
		target = model.KeyStateRevoked
	}
	if err := s.transitionState(ctx, tx, rec.OldKeyID, []model.KeyState{model.KeyStateActive}, target, rec.RotatedAt); err != nil {
		return err
	}

	row, err := apiKeyRowFromModel(newKey)
	if err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx, insertAPIKeyQ, row); err != nil {
		return fmt.Errorf("insert rotated api key: %w", err)
	}

	rec.GraceExpiresAt = utc(rec.GraceExpiresAt)
	rec.RotatedAt = utc(rec.RotatedAt)
	const q = `INSERT INTO key_rotations
		(id, old_key_id, new_key_id, grace_period_days, grace_expires_at, rotated_at, rotated_by)
		VALUES
		(:id, :old_key_id, :new_key_id, :grace_period_days, :grace_expires_at, :rotated_at, :rotated_by)`
	if _, err := tx.NamedExecContext(ctx, q, rec); err != nil {
		return fmt.Errorf("insert rotation record: %w", err)
	}

	return tx.Commit()
}

const rotationColumns = `id, old_key_id, new_key_id, grace_period_days, grace_expires_at, rotated_at, rotated_by`

// GetRotationByOldKey returns the rotation that superseded the given key.
func (s *Store) GetRotationByOldKey(ctx context.Context, oldKeyID string) (*model.RotationRecord, error) {
	var rec model.RotationRecord
	query := s.q("SELECT " + rotationColumns + " FROM key_rotations WHERE old_key_id = ? ORDER BY rotated_at DESC")
	if err := s.db.GetContext(ctx, &rec, query, oldKeyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get rotation: %w", err)
	}
	return &rec, nil
}

// ListRotations returns every rotation the key took part in, as either the
// old or the new key, newest first.
func (s *Store) ListRotations(ctx context.Context, keyID string) ([]model.RotationRecord, error) {
	var recs []model.RotationRecord
	query := s.q("SELECT " + rotationColumns + " FROM key_rotations WHERE old_key_id = ? OR new_key_id = ? ORDER BY rotated_at DESC")
	if err := s.db.SelectContext(ctx, &recs, query, keyID, keyID); err != nil {
		return nil, fmt.Errorf("list rotations: %w", err)
	}
	return recs, nil
}

// ListExpiredGraceRotations returns rotations whose old key is still marked
// rotating although its grace window closed at or before now.
func (s *Store) ListExpiredGraceRotations(ctx context.Context, now time.Time) ([]model.RotationRecord, error) {
	var recs []model.RotationRecord
	query := s.q(`SELECT r.id, r.old_key_id, r.new_key_id, r.grace_period_days, r.grace_expires_at, r.rotated_at, r.rotated_by
		FROM key_rotations r JOIN api_keys k ON k.id = r.old_key_id
		WHERE k.state = ? AND r.grace_expires_at <= ?`)
	if err := s.db.SelectContext(ctx, &recs, query, string(model.KeyStateRotating), utc(now)); err != nil {
		return nil, fmt.Errorf("list expired rotations: %w", err)
	}
	return recs, nil
}

// ---------------------------------------------------------------------------
// Usage counters
// ---------------------------------------------------------------------------

// AddAPIKeyUsage atomically increments a key's usage counter and advances
// last_used_at. The increment happens in SQL so concurrent writers never
// lose updates.
func (s *Store) AddAPIKeyUsage(ctx context.Context, id string, delta int64, lastUsed time.Time) error {
	return s.addAPIKeyUsage(ctx, s.db, id, delta, lastUsed)
}

func (s *Store) addAPIKeyUsage(ctx context.Context, ex sqlx.ExecerContext, id string, delta int64, lastUsed time.Time) error {
	lastUsed = utc(lastUsed)
	const q = `UPDATE api_keys SET usage_count = usage_count + ?,
		last_used_at = CASE WHEN last_used_at IS NULL OR last_used_at < ? THEN ? ELSE last_used_at END
		WHERE id = ?`
	if _, err := ex.ExecContext(ctx, s.q(q), delta, lastUsed, lastUsed, id); err != nil {
		return fmt.Errorf("add api key usage: %w", err)
	}
	return nil
}
