package model

import "time"

// Rate limit bounds in requests per minute.
const (
	MinRateLimit     = 1
	MaxRateLimit     = 10000
	DefaultRateLimit = 100
)

// KeyState is the rotation lifecycle state of a key. Transitions only move
// forward: active -> rotating -> revoked, or active -> revoked.
type KeyState string

const (
	KeyStateActive   KeyState = "active"
	KeyStateRotating KeyState = "rotating"
	KeyStateRevoked  KeyState = "revoked"
)

// Valid reports whether s is a known state.
func (s KeyState) Valid() bool {
	switch s {
	case KeyStateActive, KeyStateRotating, KeyStateRevoked:
		return true
	}
	return false
}

// APIKey is a bearer credential with its own scope, rate limit and lifetime.
// The raw key is never stored; only a SHA-256 hash and a short prefix for
// identification are persisted.
type APIKey struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	KeyHash     string        `json:"-"` // SHA-256 hash, never expose
	KeyPrefix   string        `json:"key_prefix"`
	Permissions PermissionSet `json:"permissions"`
	RateLimit   int           `json:"rate_limit"`
	IPWhitelist []string      `json:"ip_whitelist"`
	IsActive    bool          `json:"is_active"`
	State       KeyState      `json:"state"`
	ExpiresAt   *time.Time    `json:"expires_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CreatedBy   string        `json:"created_by"`
	UpdatedAt   time.Time     `json:"updated_at"`
	UsageCount  int64         `json:"usage_count"`
	LastUsedAt  *time.Time    `json:"last_used_at,omitempty"`
}

// IsExpired reports whether the key is past its expiry at now.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// FullAccess reports whether the key carries no permission restrictions.
func (k *APIKey) FullAccess() bool {
	return k.Permissions.FullAccess()
}
