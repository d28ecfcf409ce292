package model

import "time"

// Grace period bounds for a rotation, in days.
const (
	MaxGracePeriodDays     = 30
	DefaultGracePeriodDays = 7
)

// RotationRecord links a superseded key to its replacement. The old key keeps
// authenticating until GraceExpiresAt and is revoked from then on.
type RotationRecord struct {
	ID              string    `json:"id" db:"id"`
	OldKeyID        string    `json:"old_key_id" db:"old_key_id"`
	NewKeyID        string    `json:"new_key_id" db:"new_key_id"`
	GracePeriodDays int       `json:"grace_period_days" db:"grace_period_days"`
	GraceExpiresAt  time.Time `json:"grace_expires_at" db:"grace_expires_at"`
	RotatedAt       time.Time `json:"rotated_at" db:"rotated_at"`
	RotatedBy       string    `json:"rotated_by" db:"rotated_by"`
}

// InGrace reports whether the old key may still authenticate at now.
func (r *RotationRecord) InGrace(now time.Time) bool {
	return now.Before(r.GraceExpiresAt)
}
