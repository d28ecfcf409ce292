package model

import "time"

// AlertType selects which aggregate an alert rule watches.
type AlertType string

const (
	AlertRateLimit AlertType = "rate_limit"
	AlertErrorRate AlertType = "error_rate"
	AlertUsage     AlertType = "usage"
)

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	switch t {
	case AlertRateLimit, AlertErrorRate, AlertUsage:
		return true
	}
	return false
}

// AlertRule fires when a key's aggregated usage crosses ThresholdPercent.
type AlertRule struct {
	ID               string     `json:"id" db:"id"`
	KeyID            string     `json:"key_id" db:"key_id"`
	AlertType        AlertType  `json:"alert_type" db:"alert_type"`
	ThresholdPercent int        `json:"threshold_percent" db:"threshold_percent"`
	Enabled          bool       `json:"enabled" db:"enabled"`
	LastTriggered    *time.Time `json:"last_triggered,omitempty" db:"last_triggered"`
	TriggerCount     int64      `json:"trigger_count" db:"trigger_count"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// AlertEvent is emitted once per rule per evaluation window when it fires.
type AlertEvent struct {
	Rule        AlertRule `json:"rule"`
	KeyName     string    `json:"key_name"`
	KeyPrefix   string    `json:"key_prefix"`
	Percent     float64   `json:"percent"`
	WindowStart time.Time `json:"window_start"`
	TriggeredAt time.Time `json:"triggered_at"`
}
