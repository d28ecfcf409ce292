package model

import "time"

// UsageEvent is an append-only record of one authorization attempt.
type UsageEvent struct {
	ID         string    `json:"id" db:"id"`
	KeyID      string    `json:"key_id" db:"key_id"`
	Timestamp  time.Time `json:"timestamp" db:"ts"`
	Endpoint   string    `json:"endpoint" db:"endpoint"`
	Method     string    `json:"method" db:"method"`
	StatusCode int       `json:"status_code" db:"status_code"`
	LatencyMs  int64     `json:"latency_ms" db:"latency_ms"`
	IP         string    `json:"ip" db:"ip"`
}

// IsError reports whether the event counts toward the error rate.
func (e *UsageEvent) IsError() bool {
	return e.StatusCode >= 400
}

// StatusCount is one by_status bucket.
type StatusCount struct {
	StatusCode int   `json:"status_code" db:"status_code"`
	Count      int64 `json:"count" db:"cnt"`
}

// EndpointCount is one by_endpoint bucket.
type EndpointCount struct {
	Endpoint string `json:"endpoint" db:"endpoint"`
	Count    int64  `json:"count" db:"cnt"`
}

// UsageStats is the aggregate returned by the usage-stats query.
type UsageStats struct {
	TotalRequests     int64           `json:"total_requests"`
	ByStatus          []StatusCount   `json:"by_status"`
	ByEndpoint        []EndpointCount `json:"by_endpoint"`
	AvgResponseTimeMs float64         `json:"avg_response_time_ms"`
	PeriodDays        int             `json:"period_days"`
}

// UsageSummary is the compact aggregate alert rules evaluate against.
type UsageSummary struct {
	Total  int64 `db:"total"`
	Errors int64 `db:"errors"`
}

// UsageLogFilter selects events for the logs query. Zero values mean "any".
type UsageLogFilter struct {
	KeyID      string
	Endpoint   string // substring match
	Method     string
	StatusCode int
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}
