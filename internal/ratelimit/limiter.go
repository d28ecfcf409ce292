// Package ratelimit enforces per-key request limits over a sliding window.
// Requests are counted over the trailing window rather than fixed minute
// buckets, so bursts straddling a boundary cannot exceed the limit.
package ratelimit

import (
	"context"
	"time"
)

// DefaultWindow is the span a key's rate limit applies to.
const DefaultWindow = time.Minute

// PerWindow converts a per-minute limit into the number of requests allowed
// over window, rounding up and never below one.
func PerWindow(perMinute int, window time.Duration) int {
	if window <= 0 || window == time.Minute {
		return perMinute
	}
	n := (int64(perMinute)*int64(window) + int64(time.Minute) - 1) / int64(time.Minute)
	if n < 1 {
		return 1
	}
	return int(n)
}

// Windowed is implemented by limiters that count over a configurable span.
type Windowed interface {
	Window() time.Duration
}

// Limiter defines the interface for rate limiting.
type Limiter interface {
	// Allow checks whether one more request for key fits within limit and
	// consumes a slot when it does. Denied requests consume nothing.
	Allow(ctx context.Context, key string, limit int) (*Result, error)

	// Reset forgets all recorded requests for key.
	Reset(ctx context.Context, key string) error
}

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Limit is the maximum number of requests allowed.
	Limit int

	// Remaining is the number of requests remaining in the current window.
	Remaining int

	// ResetAfter is the duration until the oldest counted request leaves
	// the window.
	ResetAfter time.Duration

	// RetryAfter is the duration to wait before retrying (when not allowed).
	RetryAfter time.Duration
}
