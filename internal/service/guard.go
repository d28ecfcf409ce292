package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/metrics"
	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/ratelimit"
)

// AccessRequest describes one call a client wants to make with an API key.
type AccessRequest struct {
	Secret     string
	Method     string
	Path       string
	RemoteAddr string
}

// Decision is the outcome of a Check. Key is set whenever the secret
// resolved, even if access was then denied, so callers can attribute the
// attempt.
type Decision struct {
	Key   *model.APIKey
	Limit *ratelimit.Result
}

// Guard runs the per-request pipeline: resolve the key, check its lifecycle
// state and grace period, then the IP whitelist, then permissions, and
// finally the rate limit. Only requests that pass everything else consume
// a rate limit slot.
type Guard struct {
	keys      *KeyService
	rotations *RotationManager
	limiter   ratelimit.Limiter
	window    time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewGuard wires the pipeline. m may be nil. Key rate limits are per minute;
// when the limiter counts over a different span the limit is scaled to it.
func NewGuard(keys *KeyService, rotations *RotationManager, limiter ratelimit.Limiter, m *metrics.Metrics) *Guard {
	window := ratelimit.DefaultWindow
	if w, ok := limiter.(ratelimit.Windowed); ok && w.Window() > 0 {
		window = w.Window()
	}
	return &Guard{
		keys:      keys,
		rotations: rotations,
		limiter:   limiter,
		window:    window,
		metrics:   m,
		logger:    keys.logger,
	}
}

// Check decides whether req may proceed. Errors are ErrUnauthorized,
// ErrRevoked, ErrExpired, ErrForbidden or a *RateLimitError; anything else
// is an internal failure.
func (g *Guard) Check(ctx context.Context, req AccessRequest) (*Decision, error) {
	start := time.Now()
	d, err := g.check(ctx, req)
	g.metrics.RecordDecision(Outcome(err), time.Since(start))
	return d, err
}

func (g *Guard) check(ctx context.Context, req AccessRequest) (*Decision, error) {
	d := &Decision{}
	if req.Secret == "" {
		return d, ErrUnauthorized
	}

	key, err := g.keys.store.GetAPIKeyByHash(ctx, config.HashAPIKey(req.Secret))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return d, ErrUnauthorized
		}
		return d, err
	}
	d.Key = key

	now := g.keys.now()
	if key.State == model.KeyStateRevoked || !key.IsActive {
		return d, ErrRevoked
	}
	if key.IsExpired(now) {
		return d, ErrExpired
	}
	if err := g.rotations.CheckGrace(ctx, key, now); err != nil {
		return d, err
	}
	if !IPAllowed(key, req.RemoteAddr) {
		return d, ErrForbidden
	}
	if !Authorize(key, req.Method, req.Path) {
		return d, ErrForbidden
	}

	res, err := g.limiter.Allow(ctx, key.ID, ratelimit.PerWindow(key.RateLimit, g.window))
	if err != nil {
		if ctx.Err() != nil {
			return d, ctx.Err()
		}
		// A broken limiter must not take the gate down with it.
		g.logger.Warn("rate limit check failed, admitting request", "key_id", key.ID, "error", err)
		return d, nil
	}
	d.Limit = res
	if !res.Allowed {
		return d, &RateLimitError{Limit: res.Limit, Remaining: res.Remaining, RetryAfter: res.RetryAfter}
	}
	return d, nil
}

// Outcome names the class of a Check error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "allowed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	}
	return "error"
}
