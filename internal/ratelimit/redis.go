package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/faucetdb/valve/internal/metrics"
)

// slidingLogScript admits a request when fewer than limit members of the
// key's sorted set fall inside the window. Scores are request times in
// milliseconds. Returns: allowed (0 or 1), count, oldest score.
var slidingLogScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)

	local count = redis.call('ZCARD', key)
	local allowed = 0
	if count < limit then
		redis.call('ZADD', key, now, member)
		count = count + 1
		allowed = 1
	end
	redis.call('PEXPIRE', key, window_ms + 1000)

	local oldest = now
	local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if #first > 0 then
		oldest = tonumber(first[2])
	end
	local nth = oldest
	if allowed == 0 then
		local idx = count - limit
		if idx < 0 then idx = 0 end
		local at = redis.call('ZRANGE', key, idx, idx, 'WITHSCORES')
		if #at > 0 then
			nth = tonumber(at[2])
		end
	end
	return {allowed, count, oldest, nth}
`)

// RedisConfig configures a RedisLimiter.
type RedisConfig struct {
	Window           time.Duration
	Prefix           string
	BreakerThreshold int           // consecutive failures that open the breaker
	BreakerTimeout   time.Duration // how long the breaker stays open
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// RedisLimiter shares sliding windows between valve instances through a
// Redis sorted set per key. While Redis is failing a circuit breaker routes
// checks to a local SlidingWindow so requests are still limited per
// instance.
type RedisLimiter struct {
	client   redis.UniversalClient
	prefix   string
	window   time.Duration
	breaker  *gobreaker.CircuitBreaker
	fallback *SlidingWindow
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter on client.
func NewRedisLimiter(client redis.UniversalClient, cfg RedisConfig) *RedisLimiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "valve:rl:"
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &RedisLimiter{
		client:   client,
		prefix:   cfg.Prefix,
		window:   cfg.Window,
		fallback: NewSlidingWindow(cfg.Window),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}

	threshold := uint32(cfg.BreakerThreshold)
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-ratelimit",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Warn("circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			l.metrics.SetBreakerState(int(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return l
}

// Window returns the span the limiter counts over.
func (l *RedisLimiter) Window() time.Duration {
	return l.window
}

// SetClock replaces the time source for both redis and fallback windows.
func (l *RedisLimiter) SetClock(now func() time.Time) {
	l.now = now
	l.fallback.SetClock(now)
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (*Result, error) {
	out, err := l.breaker.Execute(func() (interface{}, error) {
		return l.allowRedis(ctx, key, limit)
	})
	if err == nil {
		l.metrics.RecordRateLimitBackend("redis")
		return out.(*Result), nil
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}

	if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		l.logger.Warn("redis rate limit check failed, using local window", "key_id", key, "error", err)
	}
	l.metrics.RecordRateLimitBackend("fallback")
	return l.fallback.Allow(ctx, key, limit)
}

func (l *RedisLimiter) allowRedis(ctx context.Context, key string, limit int) (*Result, error) {
	now := l.now()
	nowMs := now.UnixMilli()
	windowMs := l.window.Milliseconds()

	vals, err := slidingLogScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		limit, windowMs, nowMs, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("run sliding window script: %w", err)
	}
	if len(vals) != 4 {
		return nil, fmt.Errorf("sliding window script returned %d values", len(vals))
	}

	allowed := vals[0] == 1
	count := int(vals[1])
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	res := &Result{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  remaining,
		ResetAfter: time.Duration(vals[2]+windowMs-nowMs) * time.Millisecond,
	}
	if !allowed {
		retry := time.Duration(vals[3]+windowMs-nowMs) * time.Millisecond
		if retry < 0 {
			retry = 0
		}
		res.RetryAfter = retry
	}
	return res, nil
}

// Reset implements Limiter.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	_ = l.fallback.Reset(ctx, key)
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}

// Prune drops idle keys from the local fallback window.
func (l *RedisLimiter) Prune() int {
	return l.fallback.Prune()
}

// State returns the breaker state.
func (l *RedisLimiter) State() gobreaker.State {
	return l.breaker.State()
}
