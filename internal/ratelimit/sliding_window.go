package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow is an in-memory sliding log limiter. Each key keeps the
// timestamps of its admitted requests under its own lock, so checks on
// different keys never contend.
type SlidingWindow struct {
	window  time.Duration
	now     func() time.Time
	windows sync.Map // key -> *windowState
}

// windowState represents the state for a sliding window.
type windowState struct {
	mu       sync.Mutex
	requests []time.Time
	dead     bool // removed from the map by Prune
}

// NewSlidingWindow creates an in-memory limiter over window. A zero window
// uses DefaultWindow.
func NewSlidingWindow(window time.Duration) *SlidingWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	return &SlidingWindow{window: window, now: time.Now}
}

// SetClock replaces the time source. It must be called before first use.
func (l *SlidingWindow) SetClock(now func() time.Time) {
	l.now = now
}

// Window returns the span the limiter counts over.
func (l *SlidingWindow) Window() time.Duration {
	return l.window
}

// Allow implements Limiter.
func (l *SlidingWindow) Allow(_ context.Context, key string, limit int) (*Result, error) {
	return l.allowAt(key, limit, l.now()), nil
}

func (l *SlidingWindow) allowAt(key string, limit int, now time.Time) *Result {
	for {
		ws := l.state(key)
		ws.mu.Lock()
		if ws.dead {
			// Lost a race with Prune; fetch the replacement state.
			ws.mu.Unlock()
			continue
		}

		l.evict(ws, now)
		allowed := len(ws.requests) < limit
		if allowed {
			ws.requests = append(ws.requests, now)
		}
		res := l.result(ws, now, limit, allowed)
		ws.mu.Unlock()
		return res
	}
}

func (l *SlidingWindow) state(key string) *windowState {
	if v, ok := l.windows.Load(key); ok {
		return v.(*windowState)
	}
	v, _ := l.windows.LoadOrStore(key, &windowState{})
	return v.(*windowState)
}

// evict drops requests that are no longer inside the window ending at now.
func (l *SlidingWindow) evict(ws *windowState, now time.Time) {
	windowStart := now.Add(-l.window)
	i := 0
	for i < len(ws.requests) && !ws.requests[i].After(windowStart) {
		i++
	}
	if i > 0 {
		ws.requests = append(ws.requests[:0], ws.requests[i:]...)
	}
}

func (l *SlidingWindow) result(ws *windowState, now time.Time, limit int, allowed bool) *Result {
	remaining := limit - len(ws.requests)
	if remaining < 0 {
		remaining = 0
	}

	resetAfter := l.window
	if len(ws.requests) > 0 {
		resetAfter = ws.requests[0].Add(l.window).Sub(now)
	}

	var retryAfter time.Duration
	if !allowed && len(ws.requests) > 0 {
		// The slot frees up when enough of the oldest requests expire to
		// bring the count below limit.
		idx := len(ws.requests) - limit
		if idx < 0 {
			idx = 0
		}
		retryAfter = ws.requests[idx].Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}

	return &Result{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}
}

// Reset implements Limiter.
func (l *SlidingWindow) Reset(_ context.Context, key string) error {
	if v, ok := l.windows.Load(key); ok {
		ws := v.(*windowState)
		ws.mu.Lock()
		ws.requests = nil
		ws.mu.Unlock()
	}
	return nil
}

// Prune forgets keys with no requests left in the window and returns how
// many were removed.
func (l *SlidingWindow) Prune() int {
	now := l.now()
	n := 0
	l.windows.Range(func(k, v interface{}) bool {
		ws := v.(*windowState)
		ws.mu.Lock()
		l.evict(ws, now)
		if len(ws.requests) == 0 {
			ws.dead = true
			l.windows.Delete(k)
			n++
		}
		ws.mu.Unlock()
		return true
	})
	return n
}
