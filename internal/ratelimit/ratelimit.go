// Package ratelimit caps how many completions a user may start per minute.
// The in-memory limiter serves a single process; RedisRateLimiter shares the
// window between processes.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const Window = time.Minute

// RateLimiter reports whether one more request for key fits in limit per
// Window, the quota left and when the window resets.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(Window)}
		r.windows[key] = w
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limit - w.count, w.resetAt, nil
}

// Prune drops windows that have already reset.
func (r *InMemoryRateLimiter) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for k, w := range r.windows {
		if !now.Before(w.resetAt) {
			delete(r.windows, k)
			n++
		}
	}
	return n
}
