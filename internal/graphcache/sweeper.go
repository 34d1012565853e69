package graphcache

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs Cache.Sweep on a fixed interval.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	maxAge   time.Duration
}

// NewSweeper sweeps every interval, removing entries idle longer than maxAge.
// A zero maxAge uses the cache TTL.
func NewSweeper(cache *Cache, interval, maxAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = cache.TTL()
	}
	if maxAge <= 0 {
		maxAge = cache.TTL()
	}
	return &Sweeper{cache: cache, interval: interval, maxAge: maxAge}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("graph sweeper started", "interval", s.interval.String(), "max_age", s.maxAge.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.cache.Sweep(ctx, s.maxAge); n > 0 {
				slog.Info("graph sweep finished", "removed", n, "resident", s.cache.Len())
			}
		}
	}
}
