// Package graphcache keeps loaded graph instances resident in the process.
//
// The cache is bounded and evicts the least recently used entry when a new
// one is inserted at capacity. Freshness is not tracked locally: every hit
// consults a FreshnessStore shared by all gateway processes, so a key that
// went idle anywhere past the TTL is rebuilt everywhere.
package graphcache

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/graph"
	"github.com/felipepmaragno/kb-gateway/internal/metrics"
	"github.com/felipepmaragno/kb-gateway/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCapacity = 5
	DefaultTTL      = 300 * time.Second
)

type Config struct {
	Capacity int
	TTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Capacity: DefaultCapacity,
		TTL:      DefaultTTL,
	}
}

type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

type entry struct {
	key        string
	inst       graph.Instance
	loadedAt   time.Time
	lastAccess time.Time
}

// Cache is safe for concurrent use. Its lock guards the map and the LRU list
// only; it is never held across a Loader call or a store round-trip.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List

	cfg    Config
	loader graph.Loader
	store  FreshnessStore
	now    func() time.Time

	group singleflight.Group
	// gens counts releases per key. A rebuild that started before a release
	// does not insert its result.
	gens map[string]uint64
}

func New(loader graph.Loader, store FreshnessStore, cfg Config, opts ...Option) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if store == nil {
		store = NewInMemoryFreshnessStore()
	}

	c := &Cache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		gens:    make(map[string]uint64),
		cfg:     cfg,
		loader:  loader,
		store:   store,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load returns the instance for key, rebuilding it when it is not resident
// or its shared record is missing or older than the TTL. Concurrent misses
// on one key share a single rebuild. Load errors wrap domain.ErrCacheLoad.
func (c *Cache) Load(ctx context.Context, key string) (graph.Instance, error) {
	if inst, ok := c.hit(ctx, key); ok {
		return inst, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.rebuild(context.WithoutCancel(ctx), key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(graph.Instance), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) hit(ctx context.Context, key string) (graph.Instance, bool) {
	c.mu.Lock()
	el, ok := c.entries[key]
	var e *entry
	if ok {
		e = el.Value.(*entry)
	}
	c.mu.Unlock()

	if !ok {
		metrics.RecordGraphCacheMiss("absent")
		return nil, false
	}

	recorded, found, err := c.store.Get(ctx, key)
	now := c.now()
	if err != nil {
		// The resident instance is still usable; serve it.
		slog.Warn("freshness lookup failed, serving resident graph", "graph_key", key, "error", err)
		c.touch(e, now)
		metrics.RecordGraphCacheHit()
		return e.inst, true
	}

	if found && now.Sub(recorded) <= c.cfg.TTL {
		if err := c.store.Set(ctx, key, now); err != nil {
			slog.Warn("freshness update failed", "graph_key", key, "error", err)
		}
		c.touch(e, now)
		metrics.RecordGraphCacheHit()
		return e.inst, true
	}

	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && cur.Value.(*entry) == e {
		c.removeLocked(cur, "stale")
	}
	c.mu.Unlock()

	metrics.RecordGraphCacheMiss("stale")
	slog.Debug("graph stale, rebuilding", "graph_key", key, "record_found", found)
	return nil, false
}

// touch refreshes e if it is still the resident entry for its key.
func (c *Cache) touch(e *entry, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[e.key]; ok && el.Value.(*entry) == e {
		e.lastAccess = now
		c.lru.MoveToFront(el)
	}
}

func (c *Cache) rebuild(ctx context.Context, key string) (graph.Instance, error) {
	ctx, span := telemetry.StartSpan(ctx, "graphcache.Load")
	defer span.End()
	telemetry.AddGraphAttributes(span, key, false)

	gen := c.generation(key)
	start := time.Now()
	inst, err := c.loader.Load(ctx, key)
	metrics.ObserveGraphLoad(time.Since(start).Seconds())
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrCacheLoad, key, err)
	}

	now := c.now()
	if !c.insert(key, inst, now, gen) {
		slog.Info("graph released while loading, not cached", "graph_key", key)
		return inst, nil
	}

	if err := c.store.Set(ctx, key, now); err != nil {
		slog.Warn("freshness update failed", "graph_key", key, "error", err)
	}
	if c.generation(key) != gen {
		if err := c.store.Delete(ctx, key); err != nil {
			slog.Warn("freshness delete failed", "graph_key", key, "error", err)
		}
	}

	slog.Info("graph loaded", "graph_key", key, "duration_ms", time.Since(start).Milliseconds())
	return inst, nil
}

func (c *Cache) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key]
}

// insert makes inst resident unless key was released since gen was read.
func (c *Cache) insert(key string, inst graph.Instance, now time.Time, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[key] != gen {
		return false
	}

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el, "replaced")
	}

	for c.lru.Len() >= c.cfg.Capacity {
		victim := c.lru.Back()
		slog.Info("graph cache full, evicting", "graph_key", victim.Value.(*entry).key)
		c.removeLocked(victim, "capacity")
	}

	c.entries[key] = c.lru.PushFront(&entry{key: key, inst: inst, loadedAt: now, lastAccess: now})
	metrics.SetGraphCacheResident(c.lru.Len())
	return true
}

func (c *Cache) removeLocked(el *list.Element, cause string) {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.entries, e.key)
	metrics.RecordGraphCacheEviction(cause)
	metrics.SetGraphCacheResident(c.lru.Len())
}

// Release drops key from this process, including the result of a load already
// in flight. The shared record is left alone.
func (c *Cache) Release(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gens[key]++
	c.group.Forget(key)

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(el, "release")
	slog.Info("graph released", "graph_key", key)
	return true
}

// Remove releases key and deletes its shared record, so every process that
// still holds it rebuilds on its next hit.
func (c *Cache) Remove(ctx context.Context, key string) error {
	c.Release(key)
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete freshness record %s: %w", key, err)
	}
	return nil
}

// Sweep removes every resident entry whose shared record is missing or older
// than maxAge and reports how many were removed. Keys whose record cannot be
// read are kept.
func (c *Cache) Sweep(ctx context.Context, maxAge time.Duration) int {
	c.mu.Lock()
	snapshot := make(map[string]*entry, len(c.entries))
	for k, el := range c.entries {
		snapshot[k] = el.Value.(*entry)
	}
	c.mu.Unlock()

	removed := 0
	for key, e := range snapshot {
		if ctx.Err() != nil {
			break
		}

		recorded, found, err := c.store.Get(ctx, key)
		if err != nil {
			slog.Warn("sweep: freshness lookup failed", "graph_key", key, "error", err)
			continue
		}
		if found && c.now().Sub(recorded) <= maxAge {
			continue
		}

		c.mu.Lock()
		if el, ok := c.entries[key]; ok && el.Value.(*entry) == e {
			c.removeLocked(el, "sweep")
			removed++
			slog.Info("swept expired graph", "graph_key", key)
		}
		c.mu.Unlock()
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys lists resident keys, most recently used first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}

func (c *Cache) TTL() time.Duration {
	return c.cfg.TTL
}
