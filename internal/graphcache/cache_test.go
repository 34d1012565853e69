package graphcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/graph"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGraph struct {
	key   string
	build int
}

func (g *fakeGraph) Insert(context.Context, ...graph.Document) error { return nil }
func (g *fakeGraph) Query(context.Context, string, int) (*graph.QueryResult, error) {
	return &graph.QueryResult{}, nil
}
func (g *fakeGraph) Stats() graph.Stats { return graph.Stats{} }

type countingLoader struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (l *countingLoader) Load(ctx context.Context, key string) (graph.Instance, error) {
	n := l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return nil, l.err
	}
	return &fakeGraph{key: key, build: int(n)}, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(loader graph.Loader, store FreshnessStore, capacity int, clock *fakeClock) *Cache {
	return New(loader, store, Config{Capacity: capacity, TTL: 300 * time.Second}, WithClock(clock.Now))
}

func TestLoad_HitReturnsSameInstance(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{}
	c := newTestCache(loader, nil, 5, newClock())

	first, err := c.Load(ctx, "doc")
	require.NoError(t, err)
	second, err := c.Load(ctx, "doc")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, loader.calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestLoad_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(&countingLoader{}, nil, 2, newClock())

	for _, k := range []string{"a", "b", "a", "c"} {
		_, err := c.Load(ctx, k)
		require.NoError(t, err)
		assert.LessOrEqual(t, c.Len(), 2)
	}

	assert.Equal(t, []string{"c", "a"}, c.Keys())
}

func TestLoad_CapacityNeverExceeded(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(&countingLoader{}, nil, 3, newClock())

	for i := 0; i < 50; i++ {
		_, err := c.Load(ctx, fmt.Sprintf("k%d", i%7))
		require.NoError(t, err)
		require.LessOrEqual(t, c.Len(), 3)
	}
}

func TestLoad_TTLExpiryRebuilds(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	loader := &countingLoader{}
	c := newTestCache(loader, nil, 5, clock)

	first, err := c.Load(ctx, "doc")
	require.NoError(t, err)

	clock.Advance(301 * time.Second)

	second, err := c.Load(ctx, "doc")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.EqualValues(t, 2, loader.calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestLoad_HitRefreshesRecord(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	loader := &countingLoader{}
	c := newTestCache(loader, nil, 5, clock)

	first, err := c.Load(ctx, "doc")
	require.NoError(t, err)

	clock.Advance(200 * time.Second)
	_, err = c.Load(ctx, "doc")
	require.NoError(t, err)

	clock.Advance(200 * time.Second)
	third, err := c.Load(ctx, "doc")
	require.NoError(t, err)

	assert.Same(t, first, third)
	assert.EqualValues(t, 1, loader.calls.Load())
}

func TestLoad_ConcurrentMissesShareOneLoad(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{gate: make(chan struct{})}
	c := newTestCache(loader, nil, 5, newClock())

	const n = 16
	results := make([]graph.Instance, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := c.Load(ctx, "doc")
			assert.NoError(t, err)
			results[i] = inst
		}(i)
	}

	require.Eventually(t, func() bool { return loader.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(loader.gate)
	wg.Wait()

	assert.EqualValues(t, 1, loader.calls.Load())
	assert.Equal(t, 1, c.Len())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestLoad_LoaderFailure(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{err: fmt.Errorf("%w: doc", domain.ErrGraphNotFound)}
	c := newTestCache(loader, nil, 5, newClock())

	_, err := c.Load(ctx, "doc")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCacheLoad)
	assert.ErrorIs(t, err, domain.ErrGraphNotFound)
	assert.Equal(t, 0, c.Len())
}

func TestLoad_WaiterCancelDoesNotAbortLoad(t *testing.T) {
	loader := &countingLoader{gate: make(chan struct{})}
	c := newTestCache(loader, nil, 5, newClock())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Load(ctx, "doc")
		errc <- err
	}()

	require.Eventually(t, func() bool { return loader.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(loader.gate)
	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, time.Millisecond)

	_, err := c.Load(context.Background(), "doc")
	require.NoError(t, err)
	assert.EqualValues(t, 1, loader.calls.Load())
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryFreshnessStore()
	c := newTestCache(&countingLoader{}, store, 5, newClock())

	_, err := c.Load(ctx, "doc")
	require.NoError(t, err)

	assert.True(t, c.Release("doc"))
	assert.False(t, c.Release("doc"))
	assert.Equal(t, 0, c.Len())

	_, ok, _ := store.Get(ctx, "doc")
	assert.True(t, ok, "release must not touch the shared record")
}

func TestRelease_DuringLoadDoesNotCache(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryFreshnessStore()
	loader := &countingLoader{gate: make(chan struct{})}
	c := newTestCache(loader, store, 5, newClock())

	errc := make(chan error, 1)
	go func() {
		_, err := c.Load(ctx, "doc")
		errc <- err
	}()
	require.Eventually(t, func() bool { return loader.calls.Load() == 1 }, time.Second, time.Millisecond)

	c.Release("doc")
	close(loader.gate)
	require.NoError(t, <-errc)

	assert.Equal(t, 0, c.Len())
	_, ok, _ := store.Get(ctx, "doc")
	assert.False(t, ok, "a load released mid-flight must not write a record")

	_, err := c.Load(ctx, "doc")
	require.NoError(t, err)
	assert.EqualValues(t, 2, loader.calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestRemove_DeletesSharedRecord(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryFreshnessStore()
	clock := newClock()
	loaderA, loaderB := &countingLoader{}, &countingLoader{}
	a := newTestCache(loaderA, store, 5, clock)
	b := newTestCache(loaderB, store, 5, clock)

	_, err := a.Load(ctx, "doc")
	require.NoError(t, err)
	firstB, err := b.Load(ctx, "doc")
	require.NoError(t, err)

	require.NoError(t, a.Remove(ctx, "doc"))
	assert.Equal(t, 0, a.Len())
	_, ok, _ := store.Get(ctx, "doc")
	assert.False(t, ok)

	again, err := b.Load(ctx, "doc")
	require.NoError(t, err)
	assert.NotSame(t, firstB, again)
	assert.EqualValues(t, 2, loaderB.calls.Load())
}

func TestRemove_StoreError(t *testing.T) {
	c := newTestCache(&countingLoader{}, brokenStore{}, 5, newClock())
	assert.Error(t, c.Remove(context.Background(), "doc"))
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewInMemoryFreshnessStore()
	c := newTestCache(&countingLoader{}, store, 5, clock)

	for _, k := range []string{"a", "b", "c"} {
		_, err := c.Load(ctx, k)
		require.NoError(t, err)
	}

	require.NoError(t, store.Delete(ctx, "a"))
	assert.Equal(t, 1, c.Sweep(ctx, 600*time.Second))
	assert.ElementsMatch(t, []string{"b", "c"}, c.Keys())

	clock.Advance(100 * time.Second)
	_, err := c.Load(ctx, "c")
	require.NoError(t, err)

	clock.Advance(550 * time.Second)
	assert.Equal(t, 1, c.Sweep(ctx, 600*time.Second))
	assert.Equal(t, []string{"c"}, c.Keys())
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("connection refused")
}
func (brokenStore) Set(context.Context, string, time.Time) error { return errors.New("connection refused") }
func (brokenStore) Delete(context.Context, string) error         { return errors.New("connection refused") }

func TestLoad_StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{}
	c := newTestCache(loader, brokenStore{}, 5, newClock())

	first, err := c.Load(ctx, "doc")
	require.NoError(t, err, "a miss still loads without the store")

	second, err := c.Load(ctx, "doc")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, loader.calls.Load())

	assert.Equal(t, 0, c.Sweep(ctx, time.Second), "unreadable records keep their entries")
	assert.Equal(t, 1, c.Len())
}

func TestSweeper_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewInMemoryFreshnessStore()
	c := newTestCache(&countingLoader{}, store, 5, newClock())

	_, err := c.Load(ctx, "doc")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "doc"))

	done := make(chan struct{})
	go func() {
		NewSweeper(c, 5*time.Millisecond, time.Minute).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func newRedisStore(t *testing.T) (*RedisFreshnessStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisFreshnessStoreWithClient(client, "", 0), mr
}

func TestRedisFreshnessStore(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	_, ok, err := store.Get(ctx, "doc")
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Unix(1735689600, 250000000)
	require.NoError(t, store.Set(ctx, "doc", at))

	raw, err := mr.Get("kb-manager:::doc")
	require.NoError(t, err)
	assert.Equal(t, "1735689600.250000", raw)

	got, ok, err := store.Get(ctx, "doc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, at, got, time.Microsecond)

	require.NoError(t, store.Delete(ctx, "doc"))
	_, ok, _ = store.Get(ctx, "doc")
	assert.False(t, ok)
}

func TestRedisFreshnessStore_ReadsForeignRecords(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	require.NoError(t, mr.Set("kb-manager:::py", "1735689600.5"))
	got, ok, err := store.Get(ctx, "py")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1735689600), got.Unix())

	require.NoError(t, mr.Set("kb-manager:::junk", "not-a-number"))
	_, ok, err = store.Get(ctx, "junk")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisFreshnessStore_Expiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisFreshnessStoreWithClient(client, "kb", time.Minute)

	require.NoError(t, store.Set(ctx, "doc", time.Now()))
	assert.True(t, mr.Exists("kb:::doc"))

	mr.FastForward(2 * time.Minute)
	_, ok, err := store.Get(ctx, "doc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_SharedFreshnessAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	clock := newClock()

	loaderA, loaderB := &countingLoader{}, &countingLoader{}
	a := newTestCache(loaderA, store, 5, clock)
	b := newTestCache(loaderB, store, 5, clock)

	firstA, err := a.Load(ctx, "doc")
	require.NoError(t, err)

	// Activity in another process keeps this process's entry fresh.
	clock.Advance(200 * time.Second)
	_, err = b.Load(ctx, "doc")
	require.NoError(t, err)

	clock.Advance(200 * time.Second)
	againA, err := a.Load(ctx, "doc")
	require.NoError(t, err)
	assert.Same(t, firstA, againA)
	assert.EqualValues(t, 1, loaderA.calls.Load())

	// Removing the shared record makes every process rebuild.
	require.NoError(t, store.Delete(ctx, "doc"))
	rebuilt, err := a.Load(ctx, "doc")
	require.NoError(t, err)
	assert.NotSame(t, firstA, rebuilt)
	assert.EqualValues(t, 2, loaderA.calls.Load())
}

func TestCache_RedisDownServesResident(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)
	loader := &countingLoader{}
	c := newTestCache(loader, store, 5, newClock())

	first, err := c.Load(ctx, "doc")
	require.NoError(t, err)

	mr.Close()

	second, err := c.Load(ctx, "doc")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, loader.calls.Load())
}
