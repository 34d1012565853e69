package graphcache

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "kb-manager"

// FreshnessStore holds the last access time of each graph key where every
// gateway process can see it. A missing record means the key is stale.
type FreshnessStore interface {
	Get(ctx context.Context, key string) (t time.Time, ok bool, err error)
	Set(ctx context.Context, key string, t time.Time) error
	Delete(ctx context.Context, key string) error
}

// RedisFreshnessStore keeps one string per key at "{prefix}:::{key}" holding
// the access time as float UNIX seconds.
type RedisFreshnessStore struct {
	client *redis.Client
	prefix string
	expiry time.Duration
}

// NewRedisFreshnessStoreWithClient shares client. Records written with a
// non-zero expiry vanish from Redis on their own once they are that old.
func NewRedisFreshnessStoreWithClient(client *redis.Client, prefix string, expiry time.Duration) *RedisFreshnessStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisFreshnessStore{client: client, prefix: prefix, expiry: expiry}
}

func (s *RedisFreshnessStore) recordKey(key string) string {
	return s.prefix + ":::" + key
}

func (s *RedisFreshnessStore) Get(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, s.recordKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	t, err := parseSeconds(raw)
	if err != nil {
		// An unreadable record is treated like a missing one.
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func (s *RedisFreshnessStore) Set(ctx context.Context, key string, t time.Time) error {
	return s.client.Set(ctx, s.recordKey(key), formatSeconds(t), s.expiry).Err()
}

func (s *RedisFreshnessStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.recordKey(key)).Err()
}

func formatSeconds(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func parseSeconds(raw string) (time.Time, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, err
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), nil
}

// InMemoryFreshnessStore serves a single process.
type InMemoryFreshnessStore struct {
	mu      sync.RWMutex
	records map[string]time.Time
}

func NewInMemoryFreshnessStore() *InMemoryFreshnessStore {
	return &InMemoryFreshnessStore{records: make(map[string]time.Time)}
}

func (s *InMemoryFreshnessStore) Get(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.records[key]
	return t, ok, nil
}

func (s *InMemoryFreshnessStore) Set(ctx context.Context, key string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = t
	return nil
}

func (s *InMemoryFreshnessStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}
