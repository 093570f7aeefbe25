// Package velocity provides shared, externally keyed counters with expiry.
//
// Rapid-creation and referral-abuse rules need counts that survive horizontal
// scaling; per-instance in-process counters would undercount as soon as a
// second replica runs. The Redis store is the production backend; the memory
// store has identical semantics for single-node deployments and tests.
package velocity

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore is a windowed counter keyed by arbitrary strings.
// Incr counts one event and returns the new total within the window; the
// window starts at the first event and the key expires with it.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
}

// ─── Redis-backed store ───────────────────────────────────────────────────────

// RedisStore implements CounterStore on a shared Redis instance.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the Redis instance at the given URL
// (redis://host:port/db).
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: redis.NewClient(opts), prefix: "velocity:"}, nil
}

// Incr increments the counter and sets the window expiry on first write only,
// so the window is anchored at the first event rather than sliding.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, s.prefix+key)
	pipe.ExpireNX(ctx, s.prefix+key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Get returns the current count, zero if the key is absent or expired.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, s.prefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Ping verifies connectivity; called once at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// ─── In-memory fallback ───────────────────────────────────────────────────────

type memEntry struct {
	count   int64
	expires time.Time
}

// MemoryStore is a process-local CounterStore with the same windowing
// semantics as the Redis store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Incr increments the counter, starting a fresh window if the previous one
// has expired.
func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || now.After(e.expires) {
		e = &memEntry{expires: now.Add(window)}
		s.entries[key] = e
	}
	e.count++
	return e.count, nil
}

// Get returns the current count, zero once the window has expired.
func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || s.now().After(e.expires) {
		return 0, nil
	}
	return e.count, nil
}
