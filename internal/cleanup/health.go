package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/arkilian/dicomindex/internal/logging"
	"github.com/arkilian/dicomindex/internal/observability"
)

// HealthStore reads the state of the deletion queue.
type HealthStore interface {
	GetOldestDeletedInstance(ctx context.Context) (time.Time, bool, error)
	RetrieveNumExhaustedDeletedInstanceAttempts(ctx context.Context, maxRetries int) (int, error)
}

// Health is the state of the deletion queue.
type Health struct {
	OldestDeletion time.Time `json:"oldest_deletion"`
	Pending        bool      `json:"pending"`
	Exhausted      int       `json:"exhausted"`
	CheckedAt      time.Time `json:"checked_at"`
}

// OldestDeletionAge returns how long the oldest queued deletion has waited.
func (h Health) OldestDeletionAge() time.Duration {
	if !h.Pending {
		return 0
	}
	return h.CheckedAt.Sub(h.OldestDeletion)
}

// HealthCache stores the last computed Health.
type HealthCache interface {
	// Get returns the cached value, or false when there is none.
	Get(ctx context.Context) (*Health, bool, error)
	Set(ctx context.Context, h Health) error
}

// HealthChecker reports the deletion queue health and exports it as gauges.
type HealthChecker struct {
	store      HealthStore
	cache      HealthCache
	maxRetries int
	log        zerolog.Logger
	now        func() time.Time
}

// NewHealthChecker creates a checker. Deletions with maxRetries failed
// attempts are reported as exhausted.
func NewHealthChecker(store HealthStore, cache HealthCache, maxRetries int) *HealthChecker {
	return &HealthChecker{
		store:      store,
		cache:      cache,
		maxRetries: maxRetries,
		log:        logging.Component("cleanup"),
		now:        time.Now,
	}
}

// Check returns the cached health, computing it when the cache is empty.
// A failing cache is logged and bypassed.
func (c *HealthChecker) Check(ctx context.Context) (*Health, error) {
	cached, ok, err := c.cache.Get(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("health cache read failed")
	}
	if ok {
		return cached, nil
	}

	h, err := c.compute(ctx)
	if err != nil {
		return nil, err
	}
	observability.CleanupOldestDeletionAge.Set(h.OldestDeletionAge().Seconds())
	observability.CleanupExhausted.Set(float64(h.Exhausted))

	if err := c.cache.Set(ctx, *h); err != nil {
		c.log.Warn().Err(err).Msg("health cache write failed")
	}
	return h, nil
}

func (c *HealthChecker) compute(ctx context.Context) (*Health, error) {
	oldest, pending, err := c.store.GetOldestDeletedInstance(ctx)
	if err != nil {
		return nil, err
	}
	exhausted, err := c.store.RetrieveNumExhaustedDeletedInstanceAttempts(ctx, c.maxRetries)
	if err != nil {
		return nil, err
	}
	return &Health{
		OldestDeletion: oldest,
		Pending:        pending,
		Exhausted:      exhausted,
		CheckedAt:      c.now(),
	}, nil
}

const healthKey = "health"

// MemoryHealthCache keeps the health in process for a fixed time.
type MemoryHealthCache struct {
	lru *expirable.LRU[string, Health]
}

// NewMemoryHealthCache creates an in-process cache.
func NewMemoryHealthCache(ttl time.Duration) *MemoryHealthCache {
	return &MemoryHealthCache{lru: expirable.NewLRU[string, Health](1, nil, ttl)}
}

func (m *MemoryHealthCache) Get(context.Context) (*Health, bool, error) {
	h, ok := m.lru.Get(healthKey)
	if !ok {
		return nil, false, nil
	}
	return &h, true, nil
}

func (m *MemoryHealthCache) Set(_ context.Context, h Health) error {
	m.lru.Add(healthKey, h)
	return nil
}

// RedisHealthCache shares the health between processes through Redis, so
// a fleet computes it once per TTL.
type RedisHealthCache struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisHealthCache creates a cache stored under key.
func NewRedisHealthCache(client redis.UniversalClient, key string, ttl time.Duration) *RedisHealthCache {
	if key == "" {
		key = "dicomindex:cleanup:" + healthKey
	}
	return &RedisHealthCache{client: client, key: key, ttl: ttl}
}

func (r *RedisHealthCache) Get(ctx context.Context) (*Health, bool, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cleanup: redis get: %w", err)
	}
	var h Health
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, false, fmt.Errorf("cleanup: decode cached health: %w", err)
	}
	return &h, true, nil
}

func (r *RedisHealthCache) Set(ctx context.Context, h Health) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("cleanup: redis set: %w", err)
	}
	return nil
}
