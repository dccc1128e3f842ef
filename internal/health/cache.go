package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a verdict is served from cache.
const DefaultTTL = 20 * time.Second

// Cache holds recent verdicts per domain. Get returns nil, nil on a miss.
type Cache interface {
	Get(ctx context.Context, domainID uuid.UUID) (*Verdict, error)
	Set(ctx context.Context, v *Verdict) error
	Delete(ctx context.Context, domainID uuid.UUID) error
}

type cacheEntry struct {
	verdict  Verdict
	storedAt time.Time
}

// MemoryCache is a per-process cache with per-key timestamps.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[uuid.UUID]cacheEntry
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{ttl: ttl, entries: make(map[uuid.UUID]cacheEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, domainID uuid.UUID) (*Verdict, error) {
	c.mu.RLock()
	e, ok := c.entries[domainID]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.storedAt) >= c.ttl {
		return nil, nil
	}
	v := e.verdict
	return &v, nil
}

func (c *MemoryCache) Set(_ context.Context, v *Verdict) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[v.DomainID] = cacheEntry{verdict: *v, storedAt: c.now()}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, domainID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, domainID)
	return nil
}

// KeyPrefix namespaces verdicts in a shared Redis.
const KeyPrefix = "rotadominios:health:"

// RedisCache shares verdicts between server replicas; expiry is Redis' TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(domainID uuid.UUID) string {
	return KeyPrefix + domainID.String()
}

func (c *RedisCache) Get(ctx context.Context, domainID uuid.UUID) (*Verdict, error) {
	raw, err := c.client.Get(ctx, cacheKey(domainID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get cached verdict: %w", err)
	}
	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode cached verdict: %w", err)
	}
	return &v, nil
}

func (c *RedisCache) Set(ctx context.Context, v *Verdict) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, cacheKey(v.DomainID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache verdict: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, domainID uuid.UUID) error {
	if err := c.client.Del(ctx, cacheKey(domainID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate verdict: %w", err)
	}
	return nil
}
