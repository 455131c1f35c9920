// Package cache implements the bounded, optionally-distributed event-id
// existence cache shared across a node's peer connections (spec.md §5
// "Shared resources": LRU, default capacity 1000, entries may be evicted at
// any time; a miss falls through to the storage collaborator, never an
// error in itself).
package cache

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sandwichfarm/causalnet/internal/config"
	"github.com/sandwichfarm/causalnet/internal/proto"
)

const defaultCapacity = 1000

const redisSetKey = "causalnet:events"

// EventCache fronts storage lookups with a local LRU and, when configured,
// a Redis set shared across every peer connection on this node so one
// connection's lineage walk warms the cache for all the others.
type EventCache struct {
	local *lru.Cache[proto.EventId, struct{}]
	redis *redis.Client
}

// New builds an EventCache per cfg. A nil cfg.Redis keeps the cache purely
// local to this process.
func New(cfg *config.Cache) (*EventCache, error) {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	local, err := lru.New[proto.EventId, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("cache: new lru: %w", err)
	}
	c := &EventCache{local: local}
	if cfg.Redis != nil {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			PoolSize: cfg.Redis.PoolSize,
			DB:       cfg.Redis.DB,
		})
	}
	return c, nil
}

// Observe marks id as known, locally and (when configured) in the shared
// Redis set.
func (c *EventCache) Observe(ctx context.Context, id proto.EventId) error {
	c.local.Add(id, struct{}{})
	if c.redis == nil {
		return nil
	}
	if err := c.redis.SAdd(ctx, redisSetKey, id.String()).Err(); err != nil {
		return fmt.Errorf("cache: redis observe: %w", err)
	}
	return nil
}

// Contains reports whether id is known to the cache: local LRU first, then
// Redis if configured. A (false, nil) result is not an error; callers fall
// through to storage.
func (c *EventCache) Contains(ctx context.Context, id proto.EventId) (bool, error) {
	if _, ok := c.local.Get(id); ok {
		return true, nil
	}
	if c.redis == nil {
		return false, nil
	}
	ok, err := c.redis.SIsMember(ctx, redisSetKey, id.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("cache: redis contains: %w", err)
	}
	if ok {
		c.local.Add(id, struct{}{})
	}
	return ok, nil
}

// Remove evicts id from the local LRU, used when storage reports an id that
// turned out stale (e.g. after a retention sweep the core does not manage).
func (c *EventCache) Remove(id proto.EventId) {
	c.local.Remove(id)
}

// Ping checks reachability of the distributed backing store, if configured;
// a purely local cache always reports healthy.
func (c *EventCache) Ping(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}

// Len reports the number of entries resident in the local LRU.
func (c *EventCache) Len() int {
	return c.local.Len()
}

// Close releases the Redis connection pool, if any.
func (c *EventCache) Close() error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Close()
}
