package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mediaforge/taskcron/internal/domain"
)

// snapshotKey is the Redis key holding the serialized metrics snapshot.
const snapshotKey = "taskcron:metrics:snapshot"

// SnapshotCache stores the metrics snapshot in Redis with a short TTL so
// dashboard polling does not hammer the aggregate queries. All failures are
// reported to the caller, which falls back to the store.
type SnapshotCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewSnapshotCache creates a SnapshotCache over the given client.
func NewSnapshotCache(client redis.UniversalClient, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &SnapshotCache{client: client, ttl: ttl}
}

// Get returns the cached snapshot, or ok=false on a miss.
func (c *SnapshotCache) Get(ctx context.Context) (domain.MetricsSnapshot, bool, error) {
	raw, err := c.client.Get(ctx, snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.MetricsSnapshot{}, false, nil
	}
	if err != nil {
		return domain.MetricsSnapshot{}, false, fmt.Errorf("redis get snapshot: %w", err)
	}

	var snapshot domain.MetricsSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		// A corrupt entry is dropped rather than served.
		_ = c.client.Del(ctx, snapshotKey).Err()
		return domain.MetricsSnapshot{}, false, nil
	}
	return snapshot, true, nil
}

// Set stores the snapshot with the cache TTL.
func (c *SnapshotCache) Set(ctx context.Context, snapshot domain.MetricsSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, snapshotKey, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set snapshot: %w", err)
	}
	return nil
}

// Invalidate drops the cached snapshot.
func (c *SnapshotCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, snapshotKey).Err(); err != nil {
		return fmt.Errorf("redis del snapshot: %w", err)
	}
	return nil
}
