package webhook

import (
	"context"
	"time"
)

// SeenCache is a fast, lossy dedup marker in front of the webhook event
// table. A miss falls through to the table, so entries may expire freely.
type SeenCache interface {
	Seen(ctx context.Context, runID, status string) (bool, error)
	Mark(ctx context.Context, runID, status string) error
}

// KeyValue is the part of the Redis client RedisSeenCache uses.
type KeyValue interface {
	Exists(ctx context.Context, key string) (bool, error)
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
}

// RedisSeenCache keeps one key per handled (run id, status) pair.
type RedisSeenCache struct {
	kv     KeyValue
	ttl    time.Duration
	prefix string
}

func NewRedisSeenCache(kv KeyValue, ttl time.Duration) *RedisSeenCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSeenCache{kv: kv, ttl: ttl, prefix: "webhook:seen:"}
}

func (c *RedisSeenCache) key(runID, status string) string {
	return c.prefix + runID + ":" + status
}

func (c *RedisSeenCache) Seen(ctx context.Context, runID, status string) (bool, error) {
	return c.kv.Exists(ctx, c.key(runID, status))
}

func (c *RedisSeenCache) Mark(ctx context.Context, runID, status string) error {
	_, err := c.kv.SetNX(ctx, c.key(runID, status), time.Now().UTC().Format(time.RFC3339), c.ttl)
	return err
}
