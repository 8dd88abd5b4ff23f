package billing

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const eventCacheKeyPrefix = "billing:event:"

// redisDuplicateCache backs DuplicateCache with Redis so duplicate webhook
// deliveries are short-circuited across instances without a database read.
type redisDuplicateCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDuplicateCache creates a DuplicateCache on the given client. The
// TTL should be at least as long as the processor's redelivery window;
// entries that expire early just fall back to the ledger.
func NewRedisDuplicateCache(client *redis.Client, ttl time.Duration) DuplicateCache {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &redisDuplicateCache{client: client, ttl: ttl}
}

func (c *redisDuplicateCache) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, eventCacheKeyPrefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisDuplicateCache) MarkSeen(ctx context.Context, eventID string) error {
	return c.client.Set(ctx, eventCacheKeyPrefix+eventID, "1", c.ttl).Err()
}
