package servicedesc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// TotalsCache memoises computed DRAFT totals in Redis. Keys embed updated_at,
// so any mutation of the description makes the previous entry unreachable.
type TotalsCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewTotalsCache constructs a cache helper. A nil client disables caching.
func NewTotalsCache(client *redis.Client, ttl time.Duration) *TotalsCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TotalsCache{client: client, ttl: ttl, prefix: "lexbill:sd:total"}
}

// Key returns the cache key for a description version.
func (c *TotalsCache) Key(id uuid.UUID, updatedAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", c.prefix, id, updatedAt.UTC().UnixNano())
}

// Get reports the cached total for the given version, if present.
func (c *TotalsCache) Get(ctx context.Context, id uuid.UUID, updatedAt time.Time) (decimal.Decimal, bool, error) {
	if c == nil || c.client == nil {
		return decimal.Decimal{}, false, nil
	}
	raw, err := c.client.Get(ctx, c.Key(id, updatedAt)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decimal.Decimal{}, false, nil
		}
		return decimal.Decimal{}, false, err
	}
	total, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	return total, true, nil
}

// Set stores total for the given version with the configured TTL.
func (c *TotalsCache) Set(ctx context.Context, id uuid.UUID, updatedAt time.Time, total decimal.Decimal) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, c.Key(id, updatedAt), total.StringFixed(2), c.ttl).Err()
}
