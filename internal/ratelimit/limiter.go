package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Limiter decides whether another request for key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Decision is the outcome of a limiter lookup.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// FixedWindow adapts a ulule limiter instance.
type FixedWindow struct {
	inner *limiter.Limiter
}

// NewRedis builds a per-minute limiter whose counters live in Redis so every API
// replica shares them.
func NewRedis(rdb *redis.Client, perMinute int, prefix string) (*FixedWindow, error) {
	if prefix == "" {
		prefix = "lexbill:ratelimit"
	}
	store, err := limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	return newFixedWindow(store, perMinute), nil
}

// NewMemory builds a process-local limiter, used when Redis is not configured.
func NewMemory(perMinute int) *FixedWindow {
	return newFixedWindow(memory.NewStore(), perMinute)
}

func newFixedWindow(store limiter.Store, perMinute int) *FixedWindow {
	if perMinute <= 0 {
		perMinute = 120
	}
	rate := limiter.Rate{Period: time.Minute, Limit: int64(perMinute)}
	return &FixedWindow{inner: limiter.New(store, rate)}
}

// Allow consumes one token for key.
func (f *FixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := f.inner.Get(ctx, key)
	if err != nil {
		return Decision{Allowed: true}, err
	}
	return Decision{
		Allowed:   !res.Reached,
		Limit:     res.Limit,
		Remaining: res.Remaining,
		ResetAt:   time.Unix(res.Reset, 0),
	}, nil
}
