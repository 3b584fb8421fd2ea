package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable reports that the limiter backend could not be reached.
// Callers decide whether to fail open or closed.
var ErrUnavailable = errors.New("ratelimit: backend unavailable")

// Redis is a fixed-window Limiter sharing counters across replicas.
// Each hit is an INCR; the first hit in a window arms the key's TTL.
type Redis struct {
	client  redis.UniversalClient
	budgets map[string]Budget
	now     func() time.Time
}

// NewRedis creates a Redis-backed limiter with the given budgets.
func NewRedis(client redis.UniversalClient, budgets map[string]Budget) *Redis {
	if budgets == nil {
		budgets = DefaultBudgets
	}
	return &Redis{client: client, budgets: budgets, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (r *Redis) WithClock(now func() time.Time) *Redis {
	r.now = now
	return r
}

func (r *Redis) Consume(ctx context.Context, identifier, bucket string) (Result, error) {
	budget, ok := r.budgets[bucket]
	if !ok {
		return Result{Allowed: true, Limit: -1, Remaining: -1}, nil
	}

	key := "ratelimit:" + bucket + ":" + identifier

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, budget.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl < 0 {
		// Key exists without expiry, e.g. the Expire above raced an
		// eviction. Re-arm so the counter cannot live forever.
		ttl = budget.Window
		_ = r.client.Expire(ctx, key, ttl).Err()
	}

	res := Result{
		Limit: budget.Limit,
		Reset: r.now().Add(ttl),
	}
	if count <= int64(budget.Limit) {
		res.Allowed = true
		res.Remaining = budget.Limit - int(count)
		return res, nil
	}
	res.RetryAfter = ttl
	return res, nil
}
