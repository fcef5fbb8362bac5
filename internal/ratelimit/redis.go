package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window Limiter shared across processes. Windows are
// opened by SETNX with a TTL of the cooldown, so expiry is measured by the
// Redis server clock and the caller's now is ignored.
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	ceiling  int
	cooldown time.Duration
	timeout  time.Duration
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(client redis.UniversalClient, prefix string, ceiling int, cooldown time.Duration) *Redis {
	return &Redis{
		client:   client,
		prefix:   prefix,
		ceiling:  ceiling,
		cooldown: cooldown,
		timeout:  2 * time.Second,
	}
}

func (r *Redis) Allow(ctx context.Context, requesterID string, _ time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	key := r.prefix + requesterID
	opened, err := r.client.SetNX(ctx, key, 1, r.cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	if opened {
		return 1 <= r.ceiling, nil
	}

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	// A key that lost its TTL would never reset.
	if ttl, err := r.client.TTL(ctx, key).Result(); err == nil && ttl < 0 {
		r.client.Expire(ctx, key, r.cooldown)
	}
	return int(count) <= r.ceiling, nil
}
