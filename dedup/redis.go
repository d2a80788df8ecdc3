package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces fingerprint reservations in Redis.
const keyPrefix = "syndicate:fp:"

// RedisReserver holds fingerprint reservations in Redis so the duplicate
// window is shared across processes. Reservation is a single SET NX PX,
// atomic on the Redis side.
type RedisReserver struct {
	client redis.UniversalClient
}

// NewRedisReserver creates a Reserver backed by the given Redis client.
func NewRedisReserver(client redis.UniversalClient) *RedisReserver {
	return &RedisReserver{client: client}
}

// Reserve implements Reserver.
func (r *RedisReserver) Reserve(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, keyPrefix+fingerprint, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup/redis: setnx: %w", err)
	}
	return ok, nil
}

// Release implements Reserver.
func (r *RedisReserver) Release(ctx context.Context, fingerprint string) error {
	if err := r.client.Del(ctx, keyPrefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("dedup/redis: del: %w", err)
	}
	return nil
}
