// Package presence tracks the live-user count shared by all gateway
// replicas.
package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Counter is the replica-spanning connection count. Increments and decrements
// are atomic at the store; the gateway adds no locking of its own. The count
// may drift if disconnect accounting races a crash; there is no reconciliation
// sweep, an operator resets the key.
type Counter interface {
	Increment(ctx context.Context) (int64, error)
	Decrement(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// RedisCounter implements Counter on a single Redis key via INCR/DECR.
type RedisCounter struct {
	client *redis.Client
	key    string
}

func NewRedisCounter(client *redis.Client, key string) *RedisCounter {
	return &RedisCounter{client: client, key: key}
}

func (c *RedisCounter) Increment(ctx context.Context) (int64, error) {
	count, err := c.client.Incr(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", c.key, err)
	}
	return count, nil
}

func (c *RedisCounter) Decrement(ctx context.Context) (int64, error) {
	count, err := c.client.Decr(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to decrement %s: %w", c.key, err)
	}
	return count, nil
}

func (c *RedisCounter) Count(ctx context.Context) (int64, error) {
	count, err := c.client.Get(ctx, c.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", c.key, err)
	}
	return count, nil
}
