/**
 * @description
 * Settlement replay guard. Installment settlement advances state by exactly
 * one unit per call, so a client retry after a timeout would double-settle.
 * Callers may supply an idempotency key per attempt; when Redis is configured
 * the key is reserved before the settlement runs and replays are rejected.
 * Without Redis the guard is a no-op and replay protection stays with the
 * caller, which matches the original system's behavior.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// SettlementGuard reserves idempotency keys for settlement attempts.
type SettlementGuard interface {
	// Reserve returns false when the key has already been used.
	Reserve(ctx context.Context, key string) (bool, error)
	// Release frees a reservation after a failed settlement so the caller can
	// retry with the same key.
	Release(ctx context.Context, key string) error
}

// NoopSettlementGuard accepts every key.
type NoopSettlementGuard struct{}

func (NoopSettlementGuard) Reserve(ctx context.Context, key string) (bool, error) { return true, nil }
func (NoopSettlementGuard) Release(ctx context.Context, key string) error         { return nil }

// RedisSettlementGuard reserves keys with SET NX and a TTL.
type RedisSettlementGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSettlementGuard creates a guard with the given key prefix and
// reservation TTL.
func NewRedisSettlementGuard(client *redis.Client, prefix string, ttl time.Duration) *RedisSettlementGuard {
	if prefix == "" {
		prefix = "policy:settlement"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSettlementGuard{client: client, prefix: prefix, ttl: ttl}
}

func (g *RedisSettlementGuard) redisKey(key string) string {
	return g.prefix + ":" + key
}

// Reserve marks the key as used. A Redis outage fails open with a warning:
// blocking all settlements on the guard's availability would be worse than
// falling back to caller-side replay protection.
func (g *RedisSettlementGuard) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.redisKey(key), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		log.Printf("level=warn component=settlement_guard msg=\"redis reserve failed; allowing settlement\" key=%s err=%v", key, err)
		return true, nil
	}
	return ok, nil
}

// Release frees the reservation.
func (g *RedisSettlementGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, g.redisKey(key)).Err()
}
