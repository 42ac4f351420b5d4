// Package dedup flags replayed provider callbacks so a webhook delivered
// twice is acknowledged without duplicating its effects.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Deduper records webhook deliveries and reports replays.
type Deduper interface {
	// Seen marks the key as delivered and reports whether it had already
	// been delivered within the TTL window.
	Seen(ctx context.Context, key string) (bool, error)
	// Forget releases a key so the next delivery is treated as new.
	// Used when a delivery's effects failed to apply and the provider's
	// retry must not be swallowed as a replay.
	Forget(ctx context.Context, key string) error
}

// Key derives a stable dedup key from a plugin id and the raw callback
// body. Only the digest travels to the cache.
func Key(pluginID string, body []byte) string {
	sum := sha256.Sum256(body)
	return pluginID + ":" + hex.EncodeToString(sum[:])
}

// Redis is a Deduper backed by a shared Redis instance, for deployments
// where callbacks may land on any replica.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis constructs a Redis-backed deduper.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{client: client, ttl: ttl}
}

// Seen implements Deduper with a single SET NX round trip.
func (r *Redis) Seen(ctx context.Context, key string) (bool, error) {
	set, err := r.client.SetNX(ctx, "dispatch:webhook:"+key, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: setnx: %w", err)
	}
	return !set, nil
}

// Forget implements Deduper.
func (r *Redis) Forget(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, "dispatch:webhook:"+key).Err(); err != nil {
		return fmt.Errorf("dedup: del: %w", err)
	}
	return nil
}

// Memory is an in-process Deduper for tests and single-node setups.
type Memory struct {
	ttl time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemory constructs an in-memory deduper.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Memory{ttl: ttl, seen: map[string]time.Time{}}
}

// Seen implements Deduper.
func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if at, ok := m.seen[key]; ok && now.Sub(at) < m.ttl {
		return true, nil
	}
	for k, at := range m.seen {
		if now.Sub(at) >= m.ttl {
			delete(m.seen, k)
		}
	}
	m.seen[key] = now
	return false, nil
}

// Forget implements Deduper.
func (m *Memory) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}
