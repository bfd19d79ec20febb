package withdraw

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Idempotency 请求级防重，key 按地址隔离
type Idempotency interface {
	// Claim 第一次出现返回 true
	Claim(ctx context.Context, address, requestID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, address, requestID string)
}

type redisIdempotency struct {
	rdb *redis.Client
}

func NewRedisIdempotency(rdb *redis.Client) Idempotency {
	return &redisIdempotency{rdb: rdb}
}

func idemKey(address, requestID string) string {
	return fmt.Sprintf("idempotent:withdraw:%s:%s", address, requestID)
}

func (r *redisIdempotency) Claim(ctx context.Context, address, requestID string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, idemKey(address, requestID), "processing", ttl).Result()
}

func (r *redisIdempotency) Release(ctx context.Context, address, requestID string) {
	r.rdb.Del(ctx, idemKey(address, requestID))
}

// memoryIdempotency 单实例部署、未启用 Redis 时使用
type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]time.Time
}

func NewMemoryIdempotency() Idempotency {
	return &memoryIdempotency{keys: map[string]time.Time{}}
}

func (m *memoryIdempotency) Claim(_ context.Context, address, requestID string, ttl time.Duration) (bool, error) {
	key := idemKey(address, requestID)
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if len(m.keys) > 4096 {
		for k, exp := range m.keys {
			if !now.Before(exp) {
				delete(m.keys, k)
			}
		}
	}
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.keys[key] = now.Add(ttl)
	return true, nil
}

func (m *memoryIdempotency) Release(_ context.Context, address, requestID string) {
	m.mu.Lock()
	delete(m.keys, idemKey(address, requestID))
	m.mu.Unlock()
}
