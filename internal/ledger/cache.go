package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
)

type Cache interface {
	GetBalance(ctx context.Context, address, currency string) (*BalanceView, bool, error)
	SetBalance(ctx context.Context, v *BalanceView, ttl time.Duration) error
	DelBalance(ctx context.Context, address, currency string) error
}

type redisCache struct {
	client *redis.Client
}

func NewRedisCache(c *redis.Client) Cache {
	return &redisCache{client: c}
}

func (r *redisCache) GetBalance(ctx context.Context, address, currency string) (*BalanceView, bool, error) {
	key := cacheKey(address, currency)

	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	v := &BalanceView{}
	if err := json.Unmarshal(b, v); err != nil {
		// 缓存脏了就删掉，避免持续命中错误
		_ = r.client.Del(ctx, key).Err()
		return nil, false, err
	}
	return v, true, nil
}

func (r *redisCache) SetBalance(ctx context.Context, v *BalanceView, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	// 加入随机时间 防止同时过期
	return r.client.Set(ctx, cacheKey(v.Address, v.Currency), b, withJitter(ttl, 300*time.Millisecond)).Err()
}

func (r *redisCache) DelBalance(ctx context.Context, address, currency string) error {
	return r.client.Del(ctx, cacheKey(address, currency)).Err()
}

func cacheKey(address, currency string) string {
	return fmt.Sprintf("ledger:bal:%s:%s", address, strings.ToUpper(currency))
}

func withJitter(ttl time.Duration, jitter time.Duration) time.Duration {
	if ttl <= 0 || jitter <= 0 {
		return ttl
	}
	return ttl + rand.N(jitter)
}

// noopCache Redis 未启用时使用
type noopCache struct{}

func NewNoopCache() Cache { return noopCache{} }

func (noopCache) GetBalance(context.Context, string, string) (*BalanceView, bool, error) {
	return nil, false, nil
}
func (noopCache) SetBalance(context.Context, *BalanceView, time.Duration) error { return nil }
func (noopCache) DelBalance(context.Context, string, string) error            { return nil }
