package cache

import (
	"context"
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/platform/obs"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "estimate:"

// RedisEstimateCache keeps routing estimates in Redis with a TTL so stale
// road-network answers age out.
type RedisEstimateCache struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisEstimateCache(client *redis.Client, ttl time.Duration) *RedisEstimateCache {
	return &RedisEstimateCache{Client: client, TTL: ttl}
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

func (r *RedisEstimateCache) Get(ctx context.Context, key string) (_ domain.Estimate, _ bool, err error) {
	defer obs.Time(ctx, "estimate.redis.Get")(&err)

	if r.Client == nil {
		return domain.Estimate{}, false, errors.New("estimate cache: redis client is nil")
	}
	if strings.TrimSpace(key) == "" {
		return domain.Estimate{}, false, errors.New("get estimate cache: key must not be empty")
	}

	b, err := r.Client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Estimate{}, false, nil
	}
	if err != nil {
		return domain.Estimate{}, false, fmt.Errorf("get estimate cache: %w", err)
	}

	var est domain.Estimate
	if err := json.Unmarshal(b, &est); err != nil {
		return domain.Estimate{}, false, fmt.Errorf("get estimate cache: decode: %w", err)
	}
	return est, true, nil
}

func (r *RedisEstimateCache) Put(ctx context.Context, key string, est domain.Estimate) error {
	if r.Client == nil {
		return errors.New("estimate cache: redis client is nil")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("insert estimate cache: key must not be empty")
	}

	b, err := json.Marshal(est)
	if err != nil {
		return fmt.Errorf("insert estimate cache: encode: %w", err)
	}
	if err := r.Client.Set(ctx, redisKeyPrefix+key, b, r.TTL).Err(); err != nil {
		return fmt.Errorf("insert estimate cache key=%q: %w", key, err)
	}
	return nil
}
