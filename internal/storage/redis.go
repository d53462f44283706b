package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"visa-direct-sdk/pkg/logger"
)

// NewRedisClient connects to redis from a URL (redis://[:password@]host:port/db)
// and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err))
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("Connected to Redis successfully", zap.String("addr", opts.Addr))
	return client, nil
}

// RedisIdempotencyStore keeps payout results in redis. SET NX makes the
// first write win; later writers observe the existing entry untouched.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

func NewRedisIdempotencyStore(client *redis.Client) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: "idem:"}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (map[string]any, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency entry: %w", err)
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("corrupt idempotency entry for key %s: %w", key, err)
	}
	return value, nil
}

func (s *RedisIdempotencyStore) Put(ctx context.Context, key string, value map[string]any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize idempotency entry: %w", err)
	}
	// NX: a concurrent writer that lost the race leaves the stored value alone
	if err := s.client.SetNX(ctx, s.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store idempotency entry: %w", err)
	}
	return nil
}

// RedisReceiptStore burns funding receipts with atomic set-if-absent.
type RedisReceiptStore struct {
	client *redis.Client
	prefix string
}

func NewRedisReceiptStore(client *redis.Client) *RedisReceiptStore {
	return &RedisReceiptStore{client: client, prefix: "receipt:"}
}

func (s *RedisReceiptStore) ConsumeOnce(ctx context.Context, namespace, id string) (bool, error) {
	key := s.prefix + namespace + ":" + id
	consumed, err := s.client.SetNX(ctx, key, "1", ReceiptTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume receipt %s/%s: %w", namespace, id, err)
	}
	return consumed, nil
}

// redisCacheEnvelope carries the creation time alongside the payload so the
// half-TTL revalidation signal survives the round trip.
type redisCacheEnvelope struct {
	Payload    map[string]any `json:"payload"`
	CreatedAt  int64          `json:"createdAt"`
	TTLSeconds int64          `json:"ttlSeconds"`
}

// RedisCache is the remote-kv variant of the TTL cache.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "cache:"}
}

func (c *RedisCache) Get(ctx context.Context, key string) (map[string]any, error) {
	env, err := c.load(ctx, key)
	if err != nil || env == nil {
		return nil, err
	}
	return env.Payload, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value map[string]any, ttl time.Duration) error {
	env := redisCacheEnvelope{
		Payload:    value,
		CreatedAt:  time.Now().Unix(),
		TTLSeconds: int64(ttl.Seconds()),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

func (c *RedisCache) GetWithRevalidate(ctx context.Context, key string) (map[string]any, bool, error) {
	env, err := c.load(ctx, key)
	if err != nil || env == nil {
		return nil, false, err
	}
	age := time.Now().Unix() - env.CreatedAt
	revalidate := env.TTLSeconds > 0 && age > env.TTLSeconds/2
	return env.Payload, revalidate, nil
}

func (c *RedisCache) load(ctx context.Context, key string) (*redisCacheEnvelope, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	var env redisCacheEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("corrupt cache entry for key %s: %w", key, err)
	}
	return &env, nil
}
