package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces schema keys in Redis.
const DefaultRedisPrefix = "docflow:schema:"

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore reads schemas stored as plain string values under <prefix><version>.
type RedisStore struct {
	client redisGetter
	prefix string
}

// RedisConfig holds the connection settings for NewRedisClient.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and pings it before returning.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// NewRedisStore returns a store reading through client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client redisGetter, prefix string) *RedisStore {
	if client == nil {
		panic("docflow: redis client is required")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, version string) ([]byte, error) {
	if err := checkVersion(version); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, s.prefix+version).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(version)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get schema %q: %w", version, err)
	}
	return raw, nil
}
