package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// CacheTTL is the expiry applied to every write. Zero means no expiry.
	CacheTTL time.Duration
}

// NewRedisConfigDefaults returns a config for a local Redis keeping entries for a day.
func NewRedisConfigDefaults() *RedisConfig {
	return &RedisConfig{
		Addr:     "localhost:6379",
		CacheTTL: 24 * time.Hour,
	}
}

// LoadRedisConfigWithEnv applies REDIS_ADDR, REDIS_PASSWORD, REDIS_DB and
// REDIS_TTL over the defaults.
func LoadRedisConfigWithEnv() *RedisConfig {
	cfg := NewRedisConfigDefaults()
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.DB = db
		} else {
			log.Warn().Err(err).Msg("cache: invalid REDIS_DB, using default")
		}
	}
	if v := os.Getenv("REDIS_TTL"); v != "" {
		if ttl, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = ttl
		} else {
			log.Warn().Err(err).Msg("cache: invalid REDIS_TTL, using default")
		}
	}
	return cfg
}

// RedisCache is a generic cache implementation using Redis. Values are stored
// as JSON under the key's fmt representation.
type RedisCache[K comparable, V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	keyPrefix   string
}

// NewRedisCache creates and connects a new generic RedisCache. It pings the
// Redis server to ensure connectivity before returning. Every key is stored
// under keyPrefix so several caches can share one database.
func NewRedisCache[K comparable, V any](
	ctx context.Context,
	cfg *RedisConfig,
	keyPrefix string,
	logger zerolog.Logger,
) (*RedisCache[K, V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisCache[K, V]{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisCache").Logger(),
		ttl:         cfg.CacheTTL,
		keyPrefix:   keyPrefix,
	}, nil
}

func (c *RedisCache[K, V]) key(key K) string {
	return c.keyPrefix + fmt.Sprintf("%v", key)
}

// FetchFromCache retrieves an item by key. A missing key returns ErrCacheMiss.
func (c *RedisCache[K, V]) FetchFromCache(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := c.key(key)
	cachedData, err := c.redisClient.Get(ctx, stringKey).Result()
	if err != nil {
		// A redis.Nil error is a normal cache miss. Any other error is a genuine problem.
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("key '%s': %w", stringKey, ErrCacheMiss)
		}
		c.logger.Error().Err(err).Str("key", stringKey).Msg("Unexpected Redis error during fetch.")
		return zero, fmt.Errorf("failed to get from redis: %w", err)
	}

	var value V
	if err := json.Unmarshal([]byte(cachedData), &value); err != nil {
		c.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to unmarshal cached data.")
		return zero, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	c.logger.Debug().Str("key", stringKey).Msg("Redis cache hit.")
	return value, nil
}

// WriteToCache sets a value in Redis with the configured TTL.
func (c *RedisCache[K, V]) WriteToCache(ctx context.Context, key K, value V) error {
	stringKey := c.key(key)
	jsonData, err := json.Marshal(value)
	if err != nil {
		c.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to marshal data for caching.")
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := c.redisClient.Set(ctx, stringKey, jsonData, c.ttl).Err(); err != nil {
		c.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to set data in Redis cache.")
		return fmt.Errorf("failed to set in redis: %w", err)
	}

	c.logger.Debug().Str("key", stringKey).Msg("Successfully stored data in Redis cache.")
	return nil
}

// Close closes the Redis client connection.
func (c *RedisCache[K, V]) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}
