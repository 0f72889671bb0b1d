package prefs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore implements Store on a Redis hash, for deployments that keep
// device state in a local Redis instance instead of the filesystem. Each
// pref key becomes a field of the configured hash.
type RedisStore struct {
	client  *redis.Client
	ctx     context.Context
	hashKey string
	logger  zerolog.Logger
}

// NewRedisStore connects to Redis at addr and stores prefs as fields of
// hashKey.
func NewRedisStore(ctx context.Context, addr, hashKey string, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client:  client,
		ctx:     ctx,
		hashKey: hashKey,
		logger:  logger,
	}, nil
}

// Close closes the underlying Redis client.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

// GetString returns the value stored for key.
func (rs *RedisStore) GetString(key string) (string, error) {
	value, err := rs.client.HGet(rs.ctx, rs.hashKey, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		rs.logger.Error().Err(err).Str("key", key).Msg("Failed to read pref from Redis")
		return "", err
	}
	return value, nil
}

// SetString stores the value for key.
func (rs *RedisStore) SetString(key string, value string) error {
	if err := rs.client.HSet(rs.ctx, rs.hashKey, key, value).Err(); err != nil {
		rs.logger.Error().Err(err).Str("key", key).Msg("Failed to write pref to Redis")
		return err
	}
	return nil
}

// GetInt64 returns the integer value stored for key.
func (rs *RedisStore) GetInt64(key string) (int64, error) {
	value, err := rs.GetString(key)
	if err != nil {
		return 0, err
	}

	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("prefs: malformed integer for key %q: %w", key, err)
	}
	return parsed, nil
}

// SetInt64 stores the integer value for key.
func (rs *RedisStore) SetInt64(key string, value int64) error {
	return rs.SetString(key, strconv.FormatInt(value, 10))
}

// Exists reports whether key has a stored value.
func (rs *RedisStore) Exists(key string) (bool, error) {
	count, err := rs.client.HExists(rs.ctx, rs.hashKey, key).Result()
	if err != nil {
		return false, err
	}
	return count, nil
}

// Delete removes the key. Deleting a missing key is not an error.
func (rs *RedisStore) Delete(key string) error {
	return rs.client.HDel(rs.ctx, rs.hashKey, key).Err()
}
