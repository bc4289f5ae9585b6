package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisStore keeps the client's persisted state in Redis. Intended for
// daemon deployments that already run Redis and want state to survive
// host replacement. Keys are stored without TTL: persisted session and
// snapshot state has no natural expiry on the client side.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-configured Redis client.
//
//	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address()})
//	store := storage.NewRedisStore(client)
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string, target any) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		log.Error().Err(err).Str("key", key).Msg("Failed to get from store")
		return fmt.Errorf("storage get error: %w", err)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("unmarshal error: %w", err)
	}
	return nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	if err := s.client.Set(ctx, key, raw, 0).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to write to store")
		return fmt.Errorf("storage set error: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		log.Error().Err(err).Strs("keys", keys).Msg("Failed to delete from store")
		return fmt.Errorf("storage delete error: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
