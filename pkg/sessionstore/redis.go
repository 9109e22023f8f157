package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "curriculumconsole:session:"

// RedisStore keeps a session as one Redis hash so that writes and clears apply together.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisStore builds a store over client. A positive ttl is refreshed on every write.
func NewRedisStore(client redis.UniversalClient, namespace string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		key:    redisKeyPrefix + normalizeNamespace(namespace),
		ttl:    ttl,
	}
}

// Get returns the value stored under key.
func (store *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := store.client.HGet(ctx, store.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("session_store.get.redis: %w", err)
	}
	return value, true, nil
}

// SetMany writes every entry in one MULTI/EXEC block.
func (store *RedisStore) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	fields := make(map[string]any, len(values))
	for key, value := range values {
		if key == "" {
			return fmt.Errorf("session_store.set.redis: %w", errEmptyKey)
		}
		fields[key] = value
	}
	_, err := store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, store.key, fields)
		if store.ttl > 0 {
			pipe.Expire(ctx, store.key, store.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session_store.set.redis: %w", err)
	}
	return nil
}

// DeleteMany removes every listed key; missing keys are ignored.
func (store *RedisStore) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := store.client.HDel(ctx, store.key, keys...).Err(); err != nil {
		return fmt.Errorf("session_store.delete.redis: %w", err)
	}
	return nil
}
