package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cam3ron2/pr-insights/internal/records"
	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStoreConfig configures the Redis-backed record file store.
type RedisStoreConfig struct {
	Namespace string
	Names     map[records.Kind]string
}

// RedisStore stores each record file document under one Redis string key.
type RedisStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
	names     map[records.Kind]string
}

// NewRedisStore creates a Redis-backed record store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "pr-insights"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &RedisStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
		names:     cfg.Names,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Load reads and decodes a record file document.
func (s *RedisStore) Load(ctx context.Context, kind records.Kind) (*records.RecordFile, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redis store is not initialized")
	}

	key := s.documentKey(kind)
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	file, err := records.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w: %v", key, ErrCorrupt, err)
	}
	return file, nil
}

// Save replaces a record file document. A single SET keeps the write atomic for readers.
func (s *RedisStore) Save(ctx context.Context, kind records.Kind, file *records.RecordFile) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}

	data, err := records.Encode(file)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	key := s.documentKey(kind)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a record file document is present.
func (s *RedisStore) Exists(ctx context.Context, kind records.Kind) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("redis store is not initialized")
	}
	count, err := s.client.Exists(ctx, s.documentKey(kind)).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", s.documentKey(kind), err)
	}
	return count > 0, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) documentKey(kind records.Kind) string {
	return s.namespace + ":records:" + Name(kind, s.names)
}
