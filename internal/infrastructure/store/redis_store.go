package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acrylic-style/gptx-api/internal/domain/shared"
)

// updateMaxRetries bounds the optimistic retry loop on write conflicts.
const updateMaxRetries = 16

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// RedisKVStore implements KVStore on Redis. This is suitable for distributed
// deployments where request handlers and periodic jobs run in separate
// processes and need to share metering state.
type RedisKVStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisClient creates and pings a Redis client from configuration
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisKVStore creates a KV store with an existing Redis client
func NewRedisKVStore(client *redis.Client, keyPrefix string) *RedisKVStore {
	if keyPrefix == "" {
		keyPrefix = "metering:"
	}
	return &RedisKVStore{client: client, keyPrefix: keyPrefix}
}

// Get returns the raw value for key
func (s *RedisKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("quota store get %q: %w", key, err)
	}
	return val, nil
}

// Put stores the raw value under key
func (s *RedisKVStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("quota store put %q: %w", key, err)
	}
	return nil
}

// Delete removes the key
func (s *RedisKVStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("quota store delete %q: %w", key, err)
	}
	return nil
}

// Update performs an optimistic read-modify-write using WATCH/MULTI so a
// concurrent write to the same key forces a retry with a fresh read instead
// of silently losing the other writer's increment.
func (s *RedisKVStore) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	fullKey := s.keyPrefix + key

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, fullKey).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, fullKey, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < updateMaxRetries; i++ {
		err := s.client.Watch(ctx, txn, fullKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("quota store update %q: %w", key, err)
	}
	return shared.ErrConflict
}

// Close closes the underlying Redis client
func (s *RedisKVStore) Close() error {
	return s.client.Close()
}

// RedisDirtySet implements DirtySet on a Redis set
type RedisDirtySet struct {
	client *redis.Client
	key    string
}

// NewRedisDirtySet creates a dirty set stored under the given Redis key
func NewRedisDirtySet(client *redis.Client, key string) *RedisDirtySet {
	return &RedisDirtySet{client: client, key: key}
}

// Add idempotently inserts members
func (s *RedisDirtySet) Add(ctx context.Context, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, s.key, args...).Err(); err != nil {
		return fmt.Errorf("dirty set %q add: %w", s.key, err)
	}
	return nil
}

// Members returns a snapshot of the current membership
func (s *RedisDirtySet) Members(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("dirty set %q members: %w", s.key, err)
	}
	return members, nil
}

// Remove deletes the given members
func (s *RedisDirtySet) Remove(ctx context.Context, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, s.key, args...).Err(); err != nil {
		return fmt.Errorf("dirty set %q remove: %w", s.key, err)
	}
	return nil
}

// RedisPendingRunQueue implements PendingRunQueue on a Redis hash
type RedisPendingRunQueue struct {
	client *redis.Client
	key    string
}

// NewRedisPendingRunQueue creates a pending-run queue stored under the given
// Redis key
func NewRedisPendingRunQueue(client *redis.Client, key string) *RedisPendingRunQueue {
	return &RedisPendingRunQueue{client: client, key: key}
}

// Enqueue inserts the entry if absent; HSETNX makes the insert idempotent
func (q *RedisPendingRunQueue) Enqueue(ctx context.Context, key string, value []byte) (bool, error) {
	added, err := q.client.HSetNX(ctx, q.key, key, value).Result()
	if err != nil {
		return false, fmt.Errorf("pending runs enqueue %q: %w", key, err)
	}
	return added, nil
}

// Set overwrites the entry for key
func (q *RedisPendingRunQueue) Set(ctx context.Context, key string, value []byte) error {
	if err := q.client.HSet(ctx, q.key, key, value).Err(); err != nil {
		return fmt.Errorf("pending runs set %q: %w", key, err)
	}
	return nil
}

// All returns a snapshot of every tracked entry
func (q *RedisPendingRunQueue) All(ctx context.Context) (map[string][]byte, error) {
	entries, err := q.client.HGetAll(ctx, q.key).Result()
	if err != nil {
		return nil, fmt.Errorf("pending runs snapshot: %w", err)
	}
	out := make(map[string][]byte, len(entries))
	for k, v := range entries {
		out[k] = []byte(v)
	}
	return out, nil
}

// Remove deletes the given keys
func (q *RedisPendingRunQueue) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := q.client.HDel(ctx, q.key, keys...).Err(); err != nil {
		return fmt.Errorf("pending runs remove: %w", err)
	}
	return nil
}

// Interface guards
var (
	_ KVStore         = (*RedisKVStore)(nil)
	_ DirtySet        = (*RedisDirtySet)(nil)
	_ PendingRunQueue = (*RedisPendingRunQueue)(nil)
)
