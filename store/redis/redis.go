// Package redis provides a Redis-backed store.Store for deployments that
// need gateway state to survive restarts or be shared across processes.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/4xguy/gtasks-mcp/store"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is prepended to all keys. Default: "gtasks:".
	KeyPrefix string
}

// Store implements store.Store on Redis, delegating TTL enforcement to
// Redis key expiry with a belt-and-braces check on read.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// storedItem is the JSON envelope persisted in Redis.
type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gtasks:"
	}
	return &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

func (s *Store) Get(ctx context.Context, key string, opts ...store.Option) (*store.Item, error) {
	options := store.Apply(opts)
	redisKey := s.buildKey(options.Namespace, key)

	result := s.client.Get(ctx, redisKey)
	if err := result.Err(); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}

	var raw storedItem
	if err := json.Unmarshal([]byte(result.Val()), &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored item: %w", err)
	}

	item := &store.Item{Data: raw.Data, CreatedAt: raw.CreatedAt, ExpiresAt: raw.ExpiresAt}
	if item.IsExpired() {
		s.client.Del(ctx, redisKey)
		return nil, nil
	}
	return item, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...store.Option) error {
	options := store.Apply(opts)
	redisKey := s.buildKey(options.Namespace, key)

	now := time.Now()
	raw := storedItem{Data: data, CreatedAt: now}

	var redisTTL time.Duration
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		raw.ExpiresAt = &expiresAt
		redisTTL = *options.TTL
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal stored item: %w", err)
	}
	if err := s.client.Set(ctx, redisKey, payload, redisTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, opts ...store.Option) error {
	options := store.Apply(opts)

	if options.Key != nil {
		redisKey := s.buildKey(options.Namespace, *options.Key)
		if err := s.client.Del(ctx, redisKey).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
		}
		return nil
	}

	pattern := s.buildKey(options.Namespace, "*")
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) buildKey(namespace, key string) string {
	if namespace == "" {
		return s.keyPrefix + key
	}
	return s.keyPrefix + namespace + ":" + key
}

// scanKeys uses SCAN to enumerate keys matching a pattern without blocking
// the server the way KEYS would.
func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
