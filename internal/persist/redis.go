package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSnapshotTTL is how long a cached snapshot lives without being
// refreshed. Documents nobody edits eventually fall out of the cache; the
// durable stores keep the authoritative copy.
const DefaultSnapshotTTL = 7 * 24 * time.Hour

// RedisStore caches document snapshots in Redis with a TTL. It implements
// SnapshotStore and is meant as a fast bootstrap tier in front of a durable
// store, or as the only store for deployments that accept expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "snapshot:",
		ttl:    DefaultSnapshotTTL,
	}
}

// WithTTL overrides the snapshot expiry.
func (s *RedisStore) WithTTL(ttl time.Duration) *RedisStore {
	s.ttl = ttl
	return s
}

func (s *RedisStore) key(docID string) string {
	return s.prefix + docID
}

// Load fetches a cached snapshot. Returns ErrNotFound when the key is
// missing or has expired.
func (s *RedisStore) Load(ctx context.Context, docID string) ([]byte, error) {
	raw, err := s.client.Get(ctx, s.key(docID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", docID, err)
	}
	return raw, nil
}

// Save writes a snapshot and re-arms its TTL.
func (s *RedisStore) Save(ctx context.Context, docID string, snapshot []byte) error {
	if err := s.client.Set(ctx, s.key(docID), snapshot, s.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", docID, err)
	}
	return nil
}

// Delete removes a cached snapshot.
func (s *RedisStore) Delete(ctx context.Context, docID string) error {
	if err := s.client.Del(ctx, s.key(docID)).Err(); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", docID, err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
