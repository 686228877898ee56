package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps maintenance locks in Redis so every sync node sees the
// same lock state.
type RedisStore struct {
	client *redis.Client
	prefix string
}

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

	return &RedisStore{client: client, prefix: "maintlock:"}, nil
}

// NewRedisStoreWithClient wraps an existing client, mainly for tests.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "maintlock:"}
}

func (s *RedisStore) key(diagramID string) string {
	return s.prefix + diagramID
}

func (s *RedisStore) Acquire(ctx context.Context, diagramID, reason string, ttl time.Duration) error {
	if reason == "" {
		reason = "maintenance"
	}
	if err := s.client.Set(ctx, s.key(diagramID), reason, ttl).Err(); err != nil {
		return fmt.Errorf("acquire maintenance lock: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, diagramID string) error {
	if err := s.client.Del(ctx, s.key(diagramID)).Err(); err != nil {
		return fmt.Errorf("release maintenance lock: %w", err)
	}
	return nil
}

func (s *RedisStore) Locked(ctx context.Context, diagramID string) (string, error) {
	reason, err := s.client.Get(ctx, s.key(diagramID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("check maintenance lock: %w", err)
	}
	return reason, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
