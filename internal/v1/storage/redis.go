package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStorage persists blobs as plain Redis string keys.
type RedisStorage struct {
	addr     string
	password string
	db       int
	client   *redis.Client
}

// NewRedisStorage creates a backend for the given Redis address. Nothing is
// dialed until Connect.
func NewRedisStorage(addr, password string, db int) *RedisStorage {
	return &RedisStorage{addr: addr, password: password, db: db}
}

func (s *RedisStorage) Connect(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     s.addr,
		Password: s.password,
		DB:       s.db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	s.client = client
	return nil
}

func (s *RedisStorage) Disconnect(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *RedisStorage) Save(ctx context.Context, key string, data []byte) error {
	if s.client == nil {
		return fmt.Errorf("redis storage not connected")
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save %q: %w", key, err)
	}
	return nil
}

func (s *RedisStorage) Load(ctx context.Context, key string) ([]byte, error) {
	if s.client == nil {
		return nil, fmt.Errorf("redis storage not connected")
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %q: %w", key, err)
	}
	return data, nil
}

func (s *RedisStorage) Delete(ctx context.Context, key string) (bool, error) {
	if s.client == nil {
		return false, fmt.Errorf("redis storage not connected")
	}
	removed, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return removed > 0, nil
}

func (s *RedisStorage) Exists(ctx context.Context, key string) (bool, error) {
	if s.client == nil {
		return false, fmt.Errorf("redis storage not connected")
	}
	count, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %q: %w", key, err)
	}
	return count > 0, nil
}

func (s *RedisStorage) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if s.client == nil {
		return nil, fmt.Errorf("redis storage not connected")
	}
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

var _ Backend = (*RedisStorage)(nil)
