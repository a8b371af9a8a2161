package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps JSON encoded values in plain redis strings.
type RedisStorage struct {
	rdb redis.UniversalClient
}

func (s *RedisStorage) Get(ctx context.Context, key string, val any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, val)
}

func (s *RedisStorage) Set(ctx context.Context, key string, val any, expiresIn time.Duration) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, data, expiresIn).Err()
}

func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	deleted, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func NewRedisStorage(db redis.UniversalClient) *RedisStorage {
	return &RedisStorage{
		rdb: db,
	}
}
