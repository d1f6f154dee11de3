package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] slot key; ARGV[1] expected value; ARGV[2] next value; ARGV[3] ttl in ms.
const compareAndSwapScript = `
local current = redis.call("GET", KEYS[1])
if not current or current ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`

var compareAndSwapLua = redis.NewScript(compareAndSwapScript)

type RedisCredentialStore struct {
	rdb redis.UniversalClient
}

func NewRedisCredentialStore(rdb redis.UniversalClient) *RedisCredentialStore {
	return &RedisCredentialStore{rdb: rdb}
}

// NewRedisClient connects and pings so a bad address fails at startup.
func NewRedisClient(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	const op = "storage.NewRedisClient"

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}

	return rdb, nil
}

func (s *RedisCredentialStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	const op = "storage.RedisCredentialStore.Set"

	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}

	return nil
}

func (s *RedisCredentialStore) Get(ctx context.Context, key string) (string, error) {
	const op = "storage.RedisCredentialStore.Get"

	value, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}

	return value, nil
}

func (s *RedisCredentialStore) Del(ctx context.Context, key string) error {
	const op = "storage.RedisCredentialStore.Del"

	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}

	return nil
}

func (s *RedisCredentialStore) CompareAndSwap(ctx context.Context, key, expected, next string, ttl time.Duration) (bool, error) {
	const op = "storage.RedisCredentialStore.CompareAndSwap"

	swapped, err := compareAndSwapLua.Run(ctx, s.rdb, []string{key}, expected, next, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}

	return swapped == 1, nil
}
