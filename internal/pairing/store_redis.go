package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDelete removes KEYS[1] only while it still holds ARGV[1], so a
// session releasing a code it lost to expiry never deletes the new owner's key.
const compareAndDelete = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisStore is a Store backed by Redis. Several hosts sharing one Redis never
// hand out the same code at the same time.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client. Keys are "<prefix>code:<code>".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(code string) string {
	return s.prefix + "code:" + code
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, code, handle string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(code), handle, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, code string) (string, error) {
	handle, err := s.client.Get(ctx, s.key(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCodeNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return handle, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, code, handle string) error {
	if err := s.client.Eval(ctx, compareAndDelete, []string{s.key(code)}, handle).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Expire implements Store.
func (s *RedisStore) Expire(ctx context.Context, code string, ttl time.Duration) error {
	ok, err := s.client.PExpire(ctx, s.key(code), ttl).Result()
	if err != nil {
		return fmt.Errorf("redis pexpire: %w", err)
	}
	if !ok {
		return ErrCodeNotFound
	}
	return nil
}
