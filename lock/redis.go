package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// extendScript atomically extends the lock TTL only while this token
// still owns it.
var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// releaseScript atomically deletes the lock only while this token
// still owns it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker is the Redis-backed Locker. Acquisition is SET NX PX
// with a random token as the value; extend and release go through Lua
// scripts that check the token first.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func lockKey(name string) string { return "lock:" + name }

// TryAcquire implements Locker.
func (l *RedisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (Handle, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock acquire %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisHandle{client: l.client, name: name, token: token}, true, nil
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Handle, error) {
	return acquireLoop(ctx, l, name, ttl)
}

type redisHandle struct {
	client *redis.Client
	name   string
	token  string
}

func (h *redisHandle) Name() string { return h.name }

func (h *redisHandle) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := extendScript.Run(ctx, h.client, []string{lockKey(h.name)}, h.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock extend %s: %w", h.name, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

func (h *redisHandle) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, h.client, []string{lockKey(h.name)}, h.token).Int()
	if err != nil {
		return fmt.Errorf("lock release %s: %w", h.name, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}
