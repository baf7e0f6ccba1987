package idempotency

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"go.catga.dev/tsid"
)

// RedisStore keeps idempotency records in Redis under `idem:{id}`
// keys with a TTL, so the dedup window survives process restarts.
type RedisStore struct {
	client *redis.Client
	opts   Options
}

// NewRedisStore creates a Redis-backed idempotency store.
func NewRedisStore(client *redis.Client, opts Options) *RedisStore {
	if opts.TTL <= 0 {
		opts.TTL = DefaultOptions().TTL
	}
	return &RedisStore{client: client, opts: opts}
}

func (s *RedisStore) key(messageID int64) string {
	return "idem:" + tsid.ToString(messageID)
}

// HasBeenProcessed implements Store.
func (s *RedisStore) HasBeenProcessed(ctx context.Context, messageID int64) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency exists: %w", err)
	}
	return n > 0, nil
}

// MarkAsProcessed implements Store. SET NX makes the first mark win.
func (s *RedisStore) MarkAsProcessed(ctx context.Context, messageID int64, response []byte) error {
	if _, err := s.client.SetNX(ctx, s.key(messageID), response, s.opts.TTL).Result(); err != nil {
		return fmt.Errorf("idempotency mark: %w", err)
	}
	return nil
}

// GetProcessedResult implements Store.
func (s *RedisStore) GetProcessedResult(ctx context.Context, messageID int64) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(messageID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency get: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}
