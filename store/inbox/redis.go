package inbox

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"go.catga.dev/metrics"
	"go.catga.dev/tsid"
)

// markScript finalizes a row only while the caller's lock is live:
// the lock value must still be the caller's token. Already-processed
// rows short-circuit so repeated marks stay idempotent.
var markScript = redis.NewScript(`
	if redis.call("hget", KEYS[2], "status") == "processed" then
		return 2
	end
	if redis.call("get", KEYS[1]) ~= ARGV[1] then
		return 0
	end
	redis.call("hset", KEYS[2],
		"status", "processed",
		"type", ARGV[2],
		"payload", ARGV[3],
		"result", ARGV[4],
		"processedAt", ARGV[5])
	redis.call("pexpire", KEYS[2], ARGV[6])
	redis.call("del", KEYS[1])
	return 1
`)

// releaseScript drops the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// RedisStore keeps inbox rows in Redis: `inbox:msg:{id}` hashes with
// the retention TTL, and `inbox:lock:{id}` conditional-create locks
// that expire on their own (SET NX PX, the same pattern the leader
// election uses).
type RedisStore struct {
	client *redis.Client
	opts   Options

	mu     sync.Mutex
	tokens map[int64]string // locks held by this instance
}

// NewRedisStore creates a Redis-backed inbox.
func NewRedisStore(client *redis.Client, opts Options) *RedisStore {
	if opts.Retention <= 0 {
		opts.Retention = DefaultOptions().Retention
	}
	return &RedisStore{client: client, opts: opts, tokens: make(map[int64]string)}
}

func lockKey(id int64) string { return "inbox:lock:" + tsid.ToString(id) }
func msgKey(id int64) string  { return "inbox:msg:" + tsid.ToString(id) }

// TryLockMessage implements Store.
func (s *RedisStore) TryLockMessage(ctx context.Context, messageID int64, ttl time.Duration) (bool, error) {
	processed, err := s.HasBeenProcessed(ctx, messageID)
	if err != nil {
		return false, err
	}
	if processed {
		metrics.CountInboxLock(false)
		return false, nil
	}

	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, lockKey(messageID), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("inbox lock: %w", err)
	}
	if !ok {
		metrics.CountInboxLock(false)
		return false, nil
	}

	s.mu.Lock()
	s.tokens[messageID] = token
	s.mu.Unlock()
	metrics.CountInboxLock(true)
	return true, nil
}

// ReleaseLock implements Store.
func (s *RedisStore) ReleaseLock(ctx context.Context, messageID int64) error {
	s.mu.Lock()
	token, ok := s.tokens[messageID]
	delete(s.tokens, messageID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := releaseScript.Run(ctx, s.client, []string{lockKey(messageID)}, token).Result(); err != nil {
		return fmt.Errorf("inbox release: %w", err)
	}
	return nil
}

// MarkAsProcessed implements Store.
func (s *RedisStore) MarkAsProcessed(ctx context.Context, msg Message) error {
	s.mu.Lock()
	token := s.tokens[msg.ID]
	s.mu.Unlock()
	if token == "" {
		return ErrLockNotHeld
	}

	res, err := markScript.Run(ctx, s.client,
		[]string{lockKey(msg.ID), msgKey(msg.ID)},
		token,
		msg.Type,
		msg.Payload,
		msg.Result,
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		strconv.FormatInt(s.opts.Retention.Milliseconds(), 10),
	).Int()
	if err != nil {
		return fmt.Errorf("inbox mark: %w", err)
	}

	s.mu.Lock()
	delete(s.tokens, msg.ID)
	s.mu.Unlock()

	if res == 0 {
		return ErrLockNotHeld
	}
	if res == 1 {
		metrics.CountInboxProcessed() // repeats (res 2) are not new work
	}
	return nil
}

// HasBeenProcessed implements Store.
func (s *RedisStore) HasBeenProcessed(ctx context.Context, messageID int64) (bool, error) {
	status, err := s.client.HGet(ctx, msgKey(messageID), "status").Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("inbox status: %w", err)
	}
	return status == "processed", nil
}

// GetProcessedResult implements Store.
func (s *RedisStore) GetProcessedResult(ctx context.Context, messageID int64) ([]byte, error) {
	data, err := s.client.HGet(ctx, msgKey(messageID), "result").Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("inbox result: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// DeleteProcessedMessages implements Store. Rows already carry the
// retention TTL; the explicit sweep exists for shorter cutoffs.
func (s *RedisStore) DeleteProcessedMessages(ctx context.Context, olderThan time.Time) (int, error) {
	deleted := 0
	iter := s.client.Scan(ctx, 0, "inbox:msg:*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.client.HMGet(ctx, key, "status", "processedAt").Result()
		if err != nil {
			continue
		}
		status, _ := fields[0].(string)
		processedAt, _ := fields[1].(string)
		if status != "processed" || processedAt == "" {
			continue
		}
		millis, err := strconv.ParseInt(processedAt, 10, 64)
		if err != nil {
			continue
		}
		if time.UnixMilli(millis).Before(olderThan) {
			if n, err := s.client.Del(ctx, key).Result(); err == nil {
				deleted += int(n)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("inbox sweep: %w", err)
	}
	return deleted, nil
}

// ReleaseExpiredLocks implements Store. Redis expires lock keys on
// its own (SET PX), so there is nothing to sweep.
func (s *RedisStore) ReleaseExpiredLocks(_ context.Context) (int, error) {
	return 0, nil
}
