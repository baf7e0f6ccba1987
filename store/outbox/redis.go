package outbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"go.catga.dev/metrics"
	"go.catga.dev/tsid"
)

// Key layout:
//
//	outbox:msg:{id}    hash with the row fields
//	outbox:pending     zset of ids scored by CreatedAt ms
//	outbox:claimed     zset of ids scored by claim-expiry ms
//	outbox:failed      zset of ids scored by failure time ms
//	outbox:published   zset of ids scored by publish time ms
const (
	msgKeyPrefix = "outbox:msg:"
	pendingKey   = "outbox:pending"
	claimedKey   = "outbox:claimed"
	failedKey    = "outbox:failed"
	publishedKey = "outbox:published"
)

// claimScript atomically moves up to ARGV[1] oldest pending ids to the
// claimed set with expiry ARGV[2], marks the rows claimed, and returns
// the ids.
var claimScript = redis.NewScript(`
	local ids = redis.call("zrange", KEYS[1], 0, tonumber(ARGV[1]) - 1)
	for _, id in ipairs(ids) do
		redis.call("zrem", KEYS[1], id)
		redis.call("zadd", KEYS[2], tonumber(ARGV[2]), id)
		redis.call("hset", ARGV[3] .. id, "status", 9)
	end
	return ids
`)

// resetStuckScript returns claims expired before ARGV[1] to the
// pending set, re-scored by the row's original CreatedAt.
var resetStuckScript = redis.NewScript(`
	local ids = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1])
	for _, id in ipairs(ids) do
		redis.call("zrem", KEYS[1], id)
		local created = redis.call("hget", ARGV[2] .. id, "createdAt")
		redis.call("zadd", KEYS[2], tonumber(created or 0), id)
		redis.call("hset", ARGV[2] .. id, "status", 0)
	end
	return #ids
`)

// resetFailedScript returns failed rows with attempts below ARGV[1] to
// the pending set.
var resetFailedScript = redis.NewScript(`
	local ids = redis.call("zrange", KEYS[1], 0, -1)
	local reset = 0
	for _, id in ipairs(ids) do
		local attempts = tonumber(redis.call("hget", ARGV[2] .. id, "attempts") or 0)
		if attempts < tonumber(ARGV[1]) then
			redis.call("zrem", KEYS[1], id)
			local created = redis.call("hget", ARGV[2] .. id, "createdAt")
			redis.call("zadd", KEYS[2], tonumber(created or 0), id)
			redis.call("hset", ARGV[2] .. id, "status", 0)
			reset = reset + 1
		end
	end
	return reset
`)

// deletePublishedScript removes published rows older than ARGV[1].
var deletePublishedScript = redis.NewScript(`
	local ids = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1])
	for _, id in ipairs(ids) do
		redis.call("zrem", KEYS[1], id)
		redis.call("del", ARGV[2] .. id)
	end
	return #ids
`)

// RedisStore is the Redis-backed outbox. Redis has no transaction
// spanning the domain write and the outbox add, so Add runs right
// before the caller's domain state becomes visible; the publisher
// tolerates rows whose domain write never landed because handlers are
// idempotent downstream.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed outbox.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func msgKey(id int64) string { return msgKeyPrefix + tsid.ToString(id) }

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, msg Message) error {
	if msg.ID == 0 {
		return fmt.Errorf("outbox: zero message id")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	idStr := tsid.ToString(msg.ID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, msgKeyPrefix+idStr, map[string]interface{}{
		"id":        strconv.FormatInt(msg.ID, 10),
		"type":      msg.Type,
		"payload":   msg.Payload,
		"status":    int(StatusPending),
		"attempts":  0,
		"createdAt": msg.CreatedAt.UnixMilli(),
	})
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(msg.CreatedAt.UnixMilli()), Member: idStr})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outbox add: %w", err)
	}
	metrics.CountOutboxAdd()
	return nil
}

// GetPending implements Store.
func (s *RedisStore) GetPending(ctx context.Context, limit int, claimTTL time.Duration) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	claimUntil := time.Now().Add(claimTTL).UnixMilli()

	ids, err := claimScript.Run(ctx, s.client,
		[]string{pendingKey, claimedKey},
		limit, claimUntil, msgKeyPrefix,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("outbox claim: %w", err)
	}

	out := make([]Message, 0, len(ids))
	for _, idStr := range ids {
		fields, err := s.client.HGetAll(ctx, msgKeyPrefix+idStr).Result()
		if err != nil {
			return nil, fmt.Errorf("outbox read %s: %w", idStr, err)
		}
		if len(fields) == 0 {
			continue // row deleted between claim and read
		}
		msg, err := rowFromFields(fields)
		if err != nil {
			return nil, fmt.Errorf("outbox row %s: %w", idStr, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func rowFromFields(fields map[string]string) (Message, error) {
	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("bad id %q", fields["id"])
	}
	status, _ := strconv.Atoi(fields["status"])
	attempts, _ := strconv.Atoi(fields["attempts"])
	createdMs, _ := strconv.ParseInt(fields["createdAt"], 10, 64)

	msg := Message{
		ID:        id,
		Type:      fields["type"],
		Payload:   []byte(fields["payload"]),
		Status:    Status(status),
		Attempts:  attempts,
		CreatedAt: time.UnixMilli(createdMs).UTC(),
		LastError: fields["lastError"],
	}
	if publishedMs, err := strconv.ParseInt(fields["publishedAt"], 10, 64); err == nil {
		msg.PublishedAt = time.UnixMilli(publishedMs).UTC()
	}
	return msg, nil
}

// MarkAsPublished implements Store.
func (s *RedisStore) MarkAsPublished(ctx context.Context, id int64) error {
	now := time.Now()
	idStr := tsid.ToString(id)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, msgKey(id), "status", int(StatusPublished), "publishedAt", now.UnixMilli())
	pipe.ZRem(ctx, claimedKey, idStr)
	pipe.ZRem(ctx, pendingKey, idStr)
	pipe.ZAdd(ctx, publishedKey, redis.Z{Score: float64(now.UnixMilli()), Member: idStr})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outbox publish %s: %w", idStr, err)
	}
	return nil
}

// MarkAsFailed implements Store.
func (s *RedisStore) MarkAsFailed(ctx context.Context, id int64, reason string) error {
	idStr := tsid.ToString(id)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, msgKey(id), "status", int(StatusFailed), "lastError", reason)
	pipe.HIncrBy(ctx, msgKey(id), "attempts", 1)
	pipe.ZRem(ctx, claimedKey, idStr)
	pipe.ZAdd(ctx, failedKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: idStr})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outbox fail %s: %w", idStr, err)
	}
	return nil
}

// ResetFailed implements Store.
func (s *RedisStore) ResetFailed(ctx context.Context, maxAttempts int) (int, error) {
	n, err := resetFailedScript.Run(ctx, s.client,
		[]string{failedKey, pendingKey},
		maxAttempts, msgKeyPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("outbox reset failed: %w", err)
	}
	return n, nil
}

// ResetStuck implements Store.
func (s *RedisStore) ResetStuck(ctx context.Context) (int, error) {
	n, err := resetStuckScript.Run(ctx, s.client,
		[]string{claimedKey, pendingKey},
		time.Now().UnixMilli(), msgKeyPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("outbox reset stuck: %w", err)
	}
	return n, nil
}

// DeletePublishedMessages implements Store.
func (s *RedisStore) DeletePublishedMessages(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := deletePublishedScript.Run(ctx, s.client,
		[]string{publishedKey},
		olderThan.UnixMilli(), msgKeyPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("outbox cleanup: %w", err)
	}
	return n, nil
}

// CountPending implements Store.
func (s *RedisStore) CountPending(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("outbox count: %w", err)
	}
	return n, nil
}
