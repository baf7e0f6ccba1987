package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"go.catga.dev/tsid"
)

const (
	listKey      = "dlq:messages"
	rowKeyPrefix = "dlq:msg:"
)

// deleteScript removes one id from the list and its row hash key.
var deleteScript = redis.NewScript(`
	redis.call("lrem", KEYS[1], 1, ARGV[1])
	redis.call("del", ARGV[2] .. ARGV[1])
	return 1
`)

type redisRow struct {
	MessageID     int64     `json:"messageId"`
	Type          string    `json:"type"`
	Payload       []byte    `json:"payload"`
	Error         string    `json:"error"`
	RetryCount    int       `json:"retryCount"`
	CorrelationID int64     `json:"correlationId,omitempty"`
	FailedAt      time.Time `json:"failedAt"`
}

// RedisStore keeps dead-lettered messages as a Redis list of ids
// (RPUSH preserves arrival order) with one JSON row per id.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed dead-letter store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SendAsync implements Store.
func (s *RedisStore) SendAsync(ctx context.Context, msg FailedMessage) error {
	if msg.MessageID == 0 {
		return fmt.Errorf("dlq: zero message id")
	}
	if msg.FailedAt.IsZero() {
		msg.FailedAt = time.Now().UTC()
	}

	data, err := json.Marshal(redisRow(msg))
	if err != nil {
		return fmt.Errorf("dlq marshal: %w", err)
	}
	idStr := tsid.ToString(msg.MessageID)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, rowKeyPrefix+idStr, data, 0)
	pipe.RPush(ctx, listKey, idStr)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlq add: %w", err)
	}
	return nil
}

// GetFailedMessages implements Store.
func (s *RedisStore) GetFailedMessages(ctx context.Context, limit int) ([]FailedMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.client.LRange(ctx, listKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq range: %w", err)
	}

	out := make([]FailedMessage, 0, len(ids))
	for _, idStr := range ids {
		data, err := s.client.Get(ctx, rowKeyPrefix+idStr).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue // row deleted by a concurrent replay
			}
			return nil, fmt.Errorf("dlq read %s: %w", idStr, err)
		}
		var row redisRow
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("dlq unmarshal %s: %w", idStr, err)
		}
		out = append(out, FailedMessage(row))
	}
	return out, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, messageID int64) error {
	idStr := tsid.ToString(messageID)
	if err := deleteScript.Run(ctx, s.client, []string{listKey}, idStr, rowKeyPrefix).Err(); err != nil {
		return fmt.Errorf("dlq delete %s: %w", idStr, err)
	}
	return nil
}

// Count implements Store.
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	n, err := s.client.LLen(ctx, listKey).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq count: %w", err)
	}
	return n, nil
}
