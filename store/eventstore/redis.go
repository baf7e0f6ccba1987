package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// appendScript appends all events atomically after checking the
// expected version against the list length. Returns the new length,
// or -1 on a version conflict.
var appendScript = redis.NewScript(`
	local len = redis.call("llen", KEYS[1])
	local expected = tonumber(ARGV[1])
	if expected ~= -1 and len ~= expected + 1 then
		return -1
	end
	for i = 2, #ARGV do
		redis.call("rpush", KEYS[1], ARGV[i])
	end
	return redis.call("llen", KEYS[1])
`)

// RedisStore keeps each stream as a Redis list under
// `events:{streamId}`; version is length−1, so an empty stream is −1.
// Appends are atomic through a Lua script.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed event store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func streamKey(streamID string) string { return "events:" + streamID }

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, streamID string, events []Event, expectedVersion int64) error {
	if streamID == "" {
		return fmt.Errorf("eventstore: empty stream id")
	}
	if len(events) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(events)+1)
	args = append(args, expectedVersion)
	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("eventstore marshal: %w", err)
		}
		args = append(args, data)
	}

	res, err := appendScript.Run(ctx, s.client, []string{streamKey(streamID)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("eventstore append: %w", err)
	}
	if res < 0 {
		return fmt.Errorf("append %s at %d: %w", streamID, expectedVersion, ErrVersionConflict)
	}
	return nil
}

// Read implements Store.
func (s *RedisStore) Read(ctx context.Context, streamID string, fromVersion int64) ([]Event, error) {
	if fromVersion < 0 {
		fromVersion = 0
	}
	rows, err := s.client.LRange(ctx, streamKey(streamID), fromVersion, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventstore read: %w", err)
	}

	out := make([]Event, 0, len(rows))
	for i, row := range rows {
		var evt Event
		if err := json.Unmarshal([]byte(row), &evt); err != nil {
			return nil, fmt.Errorf("eventstore unmarshal at %d: %w", fromVersion+int64(i), err)
		}
		evt.Version = fromVersion + int64(i)
		out = append(out, evt)
	}
	return out, nil
}

// Version implements Store. Empty streams report −1.
func (s *RedisStore) Version(ctx context.Context, streamID string) (int64, error) {
	n, err := s.client.LLen(ctx, streamKey(streamID)).Result()
	if err != nil {
		return -1, fmt.Errorf("eventstore version: %w", err)
	}
	return n - 1, nil
}

// IsEmpty implements Store.
func (s *RedisStore) IsEmpty(ctx context.Context, streamID string) (bool, error) {
	n, err := s.client.LLen(ctx, streamKey(streamID)).Result()
	if err != nil {
		return false, fmt.Errorf("eventstore llen: %w", err)
	}
	return n == 0, nil
}
