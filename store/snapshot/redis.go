package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// saveScript stores the snapshot only when it is at least as new as
// the one already stored.
var saveScript = redis.NewScript(`
	local prev = redis.call("get", KEYS[1])
	if prev then
		local stored = cjson.decode(prev)
		if tonumber(stored.version) > tonumber(ARGV[2]) then
			return 0
		end
	end
	redis.call("set", KEYS[1], ARGV[1])
	return 1
`)

type redisSnapshot struct {
	StreamID string    `json:"streamId"`
	Version  int64     `json:"version"`
	Data     []byte    `json:"data"`
	TakenAt  time.Time `json:"takenAt"`
}

// RedisStore keeps the latest snapshot per stream under
// `snapshot:{streamId}`.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed snapshot store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func snapKey(streamID string) string { return "snapshot:" + streamID }

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	if snap.StreamID == "" {
		return fmt.Errorf("snapshot: empty stream id")
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	data, err := json.Marshal(redisSnapshot(snap))
	if err != nil {
		return fmt.Errorf("snapshot marshal: %w", err)
	}
	if err := saveScript.Run(ctx, s.client, []string{snapKey(snap.StreamID)}, data, snap.Version).Err(); err != nil {
		return fmt.Errorf("snapshot save: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, streamID string) (Snapshot, bool, error) {
	data, err := s.client.Get(ctx, snapKey(streamID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("snapshot load: %w", err)
	}
	var snap redisSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("snapshot unmarshal: %w", err)
	}
	return Snapshot(snap), true, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, streamID string) error {
	if err := s.client.Del(ctx, snapKey(streamID)).Err(); err != nil {
		return fmt.Errorf("snapshot delete: %w", err)
	}
	return nil
}
