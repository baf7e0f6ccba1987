package lock

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// refreshElectionScript extends the election lock only while this
// instance still owns it. The stored value is "<instanceId>|<sinceMs>";
// ownership is matched on the instance id prefix.
var refreshElectionScript = redis.NewScript(`
	local val = redis.call("get", KEYS[1])
	if val and string.sub(val, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. "|" then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// releaseElectionScript deletes the election lock only while this
// instance still owns it.
var releaseElectionScript = redis.NewScript(`
	local val = redis.call("get", KEYS[1])
	if val and string.sub(val, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. "|" then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// redisElectionBackend holds the election lock as a plain key whose
// value is "<instanceId>|<acquiredAtMs>", acquired with SET NX.
type redisElectionBackend struct {
	client *redis.Client
	cfg    *ElectionConfig
}

// electionValue composes the stored lock value.
func electionValue(instanceID string, since time.Time) string {
	return instanceID + "|" + strconv.FormatInt(since.UnixMilli(), 10)
}

// parseElectionValue splits a stored lock value back into leader info.
func parseElectionValue(val string) LeaderInfo {
	id, ms, ok := strings.Cut(val, "|")
	info := LeaderInfo{InstanceID: id}
	if ok {
		if millis, err := strconv.ParseInt(ms, 10, 64); err == nil {
			info.Since = time.UnixMilli(millis)
		}
	}
	return info
}

// NewRedisElection creates a Redis-backed leader election.
func NewRedisElection(client *redis.Client, cfg *ElectionConfig) Election {
	if cfg == nil {
		cfg = DefaultElectionConfig("default-leader")
	}
	return newElection(cfg, &redisElectionBackend{client: client, cfg: cfg})
}

func (b *redisElectionBackend) key() string { return "election:" + b.cfg.LockName }

func (b *redisElectionBackend) init(context.Context) error { return nil }

func (b *redisElectionBackend) tryAcquire(ctx context.Context) bool {
	ok, err := b.client.SetNX(ctx, b.key(), electionValue(b.cfg.InstanceID, time.Now()), b.cfg.TTL).Result()
	if err != nil {
		slog.Error("Failed to acquire election lock", "error", err, "lockName", b.cfg.LockName)
		return false
	}
	if ok {
		return true
	}

	// Lock exists; it may be our own from before a restart
	val, err := b.client.Get(ctx, b.key()).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Error("Failed to check election lock owner", "error", err)
		}
		return false
	}
	if parseElectionValue(val).InstanceID == b.cfg.InstanceID {
		return b.refresh(ctx)
	}
	return false
}

func (b *redisElectionBackend) refresh(ctx context.Context) bool {
	res, err := refreshElectionScript.Run(ctx, b.client,
		[]string{b.key()}, b.cfg.InstanceID, b.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		slog.Error("Failed to refresh election lock", "error", err, "lockName", b.cfg.LockName)
		return false
	}
	return res != 0
}

func (b *redisElectionBackend) release(ctx context.Context) {
	res, err := releaseElectionScript.Run(ctx, b.client, []string{b.key()}, b.cfg.InstanceID).Int()
	if err != nil {
		slog.Error("Failed to release election lock", "error", err, "lockName", b.cfg.LockName)
		return
	}
	if res > 0 {
		slog.Info("Released election lock",
			"instanceId", b.cfg.InstanceID,
			"lockName", b.cfg.LockName)
	}
}

func (b *redisElectionBackend) leader(ctx context.Context) (LeaderInfo, error) {
	val, err := b.client.Get(ctx, b.key()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return LeaderInfo{}, nil
		}
		return LeaderInfo{}, err
	}
	return parseElectionValue(val), nil
}
