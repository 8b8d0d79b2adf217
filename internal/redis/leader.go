package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultLeaderKey is the lock key shared by every relay instance.
const DefaultLeaderKey = "relay:recurring:leader"

var (
	// renewScript extends the lock only when this instance still owns it.
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	// resignScript deletes the lock only when this instance owns it.
	resignScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
)

// Leader is a lease-based lock: one instance holds key for ttl and must call
// Acquire again before the lease runs out to keep it.
type Leader struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
	logger     *slog.Logger
	held       atomic.Bool
}

// NewLeader creates a Leader. An empty key uses DefaultLeaderKey.
func NewLeader(client *redis.Client, key, instanceID string, ttl time.Duration, logger *slog.Logger) *Leader {
	if key == "" {
		key = DefaultLeaderKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Leader{client: client, key: key, instanceID: instanceID, ttl: ttl, logger: logger}
}

// Acquire takes the lock with SETNX or renews it if this instance already
// holds it. It reports whether this instance is the leader afterwards.
// Redis errors count as not leading.
func (l *Leader) Acquire(ctx context.Context) bool {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		l.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return l.set(false)
	}
	if ok {
		l.logger.Info("acquired recurring leadership", slog.String("instance_id", l.instanceID))
		return l.set(true)
	}

	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Error("leader renewal", slog.String("error", err.Error()))
		return l.set(false)
	}
	return l.set(result == 1)
}

// Resign releases the lock if this instance holds it.
func (l *Leader) Resign(ctx context.Context) error {
	l.held.Store(false)
	if err := resignScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// InstanceID returns the identity written into the lock.
func (l *Leader) InstanceID() string { return l.instanceID }

func (l *Leader) set(leading bool) bool {
	if was := l.held.Swap(leading); was && !leading {
		l.logger.Warn("lost recurring leadership", slog.String("instance_id", l.instanceID))
	}
	return leading
}
