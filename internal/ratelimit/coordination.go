package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counts holds shared window counters after the current request was counted
type Counts struct {
	Minute int64
	Hour   int64
}

// CoordinationStore shares window counters across service instances. It is
// best-effort: callers treat any error as "store unavailable" and fall open
// to in-process counters.
type CoordinationStore interface {
	// Incr counts one request for clientKey in the minute and hour buckets
	// containing now and returns the post-increment counters.
	Incr(ctx context.Context, clientKey string, now time.Time) (Counts, error)
}

// RedisCoordinationStore implements CoordinationStore on Redis. Bucket keys
// carry their own expiry so abandoned clients cost nothing beyond one TTL.
type RedisCoordinationStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCoordinationStore creates a Redis-backed coordination store
func NewRedisCoordinationStore(rdb *redis.Client) *RedisCoordinationStore {
	return &RedisCoordinationStore{rdb: rdb, prefix: "ratelimit"}
}

// Incr implements CoordinationStore
func (s *RedisCoordinationStore) Incr(ctx context.Context, clientKey string, now time.Time) (Counts, error) {
	at := now.UTC()
	minuteKey := fmt.Sprintf("%s:%s:m:%s", s.prefix, clientKey, at.Format("200601021504"))
	hourKey := fmt.Sprintf("%s:%s:h:%s", s.prefix, clientKey, at.Format("2006010215"))

	pipe := s.rdb.Pipeline()
	minuteCmd := pipe.Incr(ctx, minuteKey)
	pipe.Expire(ctx, minuteKey, 2*time.Minute)
	hourCmd := pipe.Incr(ctx, hourKey)
	pipe.Expire(ctx, hourKey, 2*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}

	return Counts{Minute: minuteCmd.Val(), Hour: hourCmd.Val()}, nil
}
