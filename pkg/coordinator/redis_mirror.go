package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisMirror mirrors queue membership into a Redis sorted set per queue
// (`ZADD queue:<name> <priority-timestamp-score> <op-id>`), per SPEC_FULL.md
// §4.4: the in-memory heap remains the path workers pop from in a
// single-process run, and the mirror makes queue_depth observable
// cluster-wide. Nothing reads queue membership back from Redis, so a
// restarted coordinator does not reload its queues from the mirror.
type RedisMirror struct {
	client *redis.Client
}

// NewRedisMirror creates a Redis client for addr.
func NewRedisMirror(addr string) *RedisMirror {
	return &RedisMirror{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func redisQueueKey(queue string) string { return fmt.Sprintf("queue:%s", queue) }

// score packs priority (higher = more urgent, inverted so ZRANGE ascending
// pops the highest-priority member first) and a timestamp tiebreaker into one
// float64 sortable score.
func score(priority int, t time.Time) float64 {
	return float64(-priority)*1e15 + float64(t.UnixNano())
}

func (r *RedisMirror) onPush(ctx context.Context, queue, opID string, priority int) error {
	return r.client.ZAdd(ctx, redisQueueKey(queue), &redis.Z{
		Score:  score(priority, time.Now()),
		Member: opID,
	}).Err()
}

func (r *RedisMirror) onPop(ctx context.Context, queue, opID string) error {
	return r.client.ZRem(ctx, redisQueueKey(queue), opID).Err()
}

// Depth returns the cluster-visible depth of a queue as seen in Redis.
func (r *RedisMirror) Depth(ctx context.Context, queue string) (int64, error) {
	return r.client.ZCard(ctx, redisQueueKey(queue)).Result()
}

// Close releases the underlying Redis client.
func (r *RedisMirror) Close() error { return r.client.Close() }
