package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task kinds carried on the queue.
const (
	KindConvert         = "convert"
	KindExtractMetadata = "extract_metadata"
	KindRecheck         = "recheck"
)

// Task is the unit of delivery: a kind plus the job it refers to. All other
// task state lives in the job record, so redelivered tasks stay cheap.
type Task struct {
	Kind  string
	JobID string
}

func (t Task) member() string {
	return t.Kind + "|" + t.JobID
}

func parseMember(m string) (Task, bool) {
	kind, jobID, ok := strings.Cut(m, "|")
	if !ok || jobID == "" {
		return Task{}, false
	}
	return Task{Kind: kind, JobID: jobID}, true
}

// RedisQueue coordinates ready, in-flight, and scheduled task sets in Redis.
// Delivery is at-least-once: a task popped into in-flight is redelivered when
// its visibility lease expires without an Ack.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue over an existing Redis client.
func NewRedisQueue(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "tasks:ready",
		inflightKey:   "tasks:inflight",
		scheduledKey:  "tasks:scheduled",
		visibilityTTL: visibility,
	}
}

// Enqueue appends a task to the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if err := q.client.RPush(ctx, q.readyKey, task.member()).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", task.member(), err)
	}
	return nil
}

// Schedule defers a task until runAt. Used for PROCESSING-deadline rechecks.
func (q *RedisQueue) Schedule(ctx context.Context, task Task, runAt time.Time) error {
	err := q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: task.member(),
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule %s: %w", task.member(), err)
	}
	return nil
}

// PromoteScheduled moves due scheduled tasks into the ready queue. It returns
// how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, q.scheduledKey, m)
		pipe.RPush(ctx, q.readyKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// DequeueWithLease pops one task and places it into in-flight with a
// visibility timeout. Returns ok=false when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Task, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	member, ok := res.(string)
	if !ok {
		return Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	task, ok := parseMember(member)
	if !ok {
		return Task{}, false, fmt.Errorf("malformed task member %q", member)
	}
	return task, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
// Workers call this mid-conversion when the engine is expected to outlive the
// initial lease.
func (q *RedisQueue) ExtendLease(ctx context.Context, task Task, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: task.member(),
	}).Err()
}

// Ack removes a task from in-flight tracking after completion.
func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	return q.client.ZRem(ctx, q.inflightKey, task.member()).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the tasks for
// redelivery.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]Task, error) {
	members, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	tasks := make([]Task, 0, len(members))
	for _, m := range members {
		pipe.ZRem(ctx, q.inflightKey, m)
		pipe.RPush(ctx, q.readyKey, m)
		if task, ok := parseMember(m); ok {
			tasks = append(tasks, task)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Revoke removes a still-queued task. Best-effort: a task already leased by a
// worker is left alone and the store-level status guard discards it instead.
func (q *RedisQueue) Revoke(ctx context.Context, task Task) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, task.member())
	pipe.ZRem(ctx, q.scheduledKey, task.member())
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local task = redis.call('LPOP', KEYS[1])
if task then
  redis.call('ZADD', KEYS[2], ARGV[1], task)
  return task
end
return nil
`)
