// Package queue is the Redis-backed run task queue: ready lists per priority,
// in-flight leases with a visibility timeout, a scheduled set for backoff and a DLQ.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"docsync/internal/models"
)

// Priority selects the ready list. Manual triggers are served before scheduled ones.
type Priority string

const (
	PriorityManual    Priority = "manual"
	PriorityScheduled Priority = "scheduled"
)

var priorities = []Priority{PriorityManual, PriorityScheduled}

const (
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultPendingTTL        = 24 * time.Hour
	DefaultDLQName           = "queue:dlq"
)

// Options configures a RedisQueue.
type Options struct {
	VisibilityTimeout time.Duration
	// PendingTTL bounds how long a pairing's pending marker survives if its task is lost.
	PendingTTL time.Duration
	DLQName    string
}

// RedisQueue coordinates ready, in-flight, and scheduled run tasks in Redis.
type RedisQueue struct {
	client        *redis.Client
	inflightKey   string
	scheduledKey  string
	taskPrefix    string
	pendingPrefix string
	visibilityTTL time.Duration
	pendingTTL    time.Duration
	dlqKey        string
	now           func() time.Time
}

// NewRedisQueue builds a queue over client.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	if opts.DLQName == "" {
		opts.DLQName = DefaultDLQName
	}
	return &RedisQueue{
		client:        client,
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		taskPrefix:    "queue:task:",
		pendingPrefix: "queue:pending:",
		visibilityTTL: opts.VisibilityTimeout,
		pendingTTL:    opts.PendingTTL,
		dlqKey:        opts.DLQName,
		now:           time.Now,
	}
}

// VisibilityTimeout is the lease granted by DequeueWithLease.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

func (q *RedisQueue) readyKey(p Priority) string {
	return fmt.Sprintf("queue:ready:%s", p)
}

func (q *RedisQueue) taskKey(taskID string) string {
	return q.taskPrefix + taskID
}

func (q *RedisQueue) pendingKey(pairingID string) string {
	return q.pendingPrefix + pairingID
}

// EnqueueRun queues task unless the pairing already has a pending task.
// It returns the id of the queued task, or of the already pending one with enqueued=false.
func (q *RedisQueue) EnqueueRun(ctx context.Context, task models.RunTask, priority Priority) (string, bool, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if priority == "" {
		priority = PriorityScheduled
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return "", false, fmt.Errorf("encode task: %w", err)
	}
	keys := []string{q.pendingKey(task.PairingID), q.taskKey(task.ID), q.readyKey(priority)}
	ok, err := enqueueScript.Run(ctx, q.client, keys, task.ID, payload, string(priority), q.pendingTTL.Milliseconds()).Int()
	if err != nil {
		return "", false, fmt.Errorf("enqueue task: %w", err)
	}
	if ok == 1 {
		return task.ID, true, nil
	}
	existing, err := q.client.Get(ctx, q.pendingKey(task.PairingID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false, fmt.Errorf("read pending task: %w", err)
	}
	return existing, false, nil
}

// Schedule stores task's updated state, drops its lease and defers it until runAt. The pairing stays pending.
func (q *RedisQueue) Schedule(ctx context.Context, task models.RunTask, priority Priority, runAt time.Time) error {
	if priority == "" {
		priority = PriorityScheduled
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(task.ID), "payload", payload, "priority", string(priority))
	pipe.ZRem(ctx, q.inflightKey, task.ID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: task.ID})
	pipe.PExpire(ctx, q.pendingKey(task.PairingID), q.pendingTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled tasks into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a task from the ready queues in priority order and leases it.
// It returns ok=false when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (models.RunTask, bool, error) {
	keys := make([]string, 0, len(priorities)+1)
	for _, p := range priorities {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return models.RunTask{}, false, nil
	}
	if err != nil {
		return models.RunTask{}, false, err
	}
	taskID, ok := res.(string)
	if !ok {
		return models.RunTask{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	raw, err := q.client.HGet(ctx, q.taskKey(taskID), "payload").Result()
	if errors.Is(err, redis.Nil) {
		// Payload already gone: the task was acked elsewhere.
		_ = q.client.ZRem(ctx, q.inflightKey, taskID).Err()
		return models.RunTask{}, false, nil
	}
	if err != nil {
		return models.RunTask{}, false, err
	}
	var task models.RunTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return models.RunTask{}, false, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return task, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a concluded task and clears its pairing's pending marker.
func (q *RedisQueue) Ack(ctx context.Context, task models.RunTask) error {
	keys := []string{q.inflightKey, q.taskKey(task.ID), q.pendingKey(task.PairingID), q.scheduledKey}
	return ackScript.Run(ctx, q.client, keys, task.ID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DeadLetter records task with reason on the DLQ and acks it.
func (q *RedisQueue) DeadLetter(ctx context.Context, task models.RunTask, reason string) error {
	entry, err := json.Marshal(DeadLetter{Task: task, Reason: reason, At: q.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := q.client.RPush(ctx, q.dlqKey, entry).Err(); err != nil {
		return err
	}
	return q.Ack(ctx, task)
}

// DeadLetter is one DLQ entry.
type DeadLetter struct {
	Task   models.RunTask `json:"task"`
	Reason string         `json:"reason"`
	At     time.Time      `json:"at"`
}

// DLQPeek reads the oldest dead-lettered tasks.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// DLQPeekTenant reads the oldest dead-lettered tasks of one tenant. The list is scanned in
// pages so count applies after filtering.
func (q *RedisQueue) DLQPeekTenant(ctx context.Context, tenantID string, count int64) ([]DeadLetter, error) {
	const page = 200
	out := []DeadLetter{}
	for start := int64(0); int64(len(out)) < count; start += page {
		raw, err := q.client.LRange(ctx, q.dlqKey, start, start+page-1).Result()
		if err != nil {
			return nil, err
		}
		for _, r := range raw {
			var dl DeadLetter
			if err := json.Unmarshal([]byte(r), &dl); err != nil {
				return nil, fmt.Errorf("decode dead letter: %w", err)
			}
			if dl.Task.TenantID != tenantID {
				continue
			}
			out = append(out, dl)
			if int64(len(out)) == count {
				break
			}
		}
		if len(raw) < page {
			break
		}
	}
	return out, nil
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(priorities))
	for _, p := range priorities {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InflightCount returns the number of leased tasks.
func (q *RedisQueue) InflightCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// ScheduledCount returns the number of tasks waiting out a backoff.
func (q *RedisQueue) ScheduledCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey).Result()
}

func (q *RedisQueue) priorityOf(ctx context.Context, taskID string) Priority {
	p, err := q.client.HGet(ctx, q.taskKey(taskID), "priority").Result()
	if err != nil || p == "" {
		return PriorityScheduled
	}
	return Priority(p)
}

var enqueueScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[4]) then
  redis.call('HSET', KEYS[2], 'payload', ARGV[2], 'priority', ARGV[3])
  redis.call('RPUSH', KEYS[3], ARGV[1])
  return 1
end
return 0
`)

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

var ackScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[2])
if redis.call('GET', KEYS[3]) == ARGV[1] then
  redis.call('DEL', KEYS[3])
end
return 1
`)
