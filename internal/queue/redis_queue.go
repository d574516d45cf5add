package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
)

// priorityLanes orders the per-queue ready lists most-urgent first.
var priorityLanes = []models.Priority{
	models.PriorityCritical,
	models.PriorityHigh,
	models.PriorityNormal,
	models.PriorityLow,
}

// RedisQueue coordinates ready, in-flight, delayed, and recurring job state
// in Redis for every named queue. Durable job records live in Postgres; Redis
// only holds ordering, leases, and pause flags.
type RedisQueue struct {
	client        *redis.Client
	visibilityTTL time.Duration
}

// Options configure the queue client.
type Options struct {
	Addr              string
	Password          string
	DB                int
	VisibilityTimeout time.Duration
}

// New builds a queue client.
func New(opts Options) *RedisQueue {
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		visibilityTTL: visibility,
	}
}

// NewWithClient wraps an existing client, used by tests against miniredis.
func NewWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{client: client, visibilityTTL: visibility}
}

// Close releases the underlying connection pool.
func (q *RedisQueue) Close() error { return q.client.Close() }

// Ping verifies connectivity; fatal at startup if it fails.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func readyKey(queue string, p models.Priority) string {
	return fmt.Sprintf("mq:ready:%s:%d", queue, p)
}

func delayedKey(queue string) string  { return "mq:delayed:" + queue }
func inflightKey(queue string) string { return "mq:inflight:" + queue }
func pausedKey(queue string) string   { return "mq:paused:" + queue }
func lockKey(queue string) string     { return "mq:lock:" + queue }
func metaKey(jobID string) string     { return "mq:jobmeta:" + jobID }

const (
	recurringHash = "mq:recurring"
	recurringNext = "mq:recurring:next"
)

// Enqueue inserts a job into either the delayed set or a ready lane.
func (q *RedisQueue) Enqueue(ctx context.Context, queue, jobID string, priority models.Priority, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID), "priority", int(priority), "queue", queue)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, delayedKey(queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, readyKey(queue, priority), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Delay moves a job into the delayed set for deferred execution (backoff).
func (q *RedisQueue) Delay(ctx context.Context, queue, jobID string, priority models.Priority, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID), "priority", int(priority), "queue", queue)
	pipe.ZAdd(ctx, delayedKey(queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteDelayed moves due delayed jobs into their ready lanes. Returns how
// many were promoted.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, delayedKey(queue), id)
		pipe.RPush(ctx, readyKey(queue, q.jobPriority(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *RedisQueue) jobPriority(ctx context.Context, jobID string) models.Priority {
	v, err := q.client.HGet(ctx, metaKey(jobID), "priority").Int()
	if err != nil || v == 0 {
		return models.PriorityNormal
	}
	return models.Priority(v)
}

// dequeueScript pops from the most urgent non-empty lane and records a lease,
// unless the queue is paused.
var dequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[#KEYS]) == 1 then
  return nil
end
local inflight = KEYS[#KEYS-1]
for i=1,#KEYS-2 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

// DequeueWithLease pops a job honoring priority order and places it into the
// queue's in-flight set with a visibility deadline. Returns "" when the queue
// is empty or paused.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, queue string) (string, error) {
	keys := make([]string, 0, len(priorityLanes)+2)
	for _, p := range priorityLanes {
		keys = append(keys, readyKey(queue, p))
	}
	keys = append(keys, inflightKey(queue), pausedKey(queue))

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, queue, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey(queue), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and drops its meta record.
func (q *RedisQueue) Ack(ctx context.Context, queue, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(queue), jobID)
	pipe.Del(ctx, metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-entering the jobs into
// their ready lanes. The caller treats each reclaimed job as a failed attempt.
func (q *RedisQueue) RequeueExpired(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, inflightKey(queue), id)
		pipe.RPush(ctx, readyKey(queue, q.jobPriority(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove deletes a job from ready, delayed, and in-flight structures.
func (q *RedisQueue) Remove(ctx context.Context, queue, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range priorityLanes {
		pipe.LRem(ctx, readyKey(queue, p), 0, jobID)
	}
	pipe.ZRem(ctx, delayedKey(queue), jobID)
	pipe.ZRem(ctx, inflightKey(queue), jobID)
	pipe.Del(ctx, metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Drain removes every waiting and delayed job for the queue and returns the
// removed IDs. In-flight jobs are left to finish.
func (q *RedisQueue) Drain(ctx context.Context, queue string) ([]string, error) {
	var ids []string
	for _, p := range priorityLanes {
		lane, err := q.client.LRange(ctx, readyKey(queue, p), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, lane...)
	}
	delayed, err := q.client.ZRange(ctx, delayedKey(queue), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ids = append(ids, delayed...)

	pipe := q.client.TxPipeline()
	for _, p := range priorityLanes {
		pipe.Del(ctx, readyKey(queue, p))
	}
	pipe.Del(ctx, delayedKey(queue))
	for _, id := range ids {
		pipe.Del(ctx, metaKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Pause stops future dequeues; already-active jobs finish normally.
func (q *RedisQueue) Pause(ctx context.Context, queue string) error {
	return q.client.Set(ctx, pausedKey(queue), "1", 0).Err()
}

// Resume re-enables dequeues.
func (q *RedisQueue) Resume(ctx context.Context, queue string) error {
	return q.client.Del(ctx, pausedKey(queue)).Err()
}

// IsPaused reports the pause flag.
func (q *RedisQueue) IsPaused(ctx context.Context, queue string) (bool, error) {
	n, err := q.client.Exists(ctx, pausedKey(queue)).Result()
	return n > 0, err
}

// WaitingDepth returns the total ready length across priority lanes.
func (q *RedisQueue) WaitingDepth(ctx context.Context, queue string) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(priorityLanes))
	for _, p := range priorityLanes {
		cmds = append(cmds, pipe.LLen(ctx, readyKey(queue, p)))
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

// DelayedDepth returns the delayed set cardinality.
func (q *RedisQueue) DelayedDepth(ctx context.Context, queue string) (int64, error) {
	return q.client.ZCard(ctx, delayedKey(queue)).Result()
}

// AcquireLock takes the queue's single-flight lock. Validation and cleanup
// queues use this so at most one instance mutates domain data at a time, even
// across processes.
func (q *RedisQueue) AcquireLock(ctx context.Context, queue, holder string, ttl time.Duration) (bool, error) {
	return q.client.SetNX(ctx, lockKey(queue), holder, ttl).Result()
}

// ReleaseLock drops the single-flight lock if still held by holder.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (q *RedisQueue) ReleaseLock(ctx context.Context, queue, holder string) error {
	return releaseScript.Run(ctx, q.client, []string{lockKey(queue)}, holder).Err()
}

// RefreshLock extends the single-flight lock's TTL if still held by holder, so
// a long run keeps its exclusivity past the initial window.
var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

func (q *RedisQueue) RefreshLock(ctx context.Context, queue, holder string, ttl time.Duration) error {
	return refreshScript.Run(ctx, q.client, []string{lockKey(queue)}, holder, ttl.Milliseconds()).Err()
}

func recurringField(queue, name string) string { return queue + "|" + name }

// UpsertRecurring registers or replaces a repeating definition. Re-registering
// the same (queue, name) replaces the prior schedule.
func (q *RedisQueue) UpsertRecurring(ctx context.Context, def models.RecurringJob) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal recurring def: %w", err)
	}
	field := recurringField(def.Queue, def.Name)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, recurringHash, field, raw)
	pipe.ZAdd(ctx, recurringNext, redis.Z{Score: float64(def.NextRunAt.UnixMilli()), Member: field})
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveRecurring drops a repeating definition.
func (q *RedisQueue) RemoveRecurring(ctx context.Context, queue, name string) error {
	field := recurringField(queue, name)
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, recurringHash, field)
	pipe.ZRem(ctx, recurringNext, field)
	_, err := pipe.Exec(ctx)
	return err
}

// DueRecurring returns definitions whose next occurrence is due.
func (q *RedisQueue) DueRecurring(ctx context.Context, now time.Time, limit int64) ([]models.RecurringJob, error) {
	fields, err := q.client.ZRangeByScore(ctx, recurringNext, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	defs := make([]models.RecurringJob, 0, len(fields))
	for _, f := range fields {
		raw, err := q.client.HGet(ctx, recurringHash, f).Result()
		if err == redis.Nil {
			_ = q.client.ZRem(ctx, recurringNext, f).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		var def models.RecurringJob
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			return nil, fmt.Errorf("unmarshal recurring def %s: %w", f, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// RescheduleRecurring stamps the next occurrence after materializing one.
func (q *RedisQueue) RescheduleRecurring(ctx context.Context, def models.RecurringJob, next time.Time) error {
	def.NextRunAt = next
	return q.UpsertRecurring(ctx, def)
}
