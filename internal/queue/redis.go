package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/freedkr/docgather/internal/config"
)

// RedisBroker implements Broker over a shared Redis connection:
// LPush/BRPop list queues, a JSON job envelope with TTL-based retention,
// and a children set per suspended parent.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker dials Redis per cfg.URL and verifies the connection with
// a ping before returning.
func NewRedisBroker(ctx context.Context, cfg config.RedisConfig) (*RedisBroker, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("解析Redis地址失败: %w", err)
	}
	opt.PoolSize = cfg.PoolSize

	client := redis.NewClient(opt)
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}
	return &RedisBroker{client: client}, nil
}

func jobKey(jobID string) string       { return "job:" + jobID }
func childrenKey(jobID string) string   { return "job:" + jobID + ":children" }
func queueKey(queueName string) string { return "queue:" + queueName }

// The waiting-children protocol has two racing decision points: a
// completing child deciding whether it was the last one (wake the parent),
// and the parent deciding whether every declared child already finished
// (continue on the same tick). A child can reach terminal between the
// parent's pending check and its SAdd, in which case the child saw neither
// the set entry nor the waiting-children status and could not wake anyone,
// parking the parent forever. Both decisions therefore run as Lua scripts,
// which Redis executes atomically, so exactly one side claims the
// continuation.

// wakeParentScript: KEYS = {parentJob, childrenSet, parentQueue},
// ARGV = {childID, parentID}. Removes the child from the set and, if it
// was the last one and the parent is parked, re-activates the parent.
var wakeParentScript = redis.NewScript(`
redis.call('SREM', KEYS[2], ARGV[1])
if redis.call('SCARD', KEYS[2]) > 0 then
  return 0
end
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local parent = cjson.decode(raw)
if parent.status ~= 'waiting-children' then
  return 0
end
parent.status = 'waiting'
redis.call('SET', KEYS[1], cjson.encode(parent), 'KEEPTTL')
redis.call('LPUSH', KEYS[3], ARGV[2])
return 1
`)

// claimContinuationScript: KEYS = {parentJob, childrenSet, childJob...},
// ARGV = {childID...} aligned with KEYS[3:]. Drops already-terminal
// children from the set; if none remain and no child woke the parent in
// the meantime, claims the continuation by flipping the parent back to
// active. Returns 1 while children are still outstanding (stay parked),
// 0 when the caller should continue on the same tick.
var claimContinuationScript = redis.NewScript(`
for i = 3, #KEYS do
  local raw = redis.call('GET', KEYS[i])
  if raw then
    local child = cjson.decode(raw)
    if child.status == 'completed' or child.status == 'failed' then
      redis.call('SREM', KEYS[2], ARGV[i-2])
    end
  end
end
if redis.call('SCARD', KEYS[2]) > 0 then
  return 1
end
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 1
end
local parent = cjson.decode(raw)
if parent.status ~= 'waiting-children' then
  return 1
end
parent.status = 'active'
redis.call('SET', KEYS[1], cjson.encode(parent), 'KEEPTTL')
return 0
`)

func (b *RedisBroker) Enqueue(ctx context.Context, job *Job) error {
	existing, err := b.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status != StatusCompleted && existing.Status != StatusFailed {
		return nil // idempotent: already live, do not duplicate the enqueue
	}

	job.Status = StatusWaiting
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	if err := b.client.LPush(ctx, queueKey(job.Queue), job.ID).Err(); err != nil {
		return fmt.Errorf("入队失败: %w", err)
	}
	return nil
}

func (b *RedisBroker) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := b.client.BRPop(ctx, timeout, queueKey(queueName)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("出队失败: %w", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("出队结果格式异常")
	}

	job, err := b.GetJob(ctx, result[1])
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	job.Status = StatusActive
	if err := b.saveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (b *RedisBroker) GetJob(ctx context.Context, jobID string) (*Job, error) {
	raw, err := b.client.Get(ctx, jobKey(jobID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("读取任务记录失败: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("解析任务记录失败: %w", err)
	}
	return &job, nil
}

func (b *RedisBroker) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("序列化任务记录失败: %w", err)
	}
	ttl := CompletedRetention
	if job.Status == StatusFailed {
		ttl = FailedRetention
	}
	if err := b.client.Set(ctx, jobKey(job.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("写入任务记录失败: %w", err)
	}
	return nil
}

// SetResult stashes a completed job's typed output on its durable record,
// so the parent orchestrator can read it back once reactivated.
func (b *RedisBroker) SetResult(ctx context.Context, jobID string, result json.RawMessage) error {
	job, err := b.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("任务不存在: %s", jobID)
	}
	job.Result = result
	return b.saveJob(ctx, job)
}

// UpdateData overwrites a job's Data payload in place, leaving status,
// attempts and timestamps untouched.
func (b *RedisBroker) UpdateData(ctx context.Context, jobID string, data json.RawMessage) error {
	job, err := b.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("任务不存在: %s", jobID)
	}
	job.Data = data
	return b.saveJob(ctx, job)
}

// Complete marks job terminal and re-activates any parent whose last
// outstanding child this was. The wake decision runs atomically in
// wakeParentScript, so the parent is re-activated exactly once even when
// siblings complete concurrently or the parent is still mid-suspension.
func (b *RedisBroker) Complete(ctx context.Context, jobID string, failed bool, errMsg string) error {
	job, err := b.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("任务不存在: %s", jobID)
	}
	if failed {
		job.Status = StatusFailed
		job.Error = errMsg
	} else {
		job.Status = StatusCompleted
	}
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}

	if job.ParentID == "" {
		return nil
	}
	parent, err := b.GetJob(ctx, job.ParentID)
	if err != nil {
		return err
	}
	if parent == nil {
		return b.client.SRem(ctx, childrenKey(job.ParentID), jobID).Err()
	}

	keys := []string{jobKey(job.ParentID), childrenKey(job.ParentID), queueKey(parent.Queue)}
	if err := wakeParentScript.Run(ctx, b.client, keys, jobID, job.ParentID).Err(); err != nil {
		return fmt.Errorf("唤醒父任务失败: %w", err)
	}
	return nil
}

// MoveToWaitingChildren implements the reactive suspension primitive: only
// children not already terminal are tracked, so a parent invoked after all
// of its children raced to completion continues on the same tick. After
// parking, claimContinuationScript re-verifies the tracked children
// atomically, closing the window where a child completed between the
// pending check and the SAdd and therefore could not wake the parent.
func (b *RedisBroker) MoveToWaitingChildren(ctx context.Context, jobID string, childIDs []string) (bool, error) {
	pending := make([]string, 0, len(childIDs))
	for _, id := range childIDs {
		child, err := b.GetJob(ctx, id)
		if err != nil {
			return false, err
		}
		if child == nil || (child.Status != StatusCompleted && child.Status != StatusFailed) {
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return false, nil
	}

	members := make([]interface{}, len(pending))
	for i, id := range pending {
		members[i] = id
	}
	if err := b.client.SAdd(ctx, childrenKey(jobID), members...).Err(); err != nil {
		return false, fmt.Errorf("记录子任务计数失败: %w", err)
	}
	job, err := b.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, fmt.Errorf("任务不存在: %s", jobID)
	}
	job.Status = StatusWaitingChildren
	if err := b.saveJob(ctx, job); err != nil {
		return false, err
	}

	keys := make([]string, 0, 2+len(pending))
	keys = append(keys, jobKey(jobID), childrenKey(jobID))
	args := make([]interface{}, 0, len(pending))
	for _, id := range pending {
		keys = append(keys, jobKey(id))
		args = append(args, id)
	}
	parked, err := claimContinuationScript.Run(ctx, b.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("复核子任务状态失败: %w", err)
	}
	if parked == 1 {
		return true, nil
	}
	// Every declared child raced to terminal before we parked and nothing
	// re-enqueued us: continue on the same tick.
	return false, nil
}

// Retry re-enqueues job after the queue-appropriate exponential backoff, or
// fails it permanently once attempts are exhausted.
func (b *RedisBroker) Retry(ctx context.Context, job *Job, errMsg string) error {
	job.Attempts++
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = SubtaskAttempts
	}
	if job.Attempts >= maxAttempts {
		return b.Complete(ctx, job.ID, true, errMsg)
	}

	base := SubtaskBackoffBase
	if job.Queue == Orchestrator {
		base = OrchestratorBackoffBase
	}
	backoff := time.Duration(float64(base) * math.Pow(2, float64(job.Attempts-1)))

	job.Status = StatusWaiting
	job.Error = errMsg
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	time.AfterFunc(backoff, func() {
		_ = b.client.LPush(context.Background(), queueKey(job.Queue), job.ID).Err()
	})
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
