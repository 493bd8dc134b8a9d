// Package queue is the shared broker facade: one orchestrator queue, one
// queue per subtask kind, a reactive waiting-children suspension
// primitive, and bounded retry/backoff over Redis lists.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job is one unit of work durably recorded on the broker: for the
// orchestrator queue its Data is a serialized SubtaskInput carrying the
// current step; for subtask queues it is the typed SubtaskInput payload.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	DocumentID string          `json:"document_id"`
	ParentID   string          `json:"parent_id,omitempty"`
	Data       json.RawMessage `json:"data"`
	// Result carries a completed job's typed output, read back by the
	// parent orchestrator once MoveToWaitingChildren reports no children
	// outstanding. Set by SetResult before Complete.
	Result      json.RawMessage `json:"result,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
}

// Job statuses.
const (
	StatusWaiting         = "waiting"
	StatusActive          = "active"
	StatusWaitingChildren = "waiting-children"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
)

// Broker is the minimal surface the engine needs from the queue system:
// enqueue, blocking dequeue, and the waiting-children reactive-suspension
// primitive the orchestrator parks on.
type Broker interface {
	// Enqueue publishes job to its declared queue. Re-enqueuing an id that
	// already exists and is not terminal is a no-op (idempotent child spawn).
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue blocks up to timeout for the next job on queueName, or returns
	// (nil, nil) on timeout with no job available.
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error)

	// Complete marks a job terminal (completed or failed) and, if it has a
	// parent, decrements the parent's outstanding-children counter,
	// re-activating the parent exactly once the count reaches zero.
	Complete(ctx context.Context, jobID string, failed bool, errMsg string) error

	// SetResult stores a completed job's typed output for the parent to
	// read back; call before Complete.
	SetResult(ctx context.Context, jobID string, result json.RawMessage) error

	// UpdateData persists the job's current Data payload without touching
	// status or attempts — the orchestrator calls this on every tick that
	// mutates SubtaskInput before it may suspend, so a re-invocation
	// rehydrates from the latest state rather than the enqueue-time one.
	UpdateData(ctx context.Context, jobID string, data json.RawMessage) error

	// Retry re-enqueues job after its queue's exponential backoff if
	// attempts remain, otherwise calls Complete(failed=true).
	Retry(ctx context.Context, job *Job, errMsg string) error

	// MoveToWaitingChildren removes the job from the active set iff at
	// least one declared child is still pending; otherwise it returns
	// ok=false so the caller can continue on the same tick.
	MoveToWaitingChildren(ctx context.Context, jobID string, childIDs []string) (ok bool, err error)

	// GetJob fetches a job's current durable record by id.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// Close releases broker resources.
	Close() error
}
