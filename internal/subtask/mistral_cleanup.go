package subtask

import (
	"context"
	"regexp"
	"time"

	"github.com/freedkr/docgather/internal/queue"
)

// ocrPurgeAge is how old an OCR-purpose provider upload must be before
// mistral-cleanup reaps it.
const ocrPurgeAge = 30 * time.Minute

// MistralCleanupJobID is the fixed idempotent job id the self-reschedule
// re-enqueues under, so the broker never double-schedules the sweep.
const MistralCleanupJobID = "mistral-cleanup-sweep"

var documentUploadName = regexp.MustCompile(`^document-[0-9a-fA-F-]{36}`)

// MistralCleanupResult reports what the sweep did, mainly for logging.
type MistralCleanupResult struct {
	Deleted      int  `json:"deleted"`
	Rescheduled  bool `json:"rescheduled"`
}

// RunMistralCleanup is the mistral-cleanup worker: a delayed
// maintenance job with no associated document. It lists provider files of
// purpose "ocr", deletes any whose filename matches document-<uuid> and
// is older than 30 minutes, and — if younger matching files remain —
// re-enqueues itself onto the same queue after another 30-minute delay,
// under the fixed idempotent job id so the broker never double-schedules it.
func RunMistralCleanup(ctx context.Context, deps *Deps, broker queue.Broker) (*MistralCleanupResult, error) {
	files, err := deps.Gateway.ListFiles(ctx, "ocr")
	if err != nil {
		return nil, err
	}

	result := &MistralCleanupResult{}
	youngRemain := false
	now := time.Now()
	for _, f := range files {
		if !documentUploadName.MatchString(f.Filename) {
			continue
		}
		age := now.Sub(f.CreatedAt)
		if age >= ocrPurgeAge {
			if err := deps.Gateway.Delete(ctx, f.ID); err != nil {
				continue
			}
			result.Deleted++
		} else {
			youngRemain = true
		}
	}

	if youngRemain && broker != nil {
		result.Rescheduled = true
		rescheduleCleanup(broker)
	}
	return result, nil
}

// rescheduleCleanup mirrors the backoff re-enqueue shape RedisBroker.Retry
// uses, but on the success path rather than on failure: wait out the
// delay, then push the fixed job id back onto its queue.
func rescheduleCleanup(broker queue.Broker) {
	time.AfterFunc(ocrPurgeAge, func() {
		_ = broker.Enqueue(context.Background(), &queue.Job{
			ID:          MistralCleanupJobID,
			Queue:       queue.QueueMistralCleanup,
			Data:        []byte("{}"),
			MaxAttempts: queue.SubtaskAttempts,
		})
	})
}
