package orchestrator

import (
	"context"
	"strings"

	"github.com/freedkr/docgather/internal/model"
	"github.com/freedkr/docgather/internal/queue"
)

// pipelineOrder lists the subtask queues from shallowest to deepest stage,
// so deepestChildFailure can report the failure closest to the end of the
// walk when several children of the same document have failed across
// broker retries.
var pipelineOrder = []string{
	queue.QueueFormatConversion,
	queue.QueuePDFPreAnalysis,
	queue.QueuePDFSplitter,
	queue.QueuePDFSimpleExtract,
	queue.QueueTXTSimpleExtract,
	queue.QueueImageScaling,
	queue.QueueImagePreFilter,
	queue.QueueLLMOCR,
	queue.QueueLLMClassify,
	queue.QueueLLMNormalize,
}

// MarkDocumentFailed is the final-failure hook: called by the
// orchestrator worker once the broker's attempts are exhausted, it flips
// the document to errored so it is never left in processing. When the
// orchestrator's own message indicates a child failed, the deepest child's
// recorded failure reason replaces it.
func (o *Orchestrator) MarkDocumentFailed(ctx context.Context, job *queue.Job, errMsg, workerVersion string) error {
	reason := errMsg
	if strings.Contains(errMsg, "子任务") {
		if deepest := o.deepestChildFailure(ctx, job.DocumentID); deepest != "" {
			reason = deepest
		}
	}
	return o.DB.MarkProcessingComplete(ctx, job.DocumentID, model.StatusErrored, reason, "worker="+workerVersion)
}

// deepestChildFailure walks the document's child job records from the
// deepest pipeline stage backwards and returns the first recorded failure.
func (o *Orchestrator) deepestChildFailure(ctx context.Context, documentID string) string {
	for i := len(pipelineOrder) - 1; i >= 0; i-- {
		child, err := o.Broker.GetJob(ctx, queue.ChildJobID(documentID, pipelineOrder[i]))
		if err != nil || child == nil {
			continue
		}
		if child.Status == queue.StatusFailed && child.Error != "" {
			return child.Error
		}
	}
	return ""
}
