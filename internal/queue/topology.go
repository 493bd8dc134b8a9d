package queue

import "time"

// Orchestrator is the single reactive orchestrator queue name.
const Orchestrator = "orchestrator"

// Subtask queue names, bit-exact per the external interface contract.
const (
	QueueFormatConversion = "format-conversion"
	QueuePDFPreAnalysis   = "pdf-pre-analysis"
	QueuePDFSimpleExtract = "pdf-simple-extract"
	QueueTXTSimpleExtract = "txt-simple-extract"
	QueueImageScaling     = "image-scaling"
	QueueImagePreFilter   = "image-prefilter"
	QueueLLMOCR           = "llm-ocr"
	QueueLLMClassify      = "llm-classify"
	QueueLLMNormalize     = "llm-normalize"
	QueuePDFSplitter      = "pdf-splitter"
	QueueMistralCleanup   = "mistral-cleanup"
)

// SubtaskQueues lists every subtask kind's queue; the subtask worker starts
// one consumer pool per entry. Enqueue does not check a job's declared
// queue against it.
var SubtaskQueues = []string{
	QueueFormatConversion, QueuePDFPreAnalysis, QueuePDFSimpleExtract,
	QueueTXTSimpleExtract, QueueImageScaling, QueueImagePreFilter,
	QueueLLMOCR, QueueLLMClassify, QueueLLMNormalize,
	QueuePDFSplitter, QueueMistralCleanup,
}

// Defaults per queue, per the topology's attempts/backoff/retention contract.
const (
	SubtaskAttempts            = 3
	SubtaskBackoffBase         = 3 * time.Second
	OrchestratorAttempts       = 3
	OrchestratorBackoffBase    = 5 * time.Second
	CompletedRetention         = 24 * time.Hour
	CompletedRetentionCount    = 1000
	FailedRetention            = 7 * 24 * time.Hour
)

// ChildJobID builds the idempotent child job id for a (documentId, queue) pair.
func ChildJobID(documentID, queueName string) string {
	return documentID + "-" + queueName
}

// OrchestratorJobID builds the orchestrator job id for a document.
func OrchestratorJobID(documentID string) string {
	return documentID + "-" + Orchestrator
}
