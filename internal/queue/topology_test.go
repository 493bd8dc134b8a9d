package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChildJobIDShape(t *testing.T) {
	assert.Equal(t, "doc-42-llm-ocr", ChildJobID("doc-42", QueueLLMOCR))
	assert.Equal(t, "doc-42-orchestrator", OrchestratorJobID("doc-42"))
}

func TestQueueNamesAreBitExact(t *testing.T) {
	want := []string{
		"format-conversion", "pdf-pre-analysis", "pdf-simple-extract",
		"txt-simple-extract", "image-scaling", "image-prefilter",
		"llm-ocr", "llm-classify", "llm-normalize",
		"pdf-splitter", "mistral-cleanup",
	}
	assert.Equal(t, want, SubtaskQueues)
	assert.Equal(t, "orchestrator", Orchestrator)
}
