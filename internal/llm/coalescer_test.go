package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBatchClient struct {
	mu       sync.Mutex
	requests []BatchRequest
	jobID    string
	status   string
	errMsg   string
	output   []byte
	buildOutput func([]BatchRequest) []byte
}

func (f *fakeBatchClient) CreateBatchJob(ctx context.Context, modelName string, requests []BatchRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, requests...)
	f.mu.Unlock()
	if f.jobID == "" {
		return "job-1", nil
	}
	return f.jobID, nil
}

func (f *fakeBatchClient) PollBatchJob(ctx context.Context, jobID string) (string, string, error) {
	status := f.status
	if status == "" {
		status = "completed"
	}
	return status, f.errMsg, nil
}

func (f *fakeBatchClient) DownloadBatchOutput(ctx context.Context, jobID string) ([]byte, error) {
	if f.buildOutput != nil {
		return f.buildOutput(f.requests), nil
	}
	return f.output, nil
}

func jsonlLine(customID string, pages []string, model string) []byte {
	raw, _ := json.Marshal(batchResultLine{CustomID: customID, Pages: pages, Model: model})
	return raw
}

func waitOutcome(t *testing.T, ch chan batchOutcome) batchOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch outcome")
		return batchOutcome{}
	}
}

func TestCoalescerRunBatchResolvesByCustomID(t *testing.T) {
	fc := &fakeBatchClient{
		buildOutput: func(reqs []BatchRequest) []byte {
			var buf bytes.Buffer
			for _, r := range reqs {
				buf.Write(jsonlLine(r.CustomID, []string{"page-for-" + r.Body.Document}, r.Body.Model))
				buf.WriteByte('\n')
			}
			return buf.Bytes()
		},
	}
	c := NewCoalescer(fc, nil)
	item1 := &batchItem{customID: "id-1", document: "doc1", model: "m", resultCh: make(chan batchOutcome, 1)}
	item2 := &batchItem{customID: "id-2", document: "doc2", model: "m", resultCh: make(chan batchOutcome, 1)}

	go c.runBatch("m", []*batchItem{item1, item2})

	out1 := waitOutcome(t, item1.resultCh)
	out2 := waitOutcome(t, item2.resultCh)
	require.NoError(t, out1.err)
	require.NoError(t, out2.err)
	assert.Equal(t, []interface{}{"page-for-doc1"}, out1.result.Pages)
	assert.Equal(t, []interface{}{"page-for-doc2"}, out2.result.Pages)
}

func TestCoalescerMissingCustomIDRejectsIndividually(t *testing.T) {
	fc := &fakeBatchClient{output: jsonlLine("id-1", []string{"p1"}, "m")}
	c := NewCoalescer(fc, nil)
	item1 := &batchItem{customID: "id-1", document: "doc1", model: "m", resultCh: make(chan batchOutcome, 1)}
	item2 := &batchItem{customID: "id-2", document: "doc2", model: "m", resultCh: make(chan batchOutcome, 1)}

	go c.runBatch("m", []*batchItem{item1, item2})

	out1 := waitOutcome(t, item1.resultCh)
	out2 := waitOutcome(t, item2.resultCh)
	assert.NoError(t, out1.err)
	assert.Error(t, out2.err, "item with no matching custom_id line must reject individually")
}

func TestCoalescerUnparseableLinesAreSkipped(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("not json at all\n")
	buf.Write(jsonlLine("id-1", []string{"p1"}, "m"))
	fc := &fakeBatchClient{output: buf.Bytes()}
	c := NewCoalescer(fc, nil)
	item1 := &batchItem{customID: "id-1", document: "doc1", model: "m", resultCh: make(chan batchOutcome, 1)}

	go c.runBatch("m", []*batchItem{item1})

	out1 := waitOutcome(t, item1.resultCh)
	require.NoError(t, out1.err)
	assert.Equal(t, []interface{}{"p1"}, out1.result.Pages)
}

func TestCoalescerTerminalFailureRejectsAllCallers(t *testing.T) {
	fc := &fakeBatchClient{status: "failed", errMsg: "provider exploded"}
	c := NewCoalescer(fc, nil)
	item1 := &batchItem{customID: "id-1", document: "doc1", model: "m", resultCh: make(chan batchOutcome, 1)}
	item2 := &batchItem{customID: "id-2", document: "doc2", model: "m", resultCh: make(chan batchOutcome, 1)}

	go c.runBatch("m", []*batchItem{item1, item2})

	out1 := waitOutcome(t, item1.resultCh)
	out2 := waitOutcome(t, item2.resultCh)
	assert.Error(t, out1.err)
	assert.Error(t, out2.err)
}

func TestCoalescerFlushPartitionsByModel(t *testing.T) {
	fc := &fakeBatchClient{
		buildOutput: func(reqs []BatchRequest) []byte {
			var buf bytes.Buffer
			for _, r := range reqs {
				buf.Write(jsonlLine(r.CustomID, []string{r.Body.Model}, r.Body.Model))
				buf.WriteByte('\n')
			}
			return buf.Bytes()
		},
	}
	c := NewCoalescer(fc, nil)
	itemA := &batchItem{customID: "id-a", document: "doc-a", model: "model-a", resultCh: make(chan batchOutcome, 1)}
	itemB := &batchItem{customID: "id-b", document: "doc-b", model: "model-b", resultCh: make(chan batchOutcome, 1)}

	c.flush([]*batchItem{itemA, itemB})

	outA := waitOutcome(t, itemA.resultCh)
	outB := waitOutcome(t, itemB.resultCh)
	require.NoError(t, outA.err)
	require.NoError(t, outB.err)
	assert.Equal(t, "model-a", outA.result.Model)
	assert.Equal(t, "model-b", outB.result.Model)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Len(t, fc.requests, 2, "each model's request must not be coalesced into the other's batch")
}

func TestCoalescerFlushesImmediatelyAtInlineBatchLimit(t *testing.T) {
	fc := &fakeBatchClient{
		buildOutput: func(reqs []BatchRequest) []byte {
			var buf bytes.Buffer
			for _, r := range reqs {
				buf.Write(jsonlLine(r.CustomID, []string{"p"}, r.Body.Model))
				buf.WriteByte('\n')
			}
			return buf.Bytes()
		},
	}
	c := NewCoalescer(fc, nil)

	results := make(chan batchOutcome, InlineBatchLimit)
	for i := 0; i < InlineBatchLimit; i++ {
		go func() {
			res, err := c.Execute(context.Background(), "doc", "m")
			results <- batchOutcome{result: res, err: err}
		}()
	}

	for i := 0; i < InlineBatchLimit; i++ {
		out := waitOutcome(t, results)
		assert.NoError(t, out.err)
	}

	c.mu.Lock()
	assert.Empty(t, c.pending, "queue must be drained by the at-limit flush")
	assert.Nil(t, c.timer, "the debounce timer must be cancelled once the limit flush fires")
	c.mu.Unlock()
}

func TestCoalescerReset(t *testing.T) {
	c := NewCoalescer(&fakeBatchClient{}, nil)
	c.pending = []*batchItem{{}}
	c.timer = time.AfterFunc(time.Minute, func() {})
	c.Reset()
	assert.Empty(t, c.pending)
	assert.Nil(t, c.timer)
}
