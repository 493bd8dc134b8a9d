package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freedkr/docgather/internal/model"
)

// InlineBatchLimit is the queue depth that forces an immediate flush:
// exactly 1000 pending requests flush, 999 still honor the debounce.
const InlineBatchLimit = 1000

const (
	initialDebounce = 5 * time.Second
	extensionWindow = 1 * time.Second
)

// OCRBatchResult is the per-document outcome of a coalesced OCR batch,
// mirroring the source's execute(document, model) -> {pages, model}.
type OCRBatchResult struct {
	Pages interface{} `json:"pages"`
	Model string      `json:"model"`
}

// BatchJobClient is the remote batch-jobs endpoint surface the coalescer
// consumes: create, poll, and download. Batch creation deliberately does
// not pass through the per-request dispatcher.
type BatchJobClient interface {
	CreateBatchJob(ctx context.Context, modelName string, requests []BatchRequest) (jobID string, err error)
	PollBatchJob(ctx context.Context, jobID string) (status string, errMsg string, err error)
	DownloadBatchOutput(ctx context.Context, jobID string) ([]byte, error)
}

// BatchRequest is one line of the batch-jobs submission payload.
type BatchRequest struct {
	CustomID string          `json:"custom_id"`
	Body     BatchRequestBody `json:"body"`
}

// BatchRequestBody carries the model and the document payload to OCR.
type BatchRequestBody struct {
	Model    string `json:"model"`
	Document string `json:"document"`
}

type batchResultLine struct {
	CustomID string      `json:"custom_id"`
	Pages    interface{} `json:"pages"`
	Model    string      `json:"model"`
}

type batchOutcome struct {
	result *OCRBatchResult
	err    error
}

type batchItem struct {
	customID string
	document string
	model    string
	resultCh chan batchOutcome
}

// Coalescer is the singleton debounced OCR batching queue: requests
// collect over a 5-second window (extended by 1s while the dispatcher is
// busy), then go out as one batch job per model.
type Coalescer struct {
	mu         sync.Mutex
	pending    []*batchItem
	timer      *time.Timer
	client     BatchJobClient
	dispatcher *Dispatcher
}

// NewCoalescer wires a coalescer against client, consulting dispatcher's
// last-use time to decide whether to extend the debounce window.
func NewCoalescer(client BatchJobClient, dispatcher *Dispatcher) *Coalescer {
	return &Coalescer{client: client, dispatcher: dispatcher}
}

// Reset clears queued state between tests; the coalescer is otherwise a
// process-lifetime singleton.
func (c *Coalescer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = nil
	c.pending = nil
}

// Execute appends (customId, document, model) to the pending queue and
// blocks until the batch containing it resolves.
func (c *Coalescer) Execute(ctx context.Context, document, modelName string) (*OCRBatchResult, error) {
	item := &batchItem{
		customID: uuid.New().String(),
		document: document,
		model:    modelName,
		resultCh: make(chan batchOutcome, 1),
	}

	var flushNow []*batchItem
	c.mu.Lock()
	c.pending = append(c.pending, item)
	if len(c.pending) == 1 {
		c.timer = time.AfterFunc(initialDebounce, c.onTimerFire)
	}
	if len(c.pending) >= InlineBatchLimit {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		flushNow = c.pending
		c.pending = nil
	}
	c.mu.Unlock()

	if flushNow != nil {
		go c.flush(flushNow)
	}

	select {
	case out := <-item.resultCh:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onTimerFire implements the debounce check: if the dispatcher was used
// within the last second, the window is extended by one more second;
// otherwise the pending queue is flushed.
func (c *Coalescer) onTimerFire() {
	c.mu.Lock()
	if c.dispatcher != nil && time.Since(c.dispatcher.lastRequestTime) < extensionWindow {
		c.timer = time.AfterFunc(extensionWindow, c.onTimerFire)
		c.mu.Unlock()
		return
	}
	items := c.pending
	c.pending = nil
	c.timer = nil
	c.mu.Unlock()

	if len(items) > 0 {
		go c.flush(items)
	}
}

// flush snapshots the given items, partitions them by model (a batch must
// be model-homogeneous), and submits one batch job per group.
func (c *Coalescer) flush(items []*batchItem) {
	groups := make(map[string][]*batchItem)
	for _, it := range items {
		groups[it.model] = append(groups[it.model], it)
	}
	for modelName, group := range groups {
		c.runBatch(modelName, group)
	}
}

func (c *Coalescer) runBatch(modelName string, items []*batchItem) {
	ctx := context.Background()
	requests := make([]BatchRequest, 0, len(items))
	byCustomID := make(map[string]*batchItem, len(items))
	for _, it := range items {
		requests = append(requests, BatchRequest{
			CustomID: it.customID,
			Body:     BatchRequestBody{Model: modelName, Document: it.document},
		})
		byCustomID[it.customID] = it
	}

	jobID, err := c.client.CreateBatchJob(ctx, modelName, requests)
	if err != nil {
		rejectAll(items, err)
		return
	}

	var status, errMsg string
	for {
		status, errMsg, err = c.client.PollBatchJob(ctx, jobID)
		if err != nil {
			rejectAll(items, err)
			return
		}
		if isTerminalBatchStatus(status) {
			break
		}
		time.Sleep(1 * time.Second)
	}

	if status != "completed" {
		rejectAll(items, &model.BaseError{
			Code:    model.ErrCodeProviderError,
			Message: fmt.Sprintf("批处理作业以状态%s终止: %s", status, errMsg),
		})
		return
	}

	output, err := c.client.DownloadBatchOutput(ctx, jobID)
	if err != nil {
		rejectAll(items, err)
		return
	}

	resolved := make(map[string]*OCRBatchResult)
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec batchResultLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Printf("⚠️ 批处理结果行解析失败，已跳过: %v", err)
			continue
		}
		resolved[rec.CustomID] = &OCRBatchResult{Pages: rec.Pages, Model: rec.Model}
	}

	for customID, it := range byCustomID {
		res, ok := resolved[customID]
		if !ok {
			it.resultCh <- batchOutcome{err: model.NewNotFoundError(
				fmt.Sprintf("批处理结果缺少custom_id: %s", customID))}
			continue
		}
		it.resultCh <- batchOutcome{result: res}
	}
}

func rejectAll(items []*batchItem, err error) {
	for _, it := range items {
		it.resultCh <- batchOutcome{err: err}
	}
}

func isTerminalBatchStatus(status string) bool {
	switch status {
	case "completed", "failed", "expired", "cancelled":
		return true
	default:
		return false
	}
}
