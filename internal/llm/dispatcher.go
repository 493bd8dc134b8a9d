package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/freedkr/docgather/internal/model"
)

// PayloadTooLargeThreshold is the body-size boundary at or above which a 429 is
// treated as payload-too-large instead of being retried: exactly 195 KiB
// is over the line, 195 KiB-1 is retried.
const PayloadTooLargeThreshold = 195 * 1024

// Dispatcher is the singleton per-provider FIFO serializer: an explicit
// thunk queue with minimum inter-request spacing, decoupled dispatch, and
// front-of-queue retry on 429.
type Dispatcher struct {
	mu              sync.Mutex
	queue           []*dispatchItem
	minInterval     time.Duration
	lastRequestTime time.Time
	running         bool
}

type dispatchItem struct {
	bodySize int
	fn       func() (*model.LLMResponse, error)
	resultCh chan dispatchResult
}

type dispatchResult struct {
	resp *model.LLMResponse
	err  error
}

// NewDispatcher builds a dispatcher enforcing ceil(1000/maxRPS) ms spacing.
// maxRPS <= 0 is treated as 1.
func NewDispatcher(maxRPS int) *Dispatcher {
	if maxRPS <= 0 {
		maxRPS = 1
	}
	millis := (1000 + maxRPS - 1) / maxRPS
	return &Dispatcher{minInterval: time.Duration(millis) * time.Millisecond}
}

// Reset clears queued state between tests; the dispatcher is otherwise a
// process-lifetime singleton.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = nil
	d.running = false
	d.lastRequestTime = time.Time{}
}

// Dispatch enqueues fn, waits its turn respecting minInterval spacing, and
// returns its eventual result. bodySize gates the payload-too-large
// boundary on 429 retries. Ordering across concurrent callers is FIFO.
func (d *Dispatcher) Dispatch(ctx context.Context, bodySize int, fn func() (*model.LLMResponse, error)) (*model.LLMResponse, error) {
	item := &dispatchItem{bodySize: bodySize, fn: fn, resultCh: make(chan dispatchResult, 1)}
	d.pushBack(item)
	d.kick()

	select {
	case r := <-item.resultCh:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) pushBack(item *dispatchItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, item)
}

func (d *Dispatcher) pushFront(item *dispatchItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append([]*dispatchItem{item}, d.queue...)
}

func (d *Dispatcher) kick() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()
	go d.loop()
}

// loop pops the front item, waits out any remaining spacing, then launches
// the thunk without awaiting its completion before picking up the next
// item. Dispatch timing is decoupled from response latency.
func (d *Dispatcher) loop() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		item := d.queue[0]
		d.queue = d.queue[1:]
		wait := d.minInterval - time.Since(d.lastRequestTime)
		d.mu.Unlock()

		if wait > 0 {
			time.Sleep(wait)
		}

		d.mu.Lock()
		d.lastRequestTime = time.Now()
		d.mu.Unlock()

		go d.launch(item)
	}
}

func (d *Dispatcher) launch(item *dispatchItem) {
	resp, err := item.fn()
	if err != nil && isRateLimitedError(err) {
		if item.bodySize >= PayloadTooLargeThreshold {
			item.resultCh <- dispatchResult{err: &model.BaseError{
				Code:    model.ErrCodePayloadTooLarge,
				Message: "请求体超过195KiB阈值，放弃重试",
			}}
			return
		}
		d.pushFront(item)
		d.kick()
		return
	}
	item.resultCh <- dispatchResult{resp: resp, err: err}
}

// isRateLimitedError detects a 429: the providers surface it as a typed
// *model.ProviderError carrying the HTTP status, with message matching as
// a fallback for errors that reach us already flattened to a string.
func isRateLimitedError(err error) bool {
	var provErr *model.ProviderError
	if errors.As(err, &provErr) {
		return provErr.StatusCode == 429
	}
	msg := err.Error()
	return strings.Contains(msg, "rate_limited") ||
		strings.Contains(msg, "Rate limit") ||
		strings.Contains(msg, "(429)")
}
