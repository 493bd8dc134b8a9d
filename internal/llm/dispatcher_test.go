package llm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedkr/docgather/internal/model"
)

func TestDispatcherFIFOOrdering(t *testing.T) {
	d := &Dispatcher{minInterval: 10 * time.Millisecond}
	var mu sync.Mutex
	var order []int
	var errs []error

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		idx := i
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), 10, func() (*model.LLMResponse, error) {
				mu.Lock()
				order = append(order, idx)
				mu.Unlock()
				return &model.LLMResponse{Content: fmt.Sprintf("%d", idx)}, nil
			})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
		time.Sleep(2 * time.Millisecond) // submit in index order
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDispatcherEnforcesMinIntervalSpacing(t *testing.T) {
	d := &Dispatcher{minInterval: 30 * time.Millisecond}
	var mu sync.Mutex
	var timestamps []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Dispatch(context.Background(), 10, func() (*model.LLMResponse, error) {
				mu.Lock()
				timestamps = append(timestamps, time.Now())
				mu.Unlock()
				return &model.LLMResponse{}, nil
			})
		}()
	}
	wg.Wait()

	require.Len(t, timestamps, 4)
	for i := 1; i < len(timestamps); i++ {
		gap := timestamps[i].Sub(timestamps[i-1])
		assert.GreaterOrEqualf(t, gap, d.minInterval-5*time.Millisecond,
			"dispatch %d fired only %s after dispatch %d", i, gap, i-1)
	}
}

func TestDispatcherPayloadAtThresholdIsNotRetried(t *testing.T) {
	d := &Dispatcher{minInterval: time.Millisecond}
	var callCount int
	var mu sync.Mutex

	_, err := d.Dispatch(context.Background(), PayloadTooLargeThreshold, func() (*model.LLMResponse, error) {
		mu.Lock()
		callCount++
		mu.Unlock()
		return nil, model.NewProviderError("mistral", 429, `{"message":"requests limited"}`)
	})

	require.Error(t, err)
	assert.True(t, model.IsErrorType(err, model.ErrCodePayloadTooLarge))
	mu.Lock()
	assert.Equal(t, 1, callCount)
	mu.Unlock()
}

func TestDispatcherBelowThresholdIsRetriedUntilSuccess(t *testing.T) {
	d := &Dispatcher{minInterval: time.Millisecond}
	var callCount int
	var mu sync.Mutex

	// The 429 body deliberately carries none of the fallback substrings:
	// detection must work off the typed ProviderError status alone.
	resp, err := d.Dispatch(context.Background(), PayloadTooLargeThreshold-1, func() (*model.LLMResponse, error) {
		mu.Lock()
		callCount++
		n := callCount
		mu.Unlock()
		if n == 1 {
			return nil, model.NewProviderError("mistral", 429, `{"message":"requests limited"}`)
		}
		return &model.LLMResponse{Content: "ok"}, nil
	})

	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "ok", resp.Content)
	mu.Lock()
	assert.Equal(t, 2, callCount)
	mu.Unlock()
}

func TestDispatcherFlattenedRateLimitMessageIsRetried(t *testing.T) {
	d := &Dispatcher{minInterval: time.Millisecond}
	var callCount int
	var mu sync.Mutex

	resp, err := d.Dispatch(context.Background(), 10, func() (*model.LLMResponse, error) {
		mu.Lock()
		callCount++
		n := callCount
		mu.Unlock()
		if n == 1 {
			return nil, &model.BaseError{Message: "(429) rate_limited"}
		}
		return &model.LLMResponse{Content: "ok"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	mu.Lock()
	assert.Equal(t, 2, callCount)
	mu.Unlock()
}

func TestDispatcherNonRateLimitErrorIsNotRetried(t *testing.T) {
	d := &Dispatcher{minInterval: time.Millisecond}
	var callCount int
	var mu sync.Mutex

	_, err := d.Dispatch(context.Background(), 10, func() (*model.LLMResponse, error) {
		mu.Lock()
		callCount++
		mu.Unlock()
		return nil, model.NewProviderError("mistral", 500, "internal error")
	})

	require.Error(t, err)
	mu.Lock()
	assert.Equal(t, 1, callCount)
	mu.Unlock()
}

func TestDispatcherReset(t *testing.T) {
	d := NewDispatcher(1)
	d.queue = []*dispatchItem{{}, {}}
	d.running = true
	d.Reset()
	assert.Empty(t, d.queue)
	assert.False(t, d.running)
}
