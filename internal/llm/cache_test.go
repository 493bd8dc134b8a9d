package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedkr/docgather/internal/model"
)

func TestCacheRoundTrip(t *testing.T) {
	cache := NewCache(t.TempDir(), true)
	req := &model.LLMRequest{SystemPrompt: "classify this", UserPrompt: "hello world"}
	resp := &model.LLMResponse{Content: "income.payslip", Model: "gpt-x"}

	require.NoError(t, cache.Set(req, "gpt-x", "classify", resp))

	got := cache.Get(req, "gpt-x", "classify")
	require.NotNil(t, got)
	assert.Equal(t, "income.payslip", got.Content)
	assert.True(t, got.Cached, "Get must annotate the envelope with cached=true")
}

func TestCacheMissIsNotError(t *testing.T) {
	cache := NewCache(t.TempDir(), true)
	req := &model.LLMRequest{SystemPrompt: "p", UserPrompt: "nothing stored"}
	assert.Nil(t, cache.Get(req, "gpt-x", "classify"))
}

func TestCacheDisabledAlwaysMisses(t *testing.T) {
	cache := NewCache(t.TempDir(), false)
	req := &model.LLMRequest{SystemPrompt: "p", UserPrompt: "content"}
	resp := &model.LLMResponse{Content: "x"}

	require.NoError(t, cache.Set(req, "gpt-x", "chat", resp))
	assert.Nil(t, cache.Get(req, "gpt-x", "chat"))
	assert.False(t, cache.IsEnabled())
}

func TestCacheFileIDRequestsAreNeverCached(t *testing.T) {
	cache := NewCache(t.TempDir(), true)
	req := &model.LLMRequest{SystemPrompt: "p", FileID: "file-abc"}
	resp := &model.LLMResponse{Content: "x"}

	require.NoError(t, cache.Set(req, "gpt-x", "chat", resp))
	assert.Nil(t, cache.Get(req, "gpt-x", "chat"))
}

func TestCacheDeleteRemovesEntry(t *testing.T) {
	cache := NewCache(t.TempDir(), true)
	req := &model.LLMRequest{SystemPrompt: "p", UserPrompt: "content"}
	resp := &model.LLMResponse{Content: "x"}
	require.NoError(t, cache.Set(req, "gpt-x", "chat", resp))

	assert.True(t, cache.Delete(req, "gpt-x", "chat"))
	assert.Nil(t, cache.Get(req, "gpt-x", "chat"))
	assert.False(t, cache.Delete(req, "gpt-x", "chat"), "second delete finds nothing")
}

func TestCacheDistinctContentDoesNotCollide(t *testing.T) {
	cache := NewCache(t.TempDir(), true)
	reqA := &model.LLMRequest{SystemPrompt: "p", UserPrompt: "A"}
	reqB := &model.LLMRequest{SystemPrompt: "p", UserPrompt: "B"}
	require.NoError(t, cache.Set(reqA, "gpt-x", "chat", &model.LLMResponse{Content: "a"}))
	require.NoError(t, cache.Set(reqB, "gpt-x", "chat", &model.LLMResponse{Content: "b"}))

	gotA := cache.Get(reqA, "gpt-x", "chat")
	gotB := cache.Get(reqB, "gpt-x", "chat")
	require.NotNil(t, gotA)
	require.NotNil(t, gotB)
	assert.Equal(t, "a", gotA.Content)
	assert.Equal(t, "b", gotB.Content)
}
