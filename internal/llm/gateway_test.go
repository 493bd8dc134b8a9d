package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedkr/docgather/internal/model"
)

// countingProvider returns a fixed response and counts Complete calls.
type countingProvider struct {
	calls int
}

func (p *countingProvider) Capabilities() CapabilitySet { return CapabilitySet{Text: true} }

func (p *countingProvider) Complete(ctx context.Context, req *model.LLMRequest) (*model.LLMResponse, error) {
	p.calls++
	return &model.LLMResponse{Content: "answer", Model: "test-model", Provider: "test"}, nil
}

func (p *countingProvider) Upload(ctx context.Context, data []byte, mime, purpose string) (string, error) {
	return "file-1", nil
}

func (p *countingProvider) Delete(ctx context.Context, fileID string) error { return nil }

func (p *countingProvider) ResolveModel(req *model.LLMRequest) string { return "test-model" }

func TestGatewaySecondIdenticalCallIsCached(t *testing.T) {
	provider := &countingProvider{}
	gw := NewGateway(NewCache(t.TempDir(), true), provider, nil, nil)

	first, err := gw.Text(context.Background(), "sys", "user", model.LLMOptions{})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := gw.Text(context.Background(), "sys", "user", model.LLMOptions{})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, 1, provider.calls)
}

func TestGatewaySkipCacheBypassesReadAndWrite(t *testing.T) {
	provider := &countingProvider{}
	gw := NewGateway(NewCache(t.TempDir(), true), provider, nil, nil)

	_, err := gw.Text(context.Background(), "sys", "user", model.LLMOptions{SkipCache: true})
	require.NoError(t, err)
	_, err = gw.Text(context.Background(), "sys", "user", model.LLMOptions{SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)

	// nothing was written either: a non-skipping call still misses
	third, err := gw.Text(context.Background(), "sys", "user", model.LLMOptions{})
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, 3, provider.calls)
}

func TestGatewayCachePrefixNamespaces(t *testing.T) {
	provider := &countingProvider{}
	gw := NewGateway(NewCache(t.TempDir(), true), provider, nil, nil)

	_, err := gw.Text(context.Background(), "sys", "user", model.LLMOptions{CachePrefix: "llm-classify"})
	require.NoError(t, err)
	resp, err := gw.Text(context.Background(), "sys", "user", model.LLMOptions{CachePrefix: "llm-normalize/income.payslip"})
	require.NoError(t, err)

	assert.False(t, resp.Cached)
	assert.Equal(t, 2, provider.calls)
}

func TestGatewayUnconfiguredTaskFails(t *testing.T) {
	gw := NewGateway(NewCache(t.TempDir(), true), nil, nil, nil)
	_, err := gw.Text(context.Background(), "sys", "user", model.LLMOptions{})
	assert.Error(t, err)
}
