package llm

import (
	"context"

	"github.com/freedkr/docgather/internal/model"
)

// Default cache prefixes per task; workers override with their queue name
// (llm-classify, llm-normalize/<docType>, ...).
const (
	PrefixChat   = "chat"
	PrefixVision = "vision"
	PrefixOCR    = "ocr"
)

// Gateway is the unified text/vision/ocr/upload/delete facade: one
// configured Provider per task, with transparent response caching in
// front of every call.
type Gateway struct {
	cache          *Cache
	textProvider   Provider
	visionProvider Provider
	ocrProvider    Provider
}

// NewGateway wires a gateway against its cache and per-task providers.
// Any provider may be nil if that task is not configured; calling its
// operation then fails with a clear error rather than a nil dereference.
func NewGateway(cache *Cache, textProvider, visionProvider, ocrProvider Provider) *Gateway {
	return &Gateway{cache: cache, textProvider: textProvider, visionProvider: visionProvider, ocrProvider: ocrProvider}
}

func (g *Gateway) dispatch(ctx context.Context, provider Provider, req *model.LLMRequest, defaultPrefix string) (*model.LLMResponse, error) {
	if provider == nil {
		return nil, &model.BaseError{Code: model.ErrCodeInvalidInput, Message: "未配置的LLM任务类型"}
	}

	prefix := req.Options.CachePrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	modelName := provider.ResolveModel(req)

	if g.cache != nil && !req.Options.SkipCache {
		if cached := g.cache.Get(req, modelName, prefix); cached != nil {
			return cached, nil
		}
	}

	resp, err := provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	if g.cache != nil && !req.Options.SkipCache {
		_ = g.cache.Set(req, modelName, prefix, resp)
	}
	return resp, nil
}

// Text performs a chat completion over systemPrompt/userPrompt.
func (g *Gateway) Text(ctx context.Context, systemPrompt, userPrompt string, opts model.LLMOptions) (*model.LLMResponse, error) {
	req := &model.LLMRequest{SystemPrompt: systemPrompt, UserPrompt: userPrompt, FileID: opts.FileID, Options: opts}
	return g.dispatch(ctx, g.textProvider, req, PrefixChat)
}

// Vision performs a chat completion with an embedded image.
func (g *Gateway) Vision(ctx context.Context, systemPrompt string, imageBytes []byte, mime string, opts model.LLMOptions) (*model.LLMResponse, error) {
	req := &model.LLMRequest{SystemPrompt: systemPrompt, ImageBytes: imageBytes, ImageMime: mime, FileID: opts.FileID, Options: opts}
	return g.dispatch(ctx, g.visionProvider, req, PrefixVision)
}

// OCR performs an OCR-endpoint call over an embedded image.
func (g *Gateway) OCR(ctx context.Context, systemPrompt string, imageBytes []byte, mime string, opts model.LLMOptions) (*model.LLMResponse, error) {
	req := &model.LLMRequest{SystemPrompt: systemPrompt, ImageBytes: imageBytes, ImageMime: mime, FileID: opts.FileID, Options: opts}
	return g.dispatch(ctx, g.ocrProvider, req, PrefixOCR)
}

// Upload pushes document bytes to the provider's files API so later calls
// can reference them by id instead of re-embedding; uploads always go
// through the text provider, never the vision or OCR provider.
func (g *Gateway) Upload(ctx context.Context, documentID string, data []byte, mime, purpose string) (string, error) {
	if g.textProvider == nil {
		return "", &model.BaseError{Code: model.ErrCodeInvalidInput, Message: "未配置text provider，无法上传文件"}
	}
	return g.textProvider.Upload(ctx, data, mime, purpose)
}

// Delete best-effort deletes a provider-side file.
func (g *Gateway) Delete(ctx context.Context, fileID string) error {
	if g.textProvider == nil {
		return &model.BaseError{Code: model.ErrCodeInvalidInput, Message: "未配置text provider，无法删除文件"}
	}
	return g.textProvider.Delete(ctx, fileID)
}

// ListFiles lists provider-side files of the given purpose, for
// mistral-cleanup's maintenance sweep. Only providers that
// implement the optional FileLister capability support this; others
// report an empty list rather than an error, since listing is a
// best-effort maintenance concern, not a pipeline dependency.
func (g *Gateway) ListFiles(ctx context.Context, purpose string) ([]FileInfo, error) {
	if g.textProvider == nil {
		return nil, nil
	}
	lister, ok := g.textProvider.(FileLister)
	if !ok {
		return nil, nil
	}
	return lister.ListFiles(ctx, purpose)
}
