// Package llm is the provider-facing gateway: a unified
// text/vision/ocr/upload/delete facade over a configured Provider variant,
// fronted by a content-addressed response cache, a rate-limited dispatcher,
// and a batch OCR coalescer.
package llm

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/freedkr/docgather/internal/model"
)

// Cache is a content-addressed filesystem LLM response cache keyed by
// (prefix, sanitized model, systemPrompt hash, content hash). Responses
// are stored as plain JSON envelopes.
type Cache struct {
	dir     string
	enabled bool
}

// NewCache builds a cache rooted at dir. enabled mirrors LLM_CACHE_ENABLED;
// when false every Get is a miss and every Set is a no-op.
func NewCache(dir string, enabled bool) *Cache {
	return &Cache{dir: dir, enabled: enabled}
}

// IsEnabled verifies the cache directory can actually be created.
func (c *Cache) IsEnabled() bool {
	if !c.enabled {
		return false
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return false
	}
	return true
}

func sanitizeModel(model string) string {
	out := make([]rune, 0, len(model))
	for _, r := range model {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func hash16(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// cacheKeyContent derives the "content" half of the key material: userPrompt
// for chat, base64(imageBytes) for vision/ocr. File-id requests are never
// cached since identity is extrinsic to content.
func cacheKeyContent(req *model.LLMRequest) (string, bool) {
	if req.FileID != "" {
		return "", false
	}
	if len(req.ImageBytes) > 0 {
		return base64.StdEncoding.EncodeToString(req.ImageBytes), true
	}
	return req.UserPrompt, true
}

func (c *Cache) path(req *model.LLMRequest, modelName, prefix string) (string, bool) {
	content, ok := cacheKeyContent(req)
	if !ok {
		return "", false
	}
	return filepath.Join(
		c.dir, prefix,
		sanitizeModel(modelName),
		hash16(req.SystemPrompt),
		hash16(content)+".json",
	), true
}

// Get returns the cached response for req, or nil on any kind of miss
// (disabled cache, uncacheable request, or absent file). On hit the
// returned envelope is annotated cached=true.
func (c *Cache) Get(req *model.LLMRequest, modelName, prefix string) *model.LLMResponse {
	if !c.enabled {
		return nil
	}
	p, ok := c.path(req, modelName, prefix)
	if !ok {
		return nil
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil
	}
	var resp model.LLMResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}
	resp.Cached = true
	return &resp
}

// Set stores resp under the key derived from req, creating the directory
// path atomically (MkdirAll is idempotent under concurrent callers).
func (c *Cache) Set(req *model.LLMRequest, modelName, prefix string, resp *model.LLMResponse) error {
	if !c.enabled {
		return nil
	}
	p, ok := c.path(req, modelName, prefix)
	if !ok {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("创建缓存目录失败: %w", err)
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("序列化缓存响应失败: %w", err)
	}
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		return fmt.Errorf("写入缓存文件失败: %w", err)
	}
	return nil
}

// Delete removes the cache entry for req, returning whether one existed.
func (c *Cache) Delete(req *model.LLMRequest, modelName, prefix string) bool {
	if !c.enabled {
		return false
	}
	p, ok := c.path(req, modelName, prefix)
	if !ok {
		return false
	}
	if err := os.Remove(p); err != nil {
		return false
	}
	return true
}
