package subtask

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/freedkr/docgather/internal/model"
)

const ocrSystemPrompt = `你是文档OCR引擎。以JSON返回 {documentDescription?, language?, extractedText:{contentType:"structured"|"raw", content}}。`

// OCRResult is the llm-ocr worker output.
type OCRResult struct {
	RawText           string `json:"rawText"`
	StructuredData    string `json:"structuredData,omitempty"`
	DocumentDescription string `json:"documentDescription,omitempty"`
	Language          string `json:"language,omitempty"`
	PageCount         int    `json:"pageCount"`
	ExtractedBy       string `json:"extractedBy"`
	Model             string `json:"model"`
	Cached            bool   `json:"cached"`
}

type ocrExtractedText struct {
	ContentType string      `json:"contentType"`
	Content     interface{} `json:"content"`
}

type ocrRawResponse struct {
	DocumentDescription string           `json:"documentDescription,omitempty"`
	Language            string           `json:"language,omitempty"`
	ExtractedText       ocrExtractedText `json:"extractedText"`
}

// RunLLMOCR is the llm-ocr worker: it downloads the
// llm_optimized image and calls the gateway's ocr endpoint, parsing the
// JSON reply (tolerating ```json``` fencing) and retrying on
// parse/validation failure up to 3 attempts with the cache bypassed.
// Structured content is flattened to a string for extractedText's
// downstream consumers.
func RunLLMOCR(ctx context.Context, deps *Deps, input *model.SubtaskInput) (*OCRResult, error) {
	data, err := downloadCached(ctx, deps, input.DocumentID, model.RoleLLMOptimized)
	if err != nil {
		return nil, err
	}

	pageCount := 1
	if input.PreAnalysis != nil && input.PreAnalysis.PageCount > 0 {
		pageCount = input.PreAnalysis.PageCount
	}

	var resp *model.LLMResponse
	var parsed ocrRawResponse
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		opts := model.LLMOptions{CachePrefix: "llm-ocr", SkipCache: attempt > 0}
		resp, err = deps.Gateway.OCR(ctx, ocrSystemPrompt, data, input.MimeType, opts)
		if err != nil {
			return nil, err
		}
		parsed, lastErr = parseOCRResponse(resp.Content)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, model.NewRejectedError(model.ReasonNoUsableText, "OCR响应解析或校验失败: "+lastErr.Error())
	}

	rawText, structured := flattenOCRContent(parsed.ExtractedText)
	recordBilling(ctx, deps, input.DocumentID, resp.Provider, resp.Model, usagePrompt(resp), usageCompletion(resp), pageCount)

	return &OCRResult{
		RawText:             rawText,
		StructuredData:      structured,
		DocumentDescription: parsed.DocumentDescription,
		Language:            parsed.Language,
		PageCount:           pageCount,
		ExtractedBy:         "ocr",
		Model:                resp.Model,
		Cached:               resp.Cached,
	}, nil
}

func parseOCRResponse(content string) (ocrRawResponse, error) {
	var parsed ocrRawResponse
	clean := stripJSONFence(content)
	if err := json.Unmarshal([]byte(clean), &parsed); err != nil {
		return ocrRawResponse{}, err
	}
	if parsed.ExtractedText.ContentType != "structured" && parsed.ExtractedText.ContentType != "raw" {
		return ocrRawResponse{}, model.NewValidationError("extractedText.contentType", parsed.ExtractedText.ContentType, "enum", "必须为structured或raw")
	}
	return parsed, nil
}

func flattenOCRContent(t ocrExtractedText) (rawText, structured string) {
	switch t.ContentType {
	case "raw":
		if s, ok := t.Content.(string); ok {
			return s, ""
		}
		return "", ""
	default:
		b, _ := json.Marshal(t.Content)
		return string(b), string(b)
	}
}

// stripJSONFence tolerates LLM replies wrapped in ```json ... ``` fences.
func stripJSONFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func usagePrompt(resp *model.LLMResponse) int {
	if resp.Usage == nil {
		return 0
	}
	return resp.Usage.PromptTokens
}

func usageCompletion(resp *model.LLMResponse) int {
	if resp.Usage == nil {
		return 0
	}
	return resp.Usage.CompletionTokens
}
