package subtask

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/freedkr/docgather/internal/model"
	"github.com/freedkr/docgather/internal/taxonomy"
)

func normalizeSystemPrompt(schema taxonomy.TypeSchema) string {
	return fmt.Sprintf(
		"你是文档标准化引擎。按下列schema抽取字段，只返回JSON {template, fields}。\n%s",
		schema.RenderForPrompt(),
	)
}

const visionConfidenceThreshold = 0.8

// RunLLMNormalize is the llm-normalize worker: it requires
// extractedText and classification, selects the registered schema for
// classification.documentType (falling back to other.unclassified), and
// picks between a text re-read of extractedText and a vision re-read of
// the llm_optimized image when classification confidence is low and the
// original extraction method was vision. Retries parse/validation up to
// 3 attempts with the cache bypassed; exhaustion returns nil rather than
// a synthesized guess.
func RunLLMNormalize(ctx context.Context, deps *Deps, input *model.SubtaskInput) (*model.NormalizationResult, error) {
	if input.ExtractedText == "" || input.Classification == nil {
		return nil, model.NewRejectedError(model.ReasonNoUsableText, "normalize需要extractedText与classification")
	}

	schema := taxonomy.SchemaFor(input.Classification.DocumentType)
	useVision := input.Classification.ExtractionConfidence < visionConfidenceThreshold &&
		input.ExtractionMethod == model.ExtractionVision

	var imageBytes []byte
	var mime string
	if useVision {
		data, err := downloadCached(ctx, deps, input.DocumentID, model.RoleLLMOptimized)
		if err != nil {
			return nil, err
		}
		imageBytes, mime = data, input.MimeType
	}

	systemPrompt := normalizeSystemPrompt(schema)

	for attempt := 0; attempt < 3; attempt++ {
		opts := model.LLMOptions{
			CachePrefix:    "llm-normalize/" + schema.DocumentType,
			ResponseFormat: &model.LLMResponseFormat{Type: "json_object"},
			SkipCache:      attempt > 0,
			FileID:         input.LLMFileID,
		}

		var resp *model.LLMResponse
		var err error
		if useVision {
			resp, err = deps.Gateway.Vision(ctx, systemPrompt, imageBytes, mime, opts)
		} else {
			resp, err = deps.Gateway.Text(ctx, systemPrompt, input.ExtractedText, opts)
		}
		if err != nil {
			return nil, err
		}

		var result model.NormalizationResult
		if jerr := json.Unmarshal([]byte(stripJSONFence(resp.Content)), &result); jerr != nil {
			continue
		}
		if result.Template == "" {
			result.Template = schema.DocumentType
		}

		recordBilling(ctx, deps, input.DocumentID, resp.Provider, resp.Model, usagePrompt(resp), usageCompletion(resp), 0)
		return &result, nil
	}

	return nil, nil
}
