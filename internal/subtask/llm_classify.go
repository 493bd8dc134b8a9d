package subtask

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/freedkr/docgather/internal/model"
	"github.com/freedkr/docgather/internal/taxonomy"
)

func classifySystemPrompt() string {
	return fmt.Sprintf(
		"你是文档分类器。只返回JSON {documentType, extractionConfidence, language, explanation?, documentSummary?}。\n%s",
		taxonomy.RenderTaxonomyForPrompt(),
	)
}

// RunLLMClassify is the llm-classify worker: it requires
// non-empty extractedText, calls chat with json_object response format
// and temperature=0, validates the reply against the closed taxonomy
// enum, and retries parse/validation up to 3 attempts with the cache
// bypassed. Exhausting retries falls back to a safe
// other.unclassified verdict rather than failing the job.
func RunLLMClassify(ctx context.Context, deps *Deps, input *model.SubtaskInput) (*model.ClassificationResult, error) {
	if input.ExtractedText == "" {
		return nil, model.NewRejectedError(model.ReasonNoUsableText, "classify需要非空extractedText")
	}

	zero := 0.0
	for attempt := 0; attempt < 3; attempt++ {
		opts := model.LLMOptions{
			CachePrefix:    "llm-classify",
			Temperature:    &zero,
			ResponseFormat: &model.LLMResponseFormat{Type: "json_object"},
			SkipCache:      attempt > 0,
		}
		resp, err := deps.Gateway.Text(ctx, classifySystemPrompt(), input.ExtractedText, opts)
		if err != nil {
			return nil, err
		}

		var result model.ClassificationResult
		if err := json.Unmarshal([]byte(stripJSONFence(resp.Content)), &result); err != nil {
			continue
		}
		if !taxonomy.IsMember(result.DocumentType) {
			continue
		}

		recordBilling(ctx, deps, input.DocumentID, resp.Provider, resp.Model, usagePrompt(resp), usageCompletion(resp), 0)
		return &result, nil
	}

	return &model.ClassificationResult{
		DocumentType:         taxonomy.OtherUnclassified,
		ExtractionConfidence: 0,
		Language:             "unknown",
		Explanation:          "Validation failed",
	}, nil
}
