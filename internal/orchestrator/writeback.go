package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/freedkr/docgather/internal/database"
	"github.com/freedkr/docgather/internal/model"
	"github.com/freedkr/docgather/internal/queue"
	"github.com/freedkr/docgather/internal/subtask"
	"github.com/freedkr/docgather/internal/taxonomy"
)

// finalize is the terminal tick of every document, reached either by
// normal completion or by any rejection branch setting input.IsRejected
// earlier in the walk: it writes back results, records provenance, and
// releases per-document resources.
func (o *Orchestrator) finalize(ctx context.Context, job *queue.Job, input *model.SubtaskInput) error {
	if err := o.synthesizeSplitClassification(ctx, input); err != nil {
		return err
	}

	finalStatus := o.finalDocumentStatus(input)

	if finalStatus == model.StatusProcessed && input.Classification != nil {
		if err := o.writeDocumentPatch(ctx, input); err != nil {
			return err
		}
	}

	details := ""
	errMsg := ""
	if input.IsRejected {
		details = string(input.RejectionReason)
	}
	if err := o.DB.MarkProcessingComplete(ctx, input.DocumentID, finalStatus, errMsg, details); err != nil {
		return err
	}

	if err := o.writePrivateRecord(ctx, input); err != nil {
		return err
	}

	if o.Results != nil {
		o.Results.Dump(input, buildCombinedResults(input))
	}

	if err := o.FileCache.ClearDocument(input.DocumentID); err != nil {
		return model.NewSystemError("orchestrator", "finalize", "清理文件缓存失败", err)
	}

	if input.LLMFileID != "" {
		// Best-effort: a provider-side file left behind after the document
		// is finalized only costs storage, never correctness.
		_ = o.Gateway.Delete(ctx, input.LLMFileID)
	}

	return o.Broker.Complete(ctx, job.ID, false, "")
}

// synthesizeSplitClassification ensures a multi-document parent which
// never ran classification itself still gets a "splitted" classification
// recorded, carrying the child count pdf-splitter reported.
func (o *Orchestrator) synthesizeSplitClassification(ctx context.Context, input *model.SubtaskInput) error {
	if !input.SplitCompleted || input.Classification != nil {
		return nil
	}
	childID := queue.ChildJobID(input.DocumentID, queue.QueuePDFSplitter)
	child, err := o.requireChild(ctx, childID)
	if err != nil {
		return err
	}
	var res subtask.PDFSplitterResult
	if err := decodeResult(child, &res); err != nil {
		return err
	}
	input.Classification = &model.ClassificationResult{
		DocumentType:         taxonomy.Splitted,
		ExtractionConfidence: 1,
		Language:             "unknown",
		Explanation:          fmt.Sprintf("拆分为%d个子文档", res.SplitInto),
	}
	return nil
}

// finalDocumentStatus maps the accumulated walk state onto the terminal
// DocumentStatus: a rejection anywhere in the walk yields "rejected",
// everything else (including a split parent) lands "processed".
func (o *Orchestrator) finalDocumentStatus(input *model.SubtaskInput) model.DocumentStatus {
	if input.IsRejected {
		return model.StatusRejected
	}
	return model.StatusProcessed
}

// writeDocumentPatch persists the classified/normalized outcome plus the
// inferred date fields onto the document row.
func (o *Orchestrator) writeDocumentPatch(ctx context.Context, input *model.SubtaskInput) error {
	documentType := input.Classification.DocumentType
	status := string(model.StatusProcessed)
	processStatus := string(model.ProcessCompleted)
	confidence := input.Classification.ExtractionConfidence

	patch := database.DocumentPatch{
		DocumentType:         &documentType,
		Status:               &status,
		ProcessStatus:        &processStatus,
		ExtractionConfidence: &confidence,
	}

	if input.Normalization != nil {
		if subtype, ok := input.Normalization.Fields["documentSubtype"].(string); ok && subtype != "" {
			patch.DocumentSubtype = &subtype
		}
		documentDate, validFrom, validUntil := inferDates(input.Normalization)
		if documentDate != "" {
			patch.DocumentDate = &documentDate
		}
		if validFrom != "" {
			patch.ValidFrom = &validFrom
		}
		if validUntil != "" {
			patch.ValidUntil = &validUntil
		}
	}

	return o.DB.UpdateDocument(ctx, input.DocumentID, patch)
}

// writePrivateRecord encrypts the combined extraction/normalization payload
// and persists it to the document_private row, preserving whatever master
// key version the row already carries so a vault rotation never silently
// re-encrypts historical rows under the new key.
func (o *Orchestrator) writePrivateRecord(ctx context.Context, input *model.SubtaskInput) error {
	keyVersion, err := o.DB.GetPrivateMasterKeyVersion(ctx, input.DocumentID)
	if err != nil {
		return err
	}
	if keyVersion == "" {
		keyVersion = o.Storage.CurrentMasterKeyVersion()
	}

	extracted := map[string]interface{}{
		"extractedText":    input.ExtractedText,
		"extractionMethod": input.ExtractionMethod,
	}
	encryptedExtracted, err := o.Storage.EncryptJSONB(extracted, keyVersion)
	if err != nil {
		return model.NewSystemError("orchestrator", "encrypt_extracted", "加密抽取结果失败", err)
	}

	metadata := buildCombinedResults(input)
	encryptedMetadata, err := o.Storage.EncryptJSONB(metadata, keyVersion)
	if err != nil {
		return model.NewSystemError("orchestrator", "encrypt_metadata", "加密元数据失败", err)
	}

	return o.DB.UpdateDocumentPrivate(ctx, input.DocumentID, encryptedExtracted, encryptedMetadata, keyVersion)
}

// buildCombinedResults assembles the classification/normalization fields
// that make up the encrypted metadata payload, including the sources
// provenance map keyed by the short (source_type, filepath) hash.
func buildCombinedResults(input *model.SubtaskInput) map[string]interface{} {
	combined := map[string]interface{}{
		"documentId": input.DocumentID,
	}
	if input.Classification != nil {
		combined["classification"] = input.Classification
	}
	if input.Normalization != nil {
		combined["normalization"] = input.Normalization.Fields
		combined["template"] = input.Normalization.Template
	}

	source := input.Source
	if source == "" {
		source = "upload"
	}
	now := time.Now()
	combined["sources"] = map[string]model.ProvenanceEntry{
		model.SourceKey(source, input.OriginalPath): {
			Source:           source,
			Filepath:         input.OriginalPath,
			OriginalFilename: input.OriginalFilename,
			CreatedAt:        now,
			ModifiedAt:       now,
			UploadedAt:       now,
		},
	}
	return combined
}
