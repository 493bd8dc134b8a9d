package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/freedkr/docgather/internal/model"
)

// Facade is the persistence surface the engine consumes: a fixed set of
// remote-procedure-shaped operations, none of which expose the schema or
// SQL to callers.
type Facade struct {
	db *PostgreSQLDB
}

// NewFacade wraps a connected PostgreSQLDB as the persistence facade.
func NewFacade(db *PostgreSQLDB) *Facade {
	return &Facade{db: db}
}

// DocumentPatch mirrors worker_update_document's optional-field argument set.
type DocumentPatch struct {
	DocumentType         *string
	Status               *string
	ProcessStatus        *string
	ExtractionConfidence *float64
	DocumentDate         *string
	ValidFrom            *string
	ValidUntil           *string
	DocumentSubtype      *string
}

// UpdateDocument implements worker_update_document.
func (f *Facade) UpdateDocument(ctx context.Context, documentID string, patch DocumentPatch) error {
	updates := map[string]interface{}{"updated_at": time.Now()}
	if patch.DocumentType != nil {
		updates["document_type"] = *patch.DocumentType
	}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.ProcessStatus != nil {
		updates["process_status"] = *patch.ProcessStatus
	}
	if patch.ExtractionConfidence != nil {
		updates["extraction_confidence"] = *patch.ExtractionConfidence
	}
	if patch.DocumentDate != nil {
		updates["document_date"] = *patch.DocumentDate
	}
	if patch.ValidFrom != nil {
		updates["valid_from"] = *patch.ValidFrom
	}
	if patch.ValidUntil != nil {
		updates["valid_until"] = *patch.ValidUntil
	}
	if patch.DocumentSubtype != nil {
		updates["document_subtype"] = *patch.DocumentSubtype
	}

	err := f.db.GetDB().WithContext(ctx).Model(&DocumentRecord{}).
		Where("id = ?", documentID).Updates(updates).Error
	if err != nil {
		return model.NewSystemError("database", "update_document", "更新文档失败", err)
	}
	return nil
}

// UpsertDocumentFile implements worker_update_document_file, satisfying
// storage.FileRecorder: append-only per role, a role update replaces bytes
// and the record atomically via upsert on the (document_id, file_role) key.
func (f *Facade) UpsertDocumentFile(ctx context.Context, file *model.DocumentFile) error {
	row := &DocumentFileRecord{
		ID:               uuid.New().String(),
		DocumentID:       file.DocumentID,
		FileRole:         string(file.FileRole),
		StoragePath:      file.StoragePath,
		MimeType:         file.MimeType,
		ByteSize:         file.ByteSize,
		ContentHash:      file.ContentHash,
		EncryptedDEK:     file.EncryptedDEK,
		MasterKeyVersion: file.MasterKeyVersion,
		Width:            file.Width,
		Height:           file.Height,
		PageCount:        file.PageCount,
		CreatedAt:        file.CreatedAt,
		UpdatedAt:        file.UpdatedAt,
	}

	err := f.db.GetDB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "document_id"}, {Name: "file_role"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"storage_path", "mime_type", "byte_size", "content_hash",
			"encrypted_dek", "master_key_version", "width", "height",
			"page_count", "updated_at",
		}),
	}).Create(row).Error
	if err != nil {
		return model.NewSystemError("database", "upsert_document_file", "写入文件记录失败", err)
	}
	return nil
}

// GetDocumentFile implements the read side storage.Facade.Download needs;
// returns (nil, nil) on a clean miss rather than an error.
func (f *Facade) GetDocumentFile(ctx context.Context, documentID string, role model.FileRole) (*model.DocumentFile, error) {
	var row DocumentFileRecord
	err := f.db.GetDB().WithContext(ctx).
		Where("document_id = ? AND file_role = ?", documentID, string(role)).
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, model.NewSystemError("database", "get_document_file", "查询文件记录失败", err)
	}
	return &model.DocumentFile{
		ID:               row.ID,
		DocumentID:       row.DocumentID,
		FileRole:         model.FileRole(row.FileRole),
		StoragePath:      row.StoragePath,
		MimeType:         row.MimeType,
		ByteSize:         row.ByteSize,
		ContentHash:      row.ContentHash,
		EncryptedDEK:     row.EncryptedDEK,
		MasterKeyVersion: row.MasterKeyVersion,
		Width:            row.Width,
		Height:           row.Height,
		PageCount:        row.PageCount,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}, nil
}

// UpdateDocumentPrivate implements worker_update_document_private: upserts
// the 1:1 private row with the pre-encrypted payloads from the storage facade.
func (f *Facade) UpdateDocumentPrivate(ctx context.Context, documentID string, encryptedExtractedData, encryptedMetadata []byte, masterKeyVersion string) error {
	now := time.Now()
	row := &PrivateRecordRow{
		DocumentID:             documentID,
		EncryptedExtractedData: encryptedExtractedData,
		EncryptedMetadata:      encryptedMetadata,
		MasterKeyVersion:       masterKeyVersion,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	err := f.db.GetDB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"encrypted_extracted_data", "encrypted_metadata", "master_key_version", "updated_at",
		}),
	}).Create(row).Error
	if err != nil {
		return model.NewSystemError("database", "update_document_private", "写入私有记录失败", err)
	}
	return nil
}

// GetPrivateMasterKeyVersion returns the existing private row's master key
// version, or "" if there is none yet. Write-back reuses the row's
// version over the vault's current one so a rotation never silently
// re-encrypts historical rows.
func (f *Facade) GetPrivateMasterKeyVersion(ctx context.Context, documentID string) (string, error) {
	var row PrivateRecordRow
	err := f.db.GetDB().WithContext(ctx).Select("master_key_version").
		Where("document_id = ?", documentID).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", model.NewSystemError("database", "get_private_master_key_version", "查询私有记录失败", err)
	}
	return row.MasterKeyVersion, nil
}

// MarkProcessingComplete implements worker_mark_processing_complete: appends
// a terminal step record and sets the document's terminal status/process_status.
func (f *Facade) MarkProcessingComplete(ctx context.Context, documentID string, finalStatus model.DocumentStatus, errorMessage, details string) error {
	processStatus := map[model.DocumentStatus]model.ProcessStatus{
		model.StatusProcessed: model.ProcessCompleted,
		model.StatusRejected:  model.ProcessRejected,
		model.StatusErrored:   model.ProcessFailed,
	}[finalStatus]

	return f.db.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := f.appendStep(ctx, tx, documentID, model.ProcessStepRecord{
			Step:    string(processStatus),
			Status:  string(finalStatus),
			At:      time.Now(),
			Error:   errorMessage,
			Details: details,
		}); err != nil {
			return err
		}
		updates := map[string]interface{}{
			"status":         string(finalStatus),
			"process_status": string(processStatus),
			"updated_at":     time.Now(),
		}
		return tx.Model(&DocumentRecord{}).Where("id = ?", documentID).Updates(updates).Error
	})
}

// LogProcessStep implements worker_log_process_step: appends a non-terminal
// step to process_history and updates the granular process_status.
func (f *Facade) LogProcessStep(ctx context.Context, documentID string, newProcessStatus model.ProcessStatus, stepDetails string) error {
	return f.db.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := f.appendStep(ctx, tx, documentID, model.ProcessStepRecord{
			Step:    string(newProcessStatus),
			At:      time.Now(),
			Details: stepDetails,
		}); err != nil {
			return err
		}
		return tx.Model(&DocumentRecord{}).Where("id = ?", documentID).
			Updates(map[string]interface{}{
				"process_status": string(newProcessStatus),
				"status":         string(model.StatusProcessing),
				"updated_at":     time.Now(),
			}).Error
	})
}

// appendStep inserts a ProcessStepRow and mirrors it into the document's
// process_history JSONB column. Both `step` and `status` keys are
// populated so either reader convention finds its field.
func (f *Facade) appendStep(ctx context.Context, tx *gorm.DB, documentID string, step model.ProcessStepRecord) error {
	if err := tx.WithContext(ctx).Create(&ProcessStepRow{
		DocumentID: documentID,
		Step:       step.Step,
		Status:     step.Status,
		JobID:      step.JobID,
		Error:      step.Error,
		Details:    step.Details,
		At:         step.At,
	}).Error; err != nil {
		return model.NewSystemError("database", "append_process_step", "追加处理历史失败", err)
	}

	var doc DocumentRecord
	if err := tx.WithContext(ctx).Select("process_history").Where("id = ?", documentID).First(&doc).Error; err != nil {
		return model.NewSystemError("database", "append_process_step", "读取处理历史失败", err)
	}
	var history []model.ProcessStepRecord
	if len(doc.ProcessHistory) > 0 {
		if err := json.Unmarshal(doc.ProcessHistory, &history); err != nil {
			return model.NewSystemError("database", "append_process_step", "解析处理历史失败", err)
		}
	}
	history = append(history, step)
	encoded, err := json.Marshal(history)
	if err != nil {
		return model.NewSystemError("database", "append_process_step", "序列化处理历史失败", err)
	}
	return tx.Model(&DocumentRecord{}).Where("id = ?", documentID).
		Update("process_history", datatypes.JSON(encoded)).Error
}

// IncrementLLMBilling implements worker_increment_llm_billing: accumulates
// token/page/cost deltas into the document's llm_billing JSON.
func (f *Facade) IncrementLLMBilling(ctx context.Context, documentID string, delta model.BillingDelta) error {
	return f.db.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc DocumentRecord
		if err := tx.Select("llm_billing").Where("id = ?", documentID).First(&doc).Error; err != nil {
			return model.NewSystemError("database", "increment_llm_billing", "读取计费记录失败", err)
		}
		var totals model.BillingDelta
		if len(doc.LLMBilling) > 0 {
			if err := json.Unmarshal(doc.LLMBilling, &totals); err != nil {
				return model.NewSystemError("database", "increment_llm_billing", "解析计费记录失败", err)
			}
		}
		totals.PromptTokens += delta.PromptTokens
		totals.CompletionTokens += delta.CompletionTokens
		totals.Pages += delta.Pages
		totals.Cost += delta.Cost

		encoded, err := json.Marshal(totals)
		if err != nil {
			return model.NewSystemError("database", "increment_llm_billing", "序列化计费记录失败", err)
		}
		return tx.Model(&DocumentRecord{}).Where("id = ?", documentID).
			Update("llm_billing", datatypes.JSON(encoded)).Error
	})
}

// CreateChildDocument implements worker_create_child_document: inserts a new
// queued document owned by the same user, back-referencing the parent.
func (f *Facade) CreateChildDocument(ctx context.Context, parentID, ownerID string) (string, error) {
	childID := fmt.Sprintf("%s-child-%s", parentID, uuid.New().String()[:8])
	now := time.Now()
	row := &DocumentRecord{
		ID:            childID,
		OwnerID:       ownerID,
		Status:        string(model.StatusQueued),
		ProcessStatus: string(model.ProcessPending),
		ParentID:      &parentID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := f.db.GetDB().WithContext(ctx).Create(row).Error; err != nil {
		return "", model.NewSystemError("database", "create_child_document", "创建子文档失败", err)
	}
	return childID, nil
}

// GetDocument reads back a document's current row, used by orchestrator
// rehydration and by tests.
func (f *Facade) GetDocument(ctx context.Context, documentID string) (*model.Document, error) {
	var row DocumentRecord
	err := f.db.GetDB().WithContext(ctx).Where("id = ?", documentID).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, model.NewSystemError("database", "get_document", "查询文档失败", err)
	}
	var history []model.ProcessStepRecord
	if len(row.ProcessHistory) > 0 {
		_ = json.Unmarshal(row.ProcessHistory, &history)
	}
	return &model.Document{
		ID:                   row.ID,
		OwnerID:              row.OwnerID,
		Status:               model.DocumentStatus(row.Status),
		ProcessStatus:        model.ProcessStatus(row.ProcessStatus),
		DocumentType:         row.DocumentType,
		DocumentSubtype:      row.DocumentSubtype,
		ExtractionConfidence: row.ExtractionConfidence,
		DocumentDate:         row.DocumentDate,
		ValidFrom:            row.ValidFrom,
		ValidUntil:           row.ValidUntil,
		ProcessHistory:       history,
		PriorityScore:        row.PriorityScore,
		ParentID:             row.ParentID,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
		DeletedAt:            row.DeletedAt,
	}, nil
}

// CreateDocument inserts the initial queued row for a newly ingested document.
func (f *Facade) CreateDocument(ctx context.Context, documentID, ownerID string, priority int) error {
	now := time.Now()
	row := &DocumentRecord{
		ID:            documentID,
		OwnerID:       ownerID,
		Status:        string(model.StatusQueued),
		ProcessStatus: string(model.ProcessPending),
		PriorityScore: priority,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := f.db.GetDB().WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
	if err != nil {
		return model.NewSystemError("database", "create_document", "创建文档失败", err)
	}
	return nil
}
