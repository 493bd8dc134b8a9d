package database

import (
	"time"

	"gorm.io/datatypes"
)

// DocumentRecord is the GORM row for model.Document.
type DocumentRecord struct {
	ID                   string `json:"id" gorm:"primaryKey;type:varchar(64)"`
	OwnerID              string `json:"owner_id" gorm:"type:varchar(64);index"`
	Status               string `json:"status" gorm:"type:varchar(32);not null;index"`
	ProcessStatus        string `json:"process_status" gorm:"type:varchar(32);not null"`
	DocumentType         string `json:"document_type" gorm:"type:varchar(128)"`
	DocumentSubtype      string `json:"document_subtype" gorm:"type:varchar(128)"`
	ExtractionConfidence float64 `json:"extraction_confidence"`
	DocumentDate         *string `json:"document_date" gorm:"type:varchar(10)"`
	ValidFrom            *string `json:"valid_from" gorm:"type:varchar(10)"`
	ValidUntil           *string `json:"valid_until" gorm:"type:varchar(10)"`
	ProcessHistory       datatypes.JSON `json:"process_history" gorm:"type:jsonb"`
	LLMBilling           datatypes.JSON `json:"llm_billing" gorm:"type:jsonb"`
	PriorityScore        int    `json:"priority_score" gorm:"not null;default:0"`
	ParentID             *string `json:"parent_id" gorm:"type:varchar(64);index"`
	CreatedAt            time.Time  `json:"created_at" gorm:"not null;default:now()"`
	UpdatedAt            time.Time  `json:"updated_at" gorm:"not null;default:now()"`
	DeletedAt            *time.Time `json:"deleted_at" gorm:"index"`
}

// TableName 固定 <schema>.<table> 形式，避免依赖连接的search_path
func (DocumentRecord) TableName() string { return "docgather.documents" }

// DocumentFileRecord is the GORM row for model.DocumentFile, unique by (document_id, file_role).
type DocumentFileRecord struct {
	ID               string `json:"id" gorm:"primaryKey;type:varchar(64)"`
	DocumentID       string `json:"document_id" gorm:"type:varchar(64);uniqueIndex:idx_document_file_role"`
	FileRole         string `json:"file_role" gorm:"type:varchar(32);uniqueIndex:idx_document_file_role"`
	StoragePath      string `json:"storage_path" gorm:"type:text;not null"`
	MimeType         string `json:"mime_type" gorm:"type:varchar(128)"`
	ByteSize         int64  `json:"byte_size"`
	ContentHash      string `json:"content_hash" gorm:"type:varchar(64)"`
	EncryptedDEK     string `json:"encrypted_dek" gorm:"type:text"`
	MasterKeyVersion string `json:"master_key_version" gorm:"type:varchar(16)"`
	Width            *int   `json:"width"`
	Height           *int   `json:"height"`
	PageCount        *int   `json:"page_count"`
	CreatedAt        time.Time `json:"created_at" gorm:"not null;default:now()"`
	UpdatedAt        time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

func (DocumentFileRecord) TableName() string { return "docgather.document_files" }

// PrivateRecordRow is the GORM row for model.PrivateRecord, 1:1 with DocumentRecord.
type PrivateRecordRow struct {
	DocumentID             string `json:"document_id" gorm:"primaryKey;type:varchar(64)"`
	EncryptedExtractedData []byte `json:"encrypted_extracted_data" gorm:"type:bytea"`
	EncryptedMetadata      []byte `json:"encrypted_metadata" gorm:"type:bytea"`
	MasterKeyVersion       string `json:"master_key_version" gorm:"type:varchar(16)"`
	CreatedAt              time.Time `json:"created_at" gorm:"not null;default:now()"`
	UpdatedAt              time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

func (PrivateRecordRow) TableName() string { return "docgather.private_records" }

// ProcessStepRow is one append-only process_history entry, kept in its own
// table (in addition to the DocumentRecord.ProcessHistory JSONB mirror) so
// it can be indexed and queried directly.
type ProcessStepRow struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	DocumentID string    `json:"document_id" gorm:"type:varchar(64);index"`
	Step       string    `json:"step,omitempty" gorm:"type:varchar(32)"`
	Status     string    `json:"status,omitempty" gorm:"type:varchar(32)"`
	JobID      string    `json:"job_id,omitempty" gorm:"type:varchar(128)"`
	Error      string    `json:"error,omitempty" gorm:"type:text"`
	Details    string    `json:"details,omitempty" gorm:"type:text"`
	At         time.Time `json:"at" gorm:"not null"`
}

func (ProcessStepRow) TableName() string { return "docgather.process_steps" }
