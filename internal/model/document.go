// Package model 定义引擎核心领域类型
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DocumentStatus 文档的顶层生命周期状态
type DocumentStatus string

const (
	StatusQueued     DocumentStatus = "queued"
	StatusProcessing DocumentStatus = "processing"
	StatusProcessed  DocumentStatus = "processed"
	StatusErrored    DocumentStatus = "errored"
	StatusRejected   DocumentStatus = "rejected"
	StatusDeleted    DocumentStatus = "deleted"
)

// ProcessStatus 细粒度处理阶段
type ProcessStatus string

const (
	ProcessPending      ProcessStatus = "pending"
	ProcessPreAnalyzing ProcessStatus = "pre_analyzing"
	ProcessSplitting    ProcessStatus = "splitting"
	ProcessConverting   ProcessStatus = "converting"
	ProcessExtracting   ProcessStatus = "extracting"
	ProcessScaling      ProcessStatus = "scaling"
	ProcessPreFiltering ProcessStatus = "pre_filtering"
	ProcessClassifying  ProcessStatus = "classifying"
	ProcessNormalizing  ProcessStatus = "normalizing"
	ProcessCompleted    ProcessStatus = "completed"
	ProcessFailed       ProcessStatus = "failed"
	ProcessRejected     ProcessStatus = "rejected"
)

// FileRole 文件在文档生命周期中所处的语义槽位
type FileRole string

const (
	RoleOriginal     FileRole = "original"
	RoleConvertedPDF FileRole = "converted_pdf"
	RoleLLMOptimized FileRole = "llm_optimized"
	RoleExtractedText FileRole = "extracted_text"
	RoleRedacted     FileRole = "redacted"
)

// RejectionReason 结构化拒绝原因，写入process_history
type RejectionReason string

const (
	ReasonNoUsableText          RejectionReason = "no_usable_text"
	ReasonNoTextDetectedInImage RejectionReason = "no_text_detected_in_image"
	ReasonConversionFailed      RejectionReason = "conversion_failed"
	ReasonOtherIrrelevant       RejectionReason = "other.irrelevant"
	ReasonOtherUnclassified     RejectionReason = "other.unclassified"
)

// ProcessStepRecord process_history中的一条记录，按因果顺序追加
type ProcessStepRecord struct {
	Step    string     `json:"step,omitempty"`
	Status  string     `json:"status,omitempty"`
	At      time.Time  `json:"at"`
	JobID   string     `json:"job_id,omitempty"`
	Error   string     `json:"error,omitempty"`
	Details string     `json:"details,omitempty"`
}

// Document 引擎驱动的核心实体
type Document struct {
	ID                 string
	OwnerID            string
	Status             DocumentStatus
	ProcessStatus      ProcessStatus
	DocumentType       string
	DocumentSubtype    string
	ExtractionConfidence float64
	DocumentDate       *string
	ValidFrom          *string
	ValidUntil         *string
	ProcessHistory     []ProcessStepRecord
	PriorityScore      int
	ParentID           *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// IsTerminal 是否已到达三个终态之一
func (d *Document) IsTerminal() bool {
	return d.Status == StatusProcessed || d.Status == StatusRejected || d.Status == StatusErrored
}

// DocumentFile Document的子实体，按(document, file_role)唯一
type DocumentFile struct {
	ID                string
	DocumentID        string
	FileRole          FileRole
	StoragePath       string
	MimeType          string
	ByteSize          int64
	ContentHash       string
	EncryptedDEK      string
	MasterKeyVersion  string
	Width             *int
	Height            *int
	PageCount         *int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ProvenanceEntry 私有元数据sources map中的一条溯源记录
type ProvenanceEntry struct {
	Source           string    `json:"source"`
	Filepath         string    `json:"filepath"`
	OriginalFilename string    `json:"original_filename,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ModifiedAt       time.Time `json:"modified_at"`
	UploadedAt       time.Time `json:"uploaded_at"`
}

// SourceKey 派生sources map的短哈希键，由(source_type, filepath)唯一决定
func SourceKey(sourceType, filepath string) string {
	sum := sha256.Sum256([]byte(sourceType + ":" + filepath))
	return hex.EncodeToString(sum[:])[:12]
}

// PrivateRecord 与Document 1:1，承载加密后的提取结果与元数据
type PrivateRecord struct {
	DocumentID             string
	EncryptedExtractedData []byte
	EncryptedMetadata      []byte
	MasterKeyVersion       string
	Sources                map[string]ProvenanceEntry
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
