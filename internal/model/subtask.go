package model

// ExtractionMethod 标识抽取文本的来源路径
type ExtractionMethod string

const (
	ExtractionVision ExtractionMethod = "vision"
	ExtractionPDF    ExtractionMethod = "pdf"
)

// TextQuality pdf-pre-analysis对文本层质量的评级
type TextQuality string

const (
	TextQualityBest TextQuality = "best"
	TextQualityGood TextQuality = "good"
	TextQualityPoor TextQuality = "poor"
	TextQualityNone TextQuality = "none"
)

// PreAnalysisDocument PreAnalysisResult.Documents中的一个子文档描述
type PreAnalysisDocument struct {
	Type  string `json:"type"`
	Pages []int  `json:"pages"` // 1-based页码
	Hint  string `json:"hint,omitempty"`
}

// PreAnalysisResult pdf-pre-analysis的输出，供orchestrator路由与pdf-splitter消费
type PreAnalysisResult struct {
	IsMultiDocument bool                  `json:"isMultiDocument"`
	DocumentCount   int                   `json:"documentCount"`
	PageCount       int                   `json:"pageCount"`
	HasTextLayer    bool                  `json:"hasTextLayer"`
	TextQuality     TextQuality           `json:"textQuality"`
	Language        string                `json:"language,omitempty"`
	Documents       []PreAnalysisDocument `json:"documents,omitempty"`
}

// ClassificationResult llm-classify的输出
type ClassificationResult struct {
	DocumentType         string  `json:"documentType"`
	ExtractionConfidence float64 `json:"extractionConfidence"`
	Language             string  `json:"language"`
	Explanation          string  `json:"explanation,omitempty"`
	DocumentSummary      string  `json:"documentSummary,omitempty"`
}

// NormalizationResult llm-normalize的输出
type NormalizationResult struct {
	Template string                 `json:"template"`
	Fields   map[string]interface{} `json:"fields"`
}

// SubtaskInput 在队列消息中流转的可变负载；每个tick之间由orchestrator持久化
type SubtaskInput struct {
	DocumentID       string                `json:"documentId"`
	OwnerID          string                `json:"ownerId"`
	MimeType         string                `json:"mimeType"`
	OriginalFileID   string                `json:"originalFileId"`
	OriginalPath     string                `json:"originalPath"`
	OriginalFilename string                `json:"originalFilename,omitempty"`
	Source           string                `json:"source,omitempty"`
	Step             string                `json:"step"`

	ScaledImagePaths []string               `json:"scaledImagePaths,omitempty"`
	ConvertedPDFPath string                 `json:"convertedPdfPath,omitempty"`
	ExtractedText    string                 `json:"extractedText,omitempty"`
	ExtractionMethod ExtractionMethod       `json:"extractionMethod,omitempty"`
	PreAnalysis      *PreAnalysisResult     `json:"preAnalysis,omitempty"`
	Classification   *ClassificationResult  `json:"classification,omitempty"`
	Normalization     *NormalizationResult  `json:"normalization,omitempty"`
	LLMFileID        string                 `json:"llmFileId,omitempty"`

	// 内部路由状态，不跨越worker边界持久化到队列之外
	IsRejected      bool            `json:"isRejected,omitempty"`
	RejectionReason RejectionReason `json:"rejectionReason,omitempty"`
	SplitCompleted  bool            `json:"splitCompleted,omitempty"`
	HasText         *bool           `json:"hasText,omitempty"`

	// PendingExtractorQueue names which child queue WaitExtraction's merge
	// logic should read from on this tick (pdf-splitter, image-scaling,
	// pdf-simple-extract or llm-ocr); set by whichever state spawned it.
	PendingExtractorQueue string `json:"pendingExtractorQueue,omitempty"`
}

// LLMUsage 单次LLM调用的用量
type LLMUsage struct {
	PromptTokens     int  `json:"promptTokens"`
	CompletionTokens int  `json:"completionTokens"`
	Pages            *int `json:"pages,omitempty"`
}

// LLMRequest 网关统一请求
type LLMRequest struct {
	SystemPrompt string
	UserPrompt   string
	ImageBytes   []byte
	ImageMime    string
	FileID       string
	Options      LLMOptions
}

// LLMResponseFormat response_format选项
type LLMResponseFormat struct {
	Type       string                 `json:"type"` // "json_object" | "json_schema"
	JSONSchema map[string]interface{} `json:"json_schema,omitempty"`
}

// LLMOptions 网关调用可选项
type LLMOptions struct {
	Model          string
	Temperature    *float64
	MaxTokens      int
	SkipCache      bool
	CachePrefix    string
	ResponseFormat *LLMResponseFormat
	FileID         string
}

// LLMResponse 网关统一响应
type LLMResponse struct {
	Content  string    `json:"content"`
	Model    string    `json:"model"`
	Provider string    `json:"provider,omitempty"`
	Usage    *LLMUsage `json:"usage,omitempty"`
	Cached   bool      `json:"cached,omitempty"`
}

// BillingDelta 单次LLM调用对应的计费增量
type BillingDelta struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	Pages            int     `json:"pages,omitempty"`
	Cost             float64 `json:"cost"`
}
