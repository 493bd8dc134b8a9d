package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/freedkr/docgather/internal/database"
	"github.com/freedkr/docgather/internal/filecache"
	"github.com/freedkr/docgather/internal/model"
	"github.com/freedkr/docgather/internal/queue"
	"github.com/freedkr/docgather/internal/subtask"
	"github.com/freedkr/docgather/internal/taxonomy"
)

// Persistence is the slice of the persistence facade the orchestrator
// consumes; implemented by internal/database.Facade.
type Persistence interface {
	LogProcessStep(ctx context.Context, documentID string, newProcessStatus model.ProcessStatus, stepDetails string) error
	MarkProcessingComplete(ctx context.Context, documentID string, finalStatus model.DocumentStatus, errorMessage, details string) error
	UpdateDocument(ctx context.Context, documentID string, patch database.DocumentPatch) error
	UpdateDocumentPrivate(ctx context.Context, documentID string, encryptedExtractedData, encryptedMetadata []byte, masterKeyVersion string) error
	GetPrivateMasterKeyVersion(ctx context.Context, documentID string) (string, error)
}

// ResultVault is the storage-facade slice write-back needs; implemented by
// internal/storage.Facade.
type ResultVault interface {
	EncryptJSONB(data interface{}, masterKeyVersion string) ([]byte, error)
	CurrentMasterKeyVersion() string
}

// ProviderFiles is the gateway slice Finalize needs for best-effort
// provider-side file deletion; implemented by internal/llm.Gateway.
type ProviderFiles interface {
	Delete(ctx context.Context, fileID string) error
}

// Orchestrator is the reactive per-document job: one Process operation
// that loops synchronously through state transitions, spawning child
// subtasks and suspending on Wait* states until the broker re-invokes it
// on child completion.
type Orchestrator struct {
	Broker    queue.Broker
	DB        Persistence
	Storage   ResultVault
	FileCache *filecache.Cache
	Gateway   ProviderFiles
	// Results, when non-nil, dumps the aggregated outcome of every
	// finalized document to local disk for inspection. Dev-only.
	Results *ResultsDumper
}

// New wires an Orchestrator against its collaborators.
func New(broker queue.Broker, db Persistence, vault ResultVault, fc *filecache.Cache, files ProviderFiles) *Orchestrator {
	return &Orchestrator{Broker: broker, DB: db, Storage: vault, FileCache: fc, Gateway: files}
}

// Process runs the state machine: on each invocation it loops
// synchronously over state transitions until a Wait* state reports
// children still outstanding, at which point it persists state and returns
// nil so the broker leaves the job suspended. A non-nil error means the
// job has genuinely failed; the caller is expected to hand it to the
// broker's retry/backoff path.
func (o *Orchestrator) Process(ctx context.Context, job *queue.Job) error {
	input, err := decodeInput(job.Data)
	if err != nil {
		return err
	}

	for {
		switch State(input.Step) {
		case StateInitial:
			if err := o.stepInitial(ctx, job, input); err != nil {
				return err
			}

		case StatePreAnalysis:
			if err := o.stepPreAnalysis(ctx, job, input); err != nil {
				return err
			}

		case StateWaitPreAnalysis:
			suspended, err := o.stepWaitPreAnalysis(ctx, job, input)
			if err != nil || suspended {
				return err
			}

		case StateRouting:
			if err := o.stepRouting(ctx, job, input); err != nil {
				return err
			}

		case StateWaitConversion:
			suspended, err := o.stepWaitConversion(ctx, job, input)
			if err != nil || suspended {
				return err
			}

		case StateWaitTextExtraction:
			suspended, err := o.stepWaitTextExtraction(ctx, job, input)
			if err != nil || suspended {
				return err
			}

		case StateWaitExtraction:
			suspended, err := o.stepWaitExtraction(ctx, job, input)
			if err != nil || suspended {
				return err
			}

		case StateWaitPreFilter:
			suspended, err := o.stepWaitPreFilter(ctx, job, input)
			if err != nil || suspended {
				return err
			}

		case StateClassify:
			if err := o.stepClassify(ctx, job, input); err != nil {
				return err
			}

		case StateWaitClassify:
			suspended, err := o.stepWaitClassify(ctx, job, input)
			if err != nil || suspended {
				return err
			}

		case StateNormalize:
			if err := o.stepNormalize(ctx, job, input); err != nil {
				return err
			}

		case StateWaitNormalize:
			suspended, err := o.stepWaitNormalize(ctx, job, input)
			if err != nil || suspended {
				return err
			}

		case StateFinalize:
			return o.finalize(ctx, job, input)

		default:
			return model.NewSystemError("orchestrator", "process", "未知编排状态: "+input.Step, nil)
		}
	}
}

// EnqueueOrchestrator implements subtask.OrchestratorEnqueuer: pdf-splitter
// calls back through this to start each freshly split child document at
// Initial, and the ingress /queue handler uses the same path for newly
// uploaded documents.
func (o *Orchestrator) EnqueueOrchestrator(ctx context.Context, documentID, ownerID, mimeType, originalFileID, originalPath, originalFilename, source string) error {
	input := &model.SubtaskInput{
		DocumentID:       documentID,
		OwnerID:          ownerID,
		MimeType:         mimeType,
		OriginalFileID:   originalFileID,
		OriginalPath:     originalPath,
		OriginalFilename: originalFilename,
		Source:           source,
		Step:             string(StateInitial),
	}
	data, err := json.Marshal(input)
	if err != nil {
		return model.NewSystemError("orchestrator", "enqueue", "序列化编排任务失败", err)
	}
	return o.Broker.Enqueue(ctx, &queue.Job{
		ID:          queue.OrchestratorJobID(documentID),
		Queue:       queue.Orchestrator,
		DocumentID:  documentID,
		Data:        data,
		MaxAttempts: queue.OrchestratorAttempts,
	})
}

func decodeInput(data json.RawMessage) (*model.SubtaskInput, error) {
	input := &model.SubtaskInput{}
	if len(data) == 0 {
		return input, nil
	}
	if err := json.Unmarshal(data, input); err != nil {
		return nil, model.NewSystemError("orchestrator", "decode_input", "解析编排状态失败", err)
	}
	return input, nil
}

// persist marshals input back onto job.Data and writes it through the
// broker, so a suspended job rehydrates from the latest state rather than
// its enqueue-time snapshot.
func (o *Orchestrator) persist(ctx context.Context, job *queue.Job, input *model.SubtaskInput) error {
	data, err := json.Marshal(input)
	if err != nil {
		return model.NewSystemError("orchestrator", "persist", "序列化编排状态失败", err)
	}
	job.Data = data
	return o.Broker.UpdateData(ctx, job.ID, data)
}

// wait persists the current state and attempts to suspend on childIDs. It
// returns suspended=true when the broker reports children still
// outstanding (the caller must return nil to leave the job parked);
// suspended=false means every declared child was already terminal, so the
// caller should continue processing the same tick.
func (o *Orchestrator) wait(ctx context.Context, job *queue.Job, input *model.SubtaskInput, childIDs []string) (bool, error) {
	if err := o.persist(ctx, job, input); err != nil {
		return false, err
	}
	ok, err := o.Broker.MoveToWaitingChildren(ctx, job.ID, childIDs)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// spawnChild enqueues a child subtask job, carrying the full current
// SubtaskInput as its payload: jobId = documentId-<queue>, parent
// back-reference, one queue per subtask kind.
func (o *Orchestrator) spawnChild(ctx context.Context, job *queue.Job, input *model.SubtaskInput, queueName string) error {
	data, err := json.Marshal(input)
	if err != nil {
		return model.NewSystemError("orchestrator", "spawn_child", "序列化子任务输入失败", err)
	}
	return o.Broker.Enqueue(ctx, &queue.Job{
		ID:          queue.ChildJobID(input.DocumentID, queueName),
		Queue:       queueName,
		DocumentID:  input.DocumentID,
		ParentID:    job.ID,
		Data:        data,
		MaxAttempts: queue.SubtaskAttempts,
	})
}

// requireChild fetches a child job's durable record, treating a missing
// record or a terminal failure as an orchestrator-job error — the
// "failParentOnFailure" half of the child spawning contract.
func (o *Orchestrator) requireChild(ctx context.Context, childID string) (*queue.Job, error) {
	child, err := o.Broker.GetJob(ctx, childID)
	if err != nil {
		return nil, err
	}
	if child == nil {
		return nil, model.NewSystemError("orchestrator", "require_child", "子任务记录缺失: "+childID, nil)
	}
	if child.Status == queue.StatusFailed {
		return nil, fmt.Errorf("子任务%s失败: %s", child.Queue, child.Error)
	}
	return child, nil
}

func decodeResult(child *queue.Job, out interface{}) error {
	if len(child.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(child.Result, out); err != nil {
		return model.NewSystemError("orchestrator", "decode_result", "解析子任务结果失败", err)
	}
	return nil
}

func (o *Orchestrator) logStep(ctx context.Context, documentID string, status model.ProcessStatus) error {
	return o.DB.LogProcessStep(ctx, documentID, status, "")
}

// stepInitial routes a fresh document by MIME family: every non-PDF
// family spawns its first child here so the matching Wait* state has
// something to suspend on.
func (o *Orchestrator) stepInitial(ctx context.Context, job *queue.Job, input *model.SubtaskInput) error {
	switch {
	case isPDFMime(input.MimeType):
		input.Step = string(StatePreAnalysis)

	case isImageMime(input.MimeType):
		if err := o.logStep(ctx, input.DocumentID, model.ProcessScaling); err != nil {
			return err
		}
		if err := o.spawnChild(ctx, job, input, queue.QueueImageScaling); err != nil {
			return err
		}
		input.PendingExtractorQueue = queue.QueueImageScaling
		input.Step = string(StateWaitExtraction)

	case isTextFamilyMime(input.MimeType):
		if err := o.logStep(ctx, input.DocumentID, model.ProcessExtracting); err != nil {
			return err
		}
		if err := o.spawnChild(ctx, job, input, queue.QueueTXTSimpleExtract); err != nil {
			return err
		}
		input.Step = string(StateWaitTextExtraction)

	case isOfficeFamilyMime(input.MimeType):
		if err := o.logStep(ctx, input.DocumentID, model.ProcessConverting); err != nil {
			return err
		}
		if err := o.spawnChild(ctx, job, input, queue.QueueFormatConversion); err != nil {
			return err
		}
		input.Step = string(StateWaitConversion)

	default:
		input.Step = string(StateClassify)
	}
	return nil
}

// stepRouting decides the PDF's extraction path once pre-analysis has
// populated input.PreAnalysis: split, native text layer, or OCR.
func (o *Orchestrator) stepRouting(ctx context.Context, job *queue.Job, input *model.SubtaskInput) error {
	pa := input.PreAnalysis
	switch {
	case pa != nil && pa.IsMultiDocument:
		if err := o.logStep(ctx, input.DocumentID, model.ProcessSplitting); err != nil {
			return err
		}
		if err := o.spawnChild(ctx, job, input, queue.QueuePDFSplitter); err != nil {
			return err
		}
		input.PendingExtractorQueue = queue.QueuePDFSplitter

	case pa != nil && (pa.TextQuality == model.TextQualityGood || pa.TextQuality == model.TextQualityBest):
		if err := o.logStep(ctx, input.DocumentID, model.ProcessExtracting); err != nil {
			return err
		}
		if err := o.spawnChild(ctx, job, input, queue.QueuePDFSimpleExtract); err != nil {
			return err
		}
		input.PendingExtractorQueue = queue.QueuePDFSimpleExtract

	default:
		if err := o.logStep(ctx, input.DocumentID, model.ProcessScaling); err != nil {
			return err
		}
		if err := o.spawnChild(ctx, job, input, queue.QueueImageScaling); err != nil {
			return err
		}
		input.PendingExtractorQueue = queue.QueueImageScaling
	}
	input.Step = string(StateWaitExtraction)
	return nil
}

func (o *Orchestrator) stepPreAnalysis(ctx context.Context, job *queue.Job, input *model.SubtaskInput) error {
	if err := o.logStep(ctx, input.DocumentID, model.ProcessPreAnalyzing); err != nil {
		return err
	}
	if err := o.spawnChild(ctx, job, input, queue.QueuePDFPreAnalysis); err != nil {
		return err
	}
	input.Step = string(StateWaitPreAnalysis)
	return nil
}

func (o *Orchestrator) stepWaitPreAnalysis(ctx context.Context, job *queue.Job, input *model.SubtaskInput) (bool, error) {
	childID := queue.ChildJobID(input.DocumentID, queue.QueuePDFPreAnalysis)
	suspended, err := o.wait(ctx, job, input, []string{childID})
	if err != nil || suspended {
		return suspended, err
	}
	child, err := o.requireChild(ctx, childID)
	if err != nil {
		return false, err
	}
	var result model.PreAnalysisResult
	if err := decodeResult(child, &result); err != nil {
		return false, err
	}
	input.PreAnalysis = &result
	input.Step = string(StateRouting)
	return false, nil
}

// stepWaitExtraction is the merge state every extractor path funnels
// through. Which branch applies is decided by PendingExtractorQueue, set
// by whichever state last spawned a child here (Initial for a bare image,
// Routing for a PDF, or WaitPreFilter re-entering with llm-ocr).
func (o *Orchestrator) stepWaitExtraction(ctx context.Context, job *queue.Job, input *model.SubtaskInput) (bool, error) {
	switch input.PendingExtractorQueue {
	case queue.QueuePDFSplitter:
		return o.waitExtractionSplitter(ctx, job, input)
	case queue.QueueImageScaling:
		return o.waitExtractionScaling(ctx, job, input)
	case queue.QueuePDFSimpleExtract:
		return o.waitExtractionReadPDF(ctx, job, input)
	case queue.QueueLLMOCR:
		return o.waitExtractionReadOCR(ctx, job, input)
	default:
		return false, model.NewSystemError("orchestrator", "wait_extraction", "未知的待定抽取队列: "+input.PendingExtractorQueue, nil)
	}
}

// waitExtractionSplitter is rule 1: pdf-splitter completed, the parent
// emits no classification of its own — transition straight to Finalize.
func (o *Orchestrator) waitExtractionSplitter(ctx context.Context, job *queue.Job, input *model.SubtaskInput) (bool, error) {
	childID := queue.ChildJobID(input.DocumentID, queue.QueuePDFSplitter)
	suspended, err := o.wait(ctx, job, input, []string{childID})
	if err != nil || suspended {
		return suspended, err
	}
	if _, err := o.requireChild(ctx, childID); err != nil {
		return false, err
	}
	input.SplitCompleted = true
	input.Step = string(StateFinalize)
	return false, nil
}

// waitExtractionScaling is rule 2: scaling finished on the OCR path —
// copy scaledImagePaths and hand off to image-prefilter.
func (o *Orchestrator) waitExtractionScaling(ctx context.Context, job *queue.Job, input *model.SubtaskInput) (bool, error) {
	childID := queue.ChildJobID(input.DocumentID, queue.QueueImageScaling)
	suspended, err := o.wait(ctx, job, input, []string{childID})
	if err != nil || suspended {
		return suspended, err
	}
	child, err := o.requireChild(ctx, childID)
	if err != nil {
		return false, err
	}
	var res subtask.ImageScalingResult
	if err := decodeResult(child, &res); err != nil {
		return false, err
	}
	input.ScaledImagePaths = res.ScaledImagePaths

	if err := o.logStep(ctx, input.DocumentID, model.ProcessPreFiltering); err != nil {
		return false, err
	}
	if err := o.spawnChild(ctx, job, input, queue.QueueImagePreFilter); err != nil {
		return false, err
	}
	input.PendingExtractorQueue = ""
	input.Step = string(StateWaitPreFilter)
	return false, nil
}

// waitExtractionReadPDF is the pdf-simple-extract half of rule 3.
func (o *Orchestrator) waitExtractionReadPDF(ctx context.Context, job *queue.Job, input *model.SubtaskInput) (bool, error) {
	childID := queue.ChildJobID(input.DocumentID, queue.QueuePDFSimpleExtract)
	suspended, err := o.wait(ctx, job, input, []string{childID})
	if err != nil || suspended {
		return suspended, err
	}
	child, err := o.requireChild(ctx, childID)
	if err != nil {
		return false, err
	}
	var res subtask.PDFSimpleExtractResult
	if err := decodeResult(child, &res); err != nil {
		return false, err
	}
	input.ExtractedText = res.Text
	input.ExtractionMethod = model.ExtractionPDF
	input.Step = string(StateClassify)
	return false, nil
}

// waitExtractionReadOCR is the llm-ocr half of rule 3: empty OCR text
// rejects with no_usable_text instead of proceeding to classify.
func (o *Orchestrator) waitExtractionReadOCR(ctx context.Context, job *queue.Job, input *model.SubtaskInput) (bool, error) {
	childID := queue.ChildJobID(input.DocumentID, queue.QueueLLMOCR)
	suspended, err := o.wait(ctx, job, input, []string{childID})
	if err != nil || suspended {
		return suspended, err
	}
	child, err := o.requireChild(ctx, childID)
	if err != nil {
		return false, err
	}
	var res subtask.OCRResult
	if err := decodeResult(child, &res); err != nil {
		return false, err
	}
	if res.RawText == "" {
		input.IsRejected = true
		input.RejectionReason = model.ReasonNoUsableText
		input.Step = string(StateFinalize)
		return false, nil
	}
	input.ExtractedText = res.RawText
	input.ExtractionMethod = model.ExtractionVision
	input.Step = string(StateClassify)
	return false, nil
}

// stepWaitPreFilter reads the cheap-OCR verdict: no text detected rejects
// outright, otherwise llm-ocr is spawned and WaitExtraction's merge logic
// is re-entered to read it back.
func (o *Orchestrator) stepWaitPreFilter(ctx context.Context, job *queue.Job, input *model.SubtaskInput) (bool, error) {
	childID := queue.ChildJobID(input.DocumentID, queue.QueueImagePreFilter)
	suspended, err := o.wait(ctx, job, input, []string{childID})
	if err != nil || suspended {
		return suspended, err
	}
	child, err := o.requireChild(ctx, childID)
	if err != nil {
		return false, err
	}
	var res subtask.ImagePrefilterResult
	if err := decodeResult(child, &res); err != nil {
		return false, err
	}
	hasText := res.HasText
	input.HasText = &hasText
	if !hasText {
		input.IsRejected = true
		input.RejectionReason = model.ReasonNoTextDetectedInImage
		input.Step = string(StateFinalize)
		return false, nil
	}

	if err := o.logStep(ctx, input.DocumentID, model.ProcessExtracting); err != nil {
		return false, err
	}
	if err := o.spawnChild(ctx, job, input, queue.QueueLLMOCR); err != nil {
		return false, err
	}
	input.PendingExtractorQueue = queue.QueueLLMOCR
	input.Step = string(StateWaitExtraction)
	return false, nil
}

// stepWaitConversion reads the converter's output: direct text jumps to
// classify, a converted PDF re-enters pre-analysis, neither rejects.
func (o *Orchestrator) stepWaitConversion(ctx context.Context, job *queue.Job, input *model.SubtaskInput) (bool, error) {
	childID := queue.ChildJobID(input.DocumentID, queue.QueueFormatConversion)
	suspended, err := o.wait(ctx, job, input, []string{childID})
	if err != nil || suspended {
		return suspended, err
	}
	child, err := o.requireChild(ctx, childID)
	if err != nil {
		return false, err
	}
	var res subtask.FormatConversionResult
	if err := decodeResult(child, &res); err != nil {
		return false, err
	}

	switch {
	case res.ExtractedText != "":
		input.ExtractedText = res.ExtractedText
		input.ExtractionMethod = model.ExtractionPDF
		input.Step = string(StateClassify)
	case res.ConvertedPDFPath != "":
		input.ConvertedPDFPath = res.ConvertedPDFPath
		// The document's effective MIME is PDF from here on: pre-analysis
		// and all downstream routing see the converted bytes.
		input.MimeType = "application/pdf"
		input.Step = string(StatePreAnalysis)
	default:
		input.IsRejected = true
		input.RejectionReason = model.ReasonConversionFailed
		input.Step = string(StateFinalize)
	}
	return false, nil
}

func (o *Orchestrator) stepWaitTextExtraction(ctx context.Context, job *queue.Job, input *model.SubtaskInput) (bool, error) {
	childID := queue.ChildJobID(input.DocumentID, queue.QueueTXTSimpleExtract)
	suspended, err := o.wait(ctx, job, input, []string{childID})
	if err != nil || suspended {
		return suspended, err
	}
	child, err := o.requireChild(ctx, childID)
	if err != nil {
		return false, err
	}
	var res subtask.TxtSimpleExtractResult
	if err := decodeResult(child, &res); err != nil {
		return false, err
	}
	input.ExtractedText = res.Text
	input.ExtractionMethod = model.ExtractionPDF
	input.Step = string(StateClassify)
	return false, nil
}

func (o *Orchestrator) stepClassify(ctx context.Context, job *queue.Job, input *model.SubtaskInput) error {
	if err := o.logStep(ctx, input.DocumentID, model.ProcessClassifying); err != nil {
		return err
	}
	if err := o.spawnChild(ctx, job, input, queue.QueueLLMClassify); err != nil {
		return err
	}
	input.Step = string(StateWaitClassify)
	return nil
}

func (o *Orchestrator) stepWaitClassify(ctx context.Context, job *queue.Job, input *model.SubtaskInput) (bool, error) {
	childID := queue.ChildJobID(input.DocumentID, queue.QueueLLMClassify)
	suspended, err := o.wait(ctx, job, input, []string{childID})
	if err != nil || suspended {
		return suspended, err
	}
	child, err := o.requireChild(ctx, childID)
	if err != nil {
		return false, err
	}
	var res model.ClassificationResult
	if err := decodeResult(child, &res); err != nil {
		return false, err
	}
	input.Classification = &res

	switch res.DocumentType {
	case taxonomy.OtherIrrelevant:
		input.IsRejected = true
		input.RejectionReason = model.ReasonOtherIrrelevant
		input.Step = string(StateFinalize)
	case taxonomy.OtherUnclassified:
		input.IsRejected = true
		input.RejectionReason = model.ReasonOtherUnclassified
		input.Step = string(StateFinalize)
	default:
		input.Step = string(StateNormalize)
	}
	return false, nil
}

func (o *Orchestrator) stepNormalize(ctx context.Context, job *queue.Job, input *model.SubtaskInput) error {
	if err := o.logStep(ctx, input.DocumentID, model.ProcessNormalizing); err != nil {
		return err
	}
	if err := o.spawnChild(ctx, job, input, queue.QueueLLMNormalize); err != nil {
		return err
	}
	input.Step = string(StateWaitNormalize)
	return nil
}

func (o *Orchestrator) stepWaitNormalize(ctx context.Context, job *queue.Job, input *model.SubtaskInput) (bool, error) {
	childID := queue.ChildJobID(input.DocumentID, queue.QueueLLMNormalize)
	suspended, err := o.wait(ctx, job, input, []string{childID})
	if err != nil || suspended {
		return suspended, err
	}
	child, err := o.requireChild(ctx, childID)
	if err != nil {
		return false, err
	}
	var res model.NormalizationResult
	if err := decodeResult(child, &res); err != nil {
		return false, err
	}
	if res.Template != "" {
		input.Normalization = &res
	}
	input.Step = string(StateFinalize)
	return false, nil
}
