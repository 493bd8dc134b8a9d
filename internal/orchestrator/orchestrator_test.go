package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedkr/docgather/internal/database"
	"github.com/freedkr/docgather/internal/filecache"
	"github.com/freedkr/docgather/internal/model"
	"github.com/freedkr/docgather/internal/queue"
	"github.com/freedkr/docgather/internal/subtask"
)

// memBroker is an in-memory queue.Broker: jobs keyed by id, no goroutines,
// no timing. Tests complete children by hand between Process ticks.
type memBroker struct {
	jobs     map[string]*queue.Job
	enqueued []string
}

func newMemBroker() *memBroker {
	return &memBroker{jobs: make(map[string]*queue.Job)}
}

func (b *memBroker) Enqueue(ctx context.Context, job *queue.Job) error {
	if existing, ok := b.jobs[job.ID]; ok &&
		existing.Status != queue.StatusCompleted && existing.Status != queue.StatusFailed {
		return nil
	}
	job.Status = queue.StatusWaiting
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	b.jobs[job.ID] = job
	b.enqueued = append(b.enqueued, job.ID)
	return nil
}

func (b *memBroker) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error) {
	return nil, nil
}

func (b *memBroker) Complete(ctx context.Context, jobID string, failed bool, errMsg string) error {
	job := b.jobs[jobID]
	if failed {
		job.Status = queue.StatusFailed
		job.Error = errMsg
	} else {
		job.Status = queue.StatusCompleted
	}
	return nil
}

func (b *memBroker) SetResult(ctx context.Context, jobID string, result json.RawMessage) error {
	b.jobs[jobID].Result = result
	return nil
}

func (b *memBroker) UpdateData(ctx context.Context, jobID string, data json.RawMessage) error {
	b.jobs[jobID].Data = data
	return nil
}

func (b *memBroker) Retry(ctx context.Context, job *queue.Job, errMsg string) error {
	return b.Complete(ctx, job.ID, true, errMsg)
}

func (b *memBroker) MoveToWaitingChildren(ctx context.Context, jobID string, childIDs []string) (bool, error) {
	pending := false
	for _, id := range childIDs {
		child, ok := b.jobs[id]
		if !ok || (child.Status != queue.StatusCompleted && child.Status != queue.StatusFailed) {
			pending = true
		}
	}
	if !pending {
		return false, nil
	}
	b.jobs[jobID].Status = queue.StatusWaitingChildren
	return true, nil
}

func (b *memBroker) GetJob(ctx context.Context, jobID string) (*queue.Job, error) {
	return b.jobs[jobID], nil
}

func (b *memBroker) Close() error { return nil }

// fakeDB records every persistence-facade call the orchestrator makes.
type fakeDB struct {
	steps        []model.ProcessStatus
	finalStatus  model.DocumentStatus
	finalError   string
	finalDetails string
	patch        *database.DocumentPatch
	privateData  []byte
	privateMeta  []byte
	keyVersion   string
}

func (f *fakeDB) LogProcessStep(ctx context.Context, documentID string, status model.ProcessStatus, details string) error {
	f.steps = append(f.steps, status)
	return nil
}

func (f *fakeDB) MarkProcessingComplete(ctx context.Context, documentID string, finalStatus model.DocumentStatus, errorMessage, details string) error {
	f.finalStatus = finalStatus
	f.finalError = errorMessage
	f.finalDetails = details
	return nil
}

func (f *fakeDB) UpdateDocument(ctx context.Context, documentID string, patch database.DocumentPatch) error {
	f.patch = &patch
	return nil
}

func (f *fakeDB) UpdateDocumentPrivate(ctx context.Context, documentID string, encryptedExtractedData, encryptedMetadata []byte, masterKeyVersion string) error {
	f.privateData = encryptedExtractedData
	f.privateMeta = encryptedMetadata
	f.keyVersion = masterKeyVersion
	return nil
}

func (f *fakeDB) GetPrivateMasterKeyVersion(ctx context.Context, documentID string) (string, error) {
	return "", nil
}

// fakeVault passes payloads through as plain JSON so tests can inspect them.
type fakeVault struct{}

func (fakeVault) EncryptJSONB(data interface{}, masterKeyVersion string) ([]byte, error) {
	return json.Marshal(data)
}

func (fakeVault) CurrentMasterKeyVersion() string { return "v1" }

type fakeFiles struct{ deleted []string }

func (f *fakeFiles) Delete(ctx context.Context, fileID string) error {
	f.deleted = append(f.deleted, fileID)
	return nil
}

type harness struct {
	broker *memBroker
	db     *fakeDB
	files  *fakeFiles
	orch   *Orchestrator
	jobID  string
}

func newHarness(t *testing.T) *harness {
	broker := newMemBroker()
	db := &fakeDB{}
	files := &fakeFiles{}
	orch := New(broker, db, fakeVault{}, filecache.New(t.TempDir(), false), files)
	return &harness{broker: broker, db: db, files: files, orch: orch}
}

func (h *harness) start(t *testing.T, mime string) *queue.Job {
	require.NoError(t, h.orch.EnqueueOrchestrator(context.Background(), "doc-1", "owner-1", mime, "file-1", "uploads/original", "statement.pdf", "upload"))
	h.jobID = queue.OrchestratorJobID("doc-1")
	return h.broker.jobs[h.jobID]
}

// tick runs one Process invocation, expecting either suspension or
// completion, never an error.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.orch.Process(context.Background(), h.broker.jobs[h.jobID]))
}

// completeChild marks a spawned child terminal with the given result, as
// the subtask worker would.
func (h *harness) completeChild(t *testing.T, queueName string, result interface{}) {
	t.Helper()
	id := queue.ChildJobID("doc-1", queueName)
	job, ok := h.broker.jobs[id]
	require.Truef(t, ok, "expected child %s to have been spawned", queueName)
	if result != nil {
		data, err := json.Marshal(result)
		require.NoError(t, err)
		job.Result = data
	}
	job.Status = queue.StatusCompleted
}

func (h *harness) childSpawned(queueName string) bool {
	_, ok := h.broker.jobs[queue.ChildJobID("doc-1", queueName)]
	return ok
}

func (h *harness) jobStatus() string { return h.broker.jobs[h.jobID].Status }

// TestNativeTextPDFSinglePass covers the native-text PDF walk end to end:
// pre-analysis grades the text layer good, pdf-simple-extract reads it,
// classification and normalization run, and write-back lands the inferred
// pay-period dates on the document row.
func TestNativeTextPDFSinglePass(t *testing.T) {
	h := newHarness(t)
	h.start(t, "application/pdf")

	h.tick(t)
	require.True(t, h.childSpawned(queue.QueuePDFPreAnalysis))
	assert.Equal(t, queue.StatusWaitingChildren, h.jobStatus())

	h.completeChild(t, queue.QueuePDFPreAnalysis, model.PreAnalysisResult{
		PageCount: 2, HasTextLayer: true, TextQuality: model.TextQualityGood,
	})
	h.tick(t)
	require.True(t, h.childSpawned(queue.QueuePDFSimpleExtract))

	h.completeChild(t, queue.QueuePDFSimpleExtract, subtask.PDFSimpleExtractResult{
		Text: "SALARY 2000 EUR", PageCount: 2, HasTextLayer: true, TextQuality: model.TextQualityGood,
	})
	h.tick(t)
	require.True(t, h.childSpawned(queue.QueueLLMClassify))

	h.completeChild(t, queue.QueueLLMClassify, model.ClassificationResult{
		DocumentType: "income.payslip", ExtractionConfidence: 0.95, Language: "fr",
	})
	h.tick(t)
	require.True(t, h.childSpawned(queue.QueueLLMNormalize))

	h.completeChild(t, queue.QueueLLMNormalize, model.NormalizationResult{
		Template: "income.payslip",
		Fields: map[string]interface{}{
			"payPeriod": map[string]interface{}{"startDate": "2024-01-01", "endDate": "2024-01-31"},
		},
	})
	h.tick(t)

	assert.Equal(t, queue.StatusCompleted, h.jobStatus())
	assert.Equal(t, model.StatusProcessed, h.db.finalStatus)
	assert.Equal(t,
		[]model.ProcessStatus{model.ProcessPreAnalyzing, model.ProcessExtracting, model.ProcessClassifying, model.ProcessNormalizing},
		h.db.steps)

	require.NotNil(t, h.db.patch)
	assert.Equal(t, "income.payslip", *h.db.patch.DocumentType)
	assert.Equal(t, 0.95, *h.db.patch.ExtractionConfidence)
	assert.Equal(t, "2024-01-31", *h.db.patch.DocumentDate)
	assert.Equal(t, "2024-01-01", *h.db.patch.ValidFrom)
	assert.Equal(t, "2024-01-31", *h.db.patch.ValidUntil)

	require.NotEmpty(t, h.db.privateMeta)
	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(h.db.privateMeta, &meta))
	assert.Contains(t, meta, "classification")
	assert.Contains(t, meta, "sources")
}

// TestScannedPDFOCRPath covers the OCR path: poor text quality routes
// through image-scaling, image-prefilter, llm-ocr, then the LLM stages.
func TestScannedPDFOCRPath(t *testing.T) {
	h := newHarness(t)
	h.start(t, "application/pdf")

	h.tick(t)
	h.completeChild(t, queue.QueuePDFPreAnalysis, model.PreAnalysisResult{
		PageCount: 1, TextQuality: model.TextQualityNone,
	})
	h.tick(t)
	require.True(t, h.childSpawned(queue.QueueImageScaling))

	h.completeChild(t, queue.QueueImageScaling, subtask.ImageScalingResult{
		ScaledImagePaths: []string{"documents/doc-1/llm_optimized.bin"},
	})
	h.tick(t)
	require.True(t, h.childSpawned(queue.QueueImagePreFilter))

	h.completeChild(t, queue.QueueImagePreFilter, subtask.ImagePrefilterResult{
		HasText: true, CharCount: 420,
	})
	h.tick(t)
	require.True(t, h.childSpawned(queue.QueueLLMOCR))

	h.completeChild(t, queue.QueueLLMOCR, subtask.OCRResult{RawText: "scanned body text", PageCount: 1})
	h.tick(t)
	require.True(t, h.childSpawned(queue.QueueLLMClassify))

	// extractionMethod must be vision from here on.
	var input model.SubtaskInput
	require.NoError(t, json.Unmarshal(h.broker.jobs[h.jobID].Data, &input))
	assert.Equal(t, model.ExtractionVision, input.ExtractionMethod)
	assert.Equal(t, "scanned body text", input.ExtractedText)

	// Spawn order matches the expected pipeline.
	spawnOrder := []string{}
	for _, id := range h.broker.enqueued {
		if id != h.jobID {
			spawnOrder = append(spawnOrder, id)
		}
	}
	assert.Equal(t, []string{
		queue.ChildJobID("doc-1", queue.QueuePDFPreAnalysis),
		queue.ChildJobID("doc-1", queue.QueueImageScaling),
		queue.ChildJobID("doc-1", queue.QueueImagePreFilter),
		queue.ChildJobID("doc-1", queue.QueueLLMOCR),
		queue.ChildJobID("doc-1", queue.QueueLLMClassify),
	}, spawnOrder)
}

// TestImageWithoutTextIsRejected covers prefilter short-circuiting: no text
// in the image rejects the document without ever calling llm-ocr.
func TestImageWithoutTextIsRejected(t *testing.T) {
	h := newHarness(t)
	h.start(t, "image/png")

	h.tick(t)
	require.True(t, h.childSpawned(queue.QueueImageScaling))

	h.completeChild(t, queue.QueueImageScaling, subtask.ImageScalingResult{
		ScaledImagePaths: []string{"documents/doc-1/llm_optimized.bin"},
	})
	h.tick(t)
	require.True(t, h.childSpawned(queue.QueueImagePreFilter))

	h.completeChild(t, queue.QueueImagePreFilter, subtask.ImagePrefilterResult{HasText: false, CharCount: 0})
	h.tick(t)

	assert.Equal(t, queue.StatusCompleted, h.jobStatus())
	assert.Equal(t, model.StatusRejected, h.db.finalStatus)
	assert.Equal(t, string(model.ReasonNoTextDetectedInImage), h.db.finalDetails)
	assert.False(t, h.childSpawned(queue.QueueLLMOCR), "llm-ocr must not run for a textless image")
}

// TestSpreadsheetSkipsPDFPipeline covers the direct-extraction conversion
// branch: a spreadsheet's converter output jumps straight to classify with
// extractionMethod=pdf.
func TestSpreadsheetSkipsPDFPipeline(t *testing.T) {
	h := newHarness(t)
	h.start(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")

	h.tick(t)
	require.True(t, h.childSpawned(queue.QueueFormatConversion))
	assert.Equal(t, []model.ProcessStatus{model.ProcessConverting}, h.db.steps)

	h.completeChild(t, queue.QueueFormatConversion, subtask.FormatConversionResult{
		ExtractedText: "Sheet1: a\tb\tc",
	})
	h.tick(t)

	require.True(t, h.childSpawned(queue.QueueLLMClassify))
	assert.False(t, h.childSpawned(queue.QueuePDFPreAnalysis))

	var input model.SubtaskInput
	require.NoError(t, json.Unmarshal(h.broker.jobs[h.jobID].Data, &input))
	assert.Equal(t, model.ExtractionPDF, input.ExtractionMethod)
}

// TestConvertedDocumentReentersPDFPipeline covers the converted-PDF branch:
// a word-processor document converts to PDF and re-enters pre-analysis with
// its effective MIME flipped.
func TestConvertedDocumentReentersPDFPipeline(t *testing.T) {
	h := newHarness(t)
	h.start(t, "application/msword")

	h.tick(t)
	h.completeChild(t, queue.QueueFormatConversion, subtask.FormatConversionResult{
		ConvertedPDFPath: "documents/doc-1/converted_pdf.bin",
	})
	h.tick(t)

	require.True(t, h.childSpawned(queue.QueuePDFPreAnalysis))
	var input model.SubtaskInput
	require.NoError(t, json.Unmarshal(h.broker.jobs[h.jobID].Data, &input))
	assert.Equal(t, "application/pdf", input.MimeType)
	assert.Equal(t, "documents/doc-1/converted_pdf.bin", input.ConvertedPDFPath)
}

// TestConversionWithoutOutputRejects covers the converter returning neither
// text nor a PDF.
func TestConversionWithoutOutputRejects(t *testing.T) {
	h := newHarness(t)
	h.start(t, "application/msword")

	h.tick(t)
	h.completeChild(t, queue.QueueFormatConversion, subtask.FormatConversionResult{})
	h.tick(t)

	assert.Equal(t, model.StatusRejected, h.db.finalStatus)
	assert.Equal(t, string(model.ReasonConversionFailed), h.db.finalDetails)
}

// TestMultiDocumentPDFSplits covers the splitter path: the parent finalizes
// processed with a synthesized "splitted" classification and no
// classification children of its own.
func TestMultiDocumentPDFSplits(t *testing.T) {
	h := newHarness(t)
	h.start(t, "application/pdf")

	h.tick(t)
	h.completeChild(t, queue.QueuePDFPreAnalysis, model.PreAnalysisResult{
		IsMultiDocument: true,
		DocumentCount:   2,
		PageCount:       3,
		TextQuality:     model.TextQualityGood,
		Documents: []model.PreAnalysisDocument{
			{Type: "doc1", Pages: []int{1, 2}},
			{Type: "doc2", Pages: []int{3}},
		},
	})
	h.tick(t)
	require.True(t, h.childSpawned(queue.QueuePDFSplitter))
	assert.Contains(t, h.db.steps, model.ProcessSplitting)

	h.completeChild(t, queue.QueuePDFSplitter, subtask.PDFSplitterResult{
		SplitInto:        2,
		ChildDocumentIDs: []string{"doc-1-child-aaaa", "doc-1-child-bbbb"},
	})
	h.tick(t)

	assert.Equal(t, queue.StatusCompleted, h.jobStatus())
	assert.Equal(t, model.StatusProcessed, h.db.finalStatus)
	require.NotNil(t, h.db.patch)
	assert.Equal(t, "splitted", *h.db.patch.DocumentType)
	assert.False(t, h.childSpawned(queue.QueueLLMClassify))
}

// TestEmptyOCRTextRejects covers WaitExtraction rule 3's empty-OCR branch.
func TestEmptyOCRTextRejects(t *testing.T) {
	h := newHarness(t)
	h.start(t, "image/jpeg")

	h.tick(t)
	h.completeChild(t, queue.QueueImageScaling, subtask.ImageScalingResult{
		ScaledImagePaths: []string{"documents/doc-1/llm_optimized.bin"},
	})
	h.tick(t)
	h.completeChild(t, queue.QueueImagePreFilter, subtask.ImagePrefilterResult{HasText: true, CharCount: 12})
	h.tick(t)
	h.completeChild(t, queue.QueueLLMOCR, subtask.OCRResult{RawText: ""})
	h.tick(t)

	assert.Equal(t, model.StatusRejected, h.db.finalStatus)
	assert.Equal(t, string(model.ReasonNoUsableText), h.db.finalDetails)
}

// TestIrrelevantClassificationRejects covers the classify gate on the
// reserved other.* taxonomy members.
func TestIrrelevantClassificationRejects(t *testing.T) {
	h := newHarness(t)
	h.start(t, "text/plain")

	h.tick(t)
	require.True(t, h.childSpawned(queue.QueueTXTSimpleExtract))
	assert.Equal(t, []model.ProcessStatus{model.ProcessExtracting}, h.db.steps)

	h.completeChild(t, queue.QueueTXTSimpleExtract, subtask.TxtSimpleExtractResult{Text: "lorem", Success: true})
	h.tick(t)
	h.completeChild(t, queue.QueueLLMClassify, model.ClassificationResult{
		DocumentType: "other.irrelevant", Language: "en",
	})
	h.tick(t)

	assert.Equal(t, model.StatusRejected, h.db.finalStatus)
	assert.Equal(t, string(model.ReasonOtherIrrelevant), h.db.finalDetails)
	assert.False(t, h.childSpawned(queue.QueueLLMNormalize))
}

// TestChildFailureFailsOrchestratorJob covers failParentOnFailure: a failed
// child surfaces as a Process error carrying the child's reason.
func TestChildFailureFailsOrchestratorJob(t *testing.T) {
	h := newHarness(t)
	h.start(t, "application/pdf")

	h.tick(t)
	id := queue.ChildJobID("doc-1", queue.QueuePDFPreAnalysis)
	h.broker.jobs[id].Status = queue.StatusFailed
	h.broker.jobs[id].Error = "pdf analyzer crashed"

	err := h.orch.Process(context.Background(), h.broker.jobs[h.jobID])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pdf analyzer crashed")
}

// TestMarkDocumentFailedMinesDeepestChild verifies the final-failure hook
// replaces a generic child-failure message with the deepest child's reason.
func TestMarkDocumentFailedMinesDeepestChild(t *testing.T) {
	h := newHarness(t)
	h.start(t, "application/pdf")
	h.tick(t)

	id := queue.ChildJobID("doc-1", queue.QueuePDFPreAnalysis)
	h.broker.jobs[id].Status = queue.StatusFailed
	h.broker.jobs[id].Error = "analyzer exit status 2"

	err := h.orch.MarkDocumentFailed(context.Background(), h.broker.jobs[h.jobID], "子任务pdf-pre-analysis失败: analyzer exit status 2", "v42")
	require.NoError(t, err)
	assert.Equal(t, model.StatusErrored, h.db.finalStatus)
	assert.Equal(t, "analyzer exit status 2", h.db.finalError)
	assert.Equal(t, "worker=v42", h.db.finalDetails)
}

// TestUnknownMimeGoesStraightToClassify covers the default routing branch.
func TestUnknownMimeGoesStraightToClassify(t *testing.T) {
	h := newHarness(t)
	h.start(t, "application/octet-stream")

	h.tick(t)
	assert.True(t, h.childSpawned(queue.QueueLLMClassify))
}
