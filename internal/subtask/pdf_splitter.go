package subtask

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/freedkr/docgather/internal/model"
)

// PDFSplitterResult is the pdf-splitter worker output: the parent records
// how many children it produced; the children run their own pipelines
// from Initial independently.
type PDFSplitterResult struct {
	SplitInto       int      `json:"splitInto"`
	ChildDocumentIDs []string `json:"childDocumentIds"`
}

// Crop names the optional crop applied to a split page's first mediabox.
type Crop string

const (
	CropNone       Crop = ""
	CropTopHalf    Crop = "top_half"
	CropBottomHalf Crop = "bottom_half"
	CropLeftHalf   Crop = "left_half"
	CropRightHalf  Crop = "right_half"
)

type splitExtractRequest struct {
	PDFPath string `json:"pdfPath"`
	Pages   []int  `json:"pages"`
	Crop    Crop   `json:"crop,omitempty"`
}

type splitExtractResult struct {
	PDFBytesBase64 string `json:"pdfBytesBase64"`
}

// ChildCreator is the persistence-facade slice pdf-splitter needs to
// create the child row; split provenance is written separately through
// deps.DB. Implemented by internal/database.Facade.
type ChildCreator interface {
	CreateChildDocument(ctx context.Context, parentID, ownerID string) (string, error)
}

// OrchestratorEnqueuer lets pdf-splitter spawn a fresh orchestrator job
// for each freshly created child, starting it at Initial.
type OrchestratorEnqueuer interface {
	EnqueueOrchestrator(ctx context.Context, documentID, ownerID, mimeType, originalFileID, originalPath, originalFilename, source string) error
}

// RunPDFSplitter is the pdf-splitter worker: for each entry in
// preAnalysis.documents it extracts the listed 1-based pages from the
// source PDF via a native helper (applying an optional half-page crop to
// the first mediabox), uploads the result as a new child document's
// original file, creates the child row, and enqueues its orchestrator
// job. Non-multi-document input is skipped entirely; it is only ever
// invoked from the isMultiDocument routing branch.
func RunPDFSplitter(ctx context.Context, deps *Deps, children ChildCreator, enqueuer OrchestratorEnqueuer, input *model.SubtaskInput) (*PDFSplitterResult, error) {
	if input.PreAnalysis == nil || !input.PreAnalysis.IsMultiDocument || len(input.PreAnalysis.Documents) == 0 {
		return nil, nil
	}

	role := model.RoleOriginal
	if input.ConvertedPDFPath != "" {
		role = model.RoleConvertedPDF
	}
	srcData, err := downloadCached(ctx, deps, input.DocumentID, role)
	if err != nil {
		return nil, err
	}
	srcPath, cleanup, err := writeTempFile("pdf-splitter-src", srcData)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	result := &PDFSplitterResult{}
	for i, doc := range input.PreAnalysis.Documents {
		pageBytes, err := extractPagesWithCrop(ctx, deps, srcPath, doc)
		if err != nil {
			return nil, err
		}

		childID, err := children.CreateChildDocument(ctx, input.DocumentID, input.OwnerID)
		if err != nil {
			return nil, err
		}

		if _, err := deps.Storage.Upload(ctx, childID, model.RoleOriginal, pageBytes, "application/pdf"); err != nil {
			return nil, err
		}

		childPath := fmt.Sprintf("split:%s:%d", input.DocumentID, i)
		if err := writeSplitProvenance(ctx, deps, childID, childPath, input.OriginalFilename); err != nil {
			return nil, err
		}

		if err := enqueuer.EnqueueOrchestrator(ctx, childID, input.OwnerID, "application/pdf", childID, childPath, input.OriginalFilename, "split"); err != nil {
			return nil, err
		}

		result.ChildDocumentIDs = append(result.ChildDocumentIDs, childID)
	}
	result.SplitInto = len(result.ChildDocumentIDs)
	return result, nil
}

// writeSplitProvenance seeds the child's private metadata with a sources
// entry tracing it back to the parent document, so the child's own
// write-back later merges into a row that already records where its bytes
// came from.
func writeSplitProvenance(ctx context.Context, deps *Deps, childID, childPath, originalFilename string) error {
	now := time.Now()
	meta := map[string]interface{}{
		"sources": map[string]model.ProvenanceEntry{
			model.SourceKey("split", childPath): {
				Source:           "split",
				Filepath:         childPath,
				OriginalFilename: originalFilename,
				CreatedAt:        now,
				ModifiedAt:       now,
				UploadedAt:       now,
			},
		},
	}
	version := deps.Storage.CurrentMasterKeyVersion()
	encMeta, err := deps.Storage.EncryptJSONB(meta, version)
	if err != nil {
		return model.NewSystemError("pdf-splitter", "encrypt_provenance", "加密子文档溯源元数据失败", err)
	}
	return deps.DB.UpdateDocumentPrivate(ctx, childID, nil, encMeta, version)
}

// extractPagesWithCrop delegates page extraction and the optional
// half-mediabox crop to the PDFSplit native helper; PDF page-tree surgery
// stays outside this process.
func extractPagesWithCrop(ctx context.Context, deps *Deps, srcPath string, doc model.PreAnalysisDocument) ([]byte, error) {
	req := splitExtractRequest{PDFPath: srcPath, Pages: doc.Pages, Crop: cropForHint(doc.Hint)}
	var res splitExtractResult
	if err := RunJSONProcess(ctx, deps.Bin.PDFSplit, nil, req, &res); err != nil {
		return nil, err
	}
	return decodeBase64(res.PDFBytesBase64)
}

// cropForHint maps a pre-analysis document hint to the crop the helper
// should apply; any value not in the closed set is treated as no crop.
func cropForHint(hint string) Crop {
	switch Crop(hint) {
	case CropTopHalf, CropBottomHalf, CropLeftHalf, CropRightHalf:
		return Crop(hint)
	default:
		return CropNone
	}
}

func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, model.NewSystemError("pdf-splitter", "decode_base64", "解码拆分页面失败", err)
	}
	return data, nil
}
