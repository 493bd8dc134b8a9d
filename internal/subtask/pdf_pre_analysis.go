package subtask

import (
	"context"

	"github.com/freedkr/docgather/internal/model"
)

// RunPDFPreAnalysis is the pdf-pre-analysis worker: a cheap deterministic
// inspection run by a native analyzer, invoked as a typed JSON process.
// Non-PDF input short-circuits to an empty result without downloading.
func RunPDFPreAnalysis(ctx context.Context, deps *Deps, input *model.SubtaskInput) (*model.PreAnalysisResult, error) {
	if input.MimeType != "application/pdf" && input.ConvertedPDFPath == "" {
		return &model.PreAnalysisResult{PageCount: 0, TextQuality: model.TextQualityNone}, nil
	}

	role := model.RoleOriginal
	if input.ConvertedPDFPath != "" {
		role = model.RoleConvertedPDF
	}
	data, err := downloadCached(ctx, deps, input.DocumentID, role)
	if err != nil {
		return nil, err
	}

	path, cleanup, err := writeTempFile("pdf-pre-analysis", data)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var result model.PreAnalysisResult
	if err := RunJSONProcess(ctx, deps.Bin.PDFAnalyze, nil, analyzeRequest{PDFPath: path}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// analyzeRequest is the stdin payload for the PDFAnalyze helper: the path
// of a temp file holding the document's bytes.
type analyzeRequest struct {
	PDFPath string `json:"pdfPath"`
}
