package subtask

import (
	"context"

	"github.com/freedkr/docgather/internal/model"
)

// pdfExtractResult is the PDFExtract helper's stdout payload.
type pdfExtractResult struct {
	Text         string `json:"text"`
	PageCount    int    `json:"pageCount"`
	HasTextLayer bool   `json:"hasTextLayer"`
}

// PDFSimpleExtractResult is the pdf-simple-extract worker output.
type PDFSimpleExtractResult struct {
	Text         string            `json:"text"`
	PageCount    int               `json:"pageCount"`
	HasTextLayer bool              `json:"hasTextLayer"`
	TextQuality  model.TextQuality `json:"textQuality"`
}

// RunPDFSimpleExtract is the pdf-simple-extract worker: the
// cheap text-layer path taken when pdf-pre-analysis graded the document's
// embedded text layer "best" or "good". Output is capped at 50,000
// characters with a visible truncation marker, same contract as
// txt-simple-extract.
func RunPDFSimpleExtract(ctx context.Context, deps *Deps, input *model.SubtaskInput) (*PDFSimpleExtractResult, error) {
	role := model.RoleOriginal
	if input.ConvertedPDFPath != "" {
		role = model.RoleConvertedPDF
	}
	data, err := downloadCached(ctx, deps, input.DocumentID, role)
	if err != nil {
		return nil, err
	}

	path, cleanup, err := writeTempFile("pdf-simple-extract", data)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var res pdfExtractResult
	if err := RunJSONProcess(ctx, deps.Bin.PDFExtract, nil, analyzeRequest{PDFPath: path}, &res); err != nil {
		return nil, err
	}

	quality := model.TextQualityNone
	if input.PreAnalysis != nil {
		quality = input.PreAnalysis.TextQuality
	}
	return &PDFSimpleExtractResult{
		Text:         truncate(res.Text),
		PageCount:    res.PageCount,
		HasTextLayer: res.HasTextLayer,
		TextQuality:  quality,
	}, nil
}
