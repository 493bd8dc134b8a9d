package subtask

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/freedkr/docgather/internal/model"
)

// FormatConversionResult is format-conversion's typed output: either a
// directly extracted text (spreadsheets) or a converted PDF path.
type FormatConversionResult struct {
	ExtractedText    string `json:"extractedText,omitempty"`
	ConvertedPDFPath string `json:"convertedPdfPath,omitempty"`
}

var spreadsheetMimes = map[string]bool{
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.oasis.opendocument.spreadsheet":                   true,
}

const mimeXPS = "application/vnd.ms-xpsdocument"

var emailMimes = map[string]bool{
	"message/rfc822":  true,
	"application/vnd.ms-outlook": true,
}

type convertRequest struct {
	InputPath  string `json:"inputPath"`
	OutputPath string `json:"outputPath"`
}

type convertResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RunFormatConversion is the format-conversion worker: it allocates a
// per-job temp directory, downloads the original bytes, and branches on
// MIME family. Spreadsheets are extracted directly with excelize; every
// other family is converted to PDF by a native helper invoked as a typed
// JSON process (exec.go).
func RunFormatConversion(ctx context.Context, deps *Deps, input *model.SubtaskInput) (*FormatConversionResult, error) {
	data, err := downloadCached(ctx, deps, input.DocumentID, model.RoleOriginal)
	if err != nil {
		return nil, err
	}

	if spreadsheetMimes[input.MimeType] {
		text, err := extractSpreadsheetText(data)
		if err != nil {
			return nil, model.NewRejectedError(model.ReasonConversionFailed, err.Error())
		}
		return &FormatConversionResult{ExtractedText: text}, nil
	}

	tmpDir, err := os.MkdirTemp("", "docgather-convert-"+input.DocumentID+"-*")
	if err != nil {
		return nil, model.NewSystemError("format-conversion", "mkdtemp", "创建临时目录失败", err)
	}
	defer os.RemoveAll(tmpDir)

	inputExt := extensionForMime(input.MimeType)
	inputPath := filepath.Join(tmpDir, "input"+inputExt)
	if err := os.WriteFile(inputPath, data, 0o644); err != nil {
		return nil, model.NewSystemError("format-conversion", "write_input", "写入临时输入文件失败", err)
	}
	pdfPath := filepath.Join(tmpDir, "output.pdf")

	switch {
	case input.MimeType == mimeXPS:
		if err := runConvert(ctx, deps.Bin.Mutool, []string{"convert"}, inputPath, pdfPath); err != nil {
			return nil, model.NewRejectedError(model.ReasonConversionFailed, err.Error())
		}
	case emailMimes[input.MimeType]:
		htmlPath := filepath.Join(tmpDir, "intermediate.html")
		if err := runConvert(ctx, deps.Bin.Pandoc, nil, inputPath, htmlPath); err != nil {
			return nil, model.NewRejectedError(model.ReasonConversionFailed, err.Error())
		}
		if err := runConvert(ctx, deps.Bin.LibreOffice, []string{"--convert-to", "pdf"}, htmlPath, pdfPath); err != nil {
			return nil, model.NewRejectedError(model.ReasonConversionFailed, err.Error())
		}
	default:
		if err := runConvert(ctx, deps.Bin.LibreOffice, []string{"--convert-to", "pdf"}, inputPath, pdfPath); err != nil {
			return nil, model.NewRejectedError(model.ReasonConversionFailed, err.Error())
		}
	}

	pdfBytes, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, model.NewRejectedError(model.ReasonConversionFailed, "转换器未产生输出文件")
	}

	result, err := deps.Storage.Upload(ctx, input.DocumentID, model.RoleConvertedPDF, pdfBytes, "application/pdf")
	if err != nil {
		return nil, err
	}
	return &FormatConversionResult{ConvertedPDFPath: result.StoragePath}, nil
}

func runConvert(ctx context.Context, binary string, args []string, inputPath, outputPath string) error {
	req := convertRequest{InputPath: inputPath, OutputPath: outputPath}
	var res convertResult
	if err := RunJSONProcess(ctx, binary, args, req, &res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s", res.Error)
	}
	return nil
}

func extractSpreadsheetText(data []byte) (string, error) {
	wb, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("打开电子表格失败: %w", err)
	}
	defer wb.Close()

	var b strings.Builder
	for _, sheet := range wb.GetSheetList() {
		rows, err := wb.GetRows(sheet)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "%s:\n", sheet)
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

func extensionForMime(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "presentation"):
		return ".pptx"
	case strings.Contains(mimeType, "word") || strings.Contains(mimeType, "document"):
		return ".docx"
	case mimeType == mimeXPS:
		return ".xps"
	case emailMimes[mimeType]:
		return ".eml"
	default:
		return ".bin"
	}
}
