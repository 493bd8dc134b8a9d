package subtask

import (
	"context"
	"os"

	"github.com/freedkr/docgather/internal/billing"
	"github.com/freedkr/docgather/internal/database"
	"github.com/freedkr/docgather/internal/filecache"
	"github.com/freedkr/docgather/internal/llm"
	"github.com/freedkr/docgather/internal/model"
	"github.com/freedkr/docgather/internal/storage"
)

// NativeBinaries names the external helper processes the workers shell
// out to as typed JSON-in/JSON-out collaborators. Defaults match plain
// PATH-resolved names; deployments override via config to point at
// vetted binary locations.
type NativeBinaries struct {
	LibreOffice string
	Pandoc      string // email -> HTML intermediate for format-conversion
	Mutool      string
	Rasterizer  string
	Tesseract   string
	PDFAnalyze  string
	PDFExtract  string
	PDFSplit    string
}

// DefaultNativeBinaries resolves every helper to its plain PATH name.
func DefaultNativeBinaries() NativeBinaries {
	return NativeBinaries{
		LibreOffice: "libreoffice",
		Pandoc:      "pandoc",
		Mutool:      "mutool",
		Rasterizer:  "docgather-rasterize",
		Tesseract:   "tesseract",
		PDFAnalyze:  "docgather-pdf-analyze",
		PDFExtract:  "docgather-pdf-extract",
		PDFSplit:    "docgather-pdf-split",
	}
}

// Deps bundles every collaborator a subtask worker needs: the storage and
// persistence facades, the per-worker file cache, the LLM gateway, the
// billing accumulator, and the native helper binary names.
type Deps struct {
	Storage   *storage.Facade
	FileCache *filecache.Cache
	Gateway   *llm.Gateway
	DB        *database.Facade
	Billing   *billing.Accumulator
	Bin       NativeBinaries
	// FullResolutionOCR is set when the configured OCR provider is the
	// dedicated OCR endpoint, which prefers unscaled rasterized pages.
	FullResolutionOCR bool
}

// downloadCached fetches (documentID, role) through the file cache,
// falling back to the storage facade on a miss and populating the cache
// for subsequent subtasks of the same document.
func downloadCached(ctx context.Context, deps *Deps, documentID string, role model.FileRole) ([]byte, error) {
	if data, ok := deps.FileCache.Get(documentID, string(role)); ok {
		return data, nil
	}
	data, err := deps.Storage.Download(ctx, documentID, role)
	if err != nil {
		return nil, err
	}
	_ = deps.FileCache.Put(documentID, string(role), data)
	return data, nil
}

// recordBilling accumulates a call's usage in the shared in-process
// Accumulator (a running total for observability) and persists the same
// delta onto the document's llm_billing row. Billing is per-document
// durable state, not just an in-memory counter.
func recordBilling(ctx context.Context, deps *Deps, documentID, provider, model_ string, promptTokens, completionTokens, pages int) {
	if deps.Billing == nil {
		return
	}
	delta := deps.Billing.Add(provider, model_, promptTokens, completionTokens, pages)
	if deps.DB != nil {
		_ = deps.DB.IncrementLLMBilling(ctx, documentID, delta)
	}
}

// writeTempFile spills data to a throwaway temp file for handoff to a
// native helper invoked by path, returning a cleanup func the caller must
// defer. Helpers are addressed by file path, not by piping large payloads
// through stdin.
func writeTempFile(prefix string, data []byte) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", prefix+"-*")
	if err != nil {
		return "", nil, model.NewSystemError("subtask", "mkstemp", "创建临时文件失败", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", nil, model.NewSystemError("subtask", "write_temp", "写入临时文件失败", err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

const truncationMarker = "\n\n[... 内容已截断 ...]"

// truncate caps text at 50,000 characters with a visible truncation
// marker, shared by pdf-simple-extract and txt-simple-extract.
func truncate(text string) string {
	const limit = 50000
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + truncationMarker
}
