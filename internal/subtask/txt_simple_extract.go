package subtask

import (
	"context"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/freedkr/docgather/internal/model"
)

// TxtSimpleExtractResult is the txt-simple-extract worker output.
type TxtSimpleExtractResult struct {
	Text    string `json:"text"`
	Success bool   `json:"success"`
}

// RunTxtSimpleExtract is the txt-simple-extract worker: plain
// text files are decoded strict UTF-8 first, falling back to a lossy
// Windows-1252 transliteration for legacy byte soup rather than rejecting
// the document outright, then truncated under the shared 50,000-character
// cap.
func RunTxtSimpleExtract(ctx context.Context, deps *Deps, input *model.SubtaskInput) (*TxtSimpleExtractResult, error) {
	data, err := downloadCached(ctx, deps, input.DocumentID, model.RoleOriginal)
	if err != nil {
		return nil, err
	}

	text := decodeText(data)
	return &TxtSimpleExtractResult{Text: truncate(text), Success: true}, nil
}

// decodeText accepts strict UTF-8 as-is; otherwise it transliterates
// byte-for-byte through Windows-1252, the common fallback encoding for
// legacy plain-text uploads, so a single bad byte doesn't reject the
// whole document.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	decoded, _, err := transform.Bytes(charmap.Windows1252.NewDecoder(), data)
	if err != nil {
		return string(data)
	}
	return string(decoded)
}
