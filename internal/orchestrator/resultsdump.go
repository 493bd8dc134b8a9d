package orchestrator

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"

	"github.com/freedkr/docgather/internal/model"
)

// ResultsDumper writes each finalized document's aggregated results to
// <root>/results/<ocrModel>/<textModel>/<visionModel>/<documentId>.json
// for local inspection. Never enabled in production deployments; all
// failures are logged and swallowed.
type ResultsDumper struct {
	Root        string
	OCRModel    string
	TextModel   string
	VisionModel string
}

func sanitizePathSegment(s string) string {
	if s == "" {
		return "none"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Dump persists the combined results object for a document. Best-effort.
func (d *ResultsDumper) Dump(input *model.SubtaskInput, combined map[string]interface{}) {
	dir := filepath.Join(d.Root, "results",
		sanitizePathSegment(d.OCRModel),
		sanitizePathSegment(d.TextModel),
		sanitizePathSegment(d.VisionModel))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("结果转储目录创建失败: %v", err)
		return
	}
	raw, err := json.MarshalIndent(combined, "", "  ")
	if err != nil {
		log.Printf("结果转储序列化失败: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, input.DocumentID+".json"), raw, 0o644); err != nil {
		log.Printf("结果转储写入失败: %v", err)
	}
}
