// Package subtask implements the single-purpose worker set: one file per
// queue, each consuming a model.SubtaskInput and returning a typed
// result for the orchestrator to read back.
package subtask

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"

	"github.com/freedkr/docgather/internal/model"
)

// RunJSONProcess invokes a native helper (LibreOffice, mutool, Tesseract,
// the rasterizer, …) as a typed external process: request is marshaled to
// its stdin, and its stdout is parsed as JSON into result.
func RunJSONProcess(ctx context.Context, binary string, args []string, request, result interface{}) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return model.NewSystemError(binary, "marshal_request", "序列化外部进程请求失败", err)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return model.NewFileError(model.ErrCodeInternal, binary, "exec",
			"外部进程执行失败: "+stderr.String(), err)
	}

	if err := json.Unmarshal(stdout.Bytes(), result); err != nil {
		return model.NewSystemError(binary, "parse_response", "解析外部进程输出失败", err)
	}
	return nil
}
