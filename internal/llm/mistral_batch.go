package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/freedkr/docgather/internal/model"
)

// MistralBatchClient implements BatchJobClient against Mistral's
// batch-jobs HTTP endpoint, the only one this engine wires: the coalescer
// is only reachable from the ocr-endpoint provider variant, and mistral is
// the one provider with a batch OCR API.
type MistralBatchClient struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

// NewMistralBatchClient builds a MistralBatchClient against the public
// Mistral API base.
func NewMistralBatchClient(apiKey string) *MistralBatchClient {
	return &MistralBatchClient{
		Endpoint:   "https://api.mistral.ai/v1/batch/jobs",
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type batchJobCreateRequest struct {
	InputRequests []BatchRequest `json:"requests"`
	Model         string         `json:"model"`
	Endpoint      string         `json:"endpoint"`
}

type batchJobCreateResponse struct {
	ID string `json:"id"`
}

func (c *MistralBatchClient) CreateBatchJob(ctx context.Context, modelName string, requests []BatchRequest) (string, error) {
	body := batchJobCreateRequest{InputRequests: requests, Model: modelName, Endpoint: "/v1/ocr"}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", model.NewSystemError("mistral-batch", "marshal", "序列化批量任务请求失败", err)
	}
	var resp batchJobCreateResponse
	if err := c.do(ctx, http.MethodPost, c.Endpoint, raw, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

type batchJobStatusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (c *MistralBatchClient) PollBatchJob(ctx context.Context, jobID string) (status string, errMsg string, err error) {
	var resp batchJobStatusResponse
	if err := c.do(ctx, http.MethodGet, c.Endpoint+"/"+jobID, nil, &resp); err != nil {
		return "", "", err
	}
	return resp.Status, resp.Error, nil
}

func (c *MistralBatchClient) DownloadBatchOutput(ctx context.Context, jobID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"/"+jobID+"/output", nil)
	if err != nil {
		return nil, model.NewSystemError("mistral-batch", "build_request", "构建下载请求失败", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, model.NewSystemError("mistral-batch", "http_call", "下载批量结果失败", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewSystemError("mistral-batch", "read_body", "读取批量结果失败", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.NewProviderError("mistral-batch", resp.StatusCode, string(data))
	}
	return data, nil
}

func (c *MistralBatchClient) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return model.NewSystemError("mistral-batch", "build_request", "构建请求失败", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return model.NewSystemError("mistral-batch", "http_call", "调用批量任务接口失败", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NewSystemError("mistral-batch", "read_body", "读取响应失败", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.NewProviderError("mistral-batch", resp.StatusCode, string(raw))
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return model.NewSystemError("mistral-batch", "parse_response", fmt.Sprintf("解析响应失败: %v", err), err)
	}
	return nil
}
