package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/freedkr/docgather/internal/model"
)

// CapabilitySet declares which operations a provider variant supports; the
// gateway dispatches by task, not by provider identity.
type CapabilitySet struct {
	Text   bool
	Vision bool
	OCR    bool
	Upload bool
	Delete bool
}

// Provider is the uniform surface every variant implements, trimmed to
// the operations this in-process gateway actually needs.
type Provider interface {
	Capabilities() CapabilitySet
	Complete(ctx context.Context, req *model.LLMRequest) (*model.LLMResponse, error)
	Upload(ctx context.Context, data []byte, mime, purpose string) (fileID string, err error)
	Delete(ctx context.Context, fileID string) error
	// ResolveModel reports the model name a Complete(req) call would
	// actually use (honoring req.Options.Model override), so the cache
	// can key on it without duplicating the provider's own resolution.
	ResolveModel(req *model.LLMRequest) string
}

// FileInfo is one entry of a provider's uploaded-files listing, the shape
// mistral-cleanup needs to find and age out stale OCR uploads.
type FileInfo struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Purpose   string    `json:"purpose"`
	CreatedAt time.Time `json:"created_at"`
}

// FileLister is the optional capability a Provider may implement to list
// its uploaded files by purpose; not every provider variant exposes a
// files-listing endpoint.
type FileLister interface {
	ListFiles(ctx context.Context, purpose string) ([]FileInfo, error)
}

var errCapabilityUnsupported = func(op string) error {
	return &model.BaseError{Code: model.ErrCodeInvalidInput, Message: fmt.Sprintf("provider不支持操作: %s", op)}
}

// --- wire shapes shared by the OpenAI-shaped chat providers (generic,
// rate-limited, local-serialized). ---

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type chatRequestBody struct {
	Model          string                     `json:"model"`
	Messages       []chatMessage              `json:"messages"`
	Temperature    float64                    `json:"temperature"`
	MaxTokens      int                        `json:"max_tokens"`
	ResponseFormat *model.LLMResponseFormat   `json:"response_format,omitempty"`
}

type chatResponseBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func resolveTemperature(req *model.LLMRequest) float64 {
	if req.Options.Temperature != nil {
		return *req.Options.Temperature
	}
	return 0.1
}

func resolveMaxTokens(req *model.LLMRequest) int {
	if req.Options.MaxTokens > 0 {
		return req.Options.MaxTokens
	}
	return 4096
}

func buildChatMessages(req *model.LLMRequest) []chatMessage {
	messages := []chatMessage{{Role: "system", Content: req.SystemPrompt}}
	if len(req.ImageBytes) > 0 {
		dataURL := fmt.Sprintf("data:%s;base64,%s", req.ImageMime, base64.StdEncoding.EncodeToString(req.ImageBytes))
		messages = append(messages, chatMessage{Role: "user", Content: []map[string]interface{}{
			{"type": "text", "text": req.UserPrompt},
			{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
		}})
	} else {
		messages = append(messages, chatMessage{Role: "user", Content: req.UserPrompt})
	}
	return messages
}

// callChatAPI posts an OpenAI-shaped chat completion request and maps a
// non-2xx response into a model.ProviderError whose message carries the
// HTTP status and body, which the dispatcher's 429 detection relies on.
func callChatAPI(ctx context.Context, client *http.Client, endpoint, apiKey, providerName string, body chatRequestBody) (*model.LLMResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, model.NewSystemError(providerName, "marshal", "序列化请求失败", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, model.NewSystemError(providerName, "build_request", "构建请求失败", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, model.NewSystemError(providerName, "http_call", "调用provider失败", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.NewProviderError(providerName, resp.StatusCode, string(respBody))
	}

	var parsed chatResponseBody
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, model.NewSystemError(providerName, "parse_response", "解析provider响应失败", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, model.NewSystemError(providerName, "parse_response", "provider响应不含choices", nil)
	}

	return &model.LLMResponse{
		Content:  parsed.Choices[0].Message.Content,
		Model:    body.Model,
		Provider: providerName,
		Usage: &model.LLMUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

// --- Generic: OpenAI-shaped chat endpoint + bearer key. ---

// GenericProvider is the plain bearer-key chat/vision provider variant.
type GenericProvider struct {
	Name       string
	Endpoint   string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// NewGenericProvider builds a GenericProvider with a sane default timeout.
func NewGenericProvider(name, endpoint, apiKey, modelName string) *GenericProvider {
	return &GenericProvider{
		Name: name, Endpoint: endpoint, APIKey: apiKey, Model: modelName,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *GenericProvider) Capabilities() CapabilitySet {
	return CapabilitySet{Text: true, Vision: true, Upload: true, Delete: true}
}

func (p *GenericProvider) modelFor(req *model.LLMRequest) string {
	if req.Options.Model != "" {
		return req.Options.Model
	}
	return p.Model
}

func (p *GenericProvider) ResolveModel(req *model.LLMRequest) string { return p.modelFor(req) }

func (p *GenericProvider) Complete(ctx context.Context, req *model.LLMRequest) (*model.LLMResponse, error) {
	body := chatRequestBody{
		Model:          p.modelFor(req),
		Messages:       buildChatMessages(req),
		Temperature:    resolveTemperature(req),
		MaxTokens:      resolveMaxTokens(req),
		ResponseFormat: req.Options.ResponseFormat,
	}
	return callChatAPI(ctx, p.HTTPClient, p.Endpoint, p.APIKey, p.Name, body)
}

func (p *GenericProvider) Upload(ctx context.Context, data []byte, mime, purpose string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("purpose", purpose); err != nil {
		return "", model.NewSystemError(p.Name, "upload_build", "构建上传请求失败", err)
	}
	part, err := writer.CreateFormFile("file", "document")
	if err != nil {
		return "", model.NewSystemError(p.Name, "upload_build", "构建上传请求失败", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", model.NewSystemError(p.Name, "upload_build", "写入上传内容失败", err)
	}
	if err := writer.Close(); err != nil {
		return "", model.NewSystemError(p.Name, "upload_build", "关闭上传请求失败", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+"/files", &buf)
	if err != nil {
		return "", model.NewSystemError(p.Name, "upload_request", "构建上传请求失败", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return "", model.NewSystemError(p.Name, "upload_call", "上传文件失败", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", model.NewProviderError(p.Name, resp.StatusCode, string(respBody))
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", model.NewSystemError(p.Name, "upload_parse", "解析上传响应失败", err)
	}
	return parsed.ID, nil
}

// ListFiles implements FileLister by GETting the provider's files endpoint
// filtered by purpose, mirroring the same bearer-auth/error-wrapping
// pattern as Upload/Delete.
func (p *GenericProvider) ListFiles(ctx context.Context, purpose string) ([]FileInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoint+"/files?purpose="+purpose, nil)
	if err != nil {
		return nil, model.NewSystemError(p.Name, "list_files_request", "构建文件列表请求失败", err)
	}
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, model.NewSystemError(p.Name, "list_files_call", "列出文件失败", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.NewProviderError(p.Name, resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Data []FileInfo `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, model.NewSystemError(p.Name, "list_files_parse", "解析文件列表响应失败", err)
	}
	return parsed.Data, nil
}

func (p *GenericProvider) Delete(ctx context.Context, fileID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.Endpoint+"/files/"+fileID, nil)
	if err != nil {
		return model.NewSystemError(p.Name, "delete_request", "构建删除请求失败", err)
	}
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return model.NewSystemError(p.Name, "delete_call", "删除文件失败", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return model.NewProviderError(p.Name, resp.StatusCode, string(respBody))
	}
	return nil
}

// --- RateLimited: identical wire format, dispatch routed through the
// shared Dispatcher. ---

// RateLimitedProvider wraps a GenericProvider so every Complete call is
// serialized through the shared Dispatcher instead of firing directly.
type RateLimitedProvider struct {
	Generic    *GenericProvider
	Dispatcher *Dispatcher
}

func (p *RateLimitedProvider) Capabilities() CapabilitySet { return p.Generic.Capabilities() }

func (p *RateLimitedProvider) ResolveModel(req *model.LLMRequest) string { return p.Generic.modelFor(req) }

func (p *RateLimitedProvider) Complete(ctx context.Context, req *model.LLMRequest) (*model.LLMResponse, error) {
	bodySize := len(req.SystemPrompt) + len(req.UserPrompt) + len(req.ImageBytes)
	return p.Dispatcher.Dispatch(ctx, bodySize, func() (*model.LLMResponse, error) {
		return p.Generic.Complete(ctx, req)
	})
}

func (p *RateLimitedProvider) Upload(ctx context.Context, data []byte, mime, purpose string) (string, error) {
	return p.Generic.Upload(ctx, data, mime, purpose)
}

func (p *RateLimitedProvider) Delete(ctx context.Context, fileID string) error {
	return p.Generic.Delete(ctx, fileID)
}

// --- LocalSerialized: targets a local model server; each provider
// instance serializes its requests through its own mutex to avoid OOM-ing
// the server with concurrent requests. Separate instances do not share
// the mutex. ---

// LocalSerializedProvider serializes every call through a per-provider
// mutex and maps the generic response_format to the local server's
// native schema field.
type LocalSerializedProvider struct {
	Name       string
	Endpoint   string
	Model      string
	NumCtx     int
	HTTPClient *http.Client
	mu         sync.Mutex
}

// NewLocalSerializedProvider builds a LocalSerializedProvider with a
// generous timeout (local inference can be slow). numCtx caps the local
// server's context window; 0 leaves the server default.
func NewLocalSerializedProvider(name, endpoint, modelName string, numCtx int) *LocalSerializedProvider {
	return &LocalSerializedProvider{
		Name: name, Endpoint: endpoint, Model: modelName, NumCtx: numCtx,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *LocalSerializedProvider) Capabilities() CapabilitySet {
	return CapabilitySet{Text: true, Vision: true}
}

func (p *LocalSerializedProvider) ResolveModel(req *model.LLMRequest) string {
	if req.Options.Model != "" {
		return req.Options.Model
	}
	return p.Model
}

type localChatRequestBody struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Format      interface{}   `json:"format,omitempty"`
	NumCtx      int           `json:"num_ctx,omitempty"`
}

// nativeFormat maps the generic response_format option to the local
// server's native schema-format field: json_object -> "json" mode,
// json_schema -> the raw schema object.
func nativeFormat(rf *model.LLMResponseFormat) interface{} {
	if rf == nil {
		return nil
	}
	if rf.Type == "json_schema" {
		return rf.JSONSchema["schema"]
	}
	return "json"
}

func (p *LocalSerializedProvider) Complete(ctx context.Context, req *model.LLMRequest) (*model.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	modelName := p.Model
	if req.Options.Model != "" {
		modelName = req.Options.Model
	}
	body := localChatRequestBody{
		Model:       modelName,
		Messages:    buildChatMessages(req),
		Temperature: resolveTemperature(req),
		MaxTokens:   resolveMaxTokens(req),
		Format:      nativeFormat(req.Options.ResponseFormat),
		NumCtx:      p.NumCtx,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, model.NewSystemError(p.Name, "marshal", "序列化请求失败", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, model.NewSystemError(p.Name, "build_request", "构建请求失败", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, model.NewSystemError(p.Name, "http_call", "调用本地模型失败", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.NewProviderError(p.Name, resp.StatusCode, string(respBody))
	}

	var parsed chatResponseBody
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, model.NewSystemError(p.Name, "parse_response", "解析本地模型响应失败", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, model.NewSystemError(p.Name, "parse_response", "本地模型响应不含choices", nil)
	}
	return &model.LLMResponse{
		Content:  parsed.Choices[0].Message.Content,
		Model:    modelName,
		Provider: p.Name,
		Usage: &model.LLMUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

func (p *LocalSerializedProvider) Upload(ctx context.Context, data []byte, mime, purpose string) (string, error) {
	return "", errCapabilityUnsupported("upload")
}

func (p *LocalSerializedProvider) Delete(ctx context.Context, fileID string) error {
	return errCapabilityUnsupported("delete")
}

// --- OcrEndpoint: posts {model, document} to a dedicated OCR endpoint,
// optionally through the batch coalescer. ---

// OcrEndpointProvider targets a dedicated OCR HTTP endpoint and may opt
// into batching via a Coalescer.
type OcrEndpointProvider struct {
	Name         string
	Endpoint     string
	APIKey       string
	Model        string
	HTTPClient   *http.Client
	Dispatcher   *Dispatcher
	Coalescer    *Coalescer
	UseCoalescer bool
}

// NewOcrEndpointProvider builds an OcrEndpointProvider.
func NewOcrEndpointProvider(name, endpoint, apiKey, modelName string, dispatcher *Dispatcher) *OcrEndpointProvider {
	return &OcrEndpointProvider{
		Name: name, Endpoint: endpoint, APIKey: apiKey, Model: modelName,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute}, Dispatcher: dispatcher,
	}
}

func (p *OcrEndpointProvider) Capabilities() CapabilitySet { return CapabilitySet{OCR: true} }

func (p *OcrEndpointProvider) ResolveModel(req *model.LLMRequest) string { return p.modelFor(req) }

type ocrRequestBody struct {
	Model    string `json:"model"`
	Document string `json:"document"`
}

type ocrResponseBody struct {
	Pages interface{} `json:"pages"`
}

func (p *OcrEndpointProvider) modelFor(req *model.LLMRequest) string {
	if req.Options.Model != "" {
		return req.Options.Model
	}
	return p.Model
}

func (p *OcrEndpointProvider) Complete(ctx context.Context, req *model.LLMRequest) (*model.LLMResponse, error) {
	document := base64.StdEncoding.EncodeToString(req.ImageBytes)
	modelName := p.modelFor(req)

	if p.UseCoalescer && p.Coalescer != nil {
		result, err := p.Coalescer.Execute(ctx, document, modelName)
		if err != nil {
			return nil, err
		}
		content, err := json.Marshal(result.Pages)
		if err != nil {
			return nil, model.NewSystemError(p.Name, "marshal", "序列化OCR批处理结果失败", err)
		}
		return &model.LLMResponse{Content: string(content), Model: result.Model, Provider: p.Name}, nil
	}

	return p.Dispatcher.Dispatch(ctx, len(document), func() (*model.LLMResponse, error) {
		return p.ocrDirect(ctx, document, modelName)
	})
}

func (p *OcrEndpointProvider) ocrDirect(ctx context.Context, document, modelName string) (*model.LLMResponse, error) {
	raw, err := json.Marshal(ocrRequestBody{Model: modelName, Document: document})
	if err != nil {
		return nil, model.NewSystemError(p.Name, "marshal", "序列化OCR请求失败", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, model.NewSystemError(p.Name, "build_request", "构建OCR请求失败", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, model.NewSystemError(p.Name, "http_call", "调用OCR endpoint失败", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.NewProviderError(p.Name, resp.StatusCode, string(respBody))
	}

	var parsed ocrResponseBody
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, model.NewSystemError(p.Name, "parse_response", "解析OCR响应失败", err)
	}
	content, err := json.Marshal(parsed.Pages)
	if err != nil {
		return nil, model.NewSystemError(p.Name, "marshal", "序列化OCR结果失败", err)
	}
	return &model.LLMResponse{Content: string(content), Model: modelName, Provider: p.Name}, nil
}

func (p *OcrEndpointProvider) Upload(ctx context.Context, data []byte, mime, purpose string) (string, error) {
	return "", errCapabilityUnsupported("upload")
}

func (p *OcrEndpointProvider) Delete(ctx context.Context, fileID string) error {
	return errCapabilityUnsupported("delete")
}
