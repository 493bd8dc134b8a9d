// Package billing 静态定价表与单文档计费累加器
package billing

// ModelPricing 单个provider/model的费率，单位:每百万token美元
type ModelPricing struct {
	Provider          string
	Model             string
	InputPerMillion   float64
	OutputPerMillion  float64
	PerPageOCR        float64 // 按页计费的OCR端点，0表示不适用
}

// pricingTable 静态费率表
var pricingTable = map[string]ModelPricing{
	"mistral:mistral-ocr-latest": {Provider: "mistral", Model: "mistral-ocr-latest", PerPageOCR: 0.001},
	"mistral:mistral-large-latest": {Provider: "mistral", Model: "mistral-large-latest", InputPerMillion: 2.0, OutputPerMillion: 6.0},
	"ovh:llama-3.3-70b-instruct": {Provider: "ovh", Model: "llama-3.3-70b-instruct", InputPerMillion: 0.9, OutputPerMillion: 0.9},
	"local:default":             {Provider: "local", Model: "default"},
}

// Lookup 返回provider/model对应的费率；未知组合返回零值费率（不计费）
func Lookup(provider, model string) ModelPricing {
	if p, ok := pricingTable[provider+":"+model]; ok {
		return p
	}
	return ModelPricing{Provider: provider, Model: model}
}

// Register 允许运行时补充或覆盖费率条目，供测试与配置扩展使用
func Register(p ModelPricing) {
	pricingTable[p.Provider+":"+p.Model] = p
}

// Cost 根据用量计算成本
func (p ModelPricing) Cost(promptTokens, completionTokens, pages int) float64 {
	if p.PerPageOCR > 0 && pages > 0 {
		return p.PerPageOCR * float64(pages)
	}
	cost := float64(promptTokens) / 1_000_000 * p.InputPerMillion
	cost += float64(completionTokens) / 1_000_000 * p.OutputPerMillion
	return cost
}
