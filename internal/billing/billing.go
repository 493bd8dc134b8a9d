package billing

import (
	"sync"

	"github.com/freedkr/docgather/internal/model"
)

// Accumulator 累加单个文档在一次处理周期内的计费增量，线程安全
type Accumulator struct {
	mu      sync.Mutex
	deltas  []model.BillingDelta
	total   model.BillingDelta
}

// NewAccumulator 创建累加器
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add 记录一次LLM调用产生的计费增量
func (a *Accumulator) Add(provider, model_ string, promptTokens, completionTokens, pages int) model.BillingDelta {
	cost := Lookup(provider, model_).Cost(promptTokens, completionTokens, pages)
	delta := model.BillingDelta{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Pages:            pages,
		Cost:             cost,
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deltas = append(a.deltas, delta)
	a.total.PromptTokens += promptTokens
	a.total.CompletionTokens += completionTokens
	a.total.Pages += pages
	a.total.Cost += cost
	return delta
}

// Total 返回当前累计值
func (a *Accumulator) Total() model.BillingDelta {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Deltas 返回所有记录的增量副本，供写回llm_billing JSON使用
func (a *Accumulator) Deltas() []model.BillingDelta {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.BillingDelta, len(a.deltas))
	copy(out, a.deltas)
	return out
}
