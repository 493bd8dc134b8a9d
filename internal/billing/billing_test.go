package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupKnownAndUnknownModels(t *testing.T) {
	p := Lookup("mistral", "mistral-large-latest")
	assert.Equal(t, 2.0, p.InputPerMillion)

	unknown := Lookup("acme", "gpt-x")
	assert.Zero(t, unknown.InputPerMillion)
	assert.Zero(t, unknown.Cost(1_000_000, 1_000_000, 0))
}

func TestCostTokenBased(t *testing.T) {
	p := ModelPricing{InputPerMillion: 2.0, OutputPerMillion: 6.0}
	assert.InDelta(t, 2.0+6.0, p.Cost(1_000_000, 1_000_000, 0), 1e-9)
	assert.InDelta(t, 0.002, p.Cost(1000, 0, 0), 1e-9)
}

func TestCostPerPageOCRWins(t *testing.T) {
	p := ModelPricing{InputPerMillion: 2.0, PerPageOCR: 0.001}
	assert.InDelta(t, 0.003, p.Cost(500_000, 0, 3), 1e-9)
}

func TestAccumulatorTotals(t *testing.T) {
	a := NewAccumulator()
	a.Add("mistral", "mistral-large-latest", 1000, 500, 0)
	a.Add("mistral", "mistral-ocr-latest", 0, 0, 2)

	total := a.Total()
	assert.Equal(t, 1000, total.PromptTokens)
	assert.Equal(t, 500, total.CompletionTokens)
	assert.Equal(t, 2, total.Pages)
	assert.Greater(t, total.Cost, 0.0)
	assert.Len(t, a.Deltas(), 2)
}

func TestRegisterOverridesPricing(t *testing.T) {
	Register(ModelPricing{Provider: "acme", Model: "gpt-x", InputPerMillion: 1.0})
	assert.Equal(t, 1.0, Lookup("acme", "gpt-x").InputPerMillion)
}
