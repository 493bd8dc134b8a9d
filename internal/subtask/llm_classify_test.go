package subtask

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedkr/docgather/internal/billing"
	"github.com/freedkr/docgather/internal/llm"
	"github.com/freedkr/docgather/internal/model"
	"github.com/freedkr/docgather/internal/taxonomy"
)

// chatServer fakes an OpenAI-shaped chat endpoint whose reply content is
// produced per call, so tests can script invalid-then-valid sequences.
func chatServer(t *testing.T, reply func(call int64) string) (*httptest.Server, *int64) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": reply(n)}},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func classifyDeps(srv *httptest.Server) *Deps {
	provider := llm.NewGenericProvider("test", srv.URL, "test-key", "test-model")
	gateway := llm.NewGateway(llm.NewCache("", false), provider, provider, nil)
	return &Deps{Gateway: gateway, Billing: billing.NewAccumulator()}
}

func TestClassifyRequiresExtractedText(t *testing.T) {
	srv, _ := chatServer(t, func(int64) string { return "{}" })
	_, err := RunLLMClassify(context.Background(), classifyDeps(srv), &model.SubtaskInput{DocumentID: "doc-1"})
	require.Error(t, err)
	var rejected *model.RejectedError
	assert.ErrorAs(t, err, &rejected)
}

func TestClassifyValidReply(t *testing.T) {
	srv, calls := chatServer(t, func(int64) string {
		return `{"documentType":"income.payslip","extractionConfidence":0.93,"language":"fr"}`
	})

	result, err := RunLLMClassify(context.Background(), classifyDeps(srv), &model.SubtaskInput{
		DocumentID: "doc-1", ExtractedText: "SALARY 2000 EUR",
	})
	require.NoError(t, err)
	assert.Equal(t, "income.payslip", result.DocumentType)
	assert.Equal(t, 0.93, result.ExtractionConfidence)
	assert.EqualValues(t, 1, *calls)
}

func TestClassifyToleratesFencedReply(t *testing.T) {
	srv, _ := chatServer(t, func(int64) string {
		return "```json\n{\"documentType\":\"finance.bill\",\"extractionConfidence\":0.8,\"language\":\"en\"}\n```"
	})

	result, err := RunLLMClassify(context.Background(), classifyDeps(srv), &model.SubtaskInput{
		DocumentID: "doc-1", ExtractedText: "INVOICE",
	})
	require.NoError(t, err)
	assert.Equal(t, "finance.bill", result.DocumentType)
}

func TestClassifyRetriesOnNonTaxonomyTypeThenSucceeds(t *testing.T) {
	srv, calls := chatServer(t, func(call int64) string {
		if call == 1 {
			return `{"documentType":"made.up_type","extractionConfidence":0.9,"language":"en"}`
		}
		return `{"documentType":"identity.passport","extractionConfidence":0.9,"language":"en"}`
	})

	result, err := RunLLMClassify(context.Background(), classifyDeps(srv), &model.SubtaskInput{
		DocumentID: "doc-1", ExtractedText: "PASSPORT",
	})
	require.NoError(t, err)
	assert.Equal(t, "identity.passport", result.DocumentType)
	assert.EqualValues(t, 2, *calls)
}

func TestClassifyFallsBackAfterThreeInvalidReplies(t *testing.T) {
	srv, calls := chatServer(t, func(int64) string { return "not json at all" })

	result, err := RunLLMClassify(context.Background(), classifyDeps(srv), &model.SubtaskInput{
		DocumentID: "doc-1", ExtractedText: "gibberish",
	})
	require.NoError(t, err)
	assert.Equal(t, taxonomy.OtherUnclassified, result.DocumentType)
	assert.Zero(t, result.ExtractionConfidence)
	assert.Equal(t, "unknown", result.Language)
	assert.EqualValues(t, 3, *calls)
}
