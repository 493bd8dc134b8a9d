package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/freedkr/docgather/internal/model"
)

func norm(fields map[string]interface{}) *model.NormalizationResult {
	return &model.NormalizationResult{Template: "t", Fields: fields}
}

func TestInferDatesPayPeriodSeedsAllThree(t *testing.T) {
	d, from, until := inferDates(norm(map[string]interface{}{
		"payPeriod": map[string]interface{}{"startDate": "2024-01-01", "endDate": "2024-01-31"},
	}))
	assert.Equal(t, "2024-01-31", d)
	assert.Equal(t, "2024-01-01", from)
	assert.Equal(t, "2024-01-31", until)
}

func TestInferDatesBillDateOverridesPeriodEnd(t *testing.T) {
	d, _, _ := inferDates(norm(map[string]interface{}{
		"period":   map[string]interface{}{"startDate": "2024-03-01", "endDate": "2024-03-31"},
		"billDate": "2024-04-02",
	}))
	assert.Equal(t, "2024-04-02", d)
}

func TestInferDatesStartDateFallsBackToDocumentDate(t *testing.T) {
	d, from, _ := inferDates(norm(map[string]interface{}{
		"startDate": "2023-07-15",
	}))
	assert.Equal(t, "2023-07-15", d)
	assert.Equal(t, "2023-07-15", from)
}

func TestInferDatesFiscalYear(t *testing.T) {
	_, from, until := inferDates(norm(map[string]interface{}{"fiscalYear": "2023"}))
	assert.Equal(t, "2023-01-01", from)
	assert.Equal(t, "2023-12-31", until)
}

func TestInferDatesAcademicYear(t *testing.T) {
	_, from, until := inferDates(norm(map[string]interface{}{"academicYear": "2023/2024"}))
	assert.Equal(t, "2023-09-01", from)
	assert.Equal(t, "2024-08-31", until)
}

func TestInferDatesNestedDatesFallback(t *testing.T) {
	d, from, until := inferDates(norm(map[string]interface{}{
		"dates": map[string]interface{}{"issueDate": "2022-05-10", "expiryDate": "2032-05-10"},
	}))
	assert.Equal(t, "2022-05-10", d)
	assert.Equal(t, "2022-05-10", from)
	assert.Equal(t, "2032-05-10", until)
}

func TestInferDatesNilInput(t *testing.T) {
	d, from, until := inferDates(nil)
	assert.Empty(t, d)
	assert.Empty(t, from)
	assert.Empty(t, until)
}

func TestParseDateFormats(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"2024-01-31", "2024-01-31"},
		{"2024-01", "2024-01-01"},
		{"2024", "2024-01-01"},
		{" 2024-06 ", "2024-06-01"},
		{"31/01/2024", ""},
		{"not a date", ""},
		{"", ""},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, parseDate(c.in), "parseDate(%q)", c.in)
	}
}
