package subtask

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripJSONFence(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, stripJSONFence(c.in))
	}
}

func TestParseOCRResponseRawContent(t *testing.T) {
	parsed, err := parseOCRResponse(`{"language":"fr","extractedText":{"contentType":"raw","content":"bonjour"}}`)
	require.NoError(t, err)
	assert.Equal(t, "fr", parsed.Language)

	raw, structured := flattenOCRContent(parsed.ExtractedText)
	assert.Equal(t, "bonjour", raw)
	assert.Empty(t, structured)
}

func TestParseOCRResponseStructuredContentIsFlattened(t *testing.T) {
	parsed, err := parseOCRResponse("```json\n" + `{"extractedText":{"contentType":"structured","content":{"total":42}}}` + "\n```")
	require.NoError(t, err)

	raw, structured := flattenOCRContent(parsed.ExtractedText)
	assert.JSONEq(t, `{"total":42}`, raw)
	assert.Equal(t, raw, structured)
}

func TestParseOCRResponseRejectsUnknownContentType(t *testing.T) {
	_, err := parseOCRResponse(`{"extractedText":{"contentType":"xml","content":"<a/>"}}`)
	assert.Error(t, err)
}

func TestParseOCRResponseRejectsNonJSON(t *testing.T) {
	_, err := parseOCRResponse("sorry, I cannot read this document")
	assert.Error(t, err)
}

func TestTruncateCapsAtFiftyThousandRunes(t *testing.T) {
	long := strings.Repeat("界", 50_001)
	got := truncate(long)
	assert.True(t, strings.HasSuffix(got, truncationMarker))
	assert.Equal(t, 50_000, len([]rune(strings.TrimSuffix(got, truncationMarker))))

	exact := strings.Repeat("a", 50_000)
	assert.Equal(t, exact, truncate(exact))
}

func TestCropForHint(t *testing.T) {
	assert.Equal(t, CropTopHalf, cropForHint("top_half"))
	assert.Equal(t, CropRightHalf, cropForHint("right_half"))
	assert.Equal(t, CropNone, cropForHint("three_quarters"))
	assert.Equal(t, CropNone, cropForHint(""))
}
