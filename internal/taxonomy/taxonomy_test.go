package taxonomy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMemberCoversRegistryAndReservedValues(t *testing.T) {
	for _, id := range IDs() {
		assert.Truef(t, IsMember(id), "registered type %s must be a member", id)
	}
	assert.True(t, IsMember(OtherUnclassified))
	assert.True(t, IsMember(OtherIrrelevant))
	assert.True(t, IsMember(Splitted))
	assert.False(t, IsMember("made.up_type"))
	assert.False(t, IsMember(""))
}

func TestSchemaForFallsBackToUnclassified(t *testing.T) {
	assert.Equal(t, "income.payslip", SchemaFor("income.payslip").DocumentType)
	assert.Equal(t, OtherUnclassified, SchemaFor("no.such_type").DocumentType)
	assert.Equal(t, OtherUnclassified, SchemaFor(Splitted).DocumentType)
}

func TestRenderForPromptListsEveryField(t *testing.T) {
	s := SchemaFor("income.payslip")
	rendered := s.RenderForPrompt()
	for _, f := range s.Fields {
		assert.Contains(t, rendered, f.Name)
	}
	assert.Contains(t, rendered, "income.payslip")
}

func TestRenderTaxonomyForPromptListsEveryType(t *testing.T) {
	rendered := RenderTaxonomyForPrompt()
	for _, id := range IDs() {
		assert.Contains(t, rendered, id)
	}
	for _, reserved := range []string{OtherUnclassified, OtherIrrelevant, Splitted} {
		assert.Truef(t, strings.Contains(rendered, reserved), "rendered taxonomy must list %s", reserved)
	}
}
