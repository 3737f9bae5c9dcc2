package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-stockcount/internal/inventory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extractRules(t *testing.T, text string) inventory.Record {
	t.Helper()
	record, err := NewRuleExtractor().Extract(context.Background(), Request{UtteranceText: text, ReferenceDate: "2025-10-30"})
	require.NoError(t, err)
	return record
}

func TestRuleExtractorWorkedExamples(t *testing.T) {
	for _, ex := range Examples {
		t.Run(ex.Utterance, func(t *testing.T) {
			got := extractRules(t, ex.Utterance)
			want := ex.Expected(refDate)
			assert.True(t, want.Equal(got), "want %s\n got %s", want, got)
		})
	}
}

func TestRuleExtractorEndToEnd(t *testing.T) {
	got := extractRules(t, "Anotado. 10 caixas e 5 unidades soltas do código 10025. Fabricação de 30 de outubro. Endereço A 1 5.")
	assert.Equal(t, "000010025", deref(got.ProductCode))
	require.NotNil(t, got.BoxCount)
	assert.Equal(t, 10, *got.BoxCount)
	require.NotNil(t, got.UnitCount)
	assert.Equal(t, 5, *got.UnitCount)
	assert.Equal(t, "2025-10-30", deref(got.ManufactureDate))
	assert.Equal(t, "A 001 0005", deref(got.Address))
}

func TestRuleExtractorSpokenNumbers(t *testing.T) {
	got := extractRules(t, "vinte e cinco caixas do código mil e duzentos")
	require.NotNil(t, got.BoxCount)
	assert.Equal(t, 25, *got.BoxCount)
	assert.Nil(t, got.UnitCount)
	assert.Equal(t, "000001200", deref(got.ProductCode))
}

func TestRuleExtractorDigitByDigitDictation(t *testing.T) {
	got := extractRules(t, "código um zero zero dois cinco, dez caixas")
	assert.Equal(t, "000010025", deref(got.ProductCode))
	require.NotNil(t, got.BoxCount)
	assert.Equal(t, 10, *got.BoxCount)

	got = extractRules(t, "endereço A um cinco")
	assert.Equal(t, "A 001 0005", deref(got.Address))
	assert.Nil(t, got.ProductCode)
}

func TestRuleExtractorRelativeDateAndZone(t *testing.T) {
	got := extractRules(t, "doze unidades, fabricado ontem, endereço D 3 12")
	require.NotNil(t, got.UnitCount)
	assert.Equal(t, 12, *got.UnitCount)
	assert.Equal(t, "2025-10-29", deref(got.ManufactureDate))
	assert.Equal(t, "D 003 0012", deref(got.Address))
	assert.Nil(t, got.ProductCode)
	assert.Nil(t, got.BoxCount)
}

func TestRuleExtractorDates(t *testing.T) {
	assert.Equal(t, "2024-03-15", deref(extractRules(t, "fabricação 15/03/2024, 3 caixas").ManufactureDate))
	assert.Equal(t, "2024-12-30", deref(extractRules(t, "fabricado em 30 de dez").ManufactureDate))
	assert.Equal(t, "2025-10-28", deref(extractRules(t, "produção anteontem").ManufactureDate))
}

func TestRuleExtractorMissingFieldsStayNil(t *testing.T) {
	got := extractRules(t, "bom dia pessoal")
	assert.True(t, got.Empty())
}

func TestRuleExtractorRejectsBlank(t *testing.T) {
	_, err := NewRuleExtractor().Extract(context.Background(), Request{UtteranceText: "   "})
	var failure *Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, ReasonInvalid, failure.Reason)
	assert.ErrorIs(t, err, ErrEmptyUtterance)
}

func TestRuleExtractorLongCodePassesThrough(t *testing.T) {
	got := extractRules(t, "código 1234567890, 4 caixas")
	assert.Equal(t, "1234567890", deref(got.ProductCode))
}
