package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-stockcount/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	content string
	err     error
	got     llm.Request
}

func (g *fakeGenerator) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	g.got = req
	if g.err != nil {
		return llm.Response{}, g.err
	}
	return llm.Response{Content: g.content, PromptTokens: 10, CompletionTokens: 5}, nil
}

func TestModelExtractorNormalizesAnswer(t *testing.T) {
	gen := &fakeGenerator{content: `{"codigo_produto":"10025","quantidade_caixas":10,"quantidade_unidades":5,"data_fabricacao":"hoje","endereco":"A 1 5"}`}
	ex := NewModelExtractor(gen, ModelOptions{Temperature: 0.1, MaxTokens: 200})

	got, err := ex.Extract(context.Background(), Request{UtteranceText: "10 caixas e 5 unidades do 10025", ReferenceDate: "2025-10-30"})
	require.NoError(t, err)

	assert.Equal(t, "000010025", deref(got.ProductCode))
	assert.Equal(t, "2025-10-30", deref(got.ManufactureDate))
	assert.Equal(t, "A 001 0005", deref(got.Address))

	assert.True(t, gen.got.JSON)
	assert.Equal(t, 0.1, gen.got.Temperature)
	assert.Equal(t, 200, gen.got.MaxTokens)
	assert.Equal(t, "10 caixas e 5 unidades do 10025", gen.got.Prompt)
	assert.Contains(t, gen.got.System, "Today is 2025-10-30")
	assert.Contains(t, gen.got.System, `"codigo_produto":"610116340"`)
}

func TestModelExtractorSurfacesServiceMessage(t *testing.T) {
	gen := &fakeGenerator{err: &llm.ServiceError{Backend: "openai", Status: 429, Message: "Rate limit reached"}}
	_, err := NewModelExtractor(gen, ModelOptions{}).Extract(context.Background(), Request{UtteranceText: "10 caixas"})

	var failure *Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, ReasonUnavailable, failure.Reason)
	assert.True(t, strings.Contains(err.Error(), "Rate limit reached"), err.Error())
}

func TestModelExtractorEmptyAnswer(t *testing.T) {
	gen := &fakeGenerator{content: "  "}
	_, err := NewModelExtractor(gen, ModelOptions{}).Extract(context.Background(), Request{UtteranceText: "10 caixas"})

	var failure *Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, ReasonEmpty, failure.Reason)
}

func TestModelExtractorSkipsBlankUtterance(t *testing.T) {
	gen := &fakeGenerator{content: "{}"}
	_, err := NewModelExtractor(gen, ModelOptions{}).Extract(context.Background(), Request{UtteranceText: ""})
	assert.ErrorIs(t, err, ErrEmptyUtterance)
	assert.Empty(t, gen.got.Prompt)
}

func TestSystemPromptResolvesExamples(t *testing.T) {
	prompt := SystemPrompt(refDate)
	assert.Contains(t, prompt, `"data_fabricacao":"2025-10-30"`)
	assert.NotContains(t, prompt, "{{")
	for _, ex := range Examples {
		assert.Contains(t, prompt, ex.Utterance)
	}
}
