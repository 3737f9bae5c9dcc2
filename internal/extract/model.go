package extract

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/inventory"
	"github.com/loqalabs/loqa-stockcount/internal/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/loqalabs/loqa-stockcount/internal/extract"

// ModelOptions tune the completion request.
type ModelOptions struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// ModelExtractor asks a language model for the wire record and normalizes the answer.
type ModelExtractor struct {
	gen    llm.Generator
	opts   ModelOptions
	tracer trace.Tracer
	clock  func() time.Time
}

func NewModelExtractor(gen llm.Generator, opts ModelOptions) *ModelExtractor {
	return &ModelExtractor{
		gen:    gen,
		opts:   opts,
		tracer: otel.Tracer(tracerName),
		clock:  time.Now,
	}
}

func (e *ModelExtractor) Extract(ctx context.Context, req Request) (inventory.Record, error) {
	ctx, span := e.tracer.Start(ctx, "extract.model",
		trace.WithAttributes(
			attribute.String("stockcount.session_id", req.SessionID),
			attribute.Int("stockcount.utterance_length", len(req.UtteranceText)),
		))
	defer span.End()

	record, err := e.extract(ctx, req)
	if err != nil {
		failure := AsFailure(err)
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Reason)
		return inventory.Record{}, failure
	}
	return record, nil
}

func (e *ModelExtractor) extract(ctx context.Context, req Request) (inventory.Record, error) {
	if strings.TrimSpace(req.UtteranceText) == "" {
		return inventory.Record{}, Fail(ReasonInvalid, ErrEmptyUtterance)
	}
	ref, err := req.Reference(e.clock())
	if err != nil {
		return inventory.Record{}, Fail(ReasonInvalid, err)
	}
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	traceID := ""
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	resp, err := e.gen.Generate(ctx, llm.Request{
		SessionID:   req.SessionID,
		System:      SystemPrompt(ref),
		Prompt:      req.UtteranceText,
		MaxTokens:   e.opts.MaxTokens,
		Temperature: e.opts.Temperature,
		JSON:        true,
		TraceID:     traceID,
	})
	if err != nil {
		return inventory.Record{}, Fail(ReasonUnavailable, err)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.CompletionTokens),
	)

	parsed, err := Decode(resp.Content)
	if err != nil {
		return inventory.Record{}, err
	}
	return Normalize(parsed, ref), nil
}
