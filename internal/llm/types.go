package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/config"
)

// Request describes a single, non-streamed completion.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	// JSON asks the backend to constrain its output to a JSON object.
	JSON    bool
	TraceID string
}

// Response is the complete model output for a Request.
type Response struct {
	SessionID        string
	Content          string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// ServiceError carries the message reported by the model service itself so callers can
// show it to the user unchanged.
type ServiceError struct {
	Backend string
	Status  int
	Message string
}

func (e *ServiceError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Backend, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Backend, e.Message)
}

// NewFromConfig builds the generator selected by extraction.mode. The rules mode has no
// generator and returns nil.
func NewFromConfig(cfg config.ExtractionConfig) (Generator, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, timeout), nil
	case "openai":
		return NewOpenAIGenerator(OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.Endpoint,
			Model:   cfg.Model,
			Timeout: timeout,
		})
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "rules", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported extraction mode %q", cfg.Mode)
	}
}
