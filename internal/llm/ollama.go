package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaModel = "llama3.2:latest"

type ollamaGenerator struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaGenerator talks to a local Ollama server using non-streamed /api/generate.
func NewOllamaGenerator(endpoint, model string, timeout time.Duration) Generator {
	if model == "" {
		model = defaultOllamaModel
	}
	return &ollamaGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Format  string        `json:"format,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	payload := ollamaRequest{
		Model:  g.model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	if req.JSON {
		payload.Format = "json"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send ollama request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read ollama response: %w", err)
	}
	var out ollamaResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode >= 300 {
			return Response{}, &ServiceError{Backend: "ollama", Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return Response{}, fmt.Errorf("decode ollama response: %w", err)
	}
	if out.Error != "" {
		return Response{}, &ServiceError{Backend: "ollama", Status: resp.StatusCode, Message: out.Error}
	}
	if resp.StatusCode >= 300 {
		return Response{}, &ServiceError{Backend: "ollama", Status: resp.StatusCode, Message: resp.Status}
	}
	return Response{
		SessionID:        req.SessionID,
		Content:          out.Response,
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	}, nil
}
