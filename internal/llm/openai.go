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

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "gpt-4o"
	DefaultOpenAITimeout = 60 * time.Second
)

// OpenAIConfig configures an OpenAI-compatible chat completions backend.
type OpenAIConfig struct {
	APIKey string
	// BaseURL may point at any compatible API (Azure, vLLM, LM Studio).
	BaseURL string
	Model   string
	Timeout time.Duration
}

type openAIGenerator struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

// NewOpenAIGenerator returns a Generator backed by /chat/completions.
func NewOpenAIGenerator(cfg OpenAIConfig) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultOpenAITimeout
	}
	return &openAIGenerator{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}, nil
}

type chatCompletionRequest struct {
	Model          string              `json:"model"`
	Messages       []chatCompletionMsg `json:"messages"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	Temperature    float64             `json:"temperature"`
	ResponseFormat *responseFormat     `json:"response_format,omitempty"`
}

type chatCompletionMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	var messages []chatCompletionMsg
	if req.System != "" {
		messages = append(messages, chatCompletionMsg{Role: "system", Content: req.System})
	}
	messages = append(messages, chatCompletionMsg{Role: "user", Content: req.Prompt})

	reqBody := chatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSON {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return Response{}, &ServiceError{Backend: "openai", Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if chatResp.Error != nil {
		return Response{}, &ServiceError{Backend: "openai", Status: resp.StatusCode, Message: chatResp.Error.Message}
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, &ServiceError{Backend: "openai", Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if len(chatResp.Choices) == 0 {
		return Response{}, &ServiceError{Backend: "openai", Message: "no response choices returned"}
	}

	return Response{
		SessionID:        req.SessionID,
		Content:          chatResp.Choices[0].Message.Content,
		PromptTokens:     chatResp.Usage.PromptTokens,
		CompletionTokens: chatResp.Usage.CompletionTokens,
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	}, nil
}
