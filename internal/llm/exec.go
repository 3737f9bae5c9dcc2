package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

type execGenerator struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
	Format      string  `json:"format,omitempty"`
}

type execResponse struct {
	Content          string `json:"content"`
	Error            string `json:"error,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// NewExecGenerator runs command once per request, writing the request as JSON on stdin
// and reading {"content": ...} from stdout.
func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	payload := execRequest{
		Prompt:      req.Prompt,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSON {
		payload.Format = "json"
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return Response{}, err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && stderr.Len() > 0 {
			return Response{}, &ServiceError{Backend: "exec", Message: strings.TrimSpace(stderr.String())}
		}
		return Response{}, fmt.Errorf("llm exec command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return Response{}, fmt.Errorf("decode llm exec response: %w", err)
	}
	if resp.Error != "" {
		return Response{}, &ServiceError{Backend: "exec", Message: resp.Error}
	}
	return Response{
		SessionID:        req.SessionID,
		Content:          resp.Content,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	}, nil
}
