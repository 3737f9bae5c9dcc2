// Package stt adapts a speech recognizer to the capture session: it buffers PCM frames
// streamed by handheld devices and publishes interim and final recognition events while
// the controller has the engine listening.
package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-stockcount/internal/config"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(cfg.MockTranscript), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
