// Package tts reads ready drafts back to the operator so a count can be verified
// without looking at the handheld screen.
package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-stockcount/internal/config"
)

// SynthRequest is one piece of text to speak.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// Audio is little-endian 16-bit PCM.
type Audio struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// Synthesizer turns text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (Audio, error)
}

// NewSynthesizer builds the synthesizer selected by readback.mode.
func NewSynthesizer(cfg config.ReadbackConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unsupported readback mode %q", cfg.Mode)
	}
}
