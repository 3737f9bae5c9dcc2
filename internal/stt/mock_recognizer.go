package stt

import (
	"context"
	"strings"
)

type mockRecognizer struct {
	words []string
}

// NewMockRecognizer returns a recognizer that hears transcript for every final request
// and its first half for interim ones, so the capture flow can be exercised without a
// speech model.
func NewMockRecognizer(transcript string) Recognizer {
	return &mockRecognizer{words: strings.Fields(transcript)}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, _ int, _ int, final bool) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if len(pcm) == 0 || len(m.words) == 0 {
		return TranscriptResult{}, nil
	}
	words := m.words
	if !final {
		words = words[:(len(words)+1)/2]
	}
	return TranscriptResult{Text: strings.Join(words, " "), Confidence: 1}, nil
}
