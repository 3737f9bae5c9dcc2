package tts

import (
	"context"
	"strings"
)

// wordDurationMS is how much silence the mock produces per spoken word.
const wordDurationMS = 60

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that emits silence sized to the text, so the
// readback pipeline can run on machines without a voice.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	words := len(strings.Fields(req.Text))
	samples := m.sampleRate * wordDurationMS / 1000 * words
	return Audio{
		SampleRate: m.sampleRate,
		Channels:   m.channels,
		PCM:        make([]byte, samples*m.channels*2),
	}, nil
}
