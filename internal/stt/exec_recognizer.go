package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-stockcount/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer stages each utterance as a WAV file and runs an external transcriber
// (a whisper.cpp wrapper, typically) that prints {"text": ..., "confidence": ...}.
type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "stockcount_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate, channels); err != nil {
		return TranscriptResult{}, err
	}

	args := append(append([]string{}, r.cmd[1:]...), "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		args = append(args, "--language", r.cfg.Language)
	}
	if !final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	if resp.Error != "" {
		return TranscriptResult{}, fmt.Errorf("stt command reported: %s", resp.Error)
	}
	return TranscriptResult{Text: strings.TrimSpace(resp.Text), Confidence: resp.Confidence}, nil
}

// writePCMToWav encodes little-endian 16-bit PCM as a WAV stream.
func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return errors.New("pcm payload not aligned to 16-bit samples")
	}
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("invalid audio format: %d Hz, %d channels", sampleRate, channels)
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
