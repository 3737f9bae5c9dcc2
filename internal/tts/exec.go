package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// execSynth runs an external voice (a piper wrapper, typically) that writes a WAV file
// to the path given by --out.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse readback command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("readback command is empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := os.CreateTemp("", "stockcount_readback_*.wav")
	if err != nil {
		return Audio{}, fmt.Errorf("temp file: %w", err)
	}
	path := file.Name()
	_ = file.Close()
	defer os.Remove(path)

	args := append([]string{}, e.cmd[1:]...)
	args = append(args,
		"--text", req.Text,
		"--sample-rate", strconv.Itoa(e.sampleRate),
		"--out", path,
	)
	if req.Voice != "" {
		args = append(args, "--voice", req.Voice)
	}
	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Audio{}, ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return Audio{}, fmt.Errorf("readback command failed: %w: %s", err, msg)
		}
		return Audio{}, fmt.Errorf("readback command failed: %w", err)
	}

	out, err := os.Open(path)
	if err != nil {
		return Audio{}, fmt.Errorf("open synthesized audio: %w", err)
	}
	defer out.Close()
	return readWav(out)
}

// readWav decodes a 16-bit WAV stream into little-endian PCM.
func readWav(r io.ReadSeeker) (Audio, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Audio{}, errors.New("synthesized audio is not a valid wav file")
	}
	if dec.BitDepth != 16 {
		return Audio{}, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Audio{}, fmt.Errorf("decode wav: %w", err)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return Audio{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		PCM:        pcm,
	}, nil
}
