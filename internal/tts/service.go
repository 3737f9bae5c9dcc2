package tts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/bus"
	"github.com/loqalabs/loqa-stockcount/internal/capture"
	"github.com/loqalabs/loqa-stockcount/internal/config"
	"github.com/loqalabs/loqa-stockcount/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service watches capture state and speaks every ready draft. A newer draft for the
// same session, or the session leaving DraftReady, cancels the readback in progress.
type Service struct {
	cfg    config.ReadbackConfig
	bus    *bus.Client
	synth  Synthesizer
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*readback
}

type readback struct {
	cancel context.CancelFunc
}

func NewService(parent context.Context, cfg config.ReadbackConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "readback")),
		active: make(map[string]*readback),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("readback disabled")
		return nil
	}
	if s.bus == nil {
		return errors.New("readback requires a bus client")
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectCaptureState, s.handleState)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("readback ready", slog.String("mode", s.cfg.Mode))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleState(msg *nats.Msg) {
	var state protocol.CaptureState
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		s.logger.Warn("failed to decode capture state", slogError(err))
		return
	}
	if state.SessionID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.active[state.SessionID]; ok {
		prev.cancel()
		delete(s.active, state.SessionID)
	}
	if state.State != capture.StateDraftReady.String() || state.Draft == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout())
	rb := &readback{cancel: cancel}
	s.active[state.SessionID] = rb

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.speak(ctx, state.SessionID, Summary(*state.Draft))

		s.mu.Lock()
		if s.active[state.SessionID] == rb {
			delete(s.active, state.SessionID)
		}
		s.mu.Unlock()
	}()
}

func (s *Service) speak(ctx context.Context, sessionID, text string) {
	done := protocol.ReadbackDone{SessionID: sessionID, Text: text}
	defer func() {
		done.Timestamp = time.Now().UTC()
		if err := s.bus.PublishJSON(protocol.SubjectReadbackDone, done); err != nil {
			s.logger.Warn("failed to publish readback done", slogError(err))
		}
	}()

	audio, err := s.synth.Synthesize(ctx, SynthRequest{SessionID: sessionID, Text: text, Voice: s.cfg.Voice})
	if err != nil {
		if ctx.Err() != nil {
			done.Cancelled = true
			return
		}
		s.logger.Warn("readback synthesis failed", slog.String("session_id", sessionID), slogError(err))
		done.Error = err.Error()
		return
	}

	chunks := split(audio, s.cfg.ChunkMS)
	subject := protocol.ReadbackAudioSubject(sessionID)
	for i, pcm := range chunks {
		if ctx.Err() != nil {
			done.Cancelled = true
			return
		}
		packet := protocol.ReadbackAudio{
			SessionID:  sessionID,
			Sequence:   i,
			SampleRate: audio.SampleRate,
			Channels:   audio.Channels,
			PCM:        pcm,
			Final:      i == len(chunks)-1,
		}
		if err := s.bus.PublishJSON(subject, packet); err != nil {
			s.logger.Warn("failed to publish readback audio", slogError(err))
			done.Error = err.Error()
			return
		}
		done.Chunks++
	}
}

// split cuts audio into chunks of chunkMS, aligned to whole frames. It always returns at
// least one chunk so listeners see a final packet.
func split(audio Audio, chunkMS int) [][]byte {
	frame := audio.Channels * 2
	size := audio.SampleRate * chunkMS / 1000 * frame
	if size <= 0 || frame <= 0 {
		return [][]byte{audio.PCM}
	}
	var chunks [][]byte
	for start := 0; start < len(audio.PCM); start += size {
		end := min(start+size, len(audio.PCM))
		chunks = append(chunks, audio.PCM[start:end])
	}
	if len(chunks) == 0 {
		chunks = append(chunks, []byte{})
	}
	return chunks
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
