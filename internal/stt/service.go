package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/bus"
	"github.com/loqalabs/loqa-stockcount/internal/config"
	"github.com/loqalabs/loqa-stockcount/internal/protocol"
	"github.com/nats-io/nats.go"
)

const transcribeTimeout = 45 * time.Second

// Service is the speech engine. It listens only for sessions the controller started
// through an engine control message and drops frames for any other session.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	subs       []*nats.Subscription
	wg         sync.WaitGroup
	ready      bool
}

type sessionState struct {
	buffer       []byte
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
	stopping     bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     busClient.Logger().With(slog.String("component", "stt")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	frames, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	control, err := s.bus.Conn().Subscribe(protocol.SubjectEngineControl+".>", s.handleControl)
	if err != nil {
		_ = frames.Unsubscribe()
		return fmt.Errorf("subscribe engine control: %w", err)
	}
	s.subs = []*nats.Subscription{frames, control}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleControl(msg *nats.Msg) {
	var ctrl protocol.EngineControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.logger.Warn("failed to decode engine control", slogError(err))
		return
	}
	if ctrl.SessionID == "" {
		s.logger.Warn("engine control without session id", slog.String("action", ctrl.Action))
		return
	}
	switch ctrl.Action {
	case protocol.EngineStart:
		s.mu.Lock()
		s.sessions[ctrl.SessionID] = &sessionState{}
		s.mu.Unlock()
		s.publish(ctrl.SessionID, protocol.RecognitionEvent{Kind: protocol.RecognitionStart})
	case protocol.EngineStop:
		s.mu.Lock()
		state := s.sessions[ctrl.SessionID]
		if state != nil {
			state.stopping = true
		}
		s.mu.Unlock()
		if state != nil {
			s.scheduleTranscription(ctrl.SessionID, true)
		}
	default:
		s.logger.Warn("unknown engine control action", slog.String("action", ctrl.Action))
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil || state.stopping {
		s.mu.Unlock()
		s.logger.Debug("dropping frame for inactive session", slog.String("session_id", frame.SessionID))
		return
	}
	state.buffer = append(state.buffer, frame.PCM...)
	s.mu.Unlock()

	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
		return
	}
	if s.cfg.PublishInterim && s.shouldSchedulePartial(frame.SessionID) {
		s.scheduleTranscription(frame.SessionID, false)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.inflight {
		return false
	}
	if state.lastPartial.IsZero() {
		state.lastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.lastPartial) >= interval {
		state.lastPartial = time.Now()
		return true
	}
	return false
}

// scheduleTranscription runs the recognizer over the buffered audio. A final pass
// consumes the buffer so the next utterance segment starts empty.
func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.inflight {
		if final {
			state.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.buffer...)
	if final {
		state.buffer = nil
	}
	state.inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if len(pcm) > 0 {
			ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
			result, err := s.recognizer.Transcribe(ctx, pcm, s.cfg.SampleRate, s.cfg.Channels, final)
			cancel()
			if err != nil {
				s.fail(sessionID, err)
				return
			}
			if text := strings.TrimSpace(result.Text); text != "" {
				kind := protocol.RecognitionInterim
				if final {
					kind = protocol.RecognitionFinal
				}
				s.publish(sessionID, protocol.RecognitionEvent{Kind: kind, Text: text, Confidence: result.Confidence})
			}
		}

		s.mu.Lock()
		var pending, ended bool
		if state := s.sessions[sessionID]; state != nil {
			state.inflight = false
			pending = state.pendingFinal
			state.pendingFinal = false
			if !final {
				state.lastPartial = time.Now()
			}
			if final && state.stopping && !pending {
				delete(s.sessions, sessionID)
				ended = true
			}
		}
		s.mu.Unlock()

		if ended {
			s.publish(sessionID, protocol.RecognitionEvent{Kind: protocol.RecognitionEnd})
			return
		}
		if pending {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

// fail reports a recognizer error and forgets the session; the controller does not
// retry.
func (s *Service) fail(sessionID string, err error) {
	s.logger.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	s.publish(sessionID, protocol.RecognitionEvent{
		Kind: protocol.RecognitionError,
		Code: "recognizer_failed",
		Text: err.Error(),
	})
}

func (s *Service) publish(sessionID string, ev protocol.RecognitionEvent) {
	ev.SessionID = sessionID
	ev.Timestamp = time.Now().UTC()
	if err := s.bus.PublishJSON(protocol.RecognitionSubject(sessionID), ev); err != nil {
		s.logger.Warn("failed to publish recognition event", slog.String("kind", ev.Kind), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
