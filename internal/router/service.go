// Package router bridges the bus and the capture controller: recognition events and host
// commands flow in, state changes and confirmed records flow out, and every transition is
// journaled.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/bus"
	"github.com/loqalabs/loqa-stockcount/internal/capture"
	"github.com/loqalabs/loqa-stockcount/internal/config"
	"github.com/loqalabs/loqa-stockcount/internal/eventstore"
	"github.com/loqalabs/loqa-stockcount/internal/inventory"
	"github.com/loqalabs/loqa-stockcount/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	commandTimeout = 5 * time.Second
	journalBacklog = 256
)

// Journal persists the session timeline. *eventstore.Store implements it.
type Journal interface {
	OpenSession(ctx context.Context, sessionID, referenceDate string) error
	CloseSession(ctx context.Context, sessionID, completedBy, outcome string) error
	AppendTransition(ctx context.Context, tr eventstore.Transition) error
}

// closingReasons maps the transition reasons that end a session to the stored outcome.
var closingReasons = map[string]string{
	"empty":        "empty",
	"failed":       "failed",
	"confirmed":    "confirmed",
	"discarded":    "discarded",
	"engine_error": "engine_error",
}

type Service struct {
	cfg        config.RouterConfig
	bus        *bus.Client
	controller *capture.Controller
	journal    Journal
	logger     *slog.Logger
	subs       []*nats.Subscription
	queue      chan capture.Transition
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	ready      bool
}

// NewService wires the router. journal may be nil, in which case transitions are only
// published.
func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, controller *capture.Controller, journal Journal, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if !cfg.Journal {
		journal = nil
	}
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		controller: controller,
		journal:    journal,
		logger:     logger.With(slog.String("component", "router")),
		queue:      make(chan capture.Transition, journalBacklog),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to recognition events and host commands and registers the
// transition observer. Call it before the controller starts running.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	events, err := s.bus.Conn().Subscribe(protocol.SubjectRecognitionPrefix+".>", s.handleRecognition)
	if err != nil {
		return fmt.Errorf("subscribe recognition events: %w", err)
	}
	commands, err := s.bus.Conn().Subscribe(protocol.SubjectCaptureCommand, s.handleCommand)
	if err != nil {
		_ = events.Drain()
		return fmt.Errorf("subscribe capture commands: %w", err)
	}
	s.subs = []*nats.Subscription{events, commands}

	s.controller.Observe(s.observe)
	if s.journal != nil {
		s.wg.Add(1)
		go s.runJournal()
	}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleRecognition(msg *nats.Msg) {
	var ev protocol.RecognitionEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("router failed to decode recognition event", slogError(err))
		return
	}
	err := s.controller.Deliver(s.ctx, capture.Event{
		Kind:      capture.EventKind(ev.Kind),
		Text:      ev.Text,
		Code:      ev.Code,
		SessionID: ev.SessionID,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("router failed to deliver recognition event", slog.String("session_id", ev.SessionID), slogError(err))
	}
}

func (s *Service) handleCommand(msg *nats.Msg) {
	var cmd protocol.CaptureCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.respond(msg, capture.Snapshot{}, fmt.Errorf("decode capture command: %w", err))
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()

	var snap capture.Snapshot
	var err error
	switch cmd.Action {
	case protocol.CommandStart:
		snap, err = s.controller.StartCapture(ctx)
	case protocol.CommandStop:
		snap, err = s.controller.StopCapture(ctx)
	case protocol.CommandEdit:
		snap, err = s.controller.EditDraftField(ctx, cmd.Field, cmd.Value)
	case protocol.CommandConfirm:
		snap, err = s.controller.ConfirmDraft(ctx)
	case protocol.CommandSnapshot:
		snap, err = s.controller.Snapshot(ctx)
	default:
		snap, _ = s.controller.Snapshot(ctx)
		err = fmt.Errorf("unknown capture command %q", cmd.Action)
	}
	s.respond(msg, snap, err)
}

func (s *Service) respond(msg *nats.Msg, snap capture.Snapshot, cmdErr error) {
	if msg.Reply == "" {
		return
	}
	var reply protocol.CommandReply
	if cmdErr != nil {
		reply.Error = cmdErr.Error()
	}
	if snap.Records == nil {
		snap.Records = []inventory.Confirmed{}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warn("router failed to marshal snapshot", slogError(err))
	} else {
		reply.Snapshot = data
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("router failed to marshal command reply", slogError(err))
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.logger.Warn("router failed to respond to command", slogError(err))
	}
}

// observe runs on the controller goroutine, so it only publishes and enqueues.
func (s *Service) observe(tr capture.Transition) {
	state := protocol.CaptureState{
		SessionID:  tr.SessionID,
		From:       tr.From.String(),
		State:      tr.To.String(),
		Reason:     tr.Reason,
		Transcript: tr.Transcript,
		Draft:      tr.Draft,
		Timestamp:  tr.At.UTC(),
	}
	if tr.Err != nil && !errors.Is(tr.Err, capture.ErrEmptyInput) {
		state.Error = tr.Err.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectCaptureState, state); err != nil {
		s.logger.Warn("router failed to publish capture state", slogError(err))
	}
	if tr.Confirmed != nil {
		if err := s.bus.PublishJSON(protocol.SubjectRecordConfirmed, protocol.RecordConfirmed{Confirmed: *tr.Confirmed}); err != nil {
			s.logger.Warn("router failed to publish confirmed record", slogError(err))
		}
	}

	if s.journal == nil || tr.Reason == "fragment" || tr.SessionID == "" {
		return
	}
	select {
	case s.queue <- tr:
	default:
		s.logger.Warn("journal backlog full; dropping transition",
			slog.String("session_id", tr.SessionID),
			slog.String("reason", tr.Reason))
	}
}

func (s *Service) runJournal() {
	defer s.wg.Done()
	completedBy := make(map[string]string)
	for {
		select {
		case tr := <-s.queue:
			s.record(s.ctx, completedBy, tr)
		case <-s.ctx.Done():
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			for {
				select {
				case tr := <-s.queue:
					s.record(ctx, completedBy, tr)
				default:
					return
				}
			}
		}
	}
}

// record writes one transition. completedBy tracks open sessions and how their
// listening phase ended.
func (s *Service) record(ctx context.Context, completedBy map[string]string, tr capture.Transition) {
	log := s.logger.With(slog.String("session_id", tr.SessionID), slog.String("reason", tr.Reason))
	if _, open := completedBy[tr.SessionID]; !open {
		if err := s.journal.OpenSession(ctx, tr.SessionID, tr.ReferenceDate); err != nil {
			log.Warn("journal open session failed", slogError(err))
			return
		}
		completedBy[tr.SessionID] = ""
	}
	if tr.To == capture.StateCompleting {
		completedBy[tr.SessionID] = tr.Reason
	}

	payload, err := transitionPayload(tr)
	if err != nil {
		log.Warn("journal payload encoding failed", slogError(err))
	}
	err = s.journal.AppendTransition(ctx, eventstore.Transition{
		SessionID:  tr.SessionID,
		From:       tr.From.String(),
		To:         tr.To.String(),
		Reason:     tr.Reason,
		Transcript: tr.Transcript,
		Payload:    payload,
		CreatedAt:  tr.At,
	})
	if err != nil {
		log.Warn("journal append failed", slogError(err))
	}

	if outcome, closing := closingReasons[tr.Reason]; closing {
		if err := s.journal.CloseSession(ctx, tr.SessionID, completedBy[tr.SessionID], outcome); err != nil {
			log.Warn("journal close session failed", slogError(err))
		}
		delete(completedBy, tr.SessionID)
	}
}

type journalPayload struct {
	Draft     *inventory.Record    `json:"draft,omitempty"`
	Confirmed *inventory.Confirmed `json:"confirmed,omitempty"`
	Error     string               `json:"error,omitempty"`
}

func transitionPayload(tr capture.Transition) ([]byte, error) {
	p := journalPayload{Draft: tr.Draft, Confirmed: tr.Confirmed}
	if tr.Err != nil {
		p.Error = tr.Err.Error()
	}
	if p.Draft == nil && p.Confirmed == nil && p.Error == "" {
		return nil, nil
	}
	return json.Marshal(p)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
