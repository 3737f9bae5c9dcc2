package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stockcount/internal/bus"
	"github.com/loqalabs/loqa-stockcount/internal/inventory"
	"github.com/loqalabs/loqa-stockcount/internal/protocol"
	"github.com/nats-io/nats.go"
)

const serverQueue = "stockcount-extractors"

// BusExtractor forwards requests to whichever Server answers on the bus.
type BusExtractor struct {
	client  *bus.Client
	timeout time.Duration
	clock   func() time.Time
}

func NewBusExtractor(client *bus.Client, timeout time.Duration) *BusExtractor {
	return &BusExtractor{client: client, timeout: timeout, clock: time.Now}
}

func (e *BusExtractor) Extract(ctx context.Context, req Request) (inventory.Record, error) {
	if req.UtteranceText == "" {
		return inventory.Record{}, Fail(ReasonInvalid, ErrEmptyUtterance)
	}
	ref, err := req.Reference(e.clock())
	if err != nil {
		return inventory.Record{}, Fail(ReasonInvalid, err)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	msg := protocol.ExtractRequest{
		RequestID:     uuid.NewString(),
		SessionID:     req.SessionID,
		UtteranceText: req.UtteranceText,
		ReferenceDate: ref.Format(DateLayout),
	}
	var reply protocol.ExtractReply
	if err := e.client.RequestJSON(ctx, protocol.SubjectExtractRequest, msg, &reply); err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return inventory.Record{}, Fail(ReasonUnavailable, errors.New("no extraction service is listening"))
		}
		return inventory.Record{}, Fail(ReasonUnavailable, err)
	}
	if reply.Error != "" {
		reason := reply.Reason
		if reason == "" {
			reason = ReasonUnavailable
		}
		return inventory.Record{}, Fail(reason, errors.New(reply.Error))
	}
	if reply.Record == nil {
		return inventory.Record{}, Fail(ReasonEmpty, errors.New("extraction service returned no record"))
	}
	return Normalize(*reply.Record, ref), nil
}

// Server exposes an Extractor on the bus so handhelds without model access can share
// one extraction node.
type Server struct {
	bus       *bus.Client
	extractor Extractor
	timeout   time.Duration
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     bool
	logger    *slog.Logger
}

func NewServer(parent context.Context, client *bus.Client, extractor Extractor, timeout time.Duration, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(parent)
	return &Server{
		bus:       client,
		extractor: extractor,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "extract-server")),
	}
}

func (s *Server) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectExtractRequest, serverQueue, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe extraction requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Server) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Server) Healthy() bool {
	return s.ready
}

func (s *Server) handleRequest(msg *nats.Msg) {
	var req protocol.ExtractRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode extraction request", slogError(err))
		s.respond(msg, protocol.ExtractReply{Reason: ReasonInvalid, Error: "malformed request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}

		start := time.Now()
		record, err := s.extractor.Extract(ctx, Request{
			SessionID:     req.SessionID,
			UtteranceText: req.UtteranceText,
			ReferenceDate: req.ReferenceDate,
		})
		reply := protocol.ExtractReply{RequestID: req.RequestID}
		if err != nil {
			failure := AsFailure(err)
			reply.Reason = failure.Reason
			reply.Error = failure.Reason
			if failure.Err != nil {
				reply.Error = failure.Err.Error()
			}
			s.logger.Warn("extraction failed",
				slog.String("request_id", req.RequestID),
				slog.String("reason", failure.Reason),
				slogError(err))
		} else {
			reply.Record = &record
			s.logger.Info("extraction complete",
				slog.String("request_id", req.RequestID),
				slog.Duration("latency", time.Since(start)))
		}
		s.respond(msg, reply)
	}()
}

func (s *Server) respond(msg *nats.Msg, reply protocol.ExtractReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal extraction reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to extraction request", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
