package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/bus"
	"github.com/loqalabs/loqa-stockcount/internal/protocol"
)

// Engine drives the speech engine over the bus. It satisfies capture.Engine.
type Engine struct {
	bus      *bus.Client
	language string
	logger   *slog.Logger
}

func NewEngine(busClient *bus.Client, language string) *Engine {
	return &Engine{
		bus:      busClient,
		language: language,
		logger:   busClient.Logger().With(slog.String("component", "engine")),
	}
}

func (e *Engine) Start(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.bus.Healthy() {
		return errors.New("speech engine unreachable: bus is not connected")
	}
	return e.bus.PublishJSON(protocol.EngineControlSubject(protocol.EngineStart), protocol.EngineControl{
		SessionID: sessionID,
		Action:    protocol.EngineStart,
		Language:  e.language,
		Timestamp: time.Now().UTC(),
	})
}

func (e *Engine) Stop(sessionID string) {
	err := e.bus.PublishJSON(protocol.EngineControlSubject(protocol.EngineStop), protocol.EngineControl{
		SessionID: sessionID,
		Action:    protocol.EngineStop,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("failed to stop speech engine", slog.String("session_id", sessionID), slogError(err))
	}
}
