package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/bus"
	"github.com/loqalabs/loqa-stockcount/internal/capture"
	"github.com/loqalabs/loqa-stockcount/internal/config"
	"github.com/loqalabs/loqa-stockcount/internal/eventstore"
	"github.com/loqalabs/loqa-stockcount/internal/extract"
	"github.com/loqalabs/loqa-stockcount/internal/natsserver"
	"github.com/loqalabs/loqa-stockcount/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	client     *bus.Client
	controller *capture.Controller
	store      *eventstore.Store
	router     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "router-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "sessions.db"),
		RetentionMode: "session",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	controller, err := capture.NewController(NewEngine(client, "pt-BR"), extract.NewRuleExtractor(), nil, capture.Options{
		TriggerPhrase:  capture.DefaultTriggerPhrase,
		SilenceTimeout: time.Minute,
		Logger:         logger,
	})
	require.NoError(t, err)

	router := NewService(context.Background(), config.RouterConfig{Enabled: true, Journal: true}, client, controller, store, logger)
	require.NoError(t, router.Start())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = controller.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-controller.Done()
		router.Close()
	})
	require.NoError(t, client.Conn().Flush())
	assert.True(t, router.Healthy())
	return &fixture{client: client, controller: controller, store: store, router: router}
}

func (f *fixture) command(t *testing.T, cmd protocol.CaptureCommand) (capture.Snapshot, string) {
	t.Helper()
	var reply protocol.CommandReply
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, f.client.RequestJSON(ctx, protocol.SubjectCaptureCommand, cmd, &reply))
	var snap capture.Snapshot
	require.NoError(t, json.Unmarshal(reply.Snapshot, &snap))
	return snap, reply.Error
}

func subscribe(t *testing.T, client *bus.Client, subject string) chan *nats.Msg {
	t.Helper()
	ch := make(chan *nats.Msg, 64)
	sub, err := client.Conn().ChanSubscribe(subject, ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, client.Conn().Flush())
	return ch
}

func receive(t *testing.T, ch chan *nats.Msg, out any) {
	t.Helper()
	select {
	case msg := <-ch:
		require.NoError(t, json.Unmarshal(msg.Data, out))
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for bus message")
	}
}

func TestCaptureOverBus(t *testing.T) {
	f := newFixture(t)
	control := subscribe(t, f.client, protocol.SubjectEngineControl+".>")
	confirmed := subscribe(t, f.client, protocol.SubjectRecordConfirmed)
	states := subscribe(t, f.client, protocol.SubjectCaptureState)

	snap, errMsg := f.command(t, protocol.CaptureCommand{Action: protocol.CommandStart})
	require.Empty(t, errMsg)
	require.Equal(t, capture.StateListening, snap.State)
	sessionID := snap.SessionID

	var ctrl protocol.EngineControl
	receive(t, control, &ctrl)
	assert.Equal(t, protocol.EngineStart, ctrl.Action)
	assert.Equal(t, sessionID, ctrl.SessionID)
	assert.Equal(t, "pt-BR", ctrl.Language)

	var state protocol.CaptureState
	receive(t, states, &state)
	assert.Equal(t, "listening", state.State)
	assert.Equal(t, "start", state.Reason)

	require.NoError(t, f.client.PublishJSON(protocol.RecognitionSubject(sessionID), protocol.RecognitionEvent{
		SessionID: sessionID,
		Kind:      protocol.RecognitionFinal,
		Text:      "Contagem do 610116340. 30 caixas. Endereço C 40 1001. Confirmar contagem",
	}))

	require.Eventually(t, func() bool {
		snap, _ = f.command(t, protocol.CaptureCommand{Action: protocol.CommandSnapshot})
		return snap.State == capture.StateDraftReady
	}, 3*time.Second, 10*time.Millisecond)
	require.NotNil(t, snap.Draft)
	assert.Equal(t, "610116340", *snap.Draft.ProductCode)
	assert.Equal(t, capture.CompletedByTrigger, snap.CompletedBy)

	receive(t, control, &ctrl)
	assert.Equal(t, protocol.EngineStop, ctrl.Action)

	snap, errMsg = f.command(t, protocol.CaptureCommand{Action: protocol.CommandEdit, Field: "unit_count", Value: "4"})
	require.Empty(t, errMsg)
	assert.Equal(t, 4, *snap.Draft.UnitCount)

	snap, errMsg = f.command(t, protocol.CaptureCommand{Action: protocol.CommandConfirm})
	require.Empty(t, errMsg)
	assert.Equal(t, capture.StateListening, snap.State)
	require.Len(t, snap.Records, 1)

	var announced protocol.RecordConfirmed
	receive(t, confirmed, &announced)
	assert.Equal(t, sessionID, announced.SessionID)
	assert.Equal(t, "C 040 1001", *announced.Record.Address)
	assert.Equal(t, 30, *announced.Record.BoxCount)

	require.Eventually(t, func() bool {
		sessions, err := f.store.RecentSessions(context.Background(), 10)
		if err != nil {
			return false
		}
		for _, s := range sessions {
			if s.ID == sessionID {
				return s.Outcome == "confirmed"
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	sessions, err := f.store.RecentSessions(context.Background(), 10)
	require.NoError(t, err)
	var journaled eventstore.Session
	for _, s := range sessions {
		if s.ID == sessionID {
			journaled = s
		}
	}
	assert.Equal(t, "trigger", journaled.CompletedBy)
	assert.Len(t, journaled.ReferenceDate, len("2006-01-02"))

	transitions, err := f.store.ListTransitions(context.Background(), sessionID, 0)
	require.NoError(t, err)
	var reasons []string
	for _, tr := range transitions {
		reasons = append(reasons, tr.Reason)
	}
	assert.Equal(t, []string{"start", "trigger", "extract", "extracted", "edited", "confirmed"}, reasons)
}

func TestCommandErrorsCarrySnapshot(t *testing.T) {
	f := newFixture(t)

	snap, errMsg := f.command(t, protocol.CaptureCommand{Action: "dance"})
	assert.Contains(t, errMsg, "unknown capture command")
	assert.Equal(t, capture.StateIdle, snap.State)

	snap, errMsg = f.command(t, protocol.CaptureCommand{Action: protocol.CommandConfirm})
	assert.Equal(t, capture.ErrNoDraft.Error(), errMsg)
	assert.Equal(t, capture.StateIdle, snap.State)
	assert.NotNil(t, snap.Records)

	_, errMsg = f.command(t, protocol.CaptureCommand{Action: protocol.CommandStop})
	assert.Equal(t, capture.ErrNotListening.Error(), errMsg)
}

func TestEngineErrorClosesJournaledSession(t *testing.T) {
	f := newFixture(t)
	snap, _ := f.command(t, protocol.CaptureCommand{Action: protocol.CommandStart})

	require.NoError(t, f.client.PublishJSON(protocol.RecognitionSubject(snap.SessionID), protocol.RecognitionEvent{
		SessionID: snap.SessionID,
		Kind:      protocol.RecognitionError,
		Code:      "not-allowed",
		Text:      "microphone permission denied",
	}))

	require.Eventually(t, func() bool {
		sessions, err := f.store.RecentSessions(context.Background(), 10)
		return err == nil && len(sessions) == 1 && sessions[0].Outcome == "engine_error"
	}, 3*time.Second, 10*time.Millisecond)

	snap, _ = f.command(t, protocol.CaptureCommand{Action: protocol.CommandSnapshot})
	assert.Equal(t, capture.StateIdle, snap.State)
	assert.Equal(t, "engine", snap.ErrorKind)
}

func TestDisabledRouter(t *testing.T) {
	s := NewService(context.Background(), config.RouterConfig{}, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, s.Start())
	assert.True(t, s.Healthy())
	s.Close()
}
