package extract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/bus"
	"github.com/loqalabs/loqa-stockcount/internal/config"
	"github.com/loqalabs/loqa-stockcount/internal/inventory"
	"github.com/loqalabs/loqa-stockcount/internal/natsserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "extract-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestBusExtractorRoundTrip(t *testing.T) {
	client := startBus(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	server := NewServer(context.Background(), client, NewRuleExtractor(), time.Second, logger)
	require.NoError(t, server.Start())
	t.Cleanup(server.Close)
	require.NoError(t, client.Conn().Flush())

	remote := NewBusExtractor(client, 2*time.Second)
	got, err := remote.Extract(context.Background(), Request{
		UtteranceText: "Contagem do 610116340. 30 caixas. Endereço C 40 1001.",
		ReferenceDate: "2025-10-30",
	})
	require.NoError(t, err)
	assert.Equal(t, "610116340", deref(got.ProductCode))
	assert.Equal(t, "C 040 1001", deref(got.Address))
	assert.True(t, server.Healthy())
}

func TestBusExtractorRelaysFailure(t *testing.T) {
	client := startBus(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	failing := ExtractorFunc(func(context.Context, Request) (inventory.Record, error) {
		return inventory.Record{}, Fail(ReasonMalformed, errors.New("model answered with prose"))
	})
	server := NewServer(context.Background(), client, failing, time.Second, logger)
	require.NoError(t, server.Start())
	t.Cleanup(server.Close)
	require.NoError(t, client.Conn().Flush())

	_, err := NewBusExtractor(client, 2*time.Second).Extract(context.Background(), Request{UtteranceText: "10 caixas"})
	var failure *Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, ReasonMalformed, failure.Reason)
	assert.Contains(t, failure.Error(), "model answered with prose")
}

func TestBusExtractorWithoutServer(t *testing.T) {
	client := startBus(t)

	_, err := NewBusExtractor(client, time.Second).Extract(context.Background(), Request{UtteranceText: "10 caixas"})
	var failure *Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, ReasonUnavailable, failure.Reason)
}

func TestFactorySelectsEngine(t *testing.T) {
	cfg := config.Default().Extraction
	ex, err := New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &RuleExtractor{}, ex)

	cfg.Transport = "bus"
	_, err = New(cfg, nil)
	assert.Error(t, err)

	cfg.Transport = "local"
	cfg.Mode = "ollama"
	ex, err = New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &ModelExtractor{}, ex)
}
