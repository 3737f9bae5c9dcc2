package runtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/config"
	"github.com/stretchr/testify/require"
)

func TestRuntimeStartsAndStops(t *testing.T) {
	cfg := config.Default()
	cfg.Environment = "test"
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = ""
	cfg.Bus.Port = -1
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.STT.Enabled = true
	cfg.Readback.Enabled = true

	rt := New(cfg, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	require.Eventually(t, rt.ready.Load, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestRuntimeFailsOnBadExtractionConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Environment = "test"
	cfg.HTTP.Port = 0
	cfg.Router.Enabled = false
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.Extraction.Mode = "exec"
	cfg.Extraction.Command = ""

	rt := New(cfg, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := rt.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "build extractor")
}

func TestCapabilitiesFollowConfig(t *testing.T) {
	cfg := config.Default()
	cfg.STT.Enabled = false
	cfg.Extraction.Serve = false
	rt := New(cfg, "test", nil)
	caps := rt.capabilities()
	require.Len(t, caps, 1)
	require.Equal(t, "capture", caps[0].Name)

	cfg.STT.Enabled = true
	cfg.STT.Mode = "mock"
	cfg.Extraction.Serve = true
	cfg.Extraction.Mode = "ollama"
	caps = New(cfg, "test", nil).capabilities()
	require.Len(t, caps, 3)
	require.Equal(t, "stt", caps[1].Name)
	require.Equal(t, "ollama", caps[2].Mode)
}
