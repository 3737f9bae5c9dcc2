package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "sessions.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.OpenSession(context.Background(), "s1", "2025-10-30"); err != nil {
		t.Fatalf("ephemeral writes should be dropped silently: %v", err)
	}
	if !es.Healthy(context.Background()) {
		t.Fatal("ephemeral store should report healthy")
	}
}

func TestJournalSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.OpenSession(ctx, "session-123", "2025-10-30"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	steps := []Transition{
		{SessionID: "session-123", From: "idle", To: "listening", Reason: "start"},
		{SessionID: "session-123", From: "listening", To: "completing", Reason: "trigger", Transcript: "10 caixas"},
		{SessionID: "session-123", From: "awaiting_extraction", To: "draft_ready", Payload: []byte(`{"box_count":10}`)},
	}
	for _, tr := range steps {
		if err := es.AppendTransition(ctx, tr); err != nil {
			t.Fatalf("append transition: %v", err)
		}
	}
	if err := es.CloseSession(ctx, "session-123", "trigger", "confirmed"); err != nil {
		t.Fatalf("close session: %v", err)
	}

	got, err := es.ListTransitions(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(got))
	}
	if got[1].Transcript != "10 caixas" || got[1].Reason != "trigger" {
		t.Fatalf("unexpected transition: %+v", got[1])
	}
	if string(got[2].Payload) != `{"box_count":10}` {
		t.Fatalf("unexpected payload: %s", got[2].Payload)
	}

	sessions, err := es.RecentSessions(ctx, 5)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Outcome != "confirmed" || sessions[0].CompletedBy != "trigger" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if sessions[0].EndedAt.IsZero() {
		t.Fatal("expected ended_at to be set")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, "old-session", "2025-01-01"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.AppendTransition(ctx, Transition{SessionID: "old-session", From: "idle", To: "listening"}); err != nil {
		t.Fatalf("append transition: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, "new-session", "2025-01-03"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	got, err := es.ListTransitions(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("expected only new session, got %+v", sessions)
	}
}
