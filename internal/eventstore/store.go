// Package eventstore journals the lifecycle of capture sessions in SQLite. It is an
// audit trail of state transitions; confirmed records themselves live in memory.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/config"
	_ "modernc.org/sqlite"
)

// Session is one capture session row.
type Session struct {
	ID            string
	ReferenceDate string
	StartedAt     time.Time
	EndedAt       time.Time
	CompletedBy   string
	Outcome       string
}

// Transition is a single state change of a session.
type Transition struct {
	ID         int64
	SessionID  string
	From       string
	To         string
	Reason     string
	Transcript string
	Payload    []byte
	CreatedAt  time.Time
}

// Store wraps the SQLite-backed session journal.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. The ephemeral retention mode
// returns a Store that accepts and discards every write.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS capture_sessions (
    session_id TEXT PRIMARY KEY,
    reference_date TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    completed_by TEXT,
    outcome TEXT
);
CREATE TABLE IF NOT EXISTS capture_transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    reason TEXT,
    transcript TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES capture_sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transitions_session_created ON capture_transitions(session_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init event store schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Healthy reports whether the database answers a ping. Ephemeral stores are always healthy.
func (s *Store) Healthy(ctx context.Context) bool {
	if s.disabled() {
		return true
	}
	return s.db.PingContext(ctx) == nil
}

// OpenSession records the start of a capture session.
func (s *Store) OpenSession(ctx context.Context, sessionID, referenceDate string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capture_sessions(session_id, reference_date, started_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET reference_date=excluded.reference_date`,
		sessionID, referenceDate, millis(s.clock()))
	if err != nil {
		return fmt.Errorf("open session %s: %w", sessionID, err)
	}
	return nil
}

// CloseSession stamps the end of a session with how it completed and how it ended
// (confirmed, failed, empty, discarded, engine_error).
func (s *Store) CloseSession(ctx context.Context, sessionID, completedBy, outcome string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE capture_sessions SET ended_at = ?, completed_by = ?, outcome = ? WHERE session_id = ?`,
		millis(s.clock()), completedBy, outcome, sessionID)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	return nil
}

// AppendTransition writes a transition. The session row must already exist.
func (s *Store) AppendTransition(ctx context.Context, tr Transition) error {
	if s.disabled() {
		return nil
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capture_transitions(session_id, from_state, to_state, reason, transcript, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		tr.SessionID, tr.From, tr.To, tr.Reason, tr.Transcript, tr.Payload, millis(tr.CreatedAt))
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

// ListTransitions retrieves up to limit transitions for a session in the order they
// were recorded.
func (s *Store) ListTransitions(ctx context.Context, sessionID string, limit int) ([]Transition, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, from_state, to_state, COALESCE(reason, ''), COALESCE(transcript, ''), payload, created_at
		 FROM capture_transitions WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var created int64
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.From, &tr.To, &tr.Reason, &tr.Transcript, &tr.Payload, &created); err != nil {
			return nil, err
		}
		tr.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, tr)
	}
	return out, rows.Err()
}

// RecentSessions lists the newest sessions first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COALESCE(reference_date, ''), started_at, ended_at, COALESCE(completed_by, ''), COALESCE(outcome, '')
		 FROM capture_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.ReferenceDate, &started, &ended, &sess.CompletedBy, &sess.Outcome); err != nil {
			return nil, err
		}
		sess.StartedAt = time.UnixMilli(started).UTC()
		if ended.Valid {
			sess.EndedAt = time.UnixMilli(ended.Int64).UTC()
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := millis(s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		if _, err = tx.ExecContext(ctx, `DELETE FROM capture_sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM capture_sessions WHERE session_id IN (
			SELECT session_id FROM capture_sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure verifies the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}
