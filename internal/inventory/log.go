package inventory

import (
	"sync"
	"time"
)

// Log is the append-only list of confirmed counts, newest first.
type Log struct {
	mu      sync.RWMutex
	entries []Confirmed
	clock   func() time.Time
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{clock: time.Now}
}

// Prepend stores a copy of r at the head of the log and returns the stored entry.
func (l *Log) Prepend(sessionID string, r Record) Confirmed {
	entry := Confirmed{
		Record:      r.Clone(),
		SessionID:   sessionID,
		ConfirmedAt: l.clock().UTC(),
	}
	l.mu.Lock()
	l.entries = append([]Confirmed{entry}, l.entries...)
	l.mu.Unlock()
	return entry
}

// Entries returns a copy of the log, newest first.
func (l *Log) Entries() []Confirmed {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Confirmed, len(l.entries))
	for i, e := range l.entries {
		e.Record = e.Record.Clone()
		out[i] = e
	}
	return out
}

// Len reports the number of confirmed records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
