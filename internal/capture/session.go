package capture

import (
	"fmt"
	"time"
)

// State is a capture session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateCompleting
	StateAwaitingExtraction
	StateDraftReady
	StateError
)

var stateNames = map[State]string{
	StateIdle:               "idle",
	StateListening:          "listening",
	StateCompleting:         "completing",
	StateAwaitingExtraction: "awaiting_extraction",
	StateDraftReady:         "draft_ready",
	StateError:              "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown capture state %q", text)
}

// CompletionReason records what ended the listening phase.
type CompletionReason string

const (
	CompletedBySilence   CompletionReason = "silence"
	CompletedByTrigger   CompletionReason = "trigger"
	CompletedByManual    CompletionReason = "manual"
	CompletedByEngineEnd CompletionReason = "engine_end"
)

// Session is one capture attempt. Only the controller goroutine touches it.
type Session struct {
	ID            string
	State         State
	Buffer        Buffer
	Watchdog      *Watchdog
	TriggerFound  bool
	CompletedBy   CompletionReason
	StartedAt     time.Time
	ReferenceDate string
	// Frozen is the transcript handed to extraction; later fragments are discarded.
	Frozen string
}

// Transcript is the live buffer while listening and the frozen text afterwards.
func (s *Session) Transcript() string {
	if s == nil {
		return ""
	}
	if s.State == StateListening {
		return s.Buffer.Text()
	}
	return s.Frozen
}
