package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput means the capture ended with nothing to extract. The session simply
	// returns to idle; it is not reported as a failure.
	ErrEmptyInput         = errors.New("capture ended with an empty transcript")
	ErrSessionActive      = errors.New("a capture session is already listening")
	ErrExtractionInFlight = errors.New("extraction for the previous capture is still running")
	ErrNotListening       = errors.New("no capture session is listening")
	ErrNoDraft            = errors.New("no draft is ready")
	ErrInvalidField       = errors.New("invalid draft field")
	ErrClosed             = errors.New("capture controller is not running")
)

// EngineError is reported when the speech engine fails, usually because the microphone
// is unavailable or permission was denied.
type EngineError struct {
	Code    string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("speech engine error (%s): %s", e.Code, msg)
	}
	return "speech engine error: " + msg
}

func (e *EngineError) Unwrap() error { return e.Err }
