package protocol

import (
	"encoding/json"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/inventory"
)

// AudioFrame represents PCM audio data streamed from handheld devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Recognition event kinds emitted by a speech engine.
const (
	RecognitionStart   = "start"
	RecognitionInterim = "interim"
	RecognitionFinal   = "final"
	RecognitionEnd     = "end"
	RecognitionError   = "error"
)

// RecognitionEvent is one speech engine callback for a capture session.
type RecognitionEvent struct {
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Text       string    `json:"text,omitempty"`
	Code       string    `json:"code,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Engine control actions.
const (
	EngineStart = "start"
	EngineStop  = "stop"
)

// EngineControl asks the speech engine to begin or end listening for a session.
type EngineControl struct {
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Capture command actions sent by host UIs.
const (
	CommandStart    = "start"
	CommandStop     = "stop"
	CommandEdit     = "edit"
	CommandConfirm  = "confirm"
	CommandSnapshot = "snapshot"
)

// CaptureCommand is a host UI request on SubjectCaptureCommand.
type CaptureCommand struct {
	Action string `json:"action"`
	Field  string `json:"field,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CommandReply answers a CaptureCommand. Snapshot holds the session state after the
// command was applied, even when Error is set.
type CommandReply struct {
	Error    string          `json:"error,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// CaptureState is published on every capture session transition, including live
// transcript updates while listening.
type CaptureState struct {
	SessionID  string            `json:"session_id"`
	From       string            `json:"from"`
	State      string            `json:"state"`
	Reason     string            `json:"reason"`
	Transcript string            `json:"transcript,omitempty"`
	Draft      *inventory.Record `json:"draft,omitempty"`
	Error      string            `json:"error,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ExtractRequest is sent to a remote extraction service.
type ExtractRequest struct {
	RequestID     string `json:"request_id"`
	SessionID     string `json:"session_id,omitempty"`
	UtteranceText string `json:"utterance_text"`
	ReferenceDate string `json:"reference_date"`
}

// ExtractReply carries either a record or the failure reason and message.
type ExtractReply struct {
	RequestID string            `json:"request_id"`
	Record    *inventory.Record `json:"record,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// RecordConfirmed announces a record appended to the confirmed log.
type RecordConfirmed struct {
	inventory.Confirmed
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectRecognitionPrefix = "stt.event"
	SubjectEngineControl     = "stt.control"
	SubjectCaptureCommand    = "capture.command"
	SubjectCaptureState      = "capture.state"
	SubjectRecordConfirmed   = "inventory.record.confirmed"
	SubjectExtractRequest    = "extract.request"
	SubjectReadbackAudio     = "readback.audio"
	SubjectReadbackDone      = "readback.done"
	SubjectNodeHeartbeat     = "ctrl.node.heartbeat"
	SubjectNodeLeave         = "ctrl.node.leave"
)

// ReadbackAudio is one PCM chunk of a spoken draft summary, published on
// ReadbackAudioSubject for the session.
type ReadbackAudio struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// ReadbackDone closes a readback. Cancelled is set when the draft changed or left
// DraftReady before synthesis finished.
type ReadbackDone struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Chunks    int       `json:"chunks"`
	Cancelled bool      `json:"cancelled,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadbackAudioSubject is the subject readback audio for sessionID is published on.
func ReadbackAudioSubject(sessionID string) string {
	return SubjectReadbackAudio + "." + sessionID
}

// NodeCapability is one engine a node serves, for example {Name: "extract", Mode: "ollama"}.
type NodeCapability struct {
	Name string `json:"name"`
	Mode string `json:"mode,omitempty"`
}

// NodeHeartbeat is published periodically by every daemon on the bus. It always carries
// the full capability list so late joiners learn a node from its next beat.
type NodeHeartbeat struct {
	NodeID       string           `json:"node_id"`
	Version      string           `json:"version,omitempty"`
	Capabilities []NodeCapability `json:"capabilities"`
	Timestamp    time.Time        `json:"timestamp"`
}

// NodeHeartbeatSubject is the subject nodeID beats on.
func NodeHeartbeatSubject(nodeID string) string {
	return SubjectNodeHeartbeat + "." + nodeID
}

// RecognitionSubject is the subject recognition events for sessionID are published on.
func RecognitionSubject(sessionID string) string {
	return SubjectRecognitionPrefix + "." + sessionID
}

// EngineControlSubject is the subject for an engine control action.
func EngineControlSubject(action string) string {
	return SubjectEngineControl + "." + action
}
