// Package models defines the call events published by the orchestrator.
package models

// Event type identifiers.
const (
	EventTypeTranscript = "call.transcript"
	EventTypeAction     = "call.action"
	EventTypeSession    = "call.session"
)

// Actions applied to a call after a dialog-brain reply.
const (
	ActionPlay     = "play"
	ActionTransfer = "transfer"
	ActionNone     = "none"
	ActionHangup   = "hangup"
)

// Session states reported in SessionEvent.
const (
	SessionStarted = "started"
	SessionEnded   = "ended"
)

// TranscriptEvent is the gated text of one audio chunk. Final marks the
// residual flush at teardown, which is never sent to the dialog brain.
type TranscriptEvent struct {
	EventType     string `json:"eventType"`
	CallID        string `json:"callId"`
	Timestamp     int64  `json:"timestamp"`
	ChunkSeq      int    `json:"chunkSeq"`
	AudioOffsetMs int64  `json:"audioOffsetMs"`
	Text          string `json:"text"`
	Provider      string `json:"provider"`
	Final         bool   `json:"final"`
}

// ActionEvent records the decision applied to a call.
type ActionEvent struct {
	EventType   string `json:"eventType"`
	CallID      string `json:"callId"`
	Timestamp   int64  `json:"timestamp"`
	ChunkSeq    int    `json:"chunkSeq"`
	Action      string `json:"action"`
	Reply       string `json:"reply,omitempty"`
	TargetLabel string `json:"targetLabel,omitempty"`
	Destination string `json:"destination,omitempty"`
	AudioPath   string `json:"audioPath,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// SessionEvent marks the start and end of a call session.
type SessionEvent struct {
	EventType  string `json:"eventType"`
	CallID     string `json:"callId"`
	Timestamp  int64  `json:"timestamp"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Chunks     int    `json:"chunks,omitempty"`
}
