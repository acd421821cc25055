package models

import "time"

// RunStatus is the lifecycle state of a client-initiated run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunAborted:
		return true
	}
	return false
}

// Run correlates a client prompt with the turns it produced. Runs hold only
// id references to sessions and are owned by the run tracker.
type Run struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	ClientRequestID string     `json:"client_request_id,omitempty"`
	Status          RunStatus  `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	Turns           int        `json:"turns"`
	InputTokens     int64      `json:"input_tokens"`
	OutputTokens    int64      `json:"output_tokens"`
}

// Envelope is the unit of fan-out delivery: a typed, timestamped payload
// optionally scoped to a session. Sender identifies the publishing connection
// so broadcasts can exclude it.
type Envelope struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Sender    string    `json:"sender,omitempty"`

	// Sequence carries the persisted event sequence for events.new envelopes
	// so subscribers can de-duplicate on (SessionID, Sequence) after resume.
	Sequence int64 `json:"sequence,omitempty"`
}
