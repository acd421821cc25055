package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of state transition an event records.
type EventType string

// Event types form the closed vocabulary of session state transitions.
// Replaying a session's events in sequence order reconstructs its full state.
const (
	EventSessionStarted EventType = "session.started"
	EventSessionEnded   EventType = "session.ended"
	EventSessionForked  EventType = "session.forked"

	EventMessageUser      EventType = "message.user"
	EventMessageAssistant EventType = "message.assistant"
	EventMessageSystem    EventType = "message.system"
	EventMessageDeleted   EventType = "message.deleted"

	EventToolCall   EventType = "tool.call"
	EventToolResult EventType = "tool.result"

	EventStreamTurnStart     EventType = "stream.turn_start"
	EventStreamTurnEnd       EventType = "stream.turn_end"
	EventStreamTextDelta     EventType = "stream.text_delta"
	EventStreamThinkingDelta EventType = "stream.thinking_delta"

	EventCompactBoundary EventType = "compact.boundary"
	EventCompactSummary  EventType = "compact.summary"
	EventContextCleared  EventType = "context.cleared"

	EventConfigModelSwitch    EventType = "config.model_switch"
	EventConfigPromptUpdate   EventType = "config.prompt_update"
	EventConfigReasoningLevel EventType = "config.reasoning_level"

	EventMetadataUpdate EventType = "metadata.update"
	EventMetadataTag    EventType = "metadata.tag"

	EventSubagentSpawned      EventType = "subagent.spawned"
	EventSubagentStatusUpdate EventType = "subagent.status_update"
	EventSubagentCompleted    EventType = "subagent.completed"
	EventSubagentFailed       EventType = "subagent.failed"

	EventHookTriggered           EventType = "hook.triggered"
	EventHookCompleted           EventType = "hook.completed"
	EventHookBackgroundStarted   EventType = "hook.background_started"
	EventHookBackgroundCompleted EventType = "hook.background_completed"

	EventErrorAgent    EventType = "error.agent"
	EventErrorTool     EventType = "error.tool"
	EventErrorProvider EventType = "error.provider"

	EventTurnFailed              EventType = "turn.failed"
	EventNotificationInterrupted EventType = "notification.interrupted"

	// EventMemoryLedger marks a response-cycle boundary. Compaction boundaries
	// are deliberately not cycle boundaries; only this event is.
	EventMemoryLedger EventType = "memory.ledger"
)

// Event is the atomic, immutable unit of session history. Events are sequenced
// strictly per session; the session's head always points at the latest one.
type Event struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	// ParentID is the event this one succeeds in its session's chain.
	// Empty for the root event.
	ParentID  string    `json:"parent_id,omitempty"`
	Sequence  int64     `json:"sequence"`
	Depth     int       `json:"depth"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Payload is type-specific and opaque to the store. Large payloads are
	// offloaded to the blob pool and referenced through BlobID.
	Payload json.RawMessage `json:"payload,omitempty"`
	BlobID  string          `json:"blob_id,omitempty"`

	WorkspaceID string `json:"workspace_id,omitempty"`
	Role        string `json:"role,omitempty"`
	ToolName    string `json:"tool_name,omitempty"`
	ToolCallID  string `json:"tool_call_id,omitempty"`
	Turn        int    `json:"turn,omitempty"`

	InputTokens         int64 `json:"input_tokens,omitempty"`
	OutputTokens        int64 `json:"output_tokens,omitempty"`
	CacheReadTokens     int64 `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int64 `json:"cache_creation_tokens,omitempty"`

	Checksum string `json:"checksum,omitempty"`
}

// EventInput carries the caller-controlled fields of an event to be appended.
// ID, sequence, depth, and timestamp are assigned by the store.
type EventInput struct {
	SessionID string
	// ParentID, when set, is an optimistic-concurrency assertion: the append
	// fails with ErrStoreConflict unless it matches the session's current head.
	ParentID string
	Type     EventType
	Payload  json.RawMessage

	Role       string
	ToolName   string
	ToolCallID string
	Turn       int

	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
}

// IsMessage reports whether the event type is a conversational message that
// may be tombstoned by message.deleted.
func (t EventType) IsMessage() bool {
	switch t {
	case EventMessageUser, EventMessageAssistant, EventToolResult:
		return true
	}
	return false
}
