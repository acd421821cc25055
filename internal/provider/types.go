// Package provider adapts model vendor streaming APIs to one event-stream
// contract: a finite, single-consumer stream of typed events with explicit
// cancellation, normalized stop reasons, and normalized tool-call ids.
package provider

import (
	"context"
	"encoding/json"

	"github.com/loomhq/loom/internal/tokens"
	"github.com/loomhq/loom/pkg/models"
)

// StopReason is the normalized reason a stream finished.
type StopReason string

const (
	StopEndTurn     StopReason = "end_turn"
	StopMaxTokens   StopReason = "max_tokens"
	StopToolUse     StopReason = "tool_use"
	StopSequence    StopReason = "stop_sequence"
	StopInterrupted StopReason = "interrupted"
)

// Kind tags a StreamEvent variant.
type Kind string

const (
	// KindStart opens the stream; Usage may carry prompt token counts.
	KindStart Kind = "start"

	// KindTextDelta appends Text to the current text block.
	KindTextDelta Kind = "text_delta"

	// KindThinkingDelta appends Text to the current thinking block.
	KindThinkingDelta Kind = "thinking_delta"

	// KindToolCallStart opens a tool call; ToolCall carries id and name.
	KindToolCallStart Kind = "toolcall_start"

	// KindToolCallDelta appends PartialJSON to the open tool call's input.
	KindToolCallDelta Kind = "toolcall_delta"

	// KindToolCallEnd closes the open tool call.
	KindToolCallEnd Kind = "toolcall_end"

	// KindDone closes the stream; StopReason and Usage are final.
	KindDone Kind = "done"

	// KindError closes the stream with Err set.
	KindError Kind = "error"

	// KindRetry reports a before-first-byte retry; Attempt counts from 1.
	KindRetry Kind = "retry"
)

// ToolCallRef identifies a streaming tool call.
type ToolCallRef struct {
	Index int
	ID    string
	Name  string
}

// StreamEvent is one element of a provider stream. Kind selects which fields
// are meaningful.
type StreamEvent struct {
	Kind        Kind
	Text        string
	ToolCall    *ToolCallRef
	PartialJSON string
	StopReason  StopReason
	Usage       tokens.Usage
	Err         error
	Attempt     int
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one streaming completion request.
type Request struct {
	Model     string
	System    string
	Messages  []models.Message
	Tools     []ToolDef
	MaxTokens int

	// ReasoningLevel requests extended thinking: "", "low", "medium", "high".
	ReasoningLevel string
}

// Stream is a finite, single-consumer event stream. The channel is closed
// after KindDone or KindError. Cancel aborts the underlying request; the
// stream then finishes with StopInterrupted.
type Stream struct {
	events <-chan StreamEvent
	cancel context.CancelFunc
}

// NewStream pairs an event channel with its cancel function.
func NewStream(events <-chan StreamEvent, cancel context.CancelFunc) *Stream {
	if cancel == nil {
		cancel = func() {}
	}
	return &Stream{events: events, cancel: cancel}
}

// Events returns the event channel.
func (s *Stream) Events() <-chan StreamEvent {
	return s.events
}

// Cancel aborts the stream. Safe to call more than once.
func (s *Stream) Cancel() {
	s.cancel()
}

// Provider is a model vendor adapter.
type Provider interface {
	// Name identifies the vendor ("anthropic", "openai", "google").
	Name() string

	// Models lists the model ids this provider serves.
	Models() []string

	// UsageMethod tells the token accountant how this vendor reports usage.
	UsageMethod() tokens.Method

	// StreamTurn starts a streaming completion. Errors returned here are
	// request-construction failures; transport errors arrive as KindError
	// events on the stream.
	StreamTurn(ctx context.Context, req Request) (*Stream, error)
}
