package models

import "encoding/json"

// Role identifies the author of a composed message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType identifies a content block within a composed message.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// ContentBlock is one structured piece of a composed message. Exactly one of
// the payload fields is populated, selected by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`

	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// Message is a provider-neutral conversation message produced by context
// composition. It is a view over persisted events, never stored itself.
type Message struct {
	Role   Role           `json:"role"`
	Blocks []ContentBlock `json:"blocks"`
}

// TextMessage builds a single-text-block message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Blocks: []ContentBlock{{Type: BlockText, Text: text}}}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolCalls returns the tool_use blocks of the message in declaration order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse && b.ToolCall != nil {
			calls = append(calls, *b.ToolCall)
		}
	}
	return calls
}

// ToolCall is an assistant request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a tool execution. Errors are ordinary results
// with IsError set; the turn continues and the model may recover.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Content    string          `json:"content"`
	IsError    bool            `json:"is_error,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`

	// StopTurn makes the orchestrator finish the turn without looping even
	// when tool_use blocks are present.
	StopTurn bool `json:"stop_turn,omitempty"`

	// NeedsRetry triggers the bounded validation-retry protocol: the result
	// carries validation errors and the model is expected to re-call.
	NeedsRetry bool `json:"needs_retry,omitempty"`
}
