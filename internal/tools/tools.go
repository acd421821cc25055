// Package tools defines the tool contract and the dispatcher that resolves,
// validates, and executes tool calls on behalf of the orchestrator.
package tools

import (
	"context"
	"encoding/json"

	"github.com/loomhq/loom/pkg/models"
)

// ExecOptions carries per-call context into a tool execution.
type ExecOptions struct {
	SessionID  string
	ToolCallID string
	WorkingDir string

	// Denials is the policy the call was dispatched under, so tools that start
	// further work (subagent spawns) can inherit it.
	Denials *DenialConfig
}

// Meta describes a tool beyond its schema. SideEffectFree tools may run in
// parallel with each other; mutating tools run sequentially.
type Meta struct {
	Category       string
	Label          string
	SideEffectFree bool
}

// Tool is the contract every tool implements.
type Tool interface {
	// Name returns the tool name for model function calling.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Meta returns execution metadata.
	Meta() Meta

	// Execute runs the tool. Errors the model can recover from should be
	// reported via ToolResult.IsError rather than the error return.
	Execute(ctx context.Context, params json.RawMessage, opts ExecOptions) (*models.ToolResult, error)
}

// Func adapts a plain function into a Tool, for tests and simple glue.
type Func struct {
	ToolName        string
	ToolDescription string
	ToolSchema      json.RawMessage
	ToolMeta        Meta
	Fn              func(ctx context.Context, params json.RawMessage, opts ExecOptions) (*models.ToolResult, error)
}

func (f *Func) Name() string             { return f.ToolName }
func (f *Func) Description() string      { return f.ToolDescription }
func (f *Func) Schema() json.RawMessage  { return f.ToolSchema }
func (f *Func) Meta() Meta               { return f.ToolMeta }
func (f *Func) Execute(ctx context.Context, params json.RawMessage, opts ExecOptions) (*models.ToolResult, error) {
	return f.Fn(ctx, params, opts)
}
