package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// Tools returns the spawn/query/wait tools backed by this coordinator, ready
// to register. Subagent sessions never see them: the coordinator adds the
// spawn denials to every child.
func (c *Coordinator) Tools() []tools.Tool {
	return []tools.Tool{
		&spawnTool{c: c},
		&queryTool{c: c},
		&waitTool{c: c},
	}
}

type spawnTool struct {
	c *Coordinator
}

func (t *spawnTool) Name() string { return "SpawnSubagent" }

func (t *spawnTool) Description() string {
	return "Spawn a child agent session to work on a task. Blocking mode waits for the result; non-blocking returns the child session id immediately."
}

func (t *spawnTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {"type": "string", "description": "What the child agent should do."},
			"model": {"type": "string", "description": "Model override for the child."},
			"blocking": {"type": "boolean", "description": "Wait for the child to finish (default true)."},
			"timeout_ms": {"type": "integer", "description": "Blocking wait timeout in milliseconds."},
			"max_turns": {"type": "integer", "description": "Turn cap for the child run."},
			"working_directory": {"type": "string"},
			"tool_denials": {"type": "array", "items": {"type": "string"}, "description": "Extra tool names to deny the child."}
		},
		"required": ["task"]
	}`)
}

func (t *spawnTool) Meta() tools.Meta {
	return tools.Meta{Category: "agent", Label: "Spawn subagent"}
}

func (t *spawnTool) Execute(ctx context.Context, params json.RawMessage, opts tools.ExecOptions) (*models.ToolResult, error) {
	var args struct {
		Task             string   `json:"task"`
		Model            string   `json:"model"`
		Blocking         *bool    `json:"blocking"`
		TimeoutMS        int      `json:"timeout_ms"`
		MaxTurns         int      `json:"max_turns"`
		WorkingDirectory string   `json:"working_directory"`
		ToolDenials      []string `json:"tool_denials"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	if strings.TrimSpace(args.Task) == "" {
		return &models.ToolResult{Content: "task must not be empty", IsError: true}, nil
	}

	// The child inherits the caller's denial policy, tightened by any extra
	// names the caller listed.
	denials := opts.Denials
	if len(args.ToolDenials) > 0 {
		denials = denials.WithDenied(args.ToolDenials...)
	}

	state, err := t.c.Spawn(ctx, opts.SessionID, SpawnParams{
		Task:       args.Task,
		Model:      args.Model,
		WorkingDir: args.WorkingDirectory,
		MaxTurns:   args.MaxTurns,
		Denials:    denials,
	})
	if err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("spawn failed: %v", err), IsError: true}, nil
	}

	blocking := args.Blocking == nil || *args.Blocking
	if !blocking {
		return &models.ToolResult{
			Content: fmt.Sprintf("Spawned subagent %s; a result notification follows when it finishes.", state.SessionID),
			Details: jsonBody(map[string]any{"session_id": state.SessionID, "blocking": false}),
		}, nil
	}

	final, err := t.c.WaitFor(ctx, state.SessionID, time.Duration(args.TimeoutMS)*time.Millisecond)
	if err != nil {
		return &models.ToolResult{
			Content: fmt.Sprintf("subagent %s still running: %v", state.SessionID, err),
			IsError: true,
			Details: jsonBody(map[string]any{"session_id": state.SessionID}),
		}, nil
	}
	return resultFromState(final), nil
}

// resultFromState formats a terminal child state as the parent's tool result.
func resultFromState(s *State) *models.ToolResult {
	details := jsonBody(map[string]any{
		"session_id":    s.SessionID,
		"status":        string(s.Status),
		"turns":         s.Turns,
		"duration_ms":   s.FinishedAt.Sub(s.StartedAt).Milliseconds(),
		"input_tokens":  s.Usage.InputTokens,
		"output_tokens": s.Usage.OutputTokens,
	})
	switch s.Status {
	case StatusCompleted:
		content := s.FinalText
		if content == "" {
			content = fmt.Sprintf("Subagent %s completed with no text output.", s.SessionID)
		}
		return &models.ToolResult{Content: content, Details: details}
	case StatusInterrupted:
		return &models.ToolResult{
			Content: fmt.Sprintf("Subagent %s was interrupted after %d turns.", s.SessionID, s.Turns),
			IsError: true,
			Details: details,
		}
	default:
		msg := s.Error
		if msg == "" {
			msg = "unknown failure"
		}
		return &models.ToolResult{
			Content: fmt.Sprintf("Subagent %s failed: %s", s.SessionID, msg),
			IsError: true,
			Details: details,
		}
	}
}

type queryTool struct {
	c *Coordinator
}

func (t *queryTool) Name() string { return "QueryAgent" }

func (t *queryTool) Description() string {
	return "Get the current status of a previously spawned subagent."
}

func (t *queryTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"session_id": {"type": "string"}
		},
		"required": ["session_id"]
	}`)
}

func (t *queryTool) Meta() tools.Meta {
	return tools.Meta{Category: "agent", Label: "Query subagent", SideEffectFree: true}
}

func (t *queryTool) Execute(ctx context.Context, params json.RawMessage, opts tools.ExecOptions) (*models.ToolResult, error) {
	var args struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	state, ok := t.c.Query(args.SessionID)
	if !ok {
		return &models.ToolResult{Content: fmt.Sprintf("no subagent with session id %s", args.SessionID), IsError: true}, nil
	}
	return &models.ToolResult{
		Content: fmt.Sprintf("Subagent %s is %s (%d turns).", state.SessionID, state.Status, state.Turns),
		Details: jsonBody(state),
	}, nil
}

type waitTool struct {
	c *Coordinator
}

func (t *waitTool) Name() string { return "WaitForAgents" }

func (t *waitTool) Description() string {
	return "Wait until the listed subagents reach a terminal state, up to a timeout."
}

func (t *waitTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"session_ids": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"timeout_ms": {"type": "integer"}
		},
		"required": ["session_ids"]
	}`)
}

func (t *waitTool) Meta() tools.Meta {
	return tools.Meta{Category: "agent", Label: "Wait for subagents"}
}

func (t *waitTool) Execute(ctx context.Context, params json.RawMessage, opts tools.ExecOptions) (*models.ToolResult, error) {
	var args struct {
		SessionIDs []string `json:"session_ids"`
		TimeoutMS  int      `json:"timeout_ms"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	if len(args.SessionIDs) == 0 {
		return &models.ToolResult{Content: "session_ids must not be empty", IsError: true}, nil
	}

	// The timeout covers the whole batch, not each child.
	timeout := time.Duration(args.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = t.c.opts.WaitTimeout
	}
	deadline := time.Now().Add(timeout)

	var b strings.Builder
	states := make([]*State, 0, len(args.SessionIDs))
	anyErr := false
	for _, id := range args.SessionIDs {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		state, err := t.c.WaitFor(ctx, id, remaining)
		if err != nil {
			anyErr = true
			fmt.Fprintf(&b, "%s: %v\n", id, err)
			continue
		}
		states = append(states, state)
		fmt.Fprintf(&b, "%s: %s (%d turns)\n", state.SessionID, state.Status, state.Turns)
	}
	return &models.ToolResult{
		Content: strings.TrimRight(b.String(), "\n"),
		IsError: anyErr,
		Details: jsonBody(map[string]any{"agents": states}),
	}, nil
}
