// Package compose replays a session's event log into the provider-neutral
// message view sent to models.
//
// Composition is deterministic: the same event log and clock always produce
// the same messages. Tombstoned messages never appear; compact boundaries and
// context clears truncate; oversized stale tool results are pruned from the
// view only, never from the log.
package compose

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// Options tunes composition.
type Options struct {
	// PruneTTL is how long large tool results stay verbatim.
	PruneTTL time.Duration

	// PruneKeepTurns protects the last K assistant turns from pruning.
	PruneKeepTurns int

	// PruneThreshold is the tool-result size in bytes above which pruning
	// applies.
	PruneThreshold int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Composer builds message views from event logs.
type Composer struct {
	opts Options
}

// New creates a composer, filling in defaults (5 min TTL, keep 3 turns,
// 2 KiB threshold).
func New(opts Options) *Composer {
	if opts.PruneTTL <= 0 {
		opts.PruneTTL = 5 * time.Minute
	}
	if opts.PruneKeepTurns <= 0 {
		opts.PruneKeepTurns = 3
	}
	if opts.PruneThreshold <= 0 {
		opts.PruneThreshold = 2 * 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Composer{opts: opts}
}

// Result is a composed context.
type Result struct {
	Messages []models.Message

	// SystemPrompt is the latest config.prompt_update value plus any composed
	// message.system text, empty if unset.
	SystemPrompt string

	// Model is the latest config.model_switch value, empty if unset.
	Model string

	// ReasoningLevel is the latest config.reasoning_level value.
	ReasoningLevel string

	// CycleCount is the number of memory.ledger events in the full log.
	// Compaction boundaries do not advance it.
	CycleCount int

	// PrunedResults counts tool results replaced by placeholders.
	PrunedResults int
}

// Compose replays events into a message view.
func (c *Composer) Compose(events []*models.Event) (*Result, error) {
	res := &Result{}

	// Config and cycle tracking scan the full log regardless of truncation.
	tombstoned := map[string]bool{}
	for _, ev := range events {
		switch ev.Type {
		case models.EventMessageDeleted:
			var body struct {
				TargetEventID string `json:"target_event_id"`
			}
			if err := json.Unmarshal(ev.Payload, &body); err == nil && body.TargetEventID != "" {
				tombstoned[body.TargetEventID] = true
			}
		case models.EventConfigPromptUpdate:
			var body struct {
				Prompt string `json:"prompt"`
			}
			if err := json.Unmarshal(ev.Payload, &body); err == nil {
				res.SystemPrompt = body.Prompt
			}
		case models.EventConfigModelSwitch:
			var body struct {
				Model string `json:"model"`
			}
			if err := json.Unmarshal(ev.Payload, &body); err == nil {
				res.Model = body.Model
			}
		case models.EventConfigReasoningLevel:
			var body struct {
				Level string `json:"level"`
			}
			if err := json.Unmarshal(ev.Payload, &body); err == nil {
				res.ReasoningLevel = body.Level
			}
		case models.EventMemoryLedger:
			res.CycleCount++
		}
	}

	// Truncate at the last context clear, then honor the last compact
	// boundary. A boundary carrying through_sequence compacts the log prefix
	// up to that sequence while keeping the preserved tail that was appended
	// before the boundary itself; a bare boundary drops everything before its
	// own position.
	start := 0
	for i, ev := range events {
		if ev.Type == models.EventContextCleared {
			start = i + 1
		}
	}
	dropThrough := int64(0)
	boundaryIdx := -1
	for i := start; i < len(events); i++ {
		if events[i].Type == models.EventCompactBoundary {
			boundaryIdx = i
			var body struct {
				ThroughSequence int64 `json:"through_sequence"`
			}
			dropThrough = 0
			if err := json.Unmarshal(events[i].Payload, &body); err == nil {
				dropThrough = body.ThroughSequence
			}
		}
	}
	if boundaryIdx >= 0 && dropThrough == 0 {
		start = boundaryIdx + 1
	}

	var pending []pendingResult

	appendMessage := func(msg models.Message) int {
		// Merge consecutive same-role messages so tool results land in one
		// user message after their assistant turn.
		if n := len(res.Messages); n > 0 && res.Messages[n-1].Role == msg.Role {
			res.Messages[n-1].Blocks = append(res.Messages[n-1].Blocks, msg.Blocks...)
			return n - 1
		}
		res.Messages = append(res.Messages, msg)
		return len(res.Messages) - 1
	}

	for _, ev := range events[start:] {
		if tombstoned[ev.ID] {
			continue
		}
		if dropThrough > 0 && ev.Sequence <= dropThrough {
			continue // replaced by the compact summary
		}
		switch ev.Type {
		case models.EventMessageSystem:
			// System messages extend the system prompt rather than the message
			// list; every provider takes system text out of band.
			text := payloadText(ev.Payload)
			if text == "" {
				continue
			}
			if res.SystemPrompt != "" {
				res.SystemPrompt += "\n\n"
			}
			res.SystemPrompt += text

		case models.EventMessageUser:
			msg, err := messageFromPayload(models.RoleUser, ev.Payload)
			if err != nil {
				return nil, fmt.Errorf("event %s: %w", ev.ID, err)
			}
			appendMessage(msg)

		case models.EventMessageAssistant:
			msg, err := messageFromPayload(models.RoleAssistant, ev.Payload)
			if err != nil {
				return nil, fmt.Errorf("event %s: %w", ev.ID, err)
			}
			appendMessage(msg)

		case models.EventToolResult:
			var result models.ToolResult
			if err := json.Unmarshal(ev.Payload, &result); err != nil {
				return nil, fmt.Errorf("event %s: decode tool result: %w", ev.ID, err)
			}
			r := result
			idx := appendMessage(models.Message{
				Role:   models.RoleUser,
				Blocks: []models.ContentBlock{{Type: models.BlockToolResult, ToolResult: &r}},
			})
			pending = append(pending, pendingResult{
				msgIndex:   idx,
				blockIndex: len(res.Messages[idx].Blocks) - 1,
				event:      ev,
			})

		case models.EventCompactSummary:
			var body struct {
				Summary string `json:"summary"`
			}
			if err := json.Unmarshal(ev.Payload, &body); err == nil && body.Summary != "" {
				appendMessage(models.TextMessage(models.RoleUser, body.Summary))
			}
		}
		// Everything else (stream deltas, lifecycle, metadata, hooks,
		// subagent notifications) is operational and never composed.
	}

	c.prune(res, pending)
	return res, nil
}

// pendingResult locates a composed tool-result block for the pruning pass.
type pendingResult struct {
	msgIndex   int
	blockIndex int
	event      *models.Event
}

// prune replaces oversized, stale tool results outside the protected tail of
// assistant turns with a placeholder. The log is untouched.
func (c *Composer) prune(res *Result, pending []pendingResult) {
	if len(pending) == 0 {
		return
	}

	// The protected region starts at the Kth-from-last assistant message.
	protectedFrom := len(res.Messages)
	seen := 0
	for i := len(res.Messages) - 1; i >= 0; i-- {
		if res.Messages[i].Role == models.RoleAssistant {
			seen++
			if seen == c.opts.PruneKeepTurns {
				protectedFrom = i
				break
			}
		}
	}
	if seen < c.opts.PruneKeepTurns {
		return // fewer turns than the protected window
	}

	now := c.opts.Now()
	for _, p := range pending {
		if p.msgIndex >= protectedFrom {
			continue
		}
		block := &res.Messages[p.msgIndex].Blocks[p.blockIndex]
		tr := block.ToolResult
		if tr == nil || len(tr.Content) <= c.opts.PruneThreshold {
			continue
		}
		if now.Sub(p.event.Timestamp) < c.opts.PruneTTL {
			continue
		}
		tr.Content = fmt.Sprintf("[tool result pruned: %d bytes, tool %s]", len(tr.Content), p.event.ToolName)
		res.PrunedResults++
	}
}

func messageFromPayload(role models.Role, payload json.RawMessage) (models.Message, error) {
	var body struct {
		Text   string                `json:"text"`
		Blocks []models.ContentBlock `json:"blocks"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return models.Message{}, fmt.Errorf("decode message payload: %w", err)
	}
	if len(body.Blocks) > 0 {
		return models.Message{Role: role, Blocks: body.Blocks}, nil
	}
	return models.TextMessage(role, body.Text), nil
}
