package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomhq/loom/internal/tokens"
	"github.com/loomhq/loom/pkg/models"
)

// Anthropic adapts the Anthropic Messages streaming API.
type Anthropic struct {
	client    anthropic.Client
	modelIDs  []string
	maxTokens int64
}

// AnthropicConfig configures the adapter.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Models    []string
	MaxTokens int
}

// NewAnthropic creates the adapter.
func NewAnthropic(config AnthropicConfig) *Anthropic {
	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	maxTokens := int64(config.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	modelIDs := config.Models
	if len(modelIDs) == 0 {
		modelIDs = []string{"claude-sonnet-4-5", "claude-opus-4-1", "claude-haiku-4-5"}
	}
	return &Anthropic{
		client:    anthropic.NewClient(options...),
		modelIDs:  modelIDs,
		maxTokens: maxTokens,
	}
}

func (p *Anthropic) Name() string               { return "anthropic" }
func (p *Anthropic) Models() []string           { return p.modelIDs }
func (p *Anthropic) UsageMethod() tokens.Method { return tokens.MethodAnthropicCacheAware }

// StreamTurn starts a streaming completion.
func (p *Anthropic) StreamTurn(ctx context.Context, req Request) (*Stream, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	if budget := thinkingBudget(req.ReasoningLevel); budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sdkStream := p.client.Messages.NewStreaming(streamCtx, params)

	out := make(chan StreamEvent, 32)
	go func() {
		defer close(out)
		p.pump(streamCtx, sdkStream, out, req.Model)
	}()
	return NewStream(out, cancel), nil
}

// pump translates SDK stream events into the normalized event vocabulary.
func (p *Anthropic) pump(ctx context.Context, stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, out chan<- StreamEvent, model string) {
	var (
		usage      tokens.Usage
		stopReason = StopEndTurn
		toolIndex  = -1
		inThinking bool
		inTool     bool
	)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = start.Message.Usage.InputTokens
			usage.CacheReadTokens = start.Message.Usage.CacheReadInputTokens
			usage.CacheCreationTokens = start.Message.Usage.CacheCreationInputTokens
			out <- StreamEvent{Kind: KindStart, Usage: usage}

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			switch blockStart.ContentBlock.Type {
			case "thinking":
				inThinking = true
			case "tool_use":
				toolUse := blockStart.ContentBlock.AsToolUse()
				toolIndex++
				inTool = true
				out <- StreamEvent{
					Kind:     KindToolCallStart,
					ToolCall: &ToolCallRef{Index: toolIndex, ID: toolUse.ID, Name: toolUse.Name},
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- StreamEvent{Kind: KindTextDelta, Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- StreamEvent{Kind: KindThinkingDelta, Text: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					out <- StreamEvent{
						Kind:        KindToolCallDelta,
						ToolCall:    &ToolCallRef{Index: toolIndex},
						PartialJSON: delta.PartialJSON,
					}
				}
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
			} else if inTool {
				inTool = false
				out <- StreamEvent{Kind: KindToolCallEnd, ToolCall: &ToolCallRef{Index: toolIndex}}
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = messageDelta.Usage.OutputTokens
			}
			if reason := string(messageDelta.Delta.StopReason); reason != "" {
				stopReason = normalizeAnthropicStop(reason)
			}

		case "message_stop":
			out <- StreamEvent{Kind: KindDone, StopReason: stopReason, Usage: usage}
			return

		case "error":
			out <- StreamEvent{Kind: KindError, Err: NewError("anthropic", model, errors.New("anthropic stream error"))}
			return
		}
	}

	if err := stream.Err(); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			out <- StreamEvent{Kind: KindDone, StopReason: StopInterrupted, Usage: usage}
			return
		}
		out <- StreamEvent{Kind: KindError, Err: NewError("anthropic", model, err)}
	}
}

func (p *Anthropic) convertMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range msgs {
		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Blocks {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					content = append(content, anthropic.NewTextBlock(block.Text))
				}
			case models.BlockToolUse:
				if block.ToolCall == nil {
					continue
				}
				var input map[string]any
				if len(block.ToolCall.Input) > 0 {
					if err := json.Unmarshal(block.ToolCall.Input, &input); err != nil {
						return nil, fmt.Errorf("tool call %s input: %w", block.ToolCall.ID, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(block.ToolCall.ID, input, block.ToolCall.Name))
			case models.BlockToolResult:
				if block.ToolResult == nil {
					continue
				}
				content = append(content, anthropic.NewToolResultBlock(
					block.ToolResult.ToolCallID, block.ToolResult.Content, block.ToolResult.IsError))
			}
			// Thinking blocks are not replayed.
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (p *Anthropic) convertTools(defs []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if len(def.Schema) > 0 {
			if err := json.Unmarshal(def.Schema, &schema); err != nil {
				return nil, fmt.Errorf("tool %s schema: %w", def.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" && toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(def.Description)
		}
		result = append(result, toolParam)
	}
	return result, nil
}

func normalizeAnthropicStop(reason string) StopReason {
	switch strings.ToLower(reason) {
	case "end_turn":
		return StopEndTurn
	case "max_tokens":
		return StopMaxTokens
	case "tool_use":
		return StopToolUse
	case "stop_sequence":
		return StopSequence
	default:
		return StopEndTurn
	}
}

func thinkingBudget(level string) int64 {
	switch strings.ToLower(level) {
	case "low":
		return 4096
	case "medium":
		return 16384
	case "high":
		return 32768
	default:
		return 0
	}
}
