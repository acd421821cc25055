package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomhq/loom/internal/tokens"
	"github.com/loomhq/loom/pkg/models"
)

// OpenAI adapts the Chat Completions streaming API.
type OpenAI struct {
	client    *openai.Client
	modelIDs  []string
	maxTokens int
}

// OpenAIConfig configures the adapter.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Models    []string
	MaxTokens int
}

// NewOpenAI creates the adapter.
func NewOpenAI(config OpenAIConfig) *OpenAI {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	modelIDs := config.Models
	if len(modelIDs) == 0 {
		modelIDs = []string{"gpt-4o", "gpt-4o-mini"}
	}
	return &OpenAI{
		client:    openai.NewClientWithConfig(clientConfig),
		modelIDs:  modelIDs,
		maxTokens: maxTokens,
	}
}

func (p *OpenAI) Name() string     { return "openai" }
func (p *OpenAI) Models() []string { return p.modelIDs }

// UsageMethod is direct: reported prompt tokens already cover the full
// context.
func (p *OpenAI) UsageMethod() tokens.Method { return tokens.MethodDirect }

// StreamTurn starts a streaming completion.
func (p *OpenAI) StreamTurn(ctx context.Context, req Request) (*Stream, error) {
	messages := p.convertMessages(req.Messages, req.System)

	chatReq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else {
		chatReq.MaxTokens = p.maxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sdkStream, err := p.client.CreateChatCompletionStream(streamCtx, chatReq)
	if err != nil {
		cancel()
		return nil, NewError("openai", req.Model, err)
	}

	out := make(chan StreamEvent, 32)
	go func() {
		defer close(out)
		defer sdkStream.Close()
		p.pump(streamCtx, sdkStream, out, req.Model)
	}()
	return NewStream(out, cancel), nil
}

func (p *OpenAI) pump(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- StreamEvent, model string) {
	var (
		usage      tokens.Usage
		stopReason = StopEndTurn
		started    = false
		openCalls  = map[int]bool{}
	)

	finish := func(reason StopReason) {
		for index := range openCalls {
			out <- StreamEvent{Kind: KindToolCallEnd, ToolCall: &ToolCallRef{Index: index}}
		}
		out <- StreamEvent{Kind: KindDone, StopReason: reason, Usage: usage}
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				finish(stopReason)
				return
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				finish(StopInterrupted)
				return
			}
			out <- StreamEvent{Kind: KindError, Err: NewError("openai", model, err)}
			return
		}

		if !started {
			started = true
			out <- StreamEvent{Kind: KindStart}
		}
		if response.Usage != nil {
			usage.InputTokens = int64(response.Usage.PromptTokens)
			usage.OutputTokens = int64(response.Usage.CompletionTokens)
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			out <- StreamEvent{Kind: KindTextDelta, Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if !openCalls[index] {
				openCalls[index] = true
				out <- StreamEvent{
					Kind:     KindToolCallStart,
					ToolCall: &ToolCallRef{Index: index, ID: tc.ID, Name: tc.Function.Name},
				}
			}
			if tc.Function.Arguments != "" {
				out <- StreamEvent{
					Kind:        KindToolCallDelta,
					ToolCall:    &ToolCallRef{Index: index},
					PartialJSON: tc.Function.Arguments,
				}
			}
		}

		if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
			stopReason = normalizeOpenAIStop(choice.FinishReason)
		}
	}
}

func (p *OpenAI) convertMessages(msgs []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			calls := msg.ToolCalls()
			if len(calls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(calls))
				for i, tc := range calls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			// Tool results each become a separate "tool" role message; plain
			// text lands in a user message.
			var text string
			for _, block := range msg.Blocks {
				switch block.Type {
				case models.BlockText:
					text += block.Text
				case models.BlockToolResult:
					if block.ToolResult != nil {
						result = append(result, openai.ChatCompletionMessage{
							Role:       openai.ChatMessageRoleTool,
							Content:    block.ToolResult.Content,
							ToolCallID: block.ToolResult.ToolCallID,
						})
					}
				}
			}
			if text != "" {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: text,
				})
			}
		}
	}
	return result
}

func (p *OpenAI) convertTools(defs []ToolDef) []openai.Tool {
	result := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		var schema any
		if len(def.Schema) > 0 {
			if err := json.Unmarshal(def.Schema, &schema); err != nil {
				schema = map[string]any{"type": "object"}
			}
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schema,
			},
		})
	}
	return result
}

func normalizeOpenAIStop(reason openai.FinishReason) StopReason {
	switch reason {
	case openai.FinishReasonStop:
		return StopEndTurn
	case openai.FinishReasonLength:
		return StopMaxTokens
	case openai.FinishReasonToolCalls:
		return StopToolUse
	case openai.FinishReasonContentFilter:
		return StopEndTurn
	default:
		return StopEndTurn
	}
}
