package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"google.golang.org/genai"

	"github.com/loomhq/loom/internal/tokens"
	"github.com/loomhq/loom/pkg/models"
)

// Google adapts the Gemini streaming API.
type Google struct {
	client    *genai.Client
	modelIDs  []string
	maxTokens int
	callSeq   atomic.Int64
}

// GoogleConfig configures the adapter.
type GoogleConfig struct {
	APIKey    string
	Models    []string
	MaxTokens int
}

// NewGoogle creates the adapter. The SDK client performs no network calls at
// construction time.
func NewGoogle(ctx context.Context, config GoogleConfig) (*Google, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	modelIDs := config.Models
	if len(modelIDs) == 0 {
		modelIDs = []string{"gemini-2.0-flash", "gemini-1.5-pro"}
	}
	return &Google{
		client:    client,
		modelIDs:  modelIDs,
		maxTokens: maxTokens,
	}, nil
}

func (p *Google) Name() string               { return "google" }
func (p *Google) Models() []string           { return p.modelIDs }
func (p *Google) UsageMethod() tokens.Method { return tokens.MethodDirect }

// StreamTurn starts a streaming generation.
func (p *Google) StreamTurn(ctx context.Context, req Request) (*Stream, error) {
	contents := p.convertMessages(req.Messages)
	config := p.buildConfig(req)

	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan StreamEvent, 32)
	go func() {
		defer close(out)
		p.pump(streamCtx, req.Model, contents, config, out)
	}()
	return NewStream(out, cancel), nil
}

func (p *Google) pump(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, out chan<- StreamEvent) {
	var (
		usage      tokens.Usage
		stopReason = StopEndTurn
		started    = false
		toolIndex  = -1
	)

	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if ctx.Err() != nil {
			out <- StreamEvent{Kind: KindDone, StopReason: StopInterrupted, Usage: usage}
			return
		}
		if err != nil {
			out <- StreamEvent{Kind: KindError, Err: NewError("google", model, err)}
			return
		}
		if resp == nil {
			continue
		}

		if !started {
			started = true
			out <- StreamEvent{Kind: KindStart}
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil {
				continue
			}
			if candidate.Content != nil {
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						out <- StreamEvent{Kind: KindTextDelta, Text: part.Text}
					}
					if part.FunctionCall != nil {
						// Gemini delivers whole calls, not argument deltas;
						// replay them as start/delta/end so downstream
						// accumulation stays uniform.
						argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
						if jsonErr != nil {
							argsJSON = []byte("{}")
						}
						toolIndex++
						ref := &ToolCallRef{
							Index: toolIndex,
							ID:    p.mintCallID(part.FunctionCall.Name),
							Name:  part.FunctionCall.Name,
						}
						out <- StreamEvent{Kind: KindToolCallStart, ToolCall: ref}
						out <- StreamEvent{
							Kind:        KindToolCallDelta,
							ToolCall:    &ToolCallRef{Index: toolIndex},
							PartialJSON: string(argsJSON),
						}
						out <- StreamEvent{Kind: KindToolCallEnd, ToolCall: &ToolCallRef{Index: toolIndex}}
						stopReason = StopToolUse
					}
				}
			}
			if candidate.FinishReason != "" {
				stopReason = normalizeGoogleStop(candidate.FinishReason, toolIndex >= 0)
			}
		}
	}

	if ctx.Err() != nil {
		out <- StreamEvent{Kind: KindDone, StopReason: StopInterrupted, Usage: usage}
		return
	}
	out <- StreamEvent{Kind: KindDone, StopReason: stopReason, Usage: usage}
}

// mintCallID synthesizes a tool-call id; Gemini function calls carry none.
func (p *Google) mintCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, p.callSeq.Add(1))
}

func (p *Google) convertMessages(msgs []models.Message) []*genai.Content {
	result := make([]*genai.Content, 0, len(msgs))
	// Gemini pairs function responses by name, so remember what each call id
	// was named.
	callNames := map[string]string{}

	for _, msg := range msgs {
		role := genai.RoleUser
		if msg.Role == models.RoleAssistant {
			role = genai.RoleModel
		}

		var parts []*genai.Part
		for _, block := range msg.Blocks {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					parts = append(parts, &genai.Part{Text: block.Text})
				}
			case models.BlockToolUse:
				if block.ToolCall == nil {
					continue
				}
				callNames[block.ToolCall.ID] = block.ToolCall.Name
				var args map[string]any
				if len(block.ToolCall.Input) > 0 {
					if err := json.Unmarshal(block.ToolCall.Input, &args); err != nil {
						args = map[string]any{}
					}
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						Name: block.ToolCall.Name,
						Args: args,
					},
				})
			case models.BlockToolResult:
				if block.ToolResult == nil {
					continue
				}
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						Name: callNames[block.ToolResult.ToolCallID],
						Response: map[string]any{
							"result": block.ToolResult.Content,
						},
					},
				})
			}
			// Thinking blocks are not replayed.
		}
		if len(parts) == 0 {
			continue
		}
		result = append(result, &genai.Content{Role: role, Parts: parts})
	}
	return result
}

func (p *Google) buildConfig(req Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	config.MaxOutputTokens = int32(maxTokens)
	if len(req.Tools) > 0 {
		config.Tools = p.convertTools(req.Tools)
	}
	return config
}

func (p *Google) convertTools(defs []ToolDef) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		var schemaMap map[string]any
		if len(def.Schema) > 0 {
			if err := json.Unmarshal(def.Schema, &schemaMap); err != nil {
				continue
			}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type. Only the
// subset Gemini understands is carried over.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

func normalizeGoogleStop(reason genai.FinishReason, sawToolCall bool) StopReason {
	switch reason {
	case genai.FinishReasonStop:
		if sawToolCall {
			return StopToolUse
		}
		return StopEndTurn
	case genai.FinishReasonMaxTokens:
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}
