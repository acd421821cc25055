package compose

import "github.com/loomhq/loom/pkg/models"

// charsPerToken is the rough byte-to-token ratio used for pre-flight context
// sizing. Providers report exact counts after the fact; this estimate only
// decides when to compact, so erring low is safe.
const charsPerToken = 4

// EstimateTokens approximates the token footprint of a composed message list.
func EstimateTokens(msgs []models.Message) int {
	chars := 0
	for _, msg := range msgs {
		for _, b := range msg.Blocks {
			chars += len(b.Text)
			chars += len(b.Data)
			if b.ToolCall != nil {
				chars += len(b.ToolCall.Name) + len(b.ToolCall.Input)
			}
			if b.ToolResult != nil {
				chars += len(b.ToolResult.Content) + len(b.ToolResult.Details)
			}
			// Per-block overhead for role and structure markers.
			chars += 8
		}
	}
	return chars / charsPerToken
}
