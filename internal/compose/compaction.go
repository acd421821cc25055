package compose

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/loomhq/loom/pkg/models"
)

const excerptLen = 120

// Digest builds a deterministic, non-model summary of a conversation span.
// The same events always produce the same digest, so compaction is
// reproducible and replay-idempotent.
func Digest(events []*models.Event) string {
	var (
		userCount      int
		assistantCount int
		toolCounts     = map[string]int{}
		firstUser      string
		lastUser       string
	)

	for _, ev := range events {
		switch ev.Type {
		case models.EventMessageUser:
			userCount++
			text := payloadText(ev.Payload)
			if firstUser == "" {
				firstUser = text
			}
			lastUser = text
		case models.EventMessageAssistant:
			assistantCount++
		case models.EventToolCall:
			name := ev.ToolName
			if name == "" {
				name = "unknown"
			}
			toolCounts[name]++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Compacted conversation: %d user and %d assistant messages.", userCount, assistantCount)

	if len(toolCounts) > 0 {
		names := make([]string, 0, len(toolCounts))
		for name := range toolCounts {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s (%d)", name, toolCounts[name]))
		}
		fmt.Fprintf(&b, " Tools used: %s.", strings.Join(parts, ", "))
	}

	if firstUser != "" {
		fmt.Fprintf(&b, " Opening request: %s", excerpt(firstUser))
	}
	if lastUser != "" && lastUser != firstUser {
		fmt.Fprintf(&b, " Latest request: %s", excerpt(lastUser))
	}
	return b.String()
}

// CompactionEvents returns the event pair that records a compaction: a
// boundary followed by the digest summary. Callers append them as one batch.
// tokensBefore and tokensAfter are the estimated context sizes around the
// compaction, recorded on the boundary for later inspection.
func CompactionEvents(sessionID string, span []*models.Event, tokensBefore, tokensAfter int) []models.EventInput {
	summary := Digest(span)
	through := int64(0)
	if len(span) > 0 {
		through = span[len(span)-1].Sequence
	}
	return []models.EventInput{
		{
			SessionID: sessionID,
			Type:      models.EventCompactBoundary,
			Payload: mustJSON(map[string]any{
				"compacted_events": len(span),
				"through_sequence": through,
				"tokens_before":    tokensBefore,
				"tokens_after":     tokensAfter,
			}),
		},
		{
			SessionID: sessionID,
			Type:      models.EventCompactSummary,
			Payload:   mustJSON(map[string]any{"summary": summary}),
		},
	}
}

func payloadText(payload json.RawMessage) string {
	var body struct {
		Text   string `json:"text"`
		Blocks []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"blocks"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	if body.Text != "" {
		return body.Text
	}
	for _, b := range body.Blocks {
		if b.Type == string(models.BlockText) && b.Text != "" {
			return b.Text
		}
	}
	return ""
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= excerptLen {
		return s
	}
	// Back up to a rune boundary so the cut never produces invalid UTF-8.
	cut := excerptLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
