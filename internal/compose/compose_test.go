package compose

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/loomhq/loom/pkg/models"
)

var seqCounter int64

func ev(t models.EventType, payload string, ts time.Time) *models.Event {
	seqCounter++
	return &models.Event{
		ID:        fmt.Sprintf("evt_%d", seqCounter),
		SessionID: "sess_1",
		Sequence:  seqCounter,
		Type:      t,
		Timestamp: ts,
		Payload:   json.RawMessage(payload),
	}
}

func userEv(text string, ts time.Time) *models.Event {
	b, _ := json.Marshal(map[string]string{"text": text})
	return ev(models.EventMessageUser, string(b), ts)
}

func assistantEv(text string, ts time.Time) *models.Event {
	b, _ := json.Marshal(map[string]any{
		"blocks": []map[string]any{{"type": "text", "text": text}},
	})
	return ev(models.EventMessageAssistant, string(b), ts)
}

func toolResultEv(content string, ts time.Time) *models.Event {
	b, _ := json.Marshal(map[string]any{"tool_call_id": "tc_1", "content": content})
	e := ev(models.EventToolResult, string(b), ts)
	e.ToolName = "read_file"
	return e
}

func fixedComposer(now time.Time) *Composer {
	return New(Options{Now: func() time.Time { return now }})
}

func TestComposeBasicConversation(t *testing.T) {
	now := time.Now()
	events := []*models.Event{
		ev(models.EventSessionStarted, `{}`, now),
		userEv("hello", now),
		assistantEv("hi there", now),
		ev(models.EventStreamTextDelta, `{"text":"hi"}`, now), // operational, never composed
	}

	c := fixedComposer(now)
	res, err := c.Compose(events)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(res.Messages))
	}
	if res.Messages[0].Role != models.RoleUser || res.Messages[0].Text() != "hello" {
		t.Errorf("first message: %+v", res.Messages[0])
	}
	if res.Messages[1].Role != models.RoleAssistant || res.Messages[1].Text() != "hi there" {
		t.Errorf("second message: %+v", res.Messages[1])
	}
}

func TestComposeSkipsTombstonedMessages(t *testing.T) {
	now := time.Now()
	deleted := userEv("secret", now)
	tombstone := ev(models.EventMessageDeleted,
		fmt.Sprintf(`{"target_event_id":%q}`, deleted.ID), now)

	events := []*models.Event{
		userEv("keep me", now),
		deleted,
		tombstone,
	}

	res, err := fixedComposer(now).Compose(events)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(res.Messages))
	}
	if strings.Contains(res.Messages[0].Text(), "secret") {
		t.Error("tombstoned content leaked into composed view")
	}
}

func TestComposeTruncatesAtCompactBoundary(t *testing.T) {
	now := time.Now()
	events := []*models.Event{
		userEv("old question", now),
		assistantEv("old answer", now),
		ev(models.EventCompactBoundary, `{"compacted_events":2}`, now),
		ev(models.EventCompactSummary, `{"summary":"Earlier: user asked a question."}`, now),
		userEv("new question", now),
	}

	res, err := fixedComposer(now).Compose(events)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	joined := ""
	for _, m := range res.Messages {
		joined += m.Text() + "\n"
	}
	if strings.Contains(joined, "old question") || strings.Contains(joined, "old answer") {
		t.Error("pre-boundary content leaked past compaction")
	}
	if !strings.Contains(joined, "Earlier: user asked a question.") {
		t.Error("compact summary missing from composed view")
	}
	if !strings.Contains(joined, "new question") {
		t.Error("post-boundary content missing")
	}
}

func TestComposeContextClearedDropsEverythingBefore(t *testing.T) {
	now := time.Now()
	events := []*models.Event{
		userEv("before clear", now),
		assistantEv("reply", now),
		ev(models.EventContextCleared, `{}`, now),
		userEv("after clear", now),
	}

	res, err := fixedComposer(now).Compose(events)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 message after clear, got %d", len(res.Messages))
	}
	if res.Messages[0].Text() != "after clear" {
		t.Errorf("unexpected surviving message %q", res.Messages[0].Text())
	}
}

func TestComposeTracksConfigAndCycles(t *testing.T) {
	now := time.Now()
	events := []*models.Event{
		ev(models.EventConfigPromptUpdate, `{"prompt":"be terse"}`, now),
		ev(models.EventConfigModelSwitch, `{"model":"gpt-4o"}`, now),
		ev(models.EventConfigReasoningLevel, `{"level":"high"}`, now),
		ev(models.EventMemoryLedger, `{}`, now),
		ev(models.EventCompactBoundary, `{}`, now), // not a cycle boundary
		ev(models.EventMemoryLedger, `{}`, now),
		userEv("hi", now),
	}

	res, err := fixedComposer(now).Compose(events)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if res.SystemPrompt != "be terse" {
		t.Errorf("system prompt %q", res.SystemPrompt)
	}
	if res.Model != "gpt-4o" {
		t.Errorf("model %q", res.Model)
	}
	if res.ReasoningLevel != "high" {
		t.Errorf("reasoning level %q", res.ReasoningLevel)
	}
	if res.CycleCount != 2 {
		t.Errorf("cycle count %d, want 2 (compaction must not count)", res.CycleCount)
	}
}

func TestPruneLargeStaleToolResults(t *testing.T) {
	now := time.Now()
	old := now.Add(-10 * time.Minute)
	big := strings.Repeat("x", 4096)

	var events []*models.Event
	// An old turn with a large tool result, then 3 fresh assistant turns to
	// fill the protected window.
	events = append(events,
		userEv("old", old),
		assistantEv("calling tool", old),
		toolResultEv(big, old),
		assistantEv("turn 1", now),
		userEv("q2", now),
		assistantEv("turn 2", now),
		userEv("q3", now),
		assistantEv("turn 3", now),
	)

	res, err := fixedComposer(now).Compose(events)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if res.PrunedResults != 1 {
		t.Fatalf("pruned %d results, want 1", res.PrunedResults)
	}
	for _, m := range res.Messages {
		for _, b := range m.Blocks {
			if b.ToolResult != nil && strings.Contains(b.ToolResult.Content, "xxxx") {
				t.Error("large stale tool result not pruned")
			}
		}
	}
}

func TestPruneSparesRecentAndSmallResults(t *testing.T) {
	now := time.Now()
	big := strings.Repeat("x", 4096)

	events := []*models.Event{
		userEv("q1", now),
		assistantEv("a1", now),
		toolResultEv(big, now), // large but fresh
		toolResultEv("small", now.Add(-time.Hour)),
		assistantEv("a2", now),
		assistantEv("a3", now),
		assistantEv("a4", now),
	}

	res, err := fixedComposer(now).Compose(events)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if res.PrunedResults != 0 {
		t.Errorf("pruned %d results, want 0", res.PrunedResults)
	}
}

func TestComposeIsDeterministic(t *testing.T) {
	now := time.Now()
	events := []*models.Event{
		userEv("hello", now),
		assistantEv("hi", now),
		toolResultEv("result", now),
		assistantEv("done", now),
	}

	c := fixedComposer(now)
	first, err := c.Compose(events)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	second, err := c.Compose(events)
	if err != nil {
		t.Fatalf("compose again: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Error("composition is not deterministic for identical input")
	}
}

func TestDigestIsDeterministicAndDescriptive(t *testing.T) {
	now := time.Now()
	call1 := ev(models.EventToolCall, `{}`, now)
	call1.ToolName = "read_file"
	call2 := ev(models.EventToolCall, `{}`, now)
	call2.ToolName = "bash"
	call3 := ev(models.EventToolCall, `{}`, now)
	call3.ToolName = "read_file"

	span := []*models.Event{
		userEv("please fix the bug in the parser", now),
		assistantEv("looking", now),
		call1, call2, call3,
		userEv("now add a test", now),
	}

	d1 := Digest(span)
	d2 := Digest(span)
	if d1 != d2 {
		t.Fatal("digest is not deterministic")
	}
	if !strings.Contains(d1, "2 user and 1 assistant") {
		t.Errorf("digest missing counts: %s", d1)
	}
	if !strings.Contains(d1, "bash (1), read_file (2)") {
		t.Errorf("digest tool counts unsorted or wrong: %s", d1)
	}
	if !strings.Contains(d1, "fix the bug") {
		t.Errorf("digest missing opening excerpt: %s", d1)
	}
}

func TestComposeSystemMessagesExtendSystemPrompt(t *testing.T) {
	now := time.Now()
	events := []*models.Event{
		ev(models.EventSessionStarted, `{}`, now),
		ev(models.EventMessageSystem, `{"text":"you are terse"}`, now),
		userEv("hi", now),
	}

	res, err := fixedComposer(now).Compose(events)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(res.Messages))
	}
	if res.SystemPrompt != "you are terse" {
		t.Errorf("system prompt %q, want %q", res.SystemPrompt, "you are terse")
	}
}

func TestComposeSystemMessagesAppendToPromptUpdate(t *testing.T) {
	now := time.Now()
	events := []*models.Event{
		ev(models.EventConfigPromptUpdate, `{"prompt":"base prompt"}`, now),
		ev(models.EventMessageSystem, `{"text":"stay in character"}`, now),
		userEv("hi", now),
	}

	res, err := fixedComposer(now).Compose(events)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	want := "base prompt\n\nstay in character"
	if res.SystemPrompt != want {
		t.Errorf("system prompt %q, want %q", res.SystemPrompt, want)
	}
}

func TestDigestExcerptStaysValidUTF8(t *testing.T) {
	now := time.Now()
	long := strings.Repeat("日本語のテキスト", 40)
	span := []*models.Event{
		userEv(long, now),
		assistantEv("ok", now),
	}

	d := Digest(span)
	if !utf8.ValidString(d) {
		t.Fatalf("digest contains invalid UTF-8: %q", d)
	}
	if !strings.Contains(d, "日本語") {
		t.Errorf("digest lost the excerpt: %s", d)
	}
}
