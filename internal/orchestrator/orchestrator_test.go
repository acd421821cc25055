package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/compose"
	"github.com/loomhq/loom/internal/provider"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tokens"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// scriptedProvider replays pre-built streams, one per StreamTurn call.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]provider.StreamEvent
	calls   int
	reqs    []provider.Request

	// block, when set, delays each event until the channel is signalled or
	// the context is cancelled. Used by interruption tests.
	block chan struct{}
}

func (p *scriptedProvider) Name() string               { return "scripted" }
func (p *scriptedProvider) Models() []string           { return []string{"test-model"} }
func (p *scriptedProvider) UsageMethod() tokens.Method { return tokens.MethodAnthropicCacheAware }

func (p *scriptedProvider) StreamTurn(ctx context.Context, req provider.Request) (*provider.Stream, error) {
	p.mu.Lock()
	if p.calls >= len(p.scripts) {
		p.mu.Unlock()
		return nil, fmt.Errorf("no script for call %d", p.calls)
	}
	script := p.scripts[p.calls]
	p.calls++
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan provider.StreamEvent)
	go func() {
		defer close(out)
		for _, ev := range script {
			if p.block != nil {
				select {
				case <-p.block:
				case <-streamCtx.Done():
					out <- provider.StreamEvent{Kind: provider.KindDone, StopReason: provider.StopInterrupted}
					return
				}
			}
			select {
			case out <- ev:
			case <-streamCtx.Done():
				out <- provider.StreamEvent{Kind: provider.KindDone, StopReason: provider.StopInterrupted}
				return
			}
		}
	}()
	return provider.NewStream(out, cancel), nil
}

type fixedRouter struct{ p provider.Provider }

func (r fixedRouter) ForModel(string) (provider.Provider, error) { return r.p, nil }

func textTurn(text string, usage tokens.Usage) []provider.StreamEvent {
	return []provider.StreamEvent{
		{Kind: provider.KindStart},
		{Kind: provider.KindTextDelta, Text: text},
		{Kind: provider.KindDone, StopReason: provider.StopEndTurn, Usage: usage},
	}
}

func toolTurn(callID, name, args string) []provider.StreamEvent {
	ref := &provider.ToolCallRef{Index: 0, ID: callID, Name: name}
	return []provider.StreamEvent{
		{Kind: provider.KindStart},
		{Kind: provider.KindToolCallStart, ToolCall: ref},
		{Kind: provider.KindToolCallDelta, ToolCall: ref, PartialJSON: args},
		{Kind: provider.KindToolCallEnd, ToolCall: ref},
		{Kind: provider.KindDone, StopReason: provider.StopToolUse, Usage: tokens.Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

type fixture struct {
	store *store.Store
	bus   *bus.Bus
	orch  *Orchestrator
	reg   *tools.Registry
}

func newFixture(t *testing.T, prov provider.Provider, cfg Config) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	b := bus.New(s, bus.Options{})
	reg := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(reg, tools.DispatcherConfig{}, nil, nil)

	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "test-model"
	}
	orch := New(Deps{
		Store:      s,
		Composer:   compose.New(compose.Options{}),
		Providers:  fixedRouter{p: prov},
		Dispatcher: dispatcher,
		Accountant: tokens.NewAccountant(),
		Bus:        b,
	}, cfg)
	return &fixture{store: s, bus: b, orch: orch, reg: reg}
}

func (f *fixture) newSession(t *testing.T) *models.Session {
	t.Helper()
	session, err := f.store.CreateSession(context.Background(), store.CreateSessionParams{
		WorkspacePath: "/tmp/proj",
		Model:         "test-model",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func eventTypes(t *testing.T, s *store.Store, sessionID string) []models.EventType {
	t.Helper()
	events, err := s.EventsBySession(context.Background(), sessionID, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	out := make([]models.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestSingleTurnNoTools(t *testing.T) {
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{
		textTurn("Hi!", tokens.Usage{InputTokens: 8, OutputTokens: 2}),
	}}
	f := newFixture(t, prov, Config{})
	session := f.newSession(t)

	outcome, err := f.orch.Run(context.Background(), session.ID, RunOptions{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Status != StatusCompleted {
		t.Fatalf("status %s, want completed", outcome.Status)
	}
	if outcome.FinalText != "Hi!" {
		t.Errorf("final text %q, want %q", outcome.FinalText, "Hi!")
	}

	want := []models.EventType{
		models.EventSessionStarted,
		models.EventStreamTurnStart,
		models.EventMessageUser,
		models.EventMessageAssistant,
		models.EventStreamTurnEnd,
		models.EventMemoryLedger,
	}
	got := eventTypes(t, f.store, session.ID)
	if len(got) != len(want) {
		t.Fatalf("event types %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: %s, want %s", i, got[i], want[i])
		}
	}

	events, _ := f.store.EventsBySession(context.Background(), session.ID, 0)
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Errorf("event %d: sequence %d, want %d", i, ev.Sequence, i+1)
		}
	}
}

func TestToolLoop(t *testing.T) {
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{
		toolTurn("toolu_01", "Read", `{"path":"foo.txt"}`),
		textTurn("foo.txt says: contents", tokens.Usage{InputTokens: 20, OutputTokens: 6}),
	}}
	f := newFixture(t, prov, Config{})
	f.reg.Register(&tools.Func{
		ToolName:        "Read",
		ToolDescription: "read a file",
		ToolMeta:        tools.Meta{SideEffectFree: true},
		Fn: func(ctx context.Context, params json.RawMessage, opts tools.ExecOptions) (*models.ToolResult, error) {
			return &models.ToolResult{Content: "contents"}, nil
		},
	})
	session := f.newSession(t)

	outcome, err := f.orch.Run(context.Background(), session.ID, RunOptions{Prompt: "Read foo.txt then summarize"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Status != StatusCompleted || outcome.Turns != 2 {
		t.Fatalf("outcome %+v, want completed in 2 turns", outcome)
	}

	events, _ := f.store.EventsBySession(context.Background(), session.ID, 0)
	var sawCall, sawResult bool
	for _, ev := range events {
		switch ev.Type {
		case models.EventToolCall:
			if ev.ToolName != "Read" {
				t.Errorf("tool.call name %q, want Read", ev.ToolName)
			}
			sawCall = true
		case models.EventToolResult:
			var result models.ToolResult
			if err := json.Unmarshal(ev.Payload, &result); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if result.IsError {
				t.Error("tool result unexpectedly errored")
			}
			if !sawCall {
				t.Error("tool.result before tool.call")
			}
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("missing tool events: call=%v result=%v", sawCall, sawResult)
	}

	// Every tool call id pairs with exactly one result.
	callIDs := map[string]int{}
	for _, ev := range events {
		if ev.Type == models.EventToolResult {
			callIDs[ev.ToolCallID]++
		}
	}
	for id, n := range callIDs {
		if n != 1 {
			t.Errorf("tool call %s has %d results", id, n)
		}
	}
}

func TestToolCallTruncatedAtMaxTokens(t *testing.T) {
	// The stream opens a tool call but stops at the output cap, so no tool
	// executes. The turn must still persist balanced call/result pairs and a
	// turn-end marker.
	ref := &provider.ToolCallRef{Index: 0, ID: "toolu_trunc", Name: "Read"}
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{{
		{Kind: provider.KindStart},
		{Kind: provider.KindToolCallStart, ToolCall: ref},
		{Kind: provider.KindToolCallDelta, ToolCall: ref, PartialJSON: `{"path":"fo`},
		{Kind: provider.KindDone, StopReason: provider.StopMaxTokens, Usage: tokens.Usage{InputTokens: 12, OutputTokens: 9}},
	}}}
	f := newFixture(t, prov, Config{})
	session := f.newSession(t)

	outcome, err := f.orch.Run(context.Background(), session.ID, RunOptions{Prompt: "go"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Status != StatusCompleted {
		t.Fatalf("status %s, want completed", outcome.Status)
	}
	if outcome.StopReason != provider.StopMaxTokens {
		t.Errorf("stop reason %s, want max_tokens", outcome.StopReason)
	}

	events, _ := f.store.EventsBySession(context.Background(), session.ID, 0)
	var sawEnd bool
	var result *models.ToolResult
	for _, ev := range events {
		switch ev.Type {
		case models.EventStreamTurnEnd:
			sawEnd = true
		case models.EventToolResult:
			var r models.ToolResult
			if err := json.Unmarshal(ev.Payload, &r); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			result = &r
		}
	}
	if !sawEnd {
		t.Error("missing stream.turn_end")
	}
	if result == nil {
		t.Fatal("truncated tool call has no paired result")
	}
	if !result.IsError || !strings.Contains(result.Content, "not executed") {
		t.Errorf("result %+v, want unexecuted error", result)
	}
}

func TestReplayedHistoryUsesVendorToolCallIDs(t *testing.T) {
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{
		toolTurn("toolu_99", "Read", `{"path":"foo.txt"}`),
		textTurn("done", tokens.Usage{InputTokens: 20, OutputTokens: 4}),
	}}
	f := newFixture(t, prov, Config{})
	f.reg.Register(&tools.Func{
		ToolName: "Read",
		ToolMeta: tools.Meta{SideEffectFree: true},
		Fn: func(ctx context.Context, params json.RawMessage, opts tools.ExecOptions) (*models.ToolResult, error) {
			return &models.ToolResult{Content: "contents"}, nil
		},
	})
	session := f.newSession(t)

	if _, err := f.orch.Run(context.Background(), session.ID, RunOptions{Prompt: "go"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	prov.mu.Lock()
	defer prov.mu.Unlock()
	if len(prov.reqs) != 2 {
		t.Fatalf("expected 2 provider requests, got %d", len(prov.reqs))
	}
	var sawCall, sawResult bool
	for _, msg := range prov.reqs[1].Messages {
		for _, b := range msg.Blocks {
			if b.ToolCall != nil {
				sawCall = true
				if b.ToolCall.ID != "toolu_99" {
					t.Errorf("replayed tool_use id %q, want toolu_99", b.ToolCall.ID)
				}
			}
			if b.ToolResult != nil {
				sawResult = true
				if b.ToolResult.ToolCallID != "toolu_99" {
					t.Errorf("replayed tool_result id %q, want toolu_99", b.ToolResult.ToolCallID)
				}
			}
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("second request missing tool history: call=%v result=%v", sawCall, sawResult)
	}
}

func TestInterruptMidStream(t *testing.T) {
	block := make(chan struct{}, 8)
	prov := &scriptedProvider{
		block: block,
		scripts: [][]provider.StreamEvent{{
			{Kind: provider.KindTextDelta, Text: "partial "},
			{Kind: provider.KindTextDelta, Text: "never delivered"},
			{Kind: provider.KindDone, StopReason: provider.StopEndTurn},
		}},
	}
	f := newFixture(t, prov, Config{})
	session := f.newSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Outcome, 1)
	go func() {
		outcome, err := f.orch.Run(ctx, session.ID, RunOptions{Prompt: "go"})
		if err != nil {
			t.Errorf("run: %v", err)
		}
		done <- outcome
	}()

	block <- struct{}{} // let the first delta through
	time.Sleep(50 * time.Millisecond)
	cancel()

	outcome := <-done
	if outcome == nil || outcome.Status != StatusInterrupted {
		t.Fatalf("outcome %+v, want interrupted", outcome)
	}

	events, _ := f.store.EventsBySession(context.Background(), session.ID, 0)
	var assistant, notify *models.Event
	for _, ev := range events {
		switch ev.Type {
		case models.EventMessageAssistant:
			assistant = ev
		case models.EventNotificationInterrupted:
			notify = ev
		case models.EventStreamTurnEnd:
			t.Error("interrupted turn must not have stream.turn_end")
		}
	}
	if assistant == nil || notify == nil {
		t.Fatalf("missing interrupt events: assistant=%v notify=%v", assistant, notify)
	}

	var body struct {
		Interrupted bool   `json:"interrupted"`
		StopReason  string `json:"stop_reason"`
		Blocks      []struct {
			Text string `json:"text"`
		} `json:"blocks"`
	}
	if err := json.Unmarshal(assistant.Payload, &body); err != nil {
		t.Fatalf("decode assistant: %v", err)
	}
	if !body.Interrupted || body.StopReason != "interrupted" {
		t.Errorf("assistant payload %+v, want interrupted markers", body)
	}
	if len(body.Blocks) == 0 || !strings.Contains(body.Blocks[0].Text, "partial") {
		t.Errorf("partial content not persisted: %+v", body.Blocks)
	}

	var notifyBody struct {
		Turn int `json:"turn"`
	}
	_ = json.Unmarshal(notify.Payload, &notifyBody)
	if notifyBody.Turn < 1 {
		t.Errorf("notification turn %d, want >= 1", notifyBody.Turn)
	}
}

func TestEmptyPromptStartsNothing(t *testing.T) {
	prov := &scriptedProvider{}
	f := newFixture(t, prov, Config{})
	session := f.newSession(t)

	if _, err := f.orch.Run(context.Background(), session.ID, RunOptions{Prompt: "   "}); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
	got := eventTypes(t, f.store, session.ID)
	if len(got) != 1 || got[0] != models.EventSessionStarted {
		t.Errorf("events %v, want only session.started", got)
	}
}

func TestTurnCap(t *testing.T) {
	// The model asks for a tool every turn, forever.
	scripts := make([][]provider.StreamEvent, 5)
	for i := range scripts {
		scripts[i] = toolTurn(fmt.Sprintf("toolu_%02d", i), "Spin", `{}`)
	}
	prov := &scriptedProvider{scripts: scripts}
	f := newFixture(t, prov, Config{MaxTurns: 3})
	f.reg.Register(&tools.Func{
		ToolName: "Spin",
		Fn: func(ctx context.Context, params json.RawMessage, opts tools.ExecOptions) (*models.ToolResult, error) {
			return &models.ToolResult{Content: "again"}, nil
		},
	})
	session := f.newSession(t)

	outcome, err := f.orch.Run(context.Background(), session.ID, RunOptions{Prompt: "spin"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Status != StatusFailed {
		t.Fatalf("status %s, want failed", outcome.Status)
	}

	events, _ := f.store.EventsBySession(context.Background(), session.ID, 0)
	last := events[len(events)-1]
	if last.Type != models.EventTurnFailed {
		t.Fatalf("last event %s, want turn.failed", last.Type)
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(last.Payload, &body)
	if body.Reason != "max_turns" {
		t.Errorf("reason %q, want max_turns", body.Reason)
	}
}

func TestValidationRetryExhaustion(t *testing.T) {
	scripts := make([][]provider.StreamEvent, 4)
	for i := range scripts {
		scripts[i] = toolTurn(fmt.Sprintf("toolu_%02d", i), "Strict", `{"wrong":true}`)
	}
	scripts[3] = textTurn("giving up", tokens.Usage{})
	prov := &scriptedProvider{scripts: scripts}
	f := newFixture(t, prov, Config{MaxValidationRetries: 2})
	f.reg.Register(&tools.Func{
		ToolName: "Strict",
		Fn: func(ctx context.Context, params json.RawMessage, opts tools.ExecOptions) (*models.ToolResult, error) {
			return &models.ToolResult{Content: "field `right` is required", NeedsRetry: true}, nil
		},
	})
	session := f.newSession(t)

	outcome, err := f.orch.Run(context.Background(), session.ID, RunOptions{Prompt: "be strict"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Status != StatusCompleted {
		t.Fatalf("status %s, want completed", outcome.Status)
	}

	// The second failure crosses the cap and becomes a terminal error result.
	events, _ := f.store.EventsBySession(context.Background(), session.ID, 0)
	var terminal bool
	for _, ev := range events {
		if ev.Type != models.EventToolResult {
			continue
		}
		var result models.ToolResult
		_ = json.Unmarshal(ev.Payload, &result)
		if result.IsError && !result.NeedsRetry {
			terminal = true
		}
	}
	if !terminal {
		t.Error("validation retries never became a terminal error")
	}
}

func TestStopTurnFinishesWithoutLooping(t *testing.T) {
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{
		toolTurn("toolu_01", "AskUser", `{}`),
	}}
	f := newFixture(t, prov, Config{})
	f.reg.Register(&tools.Func{
		ToolName: "AskUser",
		Fn: func(ctx context.Context, params json.RawMessage, opts tools.ExecOptions) (*models.ToolResult, error) {
			return &models.ToolResult{Content: "waiting for user", StopTurn: true}, nil
		},
	})
	session := f.newSession(t)

	outcome, err := f.orch.Run(context.Background(), session.ID, RunOptions{Prompt: "ask"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Status != StatusCompleted || outcome.Turns != 1 {
		t.Fatalf("outcome %+v, want completed in 1 turn despite tool_use", outcome)
	}
}

func TestProviderErrorFailsTurn(t *testing.T) {
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{{
		{Kind: provider.KindTextDelta, Text: "some output"},
		{Kind: provider.KindError, Err: fmt.Errorf("stream reset")},
	}}}
	f := newFixture(t, prov, Config{})
	session := f.newSession(t)

	outcome, err := f.orch.Run(context.Background(), session.ID, RunOptions{Prompt: "go"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Status != StatusFailed {
		t.Fatalf("status %s, want failed", outcome.Status)
	}
	got := eventTypes(t, f.store, session.ID)
	var sawProviderError, sawTurnFailed bool
	for _, typ := range got {
		if typ == models.EventErrorProvider {
			sawProviderError = true
		}
		if typ == models.EventTurnFailed {
			sawTurnFailed = true
		}
	}
	if !sawProviderError || !sawTurnFailed {
		t.Errorf("events %v, want error.provider and turn.failed", got)
	}
}

func TestCompactionTriggersAndTruncates(t *testing.T) {
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{
		textTurn("ok", tokens.Usage{InputTokens: 100, OutputTokens: 10}),
	}}
	// Tiny budget so the pre-filled history trips the threshold immediately.
	f := newFixture(t, prov, Config{MaxContextTokens: 500, CompactionThreshold: 0.9, PreserveRecent: 2})
	session := f.newSession(t)

	filler := strings.Repeat("lorem ipsum dolor sit amet ", 20)
	for i := 0; i < 10; i++ {
		for _, role := range []models.Role{models.RoleUser, models.RoleAssistant} {
			typ := models.EventMessageUser
			if role == models.RoleAssistant {
				typ = models.EventMessageAssistant
			}
			if _, err := f.store.Append(context.Background(), models.EventInput{
				SessionID: session.ID,
				Type:      typ,
				Role:      string(role),
				Payload:   json.RawMessage(fmt.Sprintf(`{"text":%q}`, fmt.Sprintf("%d %s", i, filler))),
			}); err != nil {
				t.Fatalf("seed history: %v", err)
			}
		}
	}

	outcome, err := f.orch.Run(context.Background(), session.ID, RunOptions{Prompt: "continue"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Status != StatusCompleted {
		t.Fatalf("status %s, want completed", outcome.Status)
	}

	got := eventTypes(t, f.store, session.ID)
	var sawBoundary, sawSummary bool
	for _, typ := range got {
		if typ == models.EventCompactBoundary {
			sawBoundary = true
		}
		if typ == models.EventCompactSummary {
			sawSummary = true
		}
	}
	if !sawBoundary || !sawSummary {
		t.Fatalf("events %v, want compact.boundary and compact.summary", got)
	}

	// Recomposition starts at the boundary: a summary message plus the
	// preserved tail, not the 20 seeded messages.
	events, _ := f.store.EventsBySession(context.Background(), session.ID, 0)
	comp, err := compose.New(compose.Options{}).Compose(events)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(comp.Messages) >= 20 {
		t.Errorf("composed %d messages, want far fewer after compaction", len(comp.Messages))
	}
	if !strings.Contains(comp.Messages[0].Text(), "Compacted conversation") {
		t.Errorf("first composed message %q is not the summary", comp.Messages[0].Text())
	}
}

func TestStreamEnvelopesReachSubscribers(t *testing.T) {
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{
		textTurn("Hi!", tokens.Usage{InputTokens: 8, OutputTokens: 2}),
	}}
	f := newFixture(t, prov, Config{})
	session := f.newSession(t)

	sub := f.bus.Subscribe("agent.*")
	defer f.bus.Unsubscribe(sub)

	if _, err := f.orch.Run(context.Background(), session.ID, RunOptions{Prompt: "Hello"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	seen := map[string]bool{}
	timeout := time.After(time.Second)
	for len(seen) < 4 {
		select {
		case env := <-sub.C():
			seen[env.Type] = true
		case <-timeout:
			t.Fatalf("timed out; saw %v", seen)
		}
	}
	for _, want := range []string{EnvTurnStart, EnvTextDelta, EnvTurnEnd, EnvComplete} {
		if !seen[want] {
			t.Errorf("missing envelope %s; saw %v", want, seen)
		}
	}
}
