package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/orchestrator"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tokens"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// fakeRunner stands in for the orchestrator. When release is set, the run
// blocks until the channel is signalled or the context is cancelled.
type fakeRunner struct {
	mu      sync.Mutex
	seen    []orchestrator.RunOptions
	outcome *orchestrator.Outcome
	err     error
	release chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, sessionID string, opts orchestrator.RunOptions) (*orchestrator.Outcome, error) {
	r.mu.Lock()
	r.seen = append(r.seen, opts)
	r.mu.Unlock()
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return &orchestrator.Outcome{Status: orchestrator.StatusInterrupted, Turns: 1}, nil
		}
	}
	return r.outcome, r.err
}

func (r *fakeRunner) lastOptions(t *testing.T) orchestrator.RunOptions {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		t.Fatal("runner was never invoked")
	}
	return r.seen[len(r.seen)-1]
}

type fixture struct {
	store  *store.Store
	bus    *bus.Bus
	coord  *Coordinator
	parent *models.Session
}

func newFixture(t *testing.T, runner Runner, opts Options) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	b := bus.New(s, bus.Options{})
	coord := New(s, runner, b, nil, opts)
	t.Cleanup(coord.Close)

	parent, err := s.CreateSession(context.Background(), store.CreateSessionParams{
		WorkspacePath: "/tmp/proj",
		Model:         "test-model",
	})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	return &fixture{store: s, bus: b, coord: coord, parent: parent}
}

func TestBlockingSpawnReturnsChildResult(t *testing.T) {
	runner := &fakeRunner{outcome: &orchestrator.Outcome{
		Status:    orchestrator.StatusCompleted,
		Turns:     2,
		FinalText: "X is a distributed queue.",
		Usage:     tokens.Usage{InputTokens: 100, OutputTokens: 50},
	}}
	f := newFixture(t, runner, Options{})

	tool := &spawnTool{c: f.coord}
	result, err := tool.Execute(context.Background(),
		json.RawMessage(`{"task": "summarize X", "blocking": true}`),
		toolOpts(f.parent.ID))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if result.Content != "X is a distributed queue." {
		t.Errorf("content %q, want child final text", result.Content)
	}

	var details struct {
		SessionID    string `json:"session_id"`
		Turns        int    `json:"turns"`
		DurationMS   int64  `json:"duration_ms"`
		InputTokens  int64  `json:"input_tokens"`
		OutputTokens int64  `json:"output_tokens"`
	}
	if err := json.Unmarshal(result.Details, &details); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	if details.Turns != 2 || details.InputTokens != 100 || details.OutputTokens != 50 {
		t.Errorf("details %+v, want turns=2 in=100 out=50", details)
	}
	if details.DurationMS < 0 {
		t.Errorf("negative duration %d", details.DurationMS)
	}

	// The parent log records the spawn; the child log records completion with
	// its usage.
	parentEvents, _ := f.store.EventsBySession(context.Background(), f.parent.ID, 0)
	if !hasEventType(parentEvents, models.EventSubagentSpawned) {
		t.Error("parent log missing subagent.spawned")
	}
	childEvents, _ := f.store.EventsBySession(context.Background(), details.SessionID, 0)
	var completed *models.Event
	for _, ev := range childEvents {
		if ev.Type == models.EventSubagentCompleted {
			completed = ev
		}
	}
	if completed == nil {
		t.Fatal("child log missing subagent.completed")
	}
	if completed.InputTokens != 100 || completed.OutputTokens != 50 {
		t.Errorf("completion tokens in=%d out=%d, want 100/50", completed.InputTokens, completed.OutputTokens)
	}

	child, err := f.store.Session(context.Background(), details.SessionID)
	if err != nil {
		t.Fatalf("load child: %v", err)
	}
	if child.SpawningSessionID != f.parent.ID {
		t.Errorf("child spawning_session_id %q, want %q", child.SpawningSessionID, f.parent.ID)
	}
	if child.SpawnTask != "summarize X" {
		t.Errorf("child spawn_task %q", child.SpawnTask)
	}
}

func TestSpawnInheritsCallerDenials(t *testing.T) {
	runner := &fakeRunner{outcome: &orchestrator.Outcome{
		Status: orchestrator.StatusCompleted,
		Turns:  1,
	}}
	f := newFixture(t, runner, Options{})

	opts := toolOpts(f.parent.ID)
	opts.Denials = &tools.DenialConfig{Tools: map[string]bool{"shell": true}}

	tool := &spawnTool{c: f.coord}
	result, err := tool.Execute(context.Background(),
		json.RawMessage(`{"task": "audit deps", "blocking": true, "tool_denials": ["fetch"]}`),
		opts)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}

	denials := runner.lastOptions(t).Denials
	if denials == nil {
		t.Fatal("child run has no denial config")
	}
	for _, name := range []string{"shell", "fetch", "SpawnSubagent", "QueryAgent", "WaitForAgents"} {
		if !denials.DeniedByName(name) {
			t.Errorf("child may call %s, want denied", name)
		}
	}
	if denials.DeniedByName("echo") {
		t.Error("unlisted tool denied for child")
	}
}

func TestNonBlockingSpawnNotifiesWhenIdle(t *testing.T) {
	runner := &fakeRunner{outcome: &orchestrator.Outcome{
		Status:    orchestrator.StatusCompleted,
		Turns:     1,
		FinalText: "done",
	}}
	f := newFixture(t, runner, Options{})
	sub := f.bus.Subscribe(EnvResultAvailable)
	t.Cleanup(func() { f.bus.Unsubscribe(sub) })

	tool := &spawnTool{c: f.coord}
	result, err := tool.Execute(context.Background(),
		json.RawMessage(`{"task": "index the repo", "blocking": false}`),
		toolOpts(f.parent.ID))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}

	select {
	case env := <-sub.C():
		if env.SessionID != f.parent.ID {
			t.Errorf("notification for %q, want parent %q", env.SessionID, f.parent.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result_available notification")
	}
}

// busyActivity reports the parent as mid-turn until cleared.
type busyActivity struct {
	mu   sync.Mutex
	busy bool
}

func (a *busyActivity) TurnActive(string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

func (a *busyActivity) set(b bool) {
	a.mu.Lock()
	a.busy = b
	a.mu.Unlock()
}

func TestNotificationBufferedWhileParentMidTurn(t *testing.T) {
	activity := &busyActivity{busy: true}
	runner := &fakeRunner{outcome: &orchestrator.Outcome{Status: orchestrator.StatusCompleted, Turns: 1}}
	f := newFixture(t, runner, Options{Activity: activity})
	sub := f.bus.Subscribe(EnvResultAvailable)
	t.Cleanup(func() { f.bus.Unsubscribe(sub) })

	state, err := f.coord.Spawn(context.Background(), f.parent.ID, SpawnParams{Task: "background work"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := f.coord.WaitFor(context.Background(), state.SessionID, time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	select {
	case env := <-sub.C():
		t.Fatalf("notification %s delivered while parent mid-turn", env.Type)
	case <-time.After(50 * time.Millisecond):
	}

	activity.set(false)
	f.coord.FlushPending(f.parent.ID)
	select {
	case env := <-sub.C():
		if env.SessionID != f.parent.ID {
			t.Errorf("notification for %q, want %q", env.SessionID, f.parent.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("flushed notification never arrived")
	}
}

func TestWaitTimeoutLeavesChildRunning(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{
		outcome: &orchestrator.Outcome{Status: orchestrator.StatusCompleted, Turns: 1, FinalText: "late"},
		release: release,
	}
	f := newFixture(t, runner, Options{})

	state, err := f.coord.Spawn(context.Background(), f.parent.ID, SpawnParams{Task: "slow task"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	_, err = f.coord.WaitFor(context.Background(), state.SessionID, 20*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("wait error %v, want ErrWaitTimeout", err)
	}
	if snap, ok := f.coord.Query(state.SessionID); !ok || snap.Status != StatusRunning {
		t.Fatalf("child should still be running, got %+v", snap)
	}

	close(release)
	final, err := f.coord.WaitFor(context.Background(), state.SessionID, time.Second)
	if err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if final.Status != StatusCompleted || final.FinalText != "late" {
		t.Errorf("final state %+v, want completed/late", final)
	}
}

func TestChildDeniedSpawnTools(t *testing.T) {
	runner := &fakeRunner{outcome: &orchestrator.Outcome{Status: orchestrator.StatusCompleted}}
	f := newFixture(t, runner, Options{})

	state, err := f.coord.Spawn(context.Background(), f.parent.ID, SpawnParams{Task: "leaf work"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := f.coord.WaitFor(context.Background(), state.SessionID, time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	opts := runner.lastOptions(t)
	for _, name := range []string{"SpawnSubagent", "QueryAgent", "WaitForAgents"} {
		if !opts.Denials.DeniedByName(name) {
			t.Errorf("child may call %s; want denied", name)
		}
	}
}

func TestAbortInterruptsChild(t *testing.T) {
	runner := &fakeRunner{
		outcome: &orchestrator.Outcome{Status: orchestrator.StatusCompleted},
		release: make(chan struct{}), // never released; only ctx ends the run
	}
	f := newFixture(t, runner, Options{})

	state, err := f.coord.Spawn(context.Background(), f.parent.ID, SpawnParams{Task: "doomed"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := f.coord.Abort(state.SessionID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	final, err := f.coord.WaitFor(context.Background(), state.SessionID, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusInterrupted {
		t.Errorf("status %s, want interrupted", final.Status)
	}
}

func TestChildFailureRecordsSubagentFailed(t *testing.T) {
	runner := &fakeRunner{err: errors.New("provider exploded")}
	f := newFixture(t, runner, Options{})

	state, err := f.coord.Spawn(context.Background(), f.parent.ID, SpawnParams{Task: "fragile"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	final, err := f.coord.WaitFor(context.Background(), state.SessionID, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("status %s, want failed", final.Status)
	}

	childEvents, _ := f.store.EventsBySession(context.Background(), state.SessionID, 0)
	if !hasEventType(childEvents, models.EventSubagentFailed) {
		t.Error("child log missing subagent.failed")
	}
}

func TestQueryUnknownSession(t *testing.T) {
	runner := &fakeRunner{outcome: &orchestrator.Outcome{Status: orchestrator.StatusCompleted}}
	f := newFixture(t, runner, Options{})

	if _, ok := f.coord.Query("sess_missing"); ok {
		t.Error("Query returned state for unknown session")
	}
	if f.coord.Has("sess_missing") {
		t.Error("Has reported unknown session")
	}
	if _, err := f.coord.WaitFor(context.Background(), "sess_missing", time.Millisecond); !errors.Is(err, ErrUnknownSubagent) {
		t.Errorf("wait error %v, want ErrUnknownSubagent", err)
	}
}

func TestWaitForAgentsTool(t *testing.T) {
	runner := &fakeRunner{outcome: &orchestrator.Outcome{Status: orchestrator.StatusCompleted, Turns: 1, FinalText: "ok"}}
	f := newFixture(t, runner, Options{})

	first, err := f.coord.Spawn(context.Background(), f.parent.ID, SpawnParams{Task: "one"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	second, err := f.coord.Spawn(context.Background(), f.parent.ID, SpawnParams{Task: "two"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	tool := &waitTool{c: f.coord}
	params, _ := json.Marshal(map[string]any{
		"session_ids": []string{first.SessionID, second.SessionID},
		"timeout_ms":  2000,
	})
	result, err := tool.Execute(context.Background(), params, toolOpts(f.parent.ID))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	var details struct {
		Agents []State `json:"agents"`
	}
	if err := json.Unmarshal(result.Details, &details); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	if len(details.Agents) != 2 {
		t.Fatalf("waited on %d agents, want 2", len(details.Agents))
	}
	for _, st := range details.Agents {
		if st.Status != StatusCompleted {
			t.Errorf("agent %s status %s, want completed", st.SessionID, st.Status)
		}
	}
}

func toolOpts(sessionID string) tools.ExecOptions {
	return tools.ExecOptions{SessionID: sessionID}
}

func hasEventType(events []*models.Event, typ models.EventType) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}
