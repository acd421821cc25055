package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/loomhq/loom/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestSession(t *testing.T, s *Store) *models.Session {
	t.Helper()
	session, err := s.CreateSession(context.Background(), CreateSessionParams{
		WorkspacePath: "/tmp/proj",
		Model:         "claude-sonnet-4-5",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func appendUser(t *testing.T, s *Store, sessionID, text string) *models.Event {
	t.Helper()
	ev, err := s.Append(context.Background(), models.EventInput{
		SessionID: sessionID,
		Type:      models.EventMessageUser,
		Role:      string(models.RoleUser),
		Payload:   json.RawMessage(`{"text":` + mustQuote(text) + `}`),
	})
	if err != nil {
		t.Fatalf("append user message: %v", err)
	}
	return ev
}

func mustQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestAppendAssignsContiguousSequences(t *testing.T) {
	s := newTestStore(t)
	session := newTestSession(t, s)

	for i := 0; i < 5; i++ {
		appendUser(t, s, session.ID, "hello")
	}

	events, err := s.EventsBySession(context.Background(), session.ID, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	// session.started + 5 messages
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Errorf("event %d: sequence %d, want %d", i, ev.Sequence, i+1)
		}
		if i > 0 && ev.ParentID != events[i-1].ID {
			t.Errorf("event %d: parent %s, want %s", i, ev.ParentID, events[i-1].ID)
		}
	}

	got, err := s.Session(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.HeadEventID != events[5].ID {
		t.Errorf("head %s, want %s", got.HeadEventID, events[5].ID)
	}
	if got.EventCount != 6 {
		t.Errorf("event_count %d, want 6", got.EventCount)
	}
	if got.MessageCount != 5 {
		t.Errorf("message_count %d, want 5", got.MessageCount)
	}
}

func TestAppendStaleParentConflicts(t *testing.T) {
	s := newTestStore(t)
	session := newTestSession(t, s)

	first := appendUser(t, s, session.ID, "one")
	appendUser(t, s, session.ID, "two")

	_, err := s.Append(context.Background(), models.EventInput{
		SessionID: session.ID,
		ParentID:  first.ID, // no longer head
		Type:      models.EventMessageUser,
		Payload:   json.RawMessage(`{"text":"stale"}`),
	})
	if !errors.Is(err, ErrStoreConflict) {
		t.Fatalf("expected ErrStoreConflict, got %v", err)
	}
}

func TestAppendBatchIsAtomic(t *testing.T) {
	s := newTestStore(t)
	session := newTestSession(t, s)

	events, err := s.AppendBatch(context.Background(), session.ID, []models.EventInput{
		{Type: models.EventStreamTurnStart, Turn: 1},
		{Type: models.EventMessageAssistant, Role: string(models.RoleAssistant), Payload: json.RawMessage(`{"blocks":[{"type":"text","text":"hi"}]}`), Turn: 1},
		{Type: models.EventStreamTurnEnd, Turn: 1, InputTokens: 10, OutputTokens: 4},
	})
	if err != nil {
		t.Fatalf("append batch: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	got, err := s.Session(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.TurnCount != 1 {
		t.Errorf("turn_count %d, want 1", got.TurnCount)
	}
	if got.TotalInputTokens != 10 || got.TotalOutputTokens != 4 {
		t.Errorf("token aggregates (%d, %d), want (10, 4)", got.TotalInputTokens, got.TotalOutputTokens)
	}
	if got.LastTurnTokens != 14 {
		t.Errorf("last_turn_tokens %d, want 14", got.LastTurnTokens)
	}
}

func TestForkSharesPrefixAndDiverges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	parent := newTestSession(t, s)

	appendUser(t, s, parent.ID, "shared one")
	forkPoint := appendUser(t, s, parent.ID, "shared two")

	child, err := s.ForkSession(ctx, parent.ID, forkPoint.ID)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	appendUser(t, s, parent.ID, "parent only")
	appendUser(t, s, child.ID, "child only")

	parentEvents, err := s.EventsBySession(ctx, parent.ID, 0)
	if err != nil {
		t.Fatalf("replay parent: %v", err)
	}
	childEvents, err := s.EventsBySession(ctx, child.ID, 0)
	if err != nil {
		t.Fatalf("replay child: %v", err)
	}

	// Prefix up to the fork point must be identical event-for-event.
	upTo := int(forkPoint.Sequence)
	for i := 0; i < upTo; i++ {
		if parentEvents[i].ID != childEvents[i].ID {
			t.Fatalf("prefix diverged at %d: %s vs %s", i, parentEvents[i].ID, childEvents[i].ID)
		}
	}

	// Divergence after the fork point.
	lastChild := childEvents[len(childEvents)-1]
	if lastChild.SessionID != child.ID {
		t.Errorf("child tail belongs to %s", lastChild.SessionID)
	}
	for _, ev := range childEvents {
		if ev.SessionID == parent.ID && ev.Sequence > forkPoint.Sequence {
			t.Errorf("child replay leaked parent event %s (seq %d)", ev.ID, ev.Sequence)
		}
	}

	// Sequences stay contiguous across the fork boundary.
	for i, ev := range childEvents {
		if ev.Sequence != int64(i+1) {
			t.Errorf("child event %d: sequence %d, want %d", i, ev.Sequence, i+1)
		}
	}

	// Appending to the child never moves the parent's head.
	gotParent, _ := s.Session(ctx, parent.ID)
	if gotParent.HeadEventID != parentEvents[len(parentEvents)-1].ID {
		t.Errorf("parent head moved by child append")
	}
}

func TestDeleteMessageRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s)
	msg := appendUser(t, s, session.ID, "delete me")

	tomb, err := s.DeleteMessage(ctx, session.ID, msg.ID)
	if err != nil {
		t.Fatalf("delete message: %v", err)
	}
	if tomb.Type != models.EventMessageDeleted {
		t.Errorf("tombstone type %s", tomb.Type)
	}

	// Double delete is invalid.
	if _, err := s.DeleteMessage(ctx, session.ID, msg.ID); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("double delete: expected ErrInvalidOperation, got %v", err)
	}

	// Non-message events cannot be tombstoned.
	events, _ := s.EventsBySession(ctx, session.ID, 0)
	if _, err := s.DeleteMessage(ctx, session.ID, events[0].ID); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("tombstone session.started: expected ErrInvalidOperation, got %v", err)
	}

	// Unknown targets are not found.
	if _, err := s.DeleteMessage(ctx, session.ID, "evt_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing target: expected ErrNotFound, got %v", err)
	}
}

func TestLargePayloadRoundTripsThroughBlobPool(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s)

	big := strings.Repeat("large tool output ", 4096)
	payload := jsonPayload(map[string]any{"tool_call_id": "tc_1", "content": big})
	ev, err := s.Append(ctx, models.EventInput{
		SessionID:  session.ID,
		Type:       models.EventToolResult,
		ToolCallID: "tc_1",
		Payload:    payload,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev.BlobID == "" {
		t.Fatal("expected payload to be offloaded to a blob")
	}

	got, err := s.Event(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(got.Payload, &body); err != nil {
		t.Fatalf("unmarshal hydrated payload: %v", err)
	}
	if body.Content != big {
		t.Fatal("hydrated payload does not match original")
	}

	info, err := s.BlobInfo(ctx, ev.BlobID)
	if err != nil {
		t.Fatalf("blob info: %v", err)
	}
	if info.Compression != "gzip" {
		t.Errorf("compression %q, want gzip", info.Compression)
	}
	if info.CompressedSize >= info.OriginalSize {
		t.Errorf("compressed %d >= original %d", info.CompressedSize, info.OriginalSize)
	}
}

func TestBlobDeduplicatesByContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := []byte(strings.Repeat("same content ", 100))
	first, err := s.CreateBlob(ctx, data, "text/plain")
	if err != nil {
		t.Fatalf("create blob: %v", err)
	}
	second, err := s.CreateBlob(ctx, data, "text/plain")
	if err != nil {
		t.Fatalf("create blob again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected dedupe onto one blob, got %s and %s", first.ID, second.ID)
	}
	if second.RefCount != 2 {
		t.Errorf("ref_count %d, want 2", second.RefCount)
	}
}

func TestSearchFullText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s)
	other := newTestSession(t, s)

	appendUser(t, s, session.ID, "the quick brown fox")
	appendUser(t, s, other.ID, "an unrelated message about foxes")

	hits, err := s.SearchFullText(ctx, session.ID, "quick", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].Event.SessionID != session.ID {
		t.Errorf("hit from wrong session %s", hits[0].Event.SessionID)
	}

	all, err := s.SearchFullText(ctx, "", "fox OR foxes", 10)
	if err != nil {
		t.Fatalf("global search: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 global hits, got %d", len(all))
	}
}

func TestArchiveSessionRejectsAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s)

	if err := s.ArchiveSession(ctx, session.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := s.ArchiveSession(ctx, session.ID); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("double archive: expected ErrInvalidOperation, got %v", err)
	}
	_, err := s.Append(ctx, models.EventInput{
		SessionID: session.ID,
		Type:      models.EventMessageUser,
		Payload:   json.RawMessage(`{"text":"too late"}`),
	})
	if !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("append to archived: expected ErrInvalidOperation, got %v", err)
	}
}

func TestBranches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s)
	point := appendUser(t, s, session.ID, "branch here")
	appendUser(t, s, session.ID, "after branch")

	branch, err := s.CreateBranch(ctx, session.ID, "alt", point.ID)
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if branch.HeadEventID != point.ID {
		t.Errorf("branch head %s, want %s", branch.HeadEventID, point.ID)
	}

	list, err := s.ListBranches(ctx, session.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("list branches: %v (%d)", err, len(list))
	}

	if err := s.DeleteBranch(ctx, session.ID, "alt"); err != nil {
		t.Fatalf("delete branch: %v", err)
	}
	if err := s.DeleteBranch(ctx, session.ID, "alt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMigratorStatusAndDown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	migrator, err := NewMigrator(s.DB())
	if err != nil {
		t.Fatalf("new migrator: %v", err)
	}
	applied, pending, err := migrator.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(pending))
	}
	if len(applied) < 2 {
		t.Fatalf("expected at least 2 applied migrations, got %d", len(applied))
	}

	rolled, err := migrator.Down(ctx, 1)
	if err != nil {
		t.Fatalf("down: %v", err)
	}
	if len(rolled) != 1 {
		t.Fatalf("expected 1 rollback, got %d", len(rolled))
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		t.Fatalf("re-up: %v", err)
	}
}

func TestMigrationsCreateQueryIndexes(t *testing.T) {
	s := newTestStore(t)

	rows, err := s.DB().Query(`SELECT name FROM sqlite_master WHERE type = 'index'`)
	if err != nil {
		t.Fatalf("query indexes: %v", err)
	}
	defer rows.Close()

	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}

	for _, want := range []string{
		"idx_events_session",
		"idx_events_parent",
		"idx_sessions_workspace_activity",
	} {
		if !have[want] {
			t.Errorf("missing index %s", want)
		}
	}
}
