package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
)

const eventColumns = `
	id, session_id, parent_id, sequence, depth, type, timestamp,
	payload, blob_id, role, tool_name, tool_call_id, turn,
	input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, checksum`

// Append appends one event to its session's chain in a single transaction.
// When input.ParentID is set, the append fails with ErrStoreConflict unless it
// matches the session's current head.
func (s *Store) Append(ctx context.Context, input models.EventInput) (*models.Event, error) {
	events, err := s.AppendBatch(ctx, input.SessionID, []models.EventInput{input})
	if err != nil {
		return nil, err
	}
	return events[0], nil
}

// AppendBatch appends a group of events atomically: either every event lands
// and the head advances past all of them, or nothing is persisted. Only the
// first input's ParentID is treated as a concurrency assertion; later inputs
// chain onto their predecessors.
func (s *Store) AppendBatch(ctx context.Context, sessionID string, inputs []models.EventInput) ([]*models.Event, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("empty batch: %w", ErrInvalidOperation)
	}

	var out []*models.Event
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		session, err := sessionForUpdate(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.Archived() {
			return fmt.Errorf("session archived: %w", ErrInvalidOperation)
		}

		for i, input := range inputs {
			input.SessionID = sessionID
			if i > 0 {
				// Chain onto the predecessor appended in this batch.
				input.ParentID = ""
			}
			ev, err := s.appendInTx(ctx, tx, session, input)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// appendInTx appends one event within an open transaction, updating the
// in-memory session aggregates as it goes so later appends in the same batch
// see the advanced head.
func (s *Store) appendInTx(ctx context.Context, tx *sql.Tx, session *models.Session, input models.EventInput) (*models.Event, error) {
	if input.ParentID != "" && input.ParentID != session.HeadEventID {
		return nil, fmt.Errorf("parent %s, head %s: %w", input.ParentID, session.HeadEventID, ErrStoreConflict)
	}

	now := time.Now().UTC()
	ev := &models.Event{
		ID:                  "evt_" + uuid.NewString(),
		SessionID:           session.ID,
		ParentID:            session.HeadEventID,
		Sequence:            session.EventCount + 1,
		Type:                input.Type,
		Timestamp:           now,
		Payload:             input.Payload,
		WorkspaceID:         session.WorkspaceID,
		Role:                input.Role,
		ToolName:            input.ToolName,
		ToolCallID:          input.ToolCallID,
		Turn:                input.Turn,
		InputTokens:         input.InputTokens,
		OutputTokens:        input.OutputTokens,
		CacheReadTokens:     input.CacheReadTokens,
		CacheCreationTokens: input.CacheCreationTokens,
	}
	ev.Depth = int(ev.Sequence) - 1
	ev.Checksum = eventChecksum(ev)

	payload := string(ev.Payload)
	if len(payload) > s.blobThreshold {
		blob, err := s.createBlobInTx(ctx, tx, []byte(payload), "application/json")
		if err != nil {
			return nil, err
		}
		ev.BlobID = blob.ID
		payload = ""
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (
			id, session_id, parent_id, sequence, depth, type, timestamp,
			payload, blob_id, role, tool_name, tool_call_id, turn,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, checksum
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.SessionID, ev.ParentID, ev.Sequence, ev.Depth, string(ev.Type), ev.Timestamp,
		payload, ev.BlobID, ev.Role, ev.ToolName, ev.ToolCallID, ev.Turn,
		ev.InputTokens, ev.OutputTokens, ev.CacheReadTokens, ev.CacheCreationTokens, ev.Checksum); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if text := searchableText(ev.Type, input.Payload); text != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events_fts (content, event_id, session_id) VALUES (?, ?, ?)
		`, text, ev.ID, ev.SessionID); err != nil {
			return nil, fmt.Errorf("index event: %w", err)
		}
	}

	// Advance aggregates; the session row is written once per event so the
	// head and counters stay consistent with the chain inside the tx.
	session.HeadEventID = ev.ID
	if session.RootEventID == "" {
		session.RootEventID = ev.ID
	}
	session.EventCount = ev.Sequence
	if ev.Type.IsMessage() {
		session.MessageCount++
	}
	if ev.Type == models.EventStreamTurnEnd {
		session.TurnCount++
		session.LastTurnTokens = ev.InputTokens + ev.OutputTokens
	}
	session.TotalInputTokens += ev.InputTokens
	session.TotalOutputTokens += ev.OutputTokens
	session.CacheReadTokens += ev.CacheReadTokens
	session.CacheCreationTokens += ev.CacheCreationTokens
	session.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			head_event_id = ?, root_event_id = ?, event_count = ?,
			message_count = ?, turn_count = ?, last_turn_tokens = ?,
			total_input_tokens = ?, total_output_tokens = ?,
			cache_read_tokens = ?, cache_creation_tokens = ?,
			updated_at = ?
		WHERE id = ?
	`, session.HeadEventID, session.RootEventID, session.EventCount,
		session.MessageCount, session.TurnCount, session.LastTurnTokens,
		session.TotalInputTokens, session.TotalOutputTokens,
		session.CacheReadTokens, session.CacheCreationTokens,
		session.UpdatedAt, session.ID); err != nil {
		return nil, fmt.Errorf("update session head: %w", err)
	}

	return ev, nil
}

// Event fetches one event by id, hydrating its payload from the blob pool if
// it was offloaded.
func (s *Store) Event(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// segment is one stretch of a session's replay lineage: all events of
// sessionID with sequence <= maxSeq (maxSeq 0 means unbounded).
type segment struct {
	sessionID string
	maxSeq    int64
}

// lineage resolves the session's full replay lineage, walking fork pointers
// up to the original ancestor. Ordered root-most first.
func (s *Store) lineage(ctx context.Context, session *models.Session) ([]segment, error) {
	var segments []segment
	current := session
	bound := int64(0)
	for {
		segments = append([]segment{{sessionID: current.ID, maxSeq: bound}}, segments...)
		if current.ParentSessionID == "" {
			break
		}
		forkEvent, err := s.eventRow(ctx, current.ForkFromEventID)
		if err != nil {
			return nil, fmt.Errorf("resolve fork point %s: %w", current.ForkFromEventID, err)
		}
		parent, err := s.Session(ctx, current.ParentSessionID)
		if err != nil {
			return nil, fmt.Errorf("resolve fork parent: %w", err)
		}
		current = parent
		bound = forkEvent.Sequence
	}
	return segments, nil
}

// EventsBySession replays the session's full history in sequence order,
// including inherited prefix history for forked sessions. afterSeq skips
// events with sequence <= afterSeq; pass 0 for the full log.
func (s *Store) EventsBySession(ctx context.Context, sessionID string, afterSeq int64) ([]*models.Event, error) {
	session, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	segments, err := s.lineage(ctx, session)
	if err != nil {
		return nil, err
	}

	var out []*models.Event
	for _, seg := range segments {
		query := `SELECT ` + eventColumns + ` FROM events WHERE session_id = ? AND sequence > ?`
		args := []any{seg.sessionID, afterSeq}
		if seg.maxSeq > 0 {
			query += ` AND sequence <= ?`
			args = append(args, seg.maxSeq)
		}
		query += ` ORDER BY sequence ASC`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query events: %w", err)
		}
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, ev)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	for _, ev := range out {
		if err := s.hydrate(ctx, ev); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeleteMessage tombstones a message event by appending a message.deleted
// event referencing it. The target must be a message on this session's
// lineage and must not already be tombstoned.
func (s *Store) DeleteMessage(ctx context.Context, sessionID, targetEventID string) (*models.Event, error) {
	session, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	target, err := s.Event(ctx, targetEventID)
	if err != nil {
		return nil, err
	}
	if !target.Type.IsMessage() {
		return nil, fmt.Errorf("event %s is not a message: %w", targetEventID, ErrInvalidOperation)
	}
	if !s.eventOnLineage(ctx, session, target) {
		return nil, fmt.Errorf("event %s not on session lineage: %w", targetEventID, ErrNotFound)
	}

	deleted, err := s.tombstonedIDs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if deleted[targetEventID] {
		return nil, fmt.Errorf("event %s already deleted: %w", targetEventID, ErrInvalidOperation)
	}

	return s.Append(ctx, models.EventInput{
		SessionID: sessionID,
		Type:      models.EventMessageDeleted,
		Payload:   jsonPayload(map[string]any{"target_event_id": targetEventID}),
	})
}

// tombstonedIDs collects the target ids of all message.deleted events on the
// session's lineage.
func (s *Store) tombstonedIDs(ctx context.Context, sessionID string) (map[string]bool, error) {
	session, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	segments, err := s.lineage(ctx, session)
	if err != nil {
		return nil, err
	}

	deleted := map[string]bool{}
	for _, seg := range segments {
		query := `SELECT payload FROM events WHERE session_id = ? AND type = ?`
		args := []any{seg.sessionID, string(models.EventMessageDeleted)}
		if seg.maxSeq > 0 {
			query += ` AND sequence <= ?`
			args = append(args, seg.maxSeq)
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query tombstones: %w", err)
		}
		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				rows.Close()
				return nil, err
			}
			var body struct {
				TargetEventID string `json:"target_event_id"`
			}
			if err := json.Unmarshal([]byte(payload), &body); err == nil && body.TargetEventID != "" {
				deleted[body.TargetEventID] = true
			}
		}
		rows.Close()
	}
	return deleted, nil
}

// eventRow fetches an event without blob hydration.
func (s *Store) eventRow(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

// hydrate loads an offloaded payload back into the event.
func (s *Store) hydrate(ctx context.Context, ev *models.Event) error {
	if ev.BlobID == "" || len(ev.Payload) > 0 {
		return nil
	}
	data, err := s.ResolveBlob(ctx, ev.BlobID)
	if err != nil {
		return fmt.Errorf("hydrate event %s: %w", ev.ID, err)
	}
	ev.Payload = data
	return nil
}

func sessionForUpdate(ctx context.Context, tx *sql.Tx, id string) (*models.Session, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var ev models.Event
	var typ, payload string
	err := row.Scan(
		&ev.ID, &ev.SessionID, &ev.ParentID, &ev.Sequence, &ev.Depth, &typ, &ev.Timestamp,
		&payload, &ev.BlobID, &ev.Role, &ev.ToolName, &ev.ToolCallID, &ev.Turn,
		&ev.InputTokens, &ev.OutputTokens, &ev.CacheReadTokens, &ev.CacheCreationTokens, &ev.Checksum,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	ev.Type = models.EventType(typ)
	if payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	return &ev, nil
}

func eventChecksum(ev *models.Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s", ev.SessionID, ev.Sequence, ev.Type, ev.ParentID, ev.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// searchableText extracts indexable text from message-bearing payloads.
func searchableText(t models.EventType, payload json.RawMessage) string {
	switch t {
	case models.EventMessageUser, models.EventMessageAssistant, models.EventMessageSystem,
		models.EventToolResult, models.EventCompactSummary:
	default:
		return ""
	}
	if len(payload) == 0 {
		return ""
	}

	var body struct {
		Text    string `json:"text"`
		Summary string `json:"summary"`
		Content string `json:"content"`
		Blocks  []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"blocks"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	text := body.Text + body.Summary + body.Content
	for _, b := range body.Blocks {
		if b.Type == string(models.BlockText) {
			text += " " + b.Text
		}
	}
	return text
}

func jsonPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
