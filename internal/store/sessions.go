package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
)

const sessionColumns = `
	id, workspace_id, head_event_id, root_event_id,
	parent_session_id, fork_from_event_id,
	spawning_session_id, spawn_type, spawn_task,
	model, working_dir, archived_at,
	event_count, message_count, turn_count,
	total_input_tokens, total_output_tokens, last_turn_tokens,
	cache_read_tokens, cache_creation_tokens, cost_usd,
	created_at, updated_at`

// CreateSessionParams carries the caller-controlled fields of a new session.
type CreateSessionParams struct {
	WorkspacePath string
	Model         string
	WorkingDir    string

	// Subagent linkage, set by the coordinator when spawning children.
	SpawningSessionID string
	SpawnType         string
	SpawnTask         string
}

// CreateSession creates a session and its session.started root event in one
// transaction.
func (s *Store) CreateSession(ctx context.Context, params CreateSessionParams) (*models.Session, error) {
	ws, err := s.EnsureWorkspace(ctx, params.WorkspacePath)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:                "sess_" + uuid.NewString(),
		WorkspaceID:       ws.ID,
		Model:             params.Model,
		WorkingDir:        params.WorkingDir,
		SpawningSessionID: params.SpawningSessionID,
		SpawnType:         params.SpawnType,
		SpawnTask:         params.SpawnTask,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (
				id, workspace_id, head_event_id, root_event_id,
				parent_session_id, fork_from_event_id,
				spawning_session_id, spawn_type, spawn_task,
				model, working_dir, archived_at,
				event_count, message_count, turn_count,
				total_input_tokens, total_output_tokens, last_turn_tokens,
				cache_read_tokens, cache_creation_tokens, cost_usd,
				created_at, updated_at
			) VALUES (?, ?, '', '', '', '', ?, ?, ?, ?, ?, NULL,
				0, 0, 0, 0, 0, 0, 0, 0, 0, ?, ?)
		`, session.ID, session.WorkspaceID,
			session.SpawningSessionID, session.SpawnType, session.SpawnTask,
			session.Model, session.WorkingDir,
			session.CreatedAt, session.UpdatedAt); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		root, err := s.appendInTx(ctx, tx, session, models.EventInput{
			SessionID: session.ID,
			Type:      models.EventSessionStarted,
		})
		if err != nil {
			return err
		}
		session.RootEventID = root.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = s.TouchWorkspace(ctx, ws.ID)
	return session, nil
}

// Session fetches a session by id.
func (s *Store) Session(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSessionRow(row)
}

// ListSessionsOptions filters session listings.
type ListSessionsOptions struct {
	WorkspaceID     string
	IncludeArchived bool
	Limit           int
	Offset          int
}

// ListSessions returns sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []any{}
	if opts.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, opts.WorkspaceID)
	}
	if !opts.IncludeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY updated_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// ArchiveSession soft-deletes a session. History is preserved; the session no
// longer accepts prompts.
func (s *Store) ArchiveSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET archived_at = ?, updated_at = ?
		WHERE id = ? AND archived_at IS NULL
	`, time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Session(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("session already archived: %w", ErrInvalidOperation)
	}
	return nil
}

// ForkSession creates a new session sharing the parent's history up to
// fromEventID (defaults to the parent's head). The fork continues the parent's
// sequence numbering so replay stays contiguous across the fork point.
func (s *Store) ForkSession(ctx context.Context, parentID, fromEventID string) (*models.Session, error) {
	parent, err := s.Session(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if fromEventID == "" {
		fromEventID = parent.HeadEventID
	}
	forkEvent, err := s.Event(ctx, fromEventID)
	if err != nil {
		return nil, fmt.Errorf("fork point: %w", err)
	}
	if !s.eventOnLineage(ctx, parent, forkEvent) {
		return nil, fmt.Errorf("fork point not on session lineage: %w", ErrInvalidOperation)
	}

	now := time.Now().UTC()
	child := &models.Session{
		ID:              "sess_" + uuid.NewString(),
		WorkspaceID:     parent.WorkspaceID,
		HeadEventID:     forkEvent.ID,
		RootEventID:     parent.RootEventID,
		ParentSessionID: parent.ID,
		ForkFromEventID: forkEvent.ID,
		Model:           parent.Model,
		WorkingDir:      parent.WorkingDir,
		EventCount:      forkEvent.Sequence,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (
				id, workspace_id, head_event_id, root_event_id,
				parent_session_id, fork_from_event_id,
				spawning_session_id, spawn_type, spawn_task,
				model, working_dir, archived_at,
				event_count, message_count, turn_count,
				total_input_tokens, total_output_tokens, last_turn_tokens,
				cache_read_tokens, cache_creation_tokens, cost_usd,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, '', '', '', ?, ?, NULL,
				?, 0, 0, 0, 0, 0, 0, 0, 0, ?, ?)
		`, child.ID, child.WorkspaceID, child.HeadEventID, child.RootEventID,
			child.ParentSessionID, child.ForkFromEventID,
			child.Model, child.WorkingDir,
			child.EventCount, child.CreatedAt, child.UpdatedAt); err != nil {
			return fmt.Errorf("insert forked session: %w", err)
		}

		_, err := s.appendInTx(ctx, tx, child, models.EventInput{
			SessionID: child.ID,
			ParentID:  forkEvent.ID,
			Type:      models.EventSessionForked,
			Payload:   jsonPayload(map[string]any{"parent_session_id": parent.ID, "fork_from_event_id": forkEvent.ID}),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// eventOnLineage reports whether ev belongs to the session's replay lineage.
func (s *Store) eventOnLineage(ctx context.Context, session *models.Session, ev *models.Event) bool {
	segments, err := s.lineage(ctx, session)
	if err != nil {
		return false
	}
	for _, seg := range segments {
		if seg.sessionID == ev.SessionID && (seg.maxSeq == 0 || ev.Sequence <= seg.maxSeq) {
			return true
		}
	}
	return false
}

// UpdateSessionModel records a model switch on the session row. The
// corresponding config.model_switch event is appended by the caller.
func (s *Store) UpdateSessionModel(ctx context.Context, id, model string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET model = ?, updated_at = ? WHERE id = ?
	`, model, time.Now().UTC(), id)
	return err
}

// AddSessionCost accumulates estimated spend on the session row.
func (s *Store) AddSessionCost(ctx context.Context, id string, usd float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET cost_usd = cost_usd + ?, updated_at = ? WHERE id = ?
	`, usd, time.Now().UTC(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(row *sql.Row) (*models.Session, error) {
	session, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var session models.Session
	var archived sql.NullTime
	err := row.Scan(
		&session.ID, &session.WorkspaceID, &session.HeadEventID, &session.RootEventID,
		&session.ParentSessionID, &session.ForkFromEventID,
		&session.SpawningSessionID, &session.SpawnType, &session.SpawnTask,
		&session.Model, &session.WorkingDir, &archived,
		&session.EventCount, &session.MessageCount, &session.TurnCount,
		&session.TotalInputTokens, &session.TotalOutputTokens, &session.LastTurnTokens,
		&session.CacheReadTokens, &session.CacheCreationTokens, &session.CostUSD,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if archived.Valid {
		t := archived.Time
		session.ArchivedAt = &t
	}
	return &session, nil
}
