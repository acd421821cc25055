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

// CreateBranch names a head pointer within a session. The event must be on
// the session's lineage.
func (s *Store) CreateBranch(ctx context.Context, sessionID, name, headEventID string) (*models.Branch, error) {
	if name == "" {
		return nil, fmt.Errorf("branch name is required: %w", ErrInvalidOperation)
	}
	session, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if headEventID == "" {
		headEventID = session.HeadEventID
	}
	head, err := s.eventRow(ctx, headEventID)
	if err != nil {
		return nil, err
	}
	if !s.eventOnLineage(ctx, session, head) {
		return nil, fmt.Errorf("event not on session lineage: %w", ErrInvalidOperation)
	}

	now := time.Now().UTC()
	branch := &models.Branch{
		ID:          "br_" + uuid.NewString(),
		SessionID:   sessionID,
		Name:        name,
		HeadEventID: headEventID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO branches (id, session_id, name, head_event_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, name) DO UPDATE SET head_event_id = excluded.head_event_id, updated_at = excluded.updated_at
	`, branch.ID, branch.SessionID, branch.Name, branch.HeadEventID, branch.CreatedAt, branch.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert branch: %w", err)
	}
	return s.Branch(ctx, sessionID, name)
}

// Branch fetches a named branch.
func (s *Store) Branch(ctx context.Context, sessionID, name string) (*models.Branch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, name, head_event_id, created_at, updated_at
		FROM branches WHERE session_id = ? AND name = ?
	`, sessionID, name)
	var b models.Branch
	err := row.Scan(&b.ID, &b.SessionID, &b.Name, &b.HeadEventID, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan branch: %w", err)
	}
	return &b, nil
}

// ListBranches returns a session's branches by name.
func (s *Store) ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, name, head_event_id, created_at, updated_at
		FROM branches WHERE session_id = ? ORDER BY name
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var out []*models.Branch
	for rows.Next() {
		var b models.Branch
		if err := rows.Scan(&b.ID, &b.SessionID, &b.Name, &b.HeadEventID, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// DeleteBranch removes a named branch. Events are untouched.
func (s *Store) DeleteBranch(ctx context.Context, sessionID, name string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM branches WHERE session_id = ? AND name = ?
	`, sessionID, name)
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
