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

// EnsureWorkspace returns the workspace for path, creating it on first use.
func (s *Store) EnsureWorkspace(ctx context.Context, path string) (*models.Workspace, error) {
	if path == "" {
		return nil, fmt.Errorf("workspace path is required: %w", ErrInvalidOperation)
	}

	ws, err := s.WorkspaceByPath(ctx, path)
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	ws = &models.Workspace{
		ID:             "ws_" + uuid.NewString(),
		Path:           path,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, path, created_at, last_activity_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO NOTHING
	`, ws.ID, ws.Path, ws.CreatedAt, ws.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("insert workspace: %w", err)
	}

	// A concurrent creator may have won the conflict; read back the row.
	return s.WorkspaceByPath(ctx, path)
}

// WorkspaceByPath looks up a workspace by its path.
func (s *Store) WorkspaceByPath(ctx context.Context, path string) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, created_at, last_activity_at FROM workspaces WHERE path = ?
	`, path)
	return scanWorkspace(row)
}

// Workspace looks up a workspace by id.
func (s *Store) Workspace(ctx context.Context, id string) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, created_at, last_activity_at FROM workspaces WHERE id = ?
	`, id)
	return scanWorkspace(row)
}

// ListWorkspaces returns all workspaces ordered by recent activity.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, created_at, last_activity_at
		FROM workspaces ORDER BY last_activity_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*models.Workspace
	for rows.Next() {
		var ws models.Workspace
		if err := rows.Scan(&ws.ID, &ws.Path, &ws.CreatedAt, &ws.LastActivityAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, &ws)
	}
	return out, rows.Err()
}

// TouchWorkspace bumps the workspace's last-activity timestamp.
func (s *Store) TouchWorkspace(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET last_activity_at = ? WHERE id = ?
	`, time.Now().UTC(), id)
	return err
}

func scanWorkspace(row *sql.Row) (*models.Workspace, error) {
	var ws models.Workspace
	err := row.Scan(&ws.ID, &ws.Path, &ws.CreatedAt, &ws.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	return &ws, nil
}
