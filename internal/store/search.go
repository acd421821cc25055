package store

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/pkg/models"
)

// SearchHit is one full-text match.
type SearchHit struct {
	Event   *models.Event
	Snippet string
}

// SearchFullText queries the FTS index over message content. sessionID
// narrows the search to one session; empty searches everything.
func (s *Store) SearchFullText(ctx context.Context, sessionID, query string, limit int) ([]SearchHit, error) {
	if query == "" {
		return nil, fmt.Errorf("empty query: %w", ErrInvalidOperation)
	}
	if limit <= 0 {
		limit = 20
	}

	sqlQuery := `
		SELECT event_id, snippet(events_fts, 0, '[', ']', '…', 12)
		FROM events_fts
		WHERE events_fts MATCH ?`
	args := []any{query}
	if sessionID != "" {
		sqlQuery += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	sqlQuery += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var eventID, snippet string
		if err := rows.Scan(&eventID, &snippet); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		ev, err := s.Event(ctx, eventID)
		if err != nil {
			// Index rows may briefly outlive their events.
			continue
		}
		hits = append(hits, SearchHit{Event: ev, Snippet: snippet})
	}
	return hits, rows.Err()
}
