package models

import "time"

// Workspace is a rooted directory that sessions live under. Workspaces are
// created on first use and never deleted.
type Workspace struct {
	ID             string    `json:"id"`
	Path           string    `json:"path"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Session is one conversation thread within a workspace. A session owns an
// event chain; its head pointer always references the latest event on that
// chain (or an ancestor session's chain through fork pointers).
type Session struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`

	HeadEventID string `json:"head_event_id,omitempty"`
	RootEventID string `json:"root_event_id,omitempty"`

	// Fork linkage. A forked session shares its parent's prefix history up to
	// ForkFromEventID and diverges afterwards.
	ParentSessionID string `json:"parent_session_id,omitempty"`
	ForkFromEventID string `json:"fork_from_event_id,omitempty"`

	// Subagent linkage. Spawn ordering never implies lifetime nesting: a
	// parent may finish before reaping a non-blocking child's notification.
	SpawningSessionID string `json:"spawning_session_id,omitempty"`
	SpawnType         string `json:"spawn_type,omitempty"`
	SpawnTask         string `json:"spawn_task,omitempty"`

	Model      string     `json:"model,omitempty"`
	WorkingDir string     `json:"working_dir,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`

	// Aggregate counters, maintained transactionally with appends.
	EventCount   int64 `json:"event_count"`
	MessageCount int64 `json:"message_count"`
	TurnCount    int64 `json:"turn_count"`

	TotalInputTokens    int64   `json:"total_input_tokens"`
	TotalOutputTokens   int64   `json:"total_output_tokens"`
	LastTurnTokens      int64   `json:"last_turn_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Archived reports whether the session has been soft-deleted.
func (s *Session) Archived() bool {
	return s.ArchivedAt != nil
}

// Branch is a named pointer to a head event within a session. Branches track
// alternate lineages without creating a new session; forks do.
type Branch struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Name        string    `json:"name"`
	HeadEventID string    `json:"head_event_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Blob is a content-addressed, reference-counted payload shared by events.
type Blob struct {
	ID             string    `json:"id"`
	Hash           string    `json:"hash"`
	MimeType       string    `json:"mime_type,omitempty"`
	OriginalSize   int64     `json:"original_size"`
	CompressedSize int64     `json:"compressed_size"`
	Compression    string    `json:"compression,omitempty"`
	RefCount       int64     `json:"ref_count"`
	CreatedAt      time.Time `json:"created_at"`
}
