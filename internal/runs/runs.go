// Package runs correlates client prompts with the work they trigger and
// deduplicates retried requests through an idempotency cache.
package runs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
)

// ErrRunNotFound is returned for unknown or already-evicted run ids.
var ErrRunNotFound = fmt.Errorf("run not found")

// TrackerOptions tunes run retention.
type TrackerOptions struct {
	// Retention is how long terminal runs stay queryable (default 24h).
	Retention time.Duration

	// MaxPerSession caps retained runs per session (default 100).
	MaxPerSession int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Tracker owns run records. Runs hold only id references to sessions; the
// tracker is the single place their status transitions happen.
type Tracker struct {
	mu        sync.Mutex
	runs      map[string]*models.Run
	bySession map[string][]string

	retention     time.Duration
	maxPerSession int
	now           func() time.Time
}

// NewTracker creates a tracker.
func NewTracker(opts TrackerOptions) *Tracker {
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.MaxPerSession <= 0 {
		opts.MaxPerSession = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		runs:          make(map[string]*models.Run),
		bySession:     make(map[string][]string),
		retention:     opts.Retention,
		maxPerSession: opts.MaxPerSession,
		now:           opts.Now,
	}
}

// Create registers a pending run for the session and returns a copy.
func (t *Tracker) Create(sessionID, clientRequestID string) *models.Run {
	run := &models.Run{
		ID:              "run_" + uuid.NewString(),
		SessionID:       sessionID,
		ClientRequestID: clientRequestID,
		Status:          models.RunPending,
		StartedAt:       t.now().UTC(),
	}

	t.mu.Lock()
	t.runs[run.ID] = run
	t.bySession[sessionID] = append(t.bySession[sessionID], run.ID)
	t.enforceCapLocked(sessionID)
	t.mu.Unlock()

	out := *run
	return &out
}

// Start transitions a pending run to running.
func (t *Tracker) Start(runID string) error {
	return t.transition(runID, models.RunRunning, func(r *models.Run) {})
}

// Complete marks a run completed with its result summary and token totals.
func (t *Tracker) Complete(runID, result string, turns int, inputTokens, outputTokens int64) error {
	return t.transition(runID, models.RunCompleted, func(r *models.Run) {
		r.Result = result
		r.Turns = turns
		r.InputTokens = inputTokens
		r.OutputTokens = outputTokens
	})
}

// Fail marks a run failed with an error message.
func (t *Tracker) Fail(runID, errMsg string, turns int) error {
	return t.transition(runID, models.RunFailed, func(r *models.Run) {
		r.Error = errMsg
		r.Turns = turns
	})
}

// Abort marks a run aborted. Aborting a run that already reached a terminal
// state is a no-op so interrupt races stay quiet.
func (t *Tracker) Abort(runID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return nil
	}
	run.Status = models.RunAborted
	now := t.now().UTC()
	run.CompletedAt = &now
	return nil
}

func (t *Tracker) transition(runID string, to models.RunStatus, apply func(*models.Run)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s already %s", runID, run.Status)
	}
	run.Status = to
	if to.Terminal() {
		now := t.now().UTC()
		run.CompletedAt = &now
	}
	apply(run)
	return nil
}

// Get returns a copy of the run.
func (t *Tracker) Get(runID string) (*models.Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	out := *run
	return &out, nil
}

// BySession returns the session's runs, oldest first.
func (t *Tracker) BySession(sessionID string) []*models.Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.bySession[sessionID]
	out := make([]*models.Run, 0, len(ids))
	for _, id := range ids {
		if run, ok := t.runs[id]; ok {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Sweep evicts terminal runs older than the retention window. Returns the
// number evicted.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().UTC().Add(-t.retention)
	evicted := 0
	for id, run := range t.runs {
		if run.Status.Terminal() && run.CompletedAt != nil && run.CompletedAt.Before(cutoff) {
			t.evictLocked(run.SessionID, id)
			evicted++
		}
	}
	return evicted
}

// enforceCapLocked drops the oldest terminal runs beyond the per-session cap.
// Non-terminal runs are never evicted by the cap.
func (t *Tracker) enforceCapLocked(sessionID string) {
	ids := t.bySession[sessionID]
	for len(ids) > t.maxPerSession {
		removed := false
		for _, id := range ids {
			if run, ok := t.runs[id]; ok && run.Status.Terminal() {
				t.evictLocked(sessionID, id)
				removed = true
				break
			}
		}
		if !removed {
			return
		}
		ids = t.bySession[sessionID]
	}
}

func (t *Tracker) evictLocked(sessionID, runID string) {
	delete(t.runs, runID)
	ids := t.bySession[sessionID]
	for i, id := range ids {
		if id == runID {
			t.bySession[sessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(t.bySession[sessionID]) == 0 {
		delete(t.bySession, sessionID)
	}
}
