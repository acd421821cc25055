// Package session owns the runtime of sessions: lifecycle, per-session
// serialization of turns, and the prompt queue for messages arriving while a
// turn is running.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/compose"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/orchestrator"
	"github.com/loomhq/loom/internal/runs"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// Lifecycle envelope types published on the bus.
const (
	EnvSessionCreated = "session.created"
	EnvSessionEnded   = "session.ended"
	EnvSessionForked  = "session.forked"
)

var (
	// ErrQueueFull is returned under the reject policy when a session's prompt
	// queue is at capacity.
	ErrQueueFull = errors.New("session prompt queue full")

	// ErrSessionEnded is returned when prompting a session whose worker has
	// been shut down.
	ErrSessionEnded = errors.New("session ended")
)

// QueuePolicy decides what happens when a prompt arrives on a full queue.
type QueuePolicy string

const (
	PolicyReject     QueuePolicy = "reject"
	PolicyDropOldest QueuePolicy = "drop_oldest"
	PolicyBlock      QueuePolicy = "block"
)

// Orchestrator is the run-driving dependency. The orchestrator package
// satisfies it.
type Orchestrator interface {
	Run(ctx context.Context, sessionID string, opts orchestrator.RunOptions) (*orchestrator.Outcome, error)
	ForgetSession(sessionID string)
}

// Flusher releases buffered subagent result notifications at turn boundaries.
// The subagent coordinator satisfies it; nil disables flushing.
type Flusher interface {
	FlushPending(sessionID string)
}

// Config tunes the manager.
type Config struct {
	// QueueSize bounds each session's FIFO prompt queue (default 16).
	QueueSize int

	// Policy is the overflow policy (default reject).
	Policy QueuePolicy

	// Denials is the base tool policy applied to every run.
	Denials *tools.DenialConfig
}

// Manager serializes turns per session and owns session lifecycle. At most
// one turn runs per session; prompts arriving mid-turn queue FIFO.
type Manager struct {
	store   *store.Store
	orch    Orchestrator
	tracker *runs.Tracker
	bus     *bus.Bus
	flusher Flusher
	logger  *observability.Logger
	metrics *observability.Metrics
	cfg     Config

	root context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	states map[string]*sessionState

	workers sync.WaitGroup
}

// sessionState is the in-memory runtime of one session.
type sessionState struct {
	ch   chan queuedPrompt
	done chan struct{}

	active bool
	runID  string
	cancel context.CancelFunc
	ended  bool
	plan   *PlanState
}

type queuedPrompt struct {
	runID string
	opts  orchestrator.RunOptions
}

// NewManager creates a manager. Flusher, logger, and metrics may be nil.
func NewManager(st *store.Store, orch Orchestrator, tracker *runs.Tracker, b *bus.Bus, flusher Flusher, logger *observability.Logger, metrics *observability.Metrics, cfg Config) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyReject
	}
	root, stop := context.WithCancel(context.Background())
	return &Manager{
		store:   st,
		orch:    orch,
		tracker: tracker,
		bus:     b,
		flusher: flusher,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		root:    root,
		stop:    stop,
		states:  make(map[string]*sessionState),
	}
}

// CreateParams describes a new session.
type CreateParams struct {
	WorkingDirectory string
	Model            string
}

// Create makes a new session rooted at the working directory and announces it
// on the bus.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*models.Session, error) {
	if strings.TrimSpace(params.WorkingDirectory) == "" {
		return nil, fmt.Errorf("working directory required: %w", store.ErrInvalidOperation)
	}
	session, err := m.store.CreateSession(ctx, store.CreateSessionParams{
		WorkspacePath: params.WorkingDirectory,
		WorkingDir:    params.WorkingDirectory,
		Model:         params.Model,
	})
	if err != nil {
		return nil, err
	}
	m.publish(models.Envelope{Type: EnvSessionCreated, SessionID: session.ID, Data: session})
	return session, nil
}

// Resume loads a session by id. The head pointer comes back with the row; the
// caller replays events from its cursor as needed.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*models.Session, error) {
	return m.store.Session(ctx, sessionID)
}

// Fork creates a new session sharing history up to fromEventID (the parent's
// head when empty).
func (m *Manager) Fork(ctx context.Context, sessionID, fromEventID string) (*models.Session, error) {
	child, err := m.store.ForkSession(ctx, sessionID, fromEventID)
	if err != nil {
		return nil, err
	}
	m.publish(models.Envelope{Type: EnvSessionForked, SessionID: child.ID, Data: map[string]any{
		"session":           child,
		"parent_session_id": sessionID,
	}})
	return child, nil
}

// List returns sessions matching the filters.
func (m *Manager) List(ctx context.Context, opts store.ListSessionsOptions) ([]*models.Session, error) {
	return m.store.ListSessions(ctx, opts)
}

// End archives the session, aborts any running turn, and shuts down its
// worker. Ending an already-archived session fails with ErrInvalidOperation.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	st := m.states[sessionID]
	if st != nil {
		st.ended = true
		if st.cancel != nil {
			st.cancel()
		}
		close(st.done)
		delete(m.states, sessionID)
	}
	m.mu.Unlock()

	ev, err := m.store.Append(ctx, models.EventInput{
		SessionID: sessionID,
		Type:      models.EventSessionEnded,
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if ev != nil {
		m.publish(bus.EventEnvelope(ev))
	}
	if err := m.store.ArchiveSession(ctx, sessionID); err != nil {
		return err
	}
	m.orch.ForgetSession(sessionID)
	m.publish(models.Envelope{Type: EnvSessionEnded, SessionID: sessionID})
	return nil
}

// PromptRequest is one queued prompt.
type PromptRequest struct {
	Prompt          string
	Model           string
	ReasoningLevel  string
	ClientRequestID string
}

// Prompt enqueues a prompt for the session and returns its run immediately.
// The run executes as soon as the session's turn slot frees up; callers watch
// the bus or poll the tracker for the outcome.
func (m *Manager) Prompt(ctx context.Context, sessionID string, req PromptRequest) (*models.Run, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, orchestrator.ErrEmptyPrompt
	}
	session, err := m.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Archived() {
		return nil, fmt.Errorf("session %s is archived: %w", sessionID, store.ErrInvalidOperation)
	}

	m.mu.Lock()
	st, ok := m.states[sessionID]
	if !ok {
		st = &sessionState{
			ch:   make(chan queuedPrompt, m.cfg.QueueSize),
			done: make(chan struct{}),
		}
		m.states[sessionID] = st
		m.workers.Add(1)
		go m.worker(sessionID, st)
	}
	if st.ended {
		m.mu.Unlock()
		return nil, ErrSessionEnded
	}
	denials := m.cfg.Denials
	if st.plan != nil {
		denials = st.plan.overlay(denials)
	}
	m.mu.Unlock()

	run := m.tracker.Create(sessionID, req.ClientRequestID)
	qp := queuedPrompt{
		runID: run.ID,
		opts: orchestrator.RunOptions{
			Prompt:         req.Prompt,
			Model:          req.Model,
			ReasoningLevel: req.ReasoningLevel,
			Denials:        denials,
			WorkingDir:     session.WorkingDir,
		},
	}

	if err := m.enqueue(ctx, st, qp); err != nil {
		_ = m.tracker.Abort(run.ID)
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.QueuedPrompts.Inc()
	}
	return run, nil
}

// enqueue applies the overflow policy.
func (m *Manager) enqueue(ctx context.Context, st *sessionState, qp queuedPrompt) error {
	switch m.cfg.Policy {
	case PolicyBlock:
		select {
		case st.ch <- qp:
			return nil
		case <-st.done:
			return ErrSessionEnded
		case <-ctx.Done():
			return ctx.Err()
		}
	case PolicyDropOldest:
		for {
			select {
			case st.ch <- qp:
				return nil
			default:
			}
			select {
			case old := <-st.ch:
				_ = m.tracker.Abort(old.runID)
				if m.metrics != nil {
					m.metrics.QueuedPrompts.Dec()
				}
			default:
				// Raced with the worker; retry the send.
			}
		}
	default: // reject
		select {
		case st.ch <- qp:
			return nil
		default:
			return ErrQueueFull
		}
	}
}

// worker drains the session's prompt queue, one turn at a time, until the
// session ends.
func (m *Manager) worker(sessionID string, st *sessionState) {
	defer m.workers.Done()
	for {
		select {
		case qp := <-st.ch:
			if m.metrics != nil {
				m.metrics.QueuedPrompts.Dec()
			}
			m.runOne(sessionID, st, qp)
		case <-st.done:
			return
		}
	}
}

func (m *Manager) runOne(sessionID string, st *sessionState, qp queuedPrompt) {
	runCtx, cancel := context.WithCancel(m.root)
	defer cancel()

	m.mu.Lock()
	st.active = true
	st.runID = qp.runID
	st.cancel = cancel
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
	}

	defer func() {
		m.mu.Lock()
		st.active = false
		st.runID = ""
		st.cancel = nil
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.ActiveSessions.Dec()
		}
		// Turn boundary: release any subagent results parked mid-turn.
		if m.flusher != nil {
			m.flusher.FlushPending(sessionID)
		}
	}()

	_ = m.tracker.Start(qp.runID)
	outcome, err := m.orch.Run(runCtx, sessionID, qp.opts)
	switch {
	case err != nil:
		_ = m.tracker.Fail(qp.runID, err.Error(), 0)
		if m.logger != nil {
			m.logger.Error(context.Background(), "run failed",
				"session_id", sessionID, "run_id", qp.runID, "error", err)
		}
	case outcome.Status == orchestrator.StatusInterrupted:
		_ = m.tracker.Abort(qp.runID)
	case outcome.Status == orchestrator.StatusFailed:
		msg := "run failed"
		if outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		_ = m.tracker.Fail(qp.runID, msg, outcome.Turns)
	default:
		_ = m.tracker.Complete(qp.runID, outcome.FinalText, outcome.Turns,
			outcome.Usage.InputTokens, outcome.Usage.OutputTokens)
	}
}

// Abort cancels the session's running turn, if any. Queued prompts stay
// queued; abort targets the current run only.
func (m *Manager) Abort(sessionID string) error {
	m.mu.Lock()
	st, ok := m.states[sessionID]
	var cancel context.CancelFunc
	var runID string
	if ok && st.active {
		cancel = st.cancel
		runID = st.runID
	}
	m.mu.Unlock()

	if cancel == nil {
		return fmt.Errorf("no active run for session %s: %w", sessionID, store.ErrInvalidOperation)
	}
	cancel()
	if runID != "" {
		_ = m.tracker.Abort(runID)
	}
	return nil
}

// TurnActive reports whether the session has a turn in flight. Satisfies the
// subagent coordinator's Activity interface.
func (m *Manager) TurnActive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sessionID]
	return ok && st.active
}

// State is a runtime snapshot of one session.
type State struct {
	SessionID  string     `json:"session_id"`
	TurnActive bool       `json:"turn_active"`
	RunID      string     `json:"run_id,omitempty"`
	QueueDepth int        `json:"queue_depth"`
	Plan       *PlanState `json:"plan,omitempty"`
}

// State returns the session's runtime snapshot.
func (m *Manager) State(sessionID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sessionID]
	if !ok {
		return State{SessionID: sessionID}
	}
	out := State{
		SessionID:  sessionID,
		TurnActive: st.active,
		RunID:      st.runID,
		QueueDepth: len(st.ch),
	}
	if st.plan != nil {
		p := *st.plan
		out.Plan = &p
	}
	return out
}

// ClearContext drops all prior context for future composition without touching
// history. The event records how much estimated context the clear released.
func (m *Manager) ClearContext(ctx context.Context, sessionID string) error {
	events, err := m.store.EventsBySession(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	tokensBefore := 0
	if comp, err := compose.New(compose.Options{}).Compose(events); err == nil {
		tokensBefore = compose.EstimateTokens(comp.Messages)
	}

	ev, err := m.store.Append(ctx, models.EventInput{
		SessionID: sessionID,
		Type:      models.EventContextCleared,
		Payload: eventPayload(map[string]any{
			"tokens_before": tokensBefore,
			"tokens_after":  0,
			"reason":        "manual",
		}),
	})
	if err != nil {
		return err
	}
	m.publish(bus.EventEnvelope(ev))
	return nil
}

// DeleteMessage tombstones a message event so composition never includes it.
func (m *Manager) DeleteMessage(ctx context.Context, sessionID, targetEventID string) error {
	ev, err := m.store.DeleteMessage(ctx, sessionID, targetEventID)
	if err != nil {
		return err
	}
	m.publish(bus.EventEnvelope(ev))
	return nil
}

// Runs returns the session's tracked runs, oldest first.
func (m *Manager) Runs(sessionID string) []*models.Run {
	return m.tracker.BySession(sessionID)
}

// Close shuts down all workers and cancels running turns.
func (m *Manager) Close() {
	m.stop()
	m.mu.Lock()
	for id, st := range m.states {
		st.ended = true
		close(st.done)
		delete(m.states, id)
	}
	m.mu.Unlock()
	m.workers.Wait()
}

func (m *Manager) publish(env models.Envelope) {
	if m.bus != nil {
		m.bus.Publish(env)
	}
}
