// Package subagent spawns and tracks child sessions. A child runs its own
// orchestrator runs on a detached context: cancelling the parent's turn
// cancels blocking waits, never the child itself.
package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/orchestrator"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tokens"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// EnvResultAvailable notifies a parent session that a non-blocking child
// finished while the parent was idle.
const EnvResultAvailable = "subagent.result_available"

var (
	// ErrUnknownSubagent is returned for session ids the tracker never saw.
	ErrUnknownSubagent = errors.New("unknown subagent session")

	// ErrWaitTimeout is returned when a blocking wait elapses. The child keeps
	// running and can be reaped later via QueryAgent or WaitForAgents.
	ErrWaitTimeout = errors.New("subagent wait timed out")
)

// Status is a tracked child's lifecycle state.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// State is a point-in-time snapshot of one child.
type State struct {
	SessionID       string       `json:"session_id"`
	ParentSessionID string       `json:"parent_session_id"`
	Task            string       `json:"task"`
	Status          Status       `json:"status"`
	Turns           int          `json:"turns"`
	FinalText       string       `json:"final_text,omitempty"`
	Error           string       `json:"error,omitempty"`
	Usage           tokens.Usage `json:"usage"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at,omitempty"`
}

// Terminal reports whether the child has stopped running.
func (s *State) Terminal() bool {
	return s.Status != StatusRunning
}

// Runner issues runs for child sessions. The orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, sessionID string, opts orchestrator.RunOptions) (*orchestrator.Outcome, error)
}

// Activity reports whether a session currently has a turn in flight. The
// session manager satisfies it; a nil Activity treats every parent as idle.
type Activity interface {
	TurnActive(sessionID string) bool
}

// Options tunes the coordinator.
type Options struct {
	// WaitTimeout bounds blocking spawns and WaitForAgents (default 5 min).
	WaitTimeout time.Duration

	// MaxTurns is the default turn cap for children (default 10).
	MaxTurns int

	// Activity gates non-blocking result notifications.
	Activity Activity
}

// Coordinator owns child sessions: it spawns them, tracks their state, and
// propagates results back to parents.
type Coordinator struct {
	store  *store.Store
	runner Runner
	bus    *bus.Bus
	logger *observability.Logger
	opts   Options

	root    context.Context
	stop    context.CancelFunc
	running sync.WaitGroup

	mu       sync.Mutex
	children map[string]*child
	// pending buffers result notifications for parents that were mid-turn
	// when a child finished; flushed at the parent's next turn boundary.
	pending map[string][]models.Envelope
}

type child struct {
	state  State
	done   chan struct{}
	cancel context.CancelFunc
}

// New creates a coordinator. Logger may be nil.
func New(st *store.Store, runner Runner, b *bus.Bus, logger *observability.Logger, opts Options) *Coordinator {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 5 * time.Minute
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 10
	}
	root, stop := context.WithCancel(context.Background())
	return &Coordinator{
		store:    st,
		runner:   runner,
		bus:      b,
		logger:   logger,
		opts:     opts,
		root:     root,
		stop:     stop,
		children: make(map[string]*child),
		pending:  make(map[string][]models.Envelope),
	}
}

// SpawnParams describes one child.
type SpawnParams struct {
	Task       string
	Model      string
	WorkingDir string
	MaxTurns   int
	Denials    *tools.DenialConfig
}

// Spawn creates the child session, records subagent.spawned on the parent,
// and starts the child's run in the background. The returned state is the
// initial running snapshot; use WaitFor to block on completion.
func (c *Coordinator) Spawn(ctx context.Context, parentSessionID string, params SpawnParams) (*State, error) {
	if params.Task == "" {
		return nil, fmt.Errorf("subagent task must not be empty")
	}
	parent, err := c.store.Session(ctx, parentSessionID)
	if err != nil {
		return nil, fmt.Errorf("load parent session: %w", err)
	}
	ws, err := c.store.Workspace(ctx, parent.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("load parent workspace: %w", err)
	}

	workingDir := params.WorkingDir
	if workingDir == "" {
		workingDir = parent.WorkingDir
	}
	model := params.Model
	if model == "" {
		model = parent.Model
	}

	sess, err := c.store.CreateSession(ctx, store.CreateSessionParams{
		WorkspacePath:     ws.Path,
		Model:             model,
		WorkingDir:        workingDir,
		SpawningSessionID: parentSessionID,
		SpawnType:         "subagent",
		SpawnTask:         params.Task,
	})
	if err != nil {
		return nil, fmt.Errorf("create child session: %w", err)
	}

	spawned, err := c.store.Append(ctx, models.EventInput{
		SessionID: parentSessionID,
		Type:      models.EventSubagentSpawned,
		Payload: jsonBody(map[string]any{
			"child_session_id": sess.ID,
			"task":             params.Task,
			"model":            model,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("record spawn: %w", err)
	}
	c.publish(bus.EventEnvelope(spawned))

	maxTurns := params.MaxTurns
	if maxTurns <= 0 {
		maxTurns = c.opts.MaxTurns
	}

	runCtx, cancel := context.WithCancel(c.root)
	ch := &child{
		state: State{
			SessionID:       sess.ID,
			ParentSessionID: parentSessionID,
			Task:            params.Task,
			Status:          StatusRunning,
			StartedAt:       time.Now().UTC(),
		},
		done:   make(chan struct{}),
		cancel: cancel,
	}
	c.mu.Lock()
	c.children[sess.ID] = ch
	c.mu.Unlock()

	c.running.Add(1)
	go c.runChild(runCtx, ch, orchestrator.RunOptions{
		Prompt:     params.Task,
		Model:      model,
		MaxTurns:   maxTurns,
		Denials:    params.Denials.WithSubagentDenials(),
		WorkingDir: workingDir,
	})

	snapshot := ch.state
	return &snapshot, nil
}

// runChild drives the child run to a terminal state and propagates the result.
func (c *Coordinator) runChild(ctx context.Context, ch *child, opts orchestrator.RunOptions) {
	defer c.running.Done()
	defer ch.cancel()

	outcome, err := c.runner.Run(ctx, ch.state.SessionID, opts)

	c.mu.Lock()
	ch.state.FinishedAt = time.Now().UTC()
	switch {
	case err != nil:
		ch.state.Status = StatusFailed
		ch.state.Error = err.Error()
	case outcome.Status == orchestrator.StatusInterrupted:
		ch.state.Status = StatusInterrupted
		ch.state.Turns = outcome.Turns
		ch.state.Usage = outcome.Usage
		ch.state.FinalText = outcome.FinalText
	case outcome.Status == orchestrator.StatusFailed:
		ch.state.Status = StatusFailed
		ch.state.Turns = outcome.Turns
		ch.state.Usage = outcome.Usage
		if outcome.Err != nil {
			ch.state.Error = outcome.Err.Error()
		}
	default:
		ch.state.Status = StatusCompleted
		ch.state.Turns = outcome.Turns
		ch.state.Usage = outcome.Usage
		ch.state.FinalText = outcome.FinalText
	}
	state := ch.state
	c.mu.Unlock()

	// The completion event must be durable before any waiter observes the
	// result, so waiters can rely on replay.
	c.recordCompletion(state)

	c.mu.Lock()
	close(ch.done)
	c.mu.Unlock()

	c.publish(models.Envelope{
		Type:      string(models.EventSubagentStatusUpdate),
		SessionID: state.SessionID,
		Data:      state,
	})
	c.notifyParent(state)

	if c.logger != nil {
		c.logger.Info(context.Background(), "subagent finished",
			"session_id", state.SessionID,
			"parent_session_id", state.ParentSessionID,
			"status", string(state.Status),
			"turns", state.Turns)
	}
}

// recordCompletion appends subagent.completed (or subagent.failed) to the
// child's own log. The run context is already cancelled or consumed, so
// persistence runs on its own deadline.
func (c *Coordinator) recordCompletion(state State) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ := models.EventSubagentCompleted
	if state.Status == StatusFailed {
		typ = models.EventSubagentFailed
	}
	ev, err := c.store.Append(ctx, models.EventInput{
		SessionID:    state.SessionID,
		Type:         typ,
		InputTokens:  state.Usage.InputTokens,
		OutputTokens: state.Usage.OutputTokens,
		Payload: jsonBody(map[string]any{
			"parent_session_id": state.ParentSessionID,
			"task":              state.Task,
			"status":            string(state.Status),
			"final_text":        state.FinalText,
			"error":             state.Error,
			"turns":             state.Turns,
			"duration_ms":       state.FinishedAt.Sub(state.StartedAt).Milliseconds(),
			"input_tokens":      state.Usage.InputTokens,
			"output_tokens":     state.Usage.OutputTokens,
		}),
	})
	if err != nil {
		if c.logger != nil {
			c.logger.Error(ctx, "record subagent completion", "session_id", state.SessionID, "error", err)
		}
		return
	}
	c.publish(bus.EventEnvelope(ev))
}

// notifyParent emits subagent.result_available to the parent, immediately if
// the parent is idle, otherwise buffered for the next turn boundary.
func (c *Coordinator) notifyParent(state State) {
	env := models.Envelope{
		Type:      EnvResultAvailable,
		SessionID: state.ParentSessionID,
		Data: map[string]any{
			"child_session_id": state.SessionID,
			"status":           string(state.Status),
			"task":             state.Task,
		},
	}
	if c.opts.Activity != nil && c.opts.Activity.TurnActive(state.ParentSessionID) {
		c.mu.Lock()
		c.pending[state.ParentSessionID] = append(c.pending[state.ParentSessionID], env)
		c.mu.Unlock()
		return
	}
	c.publish(env)
}

// FlushPending publishes result notifications buffered while the parent was
// mid-turn. The session manager calls this at turn boundaries.
func (c *Coordinator) FlushPending(parentSessionID string) {
	c.mu.Lock()
	queued := c.pending[parentSessionID]
	delete(c.pending, parentSessionID)
	c.mu.Unlock()
	for _, env := range queued {
		c.publish(env)
	}
}

// WaitFor blocks until the child reaches a terminal state, the timeout
// elapses, or ctx is cancelled. A zero timeout uses the configured default.
// On timeout the child keeps running.
func (c *Coordinator) WaitFor(ctx context.Context, sessionID string, timeout time.Duration) (*State, error) {
	c.mu.Lock()
	ch, ok := c.children[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubagent, sessionID)
	}
	if timeout <= 0 {
		timeout = c.opts.WaitTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch.done:
		return c.snapshot(ch), nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s: %s", ErrWaitTimeout, timeout, sessionID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Query returns the current snapshot for a tracked child.
func (c *Coordinator) Query(sessionID string) (*State, bool) {
	c.mu.Lock()
	ch, ok := c.children[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return c.snapshot(ch), true
}

// Has reports whether the tracker knows the session.
func (c *Coordinator) Has(sessionID string) bool {
	c.mu.Lock()
	_, ok := c.children[sessionID]
	c.mu.Unlock()
	return ok
}

// Children lists snapshots of every child spawned by the given parent.
func (c *Coordinator) Children(parentSessionID string) []*State {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*State
	for _, ch := range c.children {
		if ch.state.ParentSessionID == parentSessionID {
			s := ch.state
			out = append(out, &s)
		}
	}
	return out
}

// Abort cancels a running child. Terminal children are left as-is.
func (c *Coordinator) Abort(sessionID string) error {
	c.mu.Lock()
	ch, ok := c.children[sessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubagent, sessionID)
	}
	ch.cancel()
	return nil
}

// Close cancels every running child and waits for their runs to unwind.
func (c *Coordinator) Close() {
	c.stop()
	c.running.Wait()
}

func (c *Coordinator) snapshot(ch *child) *State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := ch.state
	return &s
}

func (c *Coordinator) publish(env models.Envelope) {
	if c.bus != nil {
		c.bus.Publish(env)
	}
}

func jsonBody(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
