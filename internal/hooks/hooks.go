// Package hooks runs registered callbacks at turn boundaries and records
// their execution as session events.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/pkg/models"
)

// Trigger identifies when a hook fires.
type Trigger string

const (
	TriggerTurnStart    Trigger = "turn_start"
	TriggerTurnEnd      Trigger = "turn_end"
	TriggerSessionEnded Trigger = "session_ended"
)

// Event carries the firing context into a hook.
type Event struct {
	SessionID string
	Trigger   Trigger
	Turn      int
}

// Hook is one registered callback.
type Hook struct {
	Name    string
	Trigger Trigger

	// Background hooks run detached: the turn does not wait for them, and
	// their completion surfaces as a hook.background_completed event.
	Background bool

	Fn func(ctx context.Context, ev Event) error
}

// Appender persists hook lifecycle events.
type Appender interface {
	Append(ctx context.Context, input models.EventInput) (*models.Event, error)
}

// Publisher fans hook envelopes out to subscribers.
type Publisher interface {
	Publish(env models.Envelope)
}

// Runner fires hooks and records their lifecycle. Synchronous hooks run in
// registration order; a failing hook is recorded and does not stop the rest.
type Runner struct {
	mu    sync.RWMutex
	hooks []Hook

	store  Appender
	bus    Publisher
	logger *observability.Logger

	// background tracks detached hook goroutines for Wait.
	background sync.WaitGroup

	// timeout bounds each synchronous hook execution.
	timeout time.Duration
}

// NewRunner creates a runner. store and bus may be nil in tests.
func NewRunner(store Appender, bus Publisher, logger *observability.Logger) *Runner {
	return &Runner{
		store:   store,
		bus:     bus,
		logger:  logger,
		timeout: 30 * time.Second,
	}
}

// Register adds a hook. Hooks cannot be removed; a server's hook set is fixed
// at startup.
func (r *Runner) Register(h Hook) error {
	if h.Name == "" || h.Fn == nil {
		return fmt.Errorf("hook needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
	return nil
}

// Fire runs every hook registered for the trigger. Synchronous hooks complete
// before Fire returns; background hooks are started and left running.
func (r *Runner) Fire(ctx context.Context, ev Event) {
	r.mu.RLock()
	matched := make([]Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		if h.Trigger == ev.Trigger {
			matched = append(matched, h)
		}
	}
	r.mu.RUnlock()

	for _, h := range matched {
		if h.Background {
			r.fireBackground(ev, h)
			continue
		}
		r.fireSync(ctx, ev, h)
	}
}

// Wait blocks until all background hooks have finished. Called on shutdown.
func (r *Runner) Wait() {
	r.background.Wait()
}

func (r *Runner) fireSync(ctx context.Context, ev Event, h Hook) {
	r.append(ctx, ev, models.EventHookTriggered, h.Name, "")

	hookCtx, cancel := context.WithTimeout(ctx, r.timeout)
	err := h.Fn(hookCtx, ev)
	cancel()

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		if r.logger != nil {
			r.logger.Warn(ctx, "hook failed", "hook", h.Name, "trigger", string(ev.Trigger), "error", err)
		}
	}
	r.append(ctx, ev, models.EventHookCompleted, h.Name, errMsg)
}

func (r *Runner) fireBackground(ev Event, h Hook) {
	// Background hooks outlive the firing turn, so they run on a fresh
	// context rather than the turn's cancellable one.
	ctx := context.Background()
	r.append(ctx, ev, models.EventHookBackgroundStarted, h.Name, "")

	r.background.Add(1)
	go func() {
		defer r.background.Done()
		hookCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		err := h.Fn(hookCtx, ev)
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
			if r.logger != nil {
				r.logger.Warn(ctx, "background hook failed", "hook", h.Name, "error", err)
			}
		}
		r.append(ctx, ev, models.EventHookBackgroundCompleted, h.Name, errMsg)
	}()
}

// append records a hook lifecycle event and publishes it. Recording is best
// effort: a hook must never fail the turn that fired it.
func (r *Runner) append(ctx context.Context, ev Event, typ models.EventType, hookName, errMsg string) {
	payload := map[string]any{"hook": hookName, "trigger": string(ev.Trigger)}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	data, _ := json.Marshal(payload)

	var persisted *models.Event
	if r.store != nil {
		var err error
		persisted, err = r.store.Append(ctx, models.EventInput{
			SessionID: ev.SessionID,
			Type:      typ,
			Payload:   data,
			Turn:      ev.Turn,
		})
		if err != nil {
			if r.logger != nil {
				r.logger.Warn(ctx, "hook event append failed", "hook", hookName, "error", err)
			}
			return
		}
	}
	if r.bus != nil {
		env := models.Envelope{Type: string(typ), SessionID: ev.SessionID, Data: payload}
		if persisted != nil {
			env.Sequence = persisted.Sequence
			env.Timestamp = persisted.Timestamp
		}
		r.bus.Publish(env)
	}
}
