// Package orchestrator drives turns: it composes the context from the event
// log, streams the provider response, executes tool calls, and persists every
// observable effect back to the log.
//
// One run covers a single prompt and loops through as many turns as the model
// requests tools for, up to the turn cap. The orchestrator is the only
// component that appends tool.call and tool.result events.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/compose"
	"github.com/loomhq/loom/internal/hooks"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/provider"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tokens"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/internal/usage"
	"github.com/loomhq/loom/pkg/models"
)

// Streaming-only envelope types forwarded to the bus while a turn runs.
// Persisted events are published separately under their event type.
const (
	EnvTurnStart     = "agent.turn_start"
	EnvTurnEnd       = "agent.turn_end"
	EnvTextDelta     = "agent.text_delta"
	EnvThinkingDelta = "agent.thinking_delta"
	EnvToolStart     = "agent.tool_start"
	EnvToolEnd       = "agent.tool_end"
	EnvRetry         = "agent.retry"
	EnvComplete      = "agent.complete"
)

// ErrEmptyPrompt is returned when a run is requested with no prompt text; no
// turn starts and no events are appended.
var ErrEmptyPrompt = errors.New("empty prompt")

// Providers resolves models to their serving provider.
type Providers interface {
	ForModel(model string) (provider.Provider, error)
}

// Config tunes the orchestrator.
type Config struct {
	// DefaultModel is used when neither the run nor the session pins one.
	DefaultModel string

	// MaxTurns caps provider round-trips within one run (default 50).
	MaxTurns int

	// MaxValidationRetries bounds schema-validation re-calls per tool
	// (default 3).
	MaxValidationRetries int

	// MaxTokens is the per-request output token limit.
	MaxTokens int

	// MaxContextTokens and CompactionThreshold decide when the composed
	// context is compacted: estimate > MaxContextTokens * CompactionThreshold.
	MaxContextTokens    int
	CompactionThreshold float64

	// PreserveRecent is how many recent user/assistant pairs compaction keeps
	// verbatim.
	PreserveRecent int
}

func (c *Config) fillDefaults() {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 50
	}
	if c.MaxValidationRetries <= 0 {
		c.MaxValidationRetries = 3
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 8192
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 100_000
	}
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = 0.85
	}
	if c.PreserveRecent < 0 {
		c.PreserveRecent = 0
	} else if c.PreserveRecent == 0 {
		c.PreserveRecent = 3
	}
}

// Orchestrator drives turns for any session. It is safe for concurrent use
// across sessions; per-session serialization is the session manager's job.
type Orchestrator struct {
	store      *store.Store
	composer   *compose.Composer
	providers  Providers
	dispatcher *tools.Dispatcher
	accountant *tokens.Accountant
	bus        *bus.Bus
	hooks      *hooks.Runner
	pricing    *usage.Table
	logger     *observability.Logger
	metrics    *observability.Metrics
	cfg        Config

	// translators holds one tool-call id translation table per session,
	// mutated only while that session's turn is running. validationRetries
	// counts consecutive schema failures per (session, tool).
	mu                sync.Mutex
	translators       map[string]*provider.IDTranslator
	validationRetries map[string]map[string]int
}

// Deps collects the orchestrator's collaborators. Hooks, Pricing, Logger, and
// Metrics are optional.
type Deps struct {
	Store      *store.Store
	Composer   *compose.Composer
	Providers  Providers
	Dispatcher *tools.Dispatcher
	Accountant *tokens.Accountant
	Bus        *bus.Bus
	Hooks      *hooks.Runner
	Pricing    *usage.Table
	Logger     *observability.Logger
	Metrics    *observability.Metrics
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	cfg.fillDefaults()
	return &Orchestrator{
		store:       deps.Store,
		composer:    deps.Composer,
		providers:   deps.Providers,
		dispatcher:  deps.Dispatcher,
		accountant:  deps.Accountant,
		bus:         deps.Bus,
		hooks:       deps.Hooks,
		pricing:     deps.Pricing,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		cfg:         cfg,
	}
}

// Status is a run's terminal state.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// RunOptions tunes one run.
type RunOptions struct {
	// Prompt is the user's message. Empty prompts start no turn.
	Prompt string

	// Model overrides the session's model for this run.
	Model string

	// ReasoningLevel requests extended thinking ("", "low", "medium", "high").
	ReasoningLevel string

	// MaxTurns overrides the configured cap (subagents pass theirs here).
	MaxTurns int

	// Denials filters the session's tool set for this run.
	Denials *tools.DenialConfig

	// WorkingDir is passed through to tool executions.
	WorkingDir string
}

// Outcome is what a finished run reports.
type Outcome struct {
	Status     Status
	Turns      int
	FinalText  string
	StopReason provider.StopReason
	Usage      tokens.Usage
	Err        error
}

// Run drives one run to a terminal status. A non-nil error means the run
// could not produce a coherent terminal state (store failures, mostly);
// model- and tool-level failures come back inside the Outcome.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, opts RunOptions) (*Outcome, error) {
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	session, err := o.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Archived() {
		return nil, fmt.Errorf("session %s is archived: %w", sessionID, store.ErrInvalidOperation)
	}

	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = o.cfg.MaxTurns
	}

	outcome := &Outcome{}
	turnBase := int(session.TurnCount)
	start := time.Now()

	for turnIdx := 1; ; turnIdx++ {
		turn := turnBase + turnIdx
		if turnIdx > maxTurns {
			if err := o.failRun(ctx, sessionID, turn, "max_turns",
				fmt.Sprintf("run exceeded %d turns", maxTurns)); err != nil {
				return nil, err
			}
			outcome.Status = StatusFailed
			outcome.Err = fmt.Errorf("run exceeded %d turns", maxTurns)
			break
		}

		tr, err := o.runTurn(ctx, sessionID, turn, turnIdx == 1, opts)
		if err != nil {
			return nil, err
		}

		outcome.Turns = turnIdx
		outcome.Usage = addUsage(outcome.Usage, tr.usage)
		if tr.finalText != "" {
			outcome.FinalText = tr.finalText
		}
		outcome.StopReason = tr.stopReason

		if tr.interrupted {
			outcome.Status = StatusInterrupted
			break
		}
		if tr.failed != nil {
			outcome.Status = StatusFailed
			outcome.Err = tr.failed
			break
		}
		if tr.loop {
			continue
		}
		outcome.Status = StatusCompleted
		break
	}

	if outcome.Status == StatusCompleted {
		// A response cycle ended; write the ledger boundary. Compaction
		// boundaries deliberately do not count as cycles.
		if err := o.appendAndPublish(ctx, sessionID, models.EventInput{
			SessionID: sessionID,
			Type:      models.EventMemoryLedger,
			Turn:      turnBase + outcome.Turns,
			Payload:   jsonBody(map[string]any{"turns": outcome.Turns}),
		}); err != nil {
			return nil, err
		}
		o.publish(models.Envelope{
			Type:      EnvComplete,
			SessionID: sessionID,
			Data: map[string]any{
				"turns":      outcome.Turns,
				"final_text": outcome.FinalText,
			},
		})
	}

	if o.metrics != nil {
		model := opts.Model
		if model == "" {
			model = session.Model
		}
		o.metrics.TurnCounter.WithLabelValues(model, string(outcome.Status)).Inc()
		o.metrics.TurnDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
	}
	return outcome, nil
}

// failRun records a turn.failed event and its bus envelope.
func (o *Orchestrator) failRun(ctx context.Context, sessionID string, turn int, reason, message string) error {
	return o.appendAndPublish(ctx, sessionID, models.EventInput{
		SessionID: sessionID,
		Type:      models.EventTurnFailed,
		Turn:      turn,
		Payload:   jsonBody(map[string]any{"reason": reason, "message": message}),
	})
}

// translator returns the session's tool-call id table, creating it lazily.
func (o *Orchestrator) translator(sessionID string) *provider.IDTranslator {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.translators == nil {
		o.translators = make(map[string]*provider.IDTranslator)
	}
	t, ok := o.translators[sessionID]
	if !ok {
		t = provider.NewIDTranslator()
		o.translators[sessionID] = t
	}
	return t
}

// ForgetSession drops per-session orchestrator state. Called when a session
// ends or is archived.
func (o *Orchestrator) ForgetSession(sessionID string) {
	o.mu.Lock()
	delete(o.translators, sessionID)
	delete(o.validationRetries, sessionID)
	o.mu.Unlock()
	o.accountant.Forget(sessionID)
}

func (o *Orchestrator) publish(env models.Envelope) {
	if o.bus != nil {
		o.bus.Publish(env)
	}
}

// appendAndPublish appends one event and publishes it after the commit.
func (o *Orchestrator) appendAndPublish(ctx context.Context, sessionID string, input models.EventInput) error {
	ev, err := o.store.Append(ctx, input)
	if err != nil {
		return err
	}
	o.publish(bus.EventEnvelope(ev))
	return nil
}

// appendBatchAndPublish appends a batch atomically and publishes each event
// in order after the commit.
func (o *Orchestrator) appendBatchAndPublish(ctx context.Context, sessionID string, inputs []models.EventInput) ([]*models.Event, error) {
	events, err := o.store.AppendBatch(ctx, sessionID, inputs)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		o.publish(bus.EventEnvelope(ev))
	}
	return events, nil
}

func addUsage(a, b tokens.Usage) tokens.Usage {
	return tokens.Usage{
		InputTokens:         a.InputTokens + b.InputTokens,
		OutputTokens:        a.OutputTokens + b.OutputTokens,
		CacheReadTokens:     a.CacheReadTokens + b.CacheReadTokens,
		CacheCreationTokens: a.CacheCreationTokens + b.CacheCreationTokens,
	}
}

func jsonBody(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
