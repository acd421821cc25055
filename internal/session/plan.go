package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

var (
	// ErrAlreadyInPlanMode rejects nested plan entry.
	ErrAlreadyInPlanMode = errors.New("session already in plan mode")

	// ErrNotInPlanMode rejects exiting a session that never entered.
	ErrNotInPlanMode = errors.New("session not in plan mode")
)

// PlanState is the in-memory plan-mode overlay for one session. While active,
// the listed tools are denied on top of the base policy. Entry and exit are
// also recorded as metadata.update events so history explains the overlay.
type PlanState struct {
	SkillName    string    `json:"skill_name"`
	BlockedTools []string  `json:"blocked_tools,omitempty"`
	EnteredAt    time.Time `json:"entered_at"`
}

// overlay extends the base denial policy with the plan's blocked tools.
func (p *PlanState) overlay(base *tools.DenialConfig) *tools.DenialConfig {
	out := &tools.DenialConfig{Tools: map[string]bool{}}
	if base != nil {
		out.DenyAll = base.DenyAll
		for name := range base.Tools {
			out.Tools[name] = true
		}
		out.Rules = append(out.Rules, base.Rules...)
	}
	for _, name := range p.BlockedTools {
		out.Tools[name] = true
	}
	return out
}

// EnterPlan switches the session into plan mode.
func (m *Manager) EnterPlan(ctx context.Context, sessionID, skillName string, blockedTools []string) (*PlanState, error) {
	if _, err := m.store.Session(ctx, sessionID); err != nil {
		return nil, err
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
	if st.plan != nil {
		m.mu.Unlock()
		return nil, ErrAlreadyInPlanMode
	}
	plan := &PlanState{
		SkillName:    skillName,
		BlockedTools: append([]string(nil), blockedTools...),
		EnteredAt:    time.Now().UTC(),
	}
	st.plan = plan
	m.mu.Unlock()

	ev, err := m.store.Append(ctx, models.EventInput{
		SessionID: sessionID,
		Type:      models.EventMetadataUpdate,
		Payload: eventPayload(map[string]any{
			"plan_mode":     "entered",
			"skill_name":    skillName,
			"blocked_tools": blockedTools,
		}),
	})
	if err != nil {
		m.mu.Lock()
		st.plan = nil
		m.mu.Unlock()
		return nil, err
	}
	m.publish(bus.EventEnvelope(ev))

	snapshot := *plan
	return &snapshot, nil
}

// ExitPlan leaves plan mode, recording why and where the plan landed.
func (m *Manager) ExitPlan(ctx context.Context, sessionID, reason, planPath string) error {
	m.mu.Lock()
	st, ok := m.states[sessionID]
	if !ok || st.plan == nil {
		m.mu.Unlock()
		return ErrNotInPlanMode
	}
	st.plan = nil
	m.mu.Unlock()

	ev, err := m.store.Append(ctx, models.EventInput{
		SessionID: sessionID,
		Type:      models.EventMetadataUpdate,
		Payload: eventPayload(map[string]any{
			"plan_mode": "exited",
			"reason":    reason,
			"plan_path": planPath,
		}),
	})
	if err != nil {
		return err
	}
	m.publish(bus.EventEnvelope(ev))
	return nil
}

// Plan returns the active plan state, if any.
func (m *Manager) Plan(sessionID string) (*PlanState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sessionID]
	if !ok || st.plan == nil {
		return nil, false
	}
	snapshot := *st.plan
	return &snapshot, true
}

func eventPayload(v map[string]any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
