package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/compose"
	"github.com/loomhq/loom/internal/hooks"
	"github.com/loomhq/loom/internal/provider"
	"github.com/loomhq/loom/internal/tokens"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// turnResult is what one turn reports back to the run loop.
type turnResult struct {
	stopReason  provider.StopReason
	finalText   string
	usage       tokens.Usage
	loop        bool
	interrupted bool
	failed      error
}

// runTurn drives one full turn: compose, stream, execute tools, persist.
func (o *Orchestrator) runTurn(ctx context.Context, sessionID string, turn int, first bool, opts RunOptions) (*turnResult, error) {
	// COMPOSING. The turn marker and, on the first turn, the user prompt land
	// atomically so replay never sees a turn without its trigger.
	inputs := []models.EventInput{{
		SessionID: sessionID,
		Type:      models.EventStreamTurnStart,
		Turn:      turn,
	}}
	if first {
		inputs = append(inputs, models.EventInput{
			SessionID: sessionID,
			Type:      models.EventMessageUser,
			Role:      string(models.RoleUser),
			Turn:      turn,
			Payload:   jsonBody(map[string]any{"text": opts.Prompt}),
		})
	}
	if _, err := o.appendBatchAndPublish(ctx, sessionID, inputs); err != nil {
		return nil, err
	}
	o.publish(models.Envelope{Type: EnvTurnStart, SessionID: sessionID, Data: map[string]any{"turn": turn}})
	if o.hooks != nil {
		o.hooks.Fire(ctx, hooks.Event{SessionID: sessionID, Trigger: hooks.TriggerTurnStart, Turn: turn})
	}

	comp, err := o.composeWithCompaction(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	model := opts.Model
	if model == "" {
		model = comp.Model
	}
	if model == "" {
		if session, err := o.store.Session(ctx, sessionID); err == nil && session.Model != "" {
			model = session.Model
		}
	}
	if model == "" {
		model = o.cfg.DefaultModel
	}
	reasoning := opts.ReasoningLevel
	if reasoning == "" {
		reasoning = comp.ReasoningLevel
	}

	prov, err := o.providers.ForModel(model)
	if err != nil {
		if ferr := o.failTurn(ctx, sessionID, turn, err); ferr != nil {
			return nil, ferr
		}
		return &turnResult{failed: err}, nil
	}

	allowed := o.dispatcher.Registry().Allowed(opts.Denials)
	defs := make([]provider.ToolDef, 0, len(allowed))
	for _, tool := range allowed {
		defs = append(defs, provider.ToolDef{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}

	// STREAMING.
	translator := o.translator(sessionID)
	stream, err := prov.StreamTurn(ctx, provider.Request{
		Model:          model,
		System:         comp.SystemPrompt,
		Messages:       vendorizeMessages(comp.Messages, translator),
		Tools:          defs,
		MaxTokens:      o.cfg.MaxTokens,
		ReasoningLevel: reasoning,
	})
	if err != nil {
		if o.metrics != nil {
			o.metrics.ProviderRequestCounter.WithLabelValues(prov.Name(), model, "error").Inc()
		}
		if ferr := o.failTurn(ctx, sessionID, turn, err); ferr != nil {
			return nil, ferr
		}
		return &turnResult{failed: err}, nil
	}

	acc := newAccumulator(translator)
	streamState, streamErr := o.consumeStream(ctx, sessionID, turn, stream, acc)

	if o.metrics != nil {
		status := "success"
		if streamErr != nil {
			status = "error"
		}
		o.metrics.ProviderRequestCounter.WithLabelValues(prov.Name(), model, status).Inc()
	}

	if streamState == streamInterrupted {
		// Interrupted before any tools ran; persist partial output.
		if err := o.persistInterrupted(ctx, sessionID, turn, acc.blocks(), nil, nil); err != nil {
			return nil, err
		}
		return &turnResult{interrupted: true, stopReason: provider.StopInterrupted, finalText: acc.text()}, nil
	}
	if streamErr != nil {
		if ferr := o.failTurn(ctx, sessionID, turn, streamErr); ferr != nil {
			return nil, ferr
		}
		return &turnResult{failed: streamErr}, nil
	}

	rec := o.accountant.RecordTurn(sessionID, turn, prov.UsageMethod(), acc.usage)
	if o.metrics != nil {
		o.metrics.TokensUsed.WithLabelValues(prov.Name(), model, "input").Add(float64(acc.usage.InputTokens))
		o.metrics.TokensUsed.WithLabelValues(prov.Name(), model, "output").Add(float64(acc.usage.OutputTokens))
		o.metrics.TokensUsed.WithLabelValues(prov.Name(), model, "cache_read").Add(float64(acc.usage.CacheReadTokens))
		o.metrics.TokensUsed.WithLabelValues(prov.Name(), model, "cache_creation").Add(float64(acc.usage.CacheCreationTokens))
	}
	if o.pricing != nil {
		if cost := o.pricing.Cost(model, acc.usage); cost > 0 {
			_ = o.store.AddSessionCost(ctx, sessionID, cost)
		}
	}

	// EXECUTING_TOOLS.
	calls := acc.toolCalls()
	var results []*models.ToolResult
	if acc.stopReason == provider.StopToolUse && len(calls) > 0 {
		for _, call := range calls {
			o.publish(models.Envelope{Type: EnvToolStart, SessionID: sessionID, Data: map[string]any{
				"tool_call_id": call.ID, "name": call.Name, "turn": turn,
			}})
		}
		results = o.dispatcher.DispatchAll(ctx, calls, tools.ExecOptions{
			SessionID:  sessionID,
			WorkingDir: opts.WorkingDir,
		}, opts.Denials)
		o.applyValidationCap(sessionID, calls, results)
		for _, result := range results {
			o.publish(models.Envelope{Type: EnvToolEnd, SessionID: sessionID, Data: map[string]any{
				"tool_call_id": result.ToolCallID, "is_error": result.IsError, "turn": turn,
			}})
		}

		if ctx.Err() != nil {
			// Interrupted mid-execution: keep what completed.
			if err := o.persistInterrupted(ctx, sessionID, turn, acc.blocks(), calls, results); err != nil {
				return nil, err
			}
			return &turnResult{interrupted: true, stopReason: provider.StopInterrupted, finalText: acc.text()}, nil
		}
	}

	// PERSISTING. Assistant message, tool call/result pairs, and the turn-end
	// marker commit in one transaction.
	batch := []models.EventInput{{
		SessionID: sessionID,
		Type:      models.EventMessageAssistant,
		Role:      string(models.RoleAssistant),
		Turn:      turn,
		Payload:   jsonBody(map[string]any{"blocks": acc.blocks(), "stop_reason": string(acc.stopReason)}),
	}}
	for i, call := range calls {
		var result *models.ToolResult
		if i < len(results) {
			result = results[i]
		}
		if result == nil {
			// The stream carried tool calls but stopped before execution, e.g.
			// truncated at max_tokens. Pair each call with an error result so
			// replay stays call/result balanced.
			result = &models.ToolResult{
				ToolCallID: call.ID,
				IsError:    true,
				Content:    fmt.Sprintf("tool %s was not executed: turn stopped with %s", call.Name, acc.stopReason),
			}
		}
		batch = append(batch,
			models.EventInput{
				SessionID:  sessionID,
				Type:       models.EventToolCall,
				ToolName:   call.Name,
				ToolCallID: call.ID,
				Turn:       turn,
				Payload:    jsonBody(call),
			},
			models.EventInput{
				SessionID:  sessionID,
				Type:       models.EventToolResult,
				ToolName:   call.Name,
				ToolCallID: call.ID,
				Turn:       turn,
				Payload:    jsonBody(result),
			})
	}
	batch = append(batch, models.EventInput{
		SessionID:           sessionID,
		Type:                models.EventStreamTurnEnd,
		Turn:                turn,
		InputTokens:         acc.usage.InputTokens,
		OutputTokens:        acc.usage.OutputTokens,
		CacheReadTokens:     acc.usage.CacheReadTokens,
		CacheCreationTokens: acc.usage.CacheCreationTokens,
		Payload: jsonBody(map[string]any{
			"stop_reason":    string(acc.stopReason),
			"context_window": rec.ContextWindow(),
			"new_input":      rec.NewInput(),
		}),
	})
	if _, err := o.appendBatchAndPublish(ctx, sessionID, batch); err != nil {
		return nil, err
	}
	o.publish(models.Envelope{Type: EnvTurnEnd, SessionID: sessionID, Data: map[string]any{
		"turn": turn, "stop_reason": string(acc.stopReason),
	}})
	if o.hooks != nil {
		o.hooks.Fire(ctx, hooks.Event{SessionID: sessionID, Trigger: hooks.TriggerTurnEnd, Turn: turn})
	}

	// DECIDING.
	tr := &turnResult{
		stopReason: acc.stopReason,
		finalText:  acc.text(),
		usage:      acc.usage,
	}
	for _, result := range results {
		if result.StopTurn {
			return tr, nil
		}
	}
	if acc.stopReason == provider.StopToolUse && len(calls) > 0 {
		tr.loop = true
	}
	return tr, nil
}

// vendorizeMessages restores vendor tool-call ids on replayed history so the
// vendor that minted them sees its own id shape back. Ids minted by another
// vendor (or another process) pass through unchanged.
func vendorizeMessages(msgs []models.Message, translator *provider.IDTranslator) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg
		out[i].Blocks = make([]models.ContentBlock, len(msg.Blocks))
		copy(out[i].Blocks, msg.Blocks)
		for j := range out[i].Blocks {
			b := &out[i].Blocks[j]
			if b.ToolCall != nil {
				tc := *b.ToolCall
				tc.ID = translator.Vendorize(tc.ID)
				b.ToolCall = &tc
			}
			if b.ToolResult != nil {
				tr := *b.ToolResult
				tr.ToolCallID = translator.Vendorize(tr.ToolCallID)
				b.ToolResult = &tr
			}
		}
	}
	return out
}

// streamOutcome classifies how stream consumption ended.
type streamOutcome int

const (
	streamDone streamOutcome = iota
	streamInterrupted
)

// consumeStream drains the provider stream into the accumulator, forwarding
// deltas to the bus. It returns streamInterrupted when the context is
// cancelled mid-stream, or a non-nil error when the provider fails.
func (o *Orchestrator) consumeStream(ctx context.Context, sessionID string, turn int, stream *provider.Stream, acc *accumulator) (streamOutcome, error) {
	defer stream.Cancel()

	for {
		select {
		case <-ctx.Done():
			stream.Cancel()
			// Drain so the adapter's goroutine can release its transport.
			for range stream.Events() {
			}
			return streamInterrupted, nil

		case ev, ok := <-stream.Events():
			if !ok {
				if acc.stopReason == "" {
					return streamDone, fmt.Errorf("provider stream ended without a terminal event")
				}
				if acc.stopReason == provider.StopInterrupted {
					return streamInterrupted, nil
				}
				return streamDone, nil
			}

			switch ev.Kind {
			case provider.KindTextDelta:
				acc.addText(ev.Text)
				o.publish(models.Envelope{Type: EnvTextDelta, SessionID: sessionID, Data: map[string]any{
					"delta": ev.Text, "turn": turn,
				}})
			case provider.KindThinkingDelta:
				acc.addThinking(ev.Text)
				o.publish(models.Envelope{Type: EnvThinkingDelta, SessionID: sessionID, Data: map[string]any{
					"delta": ev.Text, "turn": turn,
				}})
			case provider.KindToolCallStart:
				acc.startToolCall(ev.ToolCall)
			case provider.KindToolCallDelta:
				acc.addToolCallArgs(ev.ToolCall, ev.PartialJSON)
			case provider.KindToolCallEnd:
				acc.endToolCall(ev.ToolCall)
			case provider.KindRetry:
				o.publish(models.Envelope{Type: EnvRetry, SessionID: sessionID, Data: map[string]any{
					"attempt": ev.Attempt, "turn": turn,
				}})
			case provider.KindStart:
				// Usage on start is provisional; the done event is final.
			case provider.KindDone:
				acc.finish(ev.StopReason, ev.Usage)
				if ev.StopReason == provider.StopInterrupted {
					return streamInterrupted, nil
				}
				return streamDone, nil
			case provider.KindError:
				return streamDone, ev.Err
			}
		}
	}
}

// persistInterrupted writes the partial turn: whatever assistant content was
// received, any tool results that completed, and the interrupt marker. No
// stream.turn_end is written, so replay sees the turn as interrupted.
func (o *Orchestrator) persistInterrupted(ctx context.Context, sessionID string, turn int, blocks []models.ContentBlock, calls []models.ToolCall, results []*models.ToolResult) error {
	// The run's context is cancelled; persistence gets its own deadline.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	batch := []models.EventInput{{
		SessionID: sessionID,
		Type:      models.EventMessageAssistant,
		Role:      string(models.RoleAssistant),
		Turn:      turn,
		Payload: jsonBody(map[string]any{
			"blocks":      blocks,
			"stop_reason": string(provider.StopInterrupted),
			"interrupted": true,
		}),
	}}
	for i, call := range calls {
		if i >= len(results) || results[i] == nil {
			continue
		}
		batch = append(batch,
			models.EventInput{
				SessionID:  sessionID,
				Type:       models.EventToolCall,
				ToolName:   call.Name,
				ToolCallID: call.ID,
				Turn:       turn,
				Payload:    jsonBody(call),
			},
			models.EventInput{
				SessionID:  sessionID,
				Type:       models.EventToolResult,
				ToolName:   call.Name,
				ToolCallID: call.ID,
				Turn:       turn,
				Payload:    jsonBody(results[i]),
			})
	}
	notifyTurn := turn
	if notifyTurn < 1 {
		notifyTurn = 1
	}
	batch = append(batch, models.EventInput{
		SessionID: sessionID,
		Type:      models.EventNotificationInterrupted,
		Turn:      notifyTurn,
		Payload:   jsonBody(map[string]any{"turn": notifyTurn}),
	})
	_, err := o.appendBatchAndPublish(persistCtx, sessionID, batch)
	return err
}

// failTurn records the provider failure and the turn.failed marker together.
func (o *Orchestrator) failTurn(ctx context.Context, sessionID string, turn int, cause error) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	_, err := o.appendBatchAndPublish(persistCtx, sessionID, []models.EventInput{
		{
			SessionID: sessionID,
			Type:      models.EventErrorProvider,
			Turn:      turn,
			Payload:   jsonBody(map[string]any{"error": cause.Error()}),
		},
		{
			SessionID: sessionID,
			Type:      models.EventTurnFailed,
			Turn:      turn,
			Payload:   jsonBody(map[string]any{"reason": "provider_error", "message": cause.Error()}),
		},
	})
	if o.metrics != nil {
		o.metrics.ErrorCounter.WithLabelValues("provider", "stream").Inc()
	}
	return err
}

// composeWithCompaction replays the session into a message view, compacting
// first when the estimated context exceeds the configured budget.
func (o *Orchestrator) composeWithCompaction(ctx context.Context, sessionID string) (*compose.Result, error) {
	events, err := o.store.EventsBySession(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	comp, err := o.composer.Compose(events)
	if err != nil {
		return nil, err
	}

	estimate := compose.EstimateTokens(comp.Messages)
	budget := int(float64(o.cfg.MaxContextTokens) * o.cfg.CompactionThreshold)
	if estimate <= budget {
		return comp, nil
	}

	span := compactionSpan(events, o.cfg.PreserveRecent*2)
	if len(span) == 0 {
		return comp, nil
	}

	inputs := compose.CompactionEvents(sessionID, span, estimate, 0)
	if _, err := o.appendBatchAndPublish(ctx, sessionID, inputs); err != nil {
		return nil, err
	}
	if o.logger != nil {
		o.logger.Info(ctx, "context compacted",
			"session_id", sessionID, "compacted_events", len(span), "estimated_tokens", estimate)
	}

	events, err = o.store.EventsBySession(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	return o.composer.Compose(events)
}

// compactionSpan selects the events to summarize: everything still composable
// (after the last context clear and past any previous compaction's
// through-sequence), minus the trailing preserve message events. A previous
// compaction's summary falls inside the new span and folds forward.
func compactionSpan(events []*models.Event, preserve int) []*models.Event {
	clearIdx := -1
	var through int64
	for i, ev := range events {
		switch ev.Type {
		case models.EventContextCleared:
			clearIdx = i
		case models.EventCompactBoundary:
			var body struct {
				ThroughSequence int64 `json:"through_sequence"`
			}
			through = 0
			if err := json.Unmarshal(ev.Payload, &body); err == nil {
				through = body.ThroughSequence
			}
		}
	}

	var candidates []*models.Event
	for i, ev := range events {
		if i <= clearIdx {
			continue
		}
		if through > 0 && ev.Sequence <= through {
			continue
		}
		candidates = append(candidates, ev)
	}

	// Walk backwards counting message events to find where the preserved tail
	// begins.
	kept := 0
	cut := -1
	for i := len(candidates) - 1; i >= 0; i-- {
		if candidates[i].Type == models.EventMessageUser || candidates[i].Type == models.EventMessageAssistant {
			kept++
			if kept > preserve {
				cut = i + 1
				break
			}
		}
	}
	if cut <= 0 {
		return nil // nothing old enough to fold away
	}
	return candidates[:cut]
}

// applyValidationCap enforces the bounded validation-retry protocol: after
// MaxValidationRetries consecutive schema failures for the same tool, the
// retry request becomes a terminal error.
func (o *Orchestrator) applyValidationCap(sessionID string, calls []models.ToolCall, results []*models.ToolResult) {
	o.mu.Lock()
	if o.validationRetries == nil {
		o.validationRetries = make(map[string]map[string]int)
	}
	counts, ok := o.validationRetries[sessionID]
	if !ok {
		counts = make(map[string]int)
		o.validationRetries[sessionID] = counts
	}
	o.mu.Unlock()

	for i, result := range results {
		if result == nil {
			continue
		}
		name := calls[i].Name
		if !result.NeedsRetry {
			delete(counts, name)
			continue
		}
		counts[name]++
		if counts[name] >= o.cfg.MaxValidationRetries {
			result.NeedsRetry = false
			result.IsError = true
			result.Content = fmt.Sprintf("tool %s input failed validation %d times: %s",
				name, counts[name], result.Content)
			delete(counts, name)
		}
	}
}

// accumulator assembles assistant content blocks from stream deltas.
type accumulator struct {
	translator *provider.IDTranslator

	blocksOut  []models.ContentBlock
	openText   int // index+1 of the open text block, 0 if none
	openThink  int
	openCalls  map[int]*pendingCall
	stopReason provider.StopReason
	usage      tokens.Usage
}

type pendingCall struct {
	block int
	args  []byte
}

func newAccumulator(translator *provider.IDTranslator) *accumulator {
	return &accumulator{translator: translator, openCalls: make(map[int]*pendingCall)}
}

func (a *accumulator) addText(delta string) {
	if a.openText == 0 {
		a.blocksOut = append(a.blocksOut, models.ContentBlock{Type: models.BlockText})
		a.openText = len(a.blocksOut)
		a.openThink = 0
	}
	a.blocksOut[a.openText-1].Text += delta
}

func (a *accumulator) addThinking(delta string) {
	if a.openThink == 0 {
		a.blocksOut = append(a.blocksOut, models.ContentBlock{Type: models.BlockThinking})
		a.openThink = len(a.blocksOut)
		a.openText = 0
	}
	a.blocksOut[a.openThink-1].Text += delta
}

func (a *accumulator) startToolCall(ref *provider.ToolCallRef) {
	if ref == nil {
		return
	}
	a.openText, a.openThink = 0, 0
	a.blocksOut = append(a.blocksOut, models.ContentBlock{
		Type: models.BlockToolUse,
		ToolCall: &models.ToolCall{
			ID:   a.translator.Localize(ref.ID),
			Name: ref.Name,
		},
	})
	a.openCalls[ref.Index] = &pendingCall{block: len(a.blocksOut) - 1}
}

func (a *accumulator) addToolCallArgs(ref *provider.ToolCallRef, partial string) {
	if ref == nil {
		return
	}
	if pc, ok := a.openCalls[ref.Index]; ok {
		pc.args = append(pc.args, partial...)
	}
}

func (a *accumulator) endToolCall(ref *provider.ToolCallRef) {
	if ref == nil {
		return
	}
	pc, ok := a.openCalls[ref.Index]
	if !ok {
		return
	}
	args := pc.args
	if len(args) == 0 {
		args = []byte("{}")
	}
	a.blocksOut[pc.block].ToolCall.Input = json.RawMessage(args)
	delete(a.openCalls, ref.Index)
}

func (a *accumulator) finish(reason provider.StopReason, u tokens.Usage) {
	// Close any tool call the stream never ended explicitly.
	for idx := range a.openCalls {
		a.endToolCall(&provider.ToolCallRef{Index: idx})
	}
	a.stopReason = reason
	a.usage = u
}

func (a *accumulator) blocks() []models.ContentBlock {
	return a.blocksOut
}

func (a *accumulator) text() string {
	var out string
	for _, b := range a.blocksOut {
		if b.Type == models.BlockText {
			out += b.Text
		}
	}
	return out
}

func (a *accumulator) toolCalls() []models.ToolCall {
	var calls []models.ToolCall
	for _, b := range a.blocksOut {
		if b.Type == models.BlockToolUse && b.ToolCall != nil {
			calls = append(calls, *b.ToolCall)
		}
	}
	return calls
}
