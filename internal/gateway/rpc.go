package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomhq/loom/internal/orchestrator"
	"github.com/loomhq/loom/internal/session"
	"github.com/loomhq/loom/internal/store"
)

// RPC error codes in the wire envelope.
const (
	CodeInvalidParams     = "INVALID_PARAMS"
	CodeNotAvailable      = "NOT_AVAILABLE"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeAlreadyInPlanMode = "ALREADY_IN_PLAN_MODE"
	CodeNotInPlanMode     = "NOT_IN_PLAN_MODE"
	CodeEventNotFound     = "EVENT_NOT_FOUND"
	CodeInvalidOperation  = "INVALID_OPERATION"
	CodeStoreConflict     = "STORE_CONFLICT"
	CodeInternalError     = "INTERNAL_ERROR"
)

// rpcRequest is one client call over the socket.
type rpcRequest struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is the reply envelope. Streaming envelopes travel separately.
type rpcResponse struct {
	ID      string    `json:"id,omitempty"`
	Success bool      `json:"success"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func rpcErrorf(code, format string, args ...any) *rpcError {
	return &rpcError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// toRPCError maps component errors onto wire codes.
func toRPCError(err error) *rpcError {
	var re *rpcError
	switch {
	case errors.As(err, &re):
		return re
	case errors.Is(err, store.ErrNotFound):
		// Store lookups cover both sessions and events; the handlers wrap
		// event misses in CodeEventNotFound before they get here.
		return &rpcError{Code: CodeSessionNotFound, Message: err.Error()}
	case errors.Is(err, store.ErrStoreConflict):
		return &rpcError{Code: CodeStoreConflict, Message: err.Error()}
	case errors.Is(err, store.ErrInvalidOperation):
		return &rpcError{Code: CodeInvalidOperation, Message: err.Error()}
	case errors.Is(err, orchestrator.ErrEmptyPrompt):
		return &rpcError{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, session.ErrQueueFull):
		return &rpcError{Code: CodeNotAvailable, Message: err.Error()}
	case errors.Is(err, session.ErrSessionEnded):
		return &rpcError{Code: CodeInvalidOperation, Message: err.Error()}
	case errors.Is(err, session.ErrAlreadyInPlanMode):
		return &rpcError{Code: CodeAlreadyInPlanMode, Message: err.Error()}
	case errors.Is(err, session.ErrNotInPlanMode):
		return &rpcError{Code: CodeNotInPlanMode, Message: err.Error()}
	default:
		return &rpcError{Code: CodeInternalError, Message: err.Error()}
	}
}

// handle dispatches one request. conn is nil for transports without a
// streaming side (HTTP); subscription methods then fail with NOT_AVAILABLE.
func (s *Server) handle(ctx context.Context, conn *wsConn, req rpcRequest) rpcResponse {
	result, err := s.dispatch(ctx, conn, req)
	if err != nil {
		return rpcResponse{ID: req.ID, Success: false, Error: toRPCError(err)}
	}
	return rpcResponse{ID: req.ID, Success: true, Result: result}
}

func (s *Server) dispatch(ctx context.Context, conn *wsConn, req rpcRequest) (any, error) {
	switch req.Method {
	case "session.create":
		return s.rpcSessionCreate(ctx, req.Params)
	case "session.resume":
		return s.rpcSessionResume(ctx, req.Params)
	case "session.list":
		return s.rpcSessionList(ctx, req.Params)
	case "session.delete":
		return s.rpcSessionDelete(ctx, req.Params)
	case "session.fork":
		return s.rpcSessionFork(ctx, req.Params)
	case "agent.prompt":
		return s.rpcAgentPrompt(ctx, req.Params)
	case "agent.abort":
		return s.rpcAgentAbort(ctx, req.Params)
	case "agent.getState":
		return s.rpcAgentGetState(ctx, req.Params)
	case "message.delete":
		return s.rpcMessageDelete(ctx, req.Params)
	case "plan.enter":
		return s.rpcPlanEnter(ctx, req.Params)
	case "plan.exit":
		return s.rpcPlanExit(ctx, req.Params)
	case "plan.getState":
		return s.rpcPlanGetState(ctx, req.Params)
	case "voiceNotes.save":
		return s.rpcVoiceNoteSave(ctx, req.Params)
	case "voiceNotes.list":
		return s.rpcVoiceNoteList(ctx, req.Params)
	case "voiceNotes.delete":
		return s.rpcVoiceNoteDelete(ctx, req.Params)
	case "events.subscribe":
		return s.rpcEventsSubscribe(ctx, conn, req.Params)
	case "events.resume":
		return s.rpcEventsResume(ctx, conn, req.Params)
	default:
		return nil, rpcErrorf(CodeNotAvailable, "unknown method %q", req.Method)
	}
}

func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return rpcErrorf(CodeInvalidParams, "missing params")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return rpcErrorf(CodeInvalidParams, "malformed params: %v", err)
	}
	return nil
}

func (s *Server) rpcSessionCreate(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		WorkingDirectory string `json:"workingDirectory"`
		Model            string `json:"model"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.WorkingDirectory == "" {
		return nil, rpcErrorf(CodeInvalidParams, "workingDirectory required")
	}
	sess, err := s.manager.Create(ctx, session.CreateParams{
		WorkingDirectory: params.WorkingDirectory,
		Model:            params.Model,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": sess.ID, "session": sess}, nil
}

func (s *Server) rpcSessionResume(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	sess, err := s.manager.Resume(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": sess, "state": s.manager.State(sess.ID)}, nil
}

func (s *Server) rpcSessionList(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		WorkspaceID     string `json:"workspaceId"`
		IncludeArchived bool   `json:"includeArchived"`
		Limit           int    `json:"limit"`
		Offset          int    `json:"offset"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, rpcErrorf(CodeInvalidParams, "malformed params: %v", err)
		}
	}
	sessions, err := s.manager.List(ctx, store.ListSessionsOptions{
		WorkspaceID:     params.WorkspaceID,
		IncludeArchived: params.IncludeArchived,
		Limit:           params.Limit,
		Offset:          params.Offset,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": sessions}, nil
}

func (s *Server) rpcSessionDelete(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := s.manager.End(ctx, params.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": params.SessionID, "archived": true}, nil
}

func (s *Server) rpcSessionFork(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		SessionID   string `json:"sessionId"`
		FromEventID string `json:"fromEventId"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	child, err := s.manager.Fork(ctx, params.SessionID, params.FromEventID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": child.ID, "session": child}, nil
}

// rpcAgentPrompt acknowledges the prompt with its run id. When the request
// carries an idempotencyKey, the first acknowledgement is cached and replayed
// byte-identically for duplicates within the TTL; only the first request
// queues a run.
func (s *Server) rpcAgentPrompt(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		SessionID      string `json:"sessionId"`
		Prompt         string `json:"prompt"`
		Model          string `json:"model"`
		ReasoningLevel string `json:"reasoningLevel"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	type ack struct {
		Acknowledged bool   `json:"acknowledged"`
		RunID        string `json:"runId"`
	}
	var innerErr error
	response, replayed := s.idempotency.Do(params.IdempotencyKey, func() ([]byte, bool) {
		run, err := s.manager.Prompt(ctx, params.SessionID, session.PromptRequest{
			Prompt:          params.Prompt,
			Model:           params.Model,
			ReasoningLevel:  params.ReasoningLevel,
			ClientRequestID: params.IdempotencyKey,
		})
		if err != nil {
			innerErr = err
			return nil, true
		}
		data, err := json.Marshal(ack{Acknowledged: true, RunID: run.ID})
		if err != nil {
			innerErr = err
			return nil, true
		}
		return data, false
	})
	if !replayed && innerErr != nil {
		return nil, innerErr
	}
	if len(response) == 0 {
		// A concurrent duplicate waited on a first request that failed.
		return nil, rpcErrorf(CodeNotAvailable, "original request for this idempotency key failed")
	}
	return json.RawMessage(response), nil
}

func (s *Server) rpcAgentAbort(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := s.manager.Abort(params.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"aborted": true}, nil
}

func (s *Server) rpcAgentGetState(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	sess, err := s.manager.Resume(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"state":   s.manager.State(sess.ID),
		"session": sess,
		"runs":    s.manager.Runs(sess.ID),
	}, nil
}

func (s *Server) rpcMessageDelete(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		SessionID     string `json:"sessionId"`
		TargetEventID string `json:"targetEventId"`
		Reason        string `json:"reason"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.TargetEventID == "" {
		return nil, rpcErrorf(CodeInvalidParams, "targetEventId required")
	}
	if err := s.manager.DeleteMessage(ctx, params.SessionID, params.TargetEventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Distinguish a missing event from a missing session.
			if _, serr := s.manager.Resume(ctx, params.SessionID); serr == nil {
				return nil, rpcErrorf(CodeEventNotFound, "event %s not found", params.TargetEventID)
			}
		}
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

func (s *Server) rpcPlanEnter(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		SessionID    string   `json:"sessionId"`
		SkillName    string   `json:"skillName"`
		BlockedTools []string `json:"blockedTools"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	plan, err := s.manager.EnterPlan(ctx, params.SessionID, params.SkillName, params.BlockedTools)
	if err != nil {
		return nil, err
	}
	return map[string]any{"plan": plan}, nil
}

func (s *Server) rpcPlanExit(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		SessionID string `json:"sessionId"`
		Reason    string `json:"reason"`
		PlanPath  string `json:"planPath"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := s.manager.ExitPlan(ctx, params.SessionID, params.Reason, params.PlanPath); err != nil {
		return nil, err
	}
	return map[string]any{"exited": true}, nil
}

func (s *Server) rpcPlanGetState(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	plan, active := s.manager.Plan(params.SessionID)
	return map[string]any{"active": active, "plan": plan}, nil
}

func (s *Server) rpcEventsSubscribe(ctx context.Context, conn *wsConn, raw json.RawMessage) (any, error) {
	if conn == nil {
		return nil, rpcErrorf(CodeNotAvailable, "subscriptions require the streaming connection")
	}
	var params struct {
		Patterns []string `json:"patterns"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, rpcErrorf(CodeInvalidParams, "malformed params: %v", err)
		}
	}
	conn.subscribe(s.bus.Subscribe(params.Patterns...))
	return map[string]any{"subscribed": true}, nil
}

func (s *Server) rpcEventsResume(ctx context.Context, conn *wsConn, raw json.RawMessage) (any, error) {
	if conn == nil {
		return nil, rpcErrorf(CodeNotAvailable, "subscriptions require the streaming connection")
	}
	var params struct {
		SessionID string   `json:"sessionId"`
		Cursor    int64    `json:"cursor"`
		Patterns  []string `json:"patterns"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.SessionID == "" {
		return nil, rpcErrorf(CodeInvalidParams, "sessionId required")
	}
	sub, err := s.bus.ResumeFrom(ctx, params.SessionID, params.Cursor, params.Patterns...)
	if err != nil {
		return nil, err
	}
	conn.subscribe(sub)
	return map[string]any{"resumed": true, "cursor": params.Cursor}, nil
}
