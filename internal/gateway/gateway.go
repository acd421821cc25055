// Package gateway exposes the orchestration core over a JSON-RPC WebSocket
// and a small HTTP API, with bearer-token auth, CORS, and Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/runs"
	"github.com/loomhq/loom/internal/session"
	"github.com/loomhq/loom/internal/store"
)

// Server is the external surface of the orchestration core.
type Server struct {
	manager     *session.Manager
	store       *store.Store
	bus         *bus.Bus
	tracker     *runs.Tracker
	idempotency *runs.IdempotencyCache
	logger      *observability.Logger
	metrics     *observability.Metrics

	auth     config.AuthConfig
	origins  []string
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// Deps collects the server's collaborators. Logger and metrics may be nil.
type Deps struct {
	Manager     *session.Manager
	Store       *store.Store
	Bus         *bus.Bus
	Tracker     *runs.Tracker
	Idempotency *runs.IdempotencyCache
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// NewServer builds the HTTP handler tree.
func NewServer(deps Deps, auth config.AuthConfig, allowedOrigins []string) *Server {
	s := &Server{
		manager:     deps.Manager,
		store:       deps.Store,
		bus:         deps.Bus,
		tracker:     deps.Tracker,
		idempotency: deps.Idempotency,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		auth:        auth,
		origins:     allowedOrigins,
	}
	if s.idempotency == nil {
		s.idempotency = runs.NewIdempotencyCache(runs.IdempotencyOptions{})
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.requireAuth(s.handleWS))
	mux.HandleFunc("/api/sessions", s.requireAuth(s.handleSessions))
	mux.HandleFunc("/api/sessions/", s.requireAuth(s.handleSessionSubpath))
	s.mux = mux
	return s
}

// Handler returns the root handler with CORS and request metrics applied.
func (s *Server) Handler() http.Handler {
	return s.withCORS(s.withMetrics(s.mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleSessions serves POST (create) and GET (list) on /api/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			WorkingDirectory string `json:"workingDirectory"`
			Model            string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeRPCError(w, http.StatusBadRequest, rpcErrorf(CodeInvalidParams, "malformed body: %v", err))
			return
		}
		sess, err := s.manager.Create(r.Context(), session.CreateParams{
			WorkingDirectory: body.WorkingDirectory,
			Model:            body.Model,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"sessionId": sess.ID, "session": sess})

	case http.MethodGet:
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		sessions, err := s.manager.List(r.Context(), store.ListSessionsOptions{
			WorkspaceID:     q.Get("workspaceId"),
			IncludeArchived: q.Get("includeArchived") == "true",
			Limit:           limit,
			Offset:          offset,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})

	default:
		w.Header().Set("Allow", "GET, POST")
		writeRPCError(w, http.StatusMethodNotAllowed, rpcErrorf(CodeInvalidOperation, "method %s not allowed", r.Method))
	}
}

// handleSessionSubpath serves /api/sessions/{id}/(status|prompt|abort).
func (s *Server) handleSessionSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	sessionID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	if sessionID == "" {
		writeRPCError(w, http.StatusBadRequest, rpcErrorf(CodeInvalidParams, "session id required"))
		return
	}

	switch {
	case action == "status" && r.Method == http.MethodGet:
		sess, err := s.manager.Resume(r.Context(), sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session": sess,
			"state":   s.manager.State(sessionID),
			"runs":    s.manager.Runs(sessionID),
		})

	case action == "prompt" && r.Method == http.MethodPost:
		var body struct {
			Prompt         string `json:"prompt"`
			Model          string `json:"model"`
			ReasoningLevel string `json:"reasoningLevel"`
			IdempotencyKey string `json:"idempotencyKey"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeRPCError(w, http.StatusBadRequest, rpcErrorf(CodeInvalidParams, "malformed body: %v", err))
			return
		}
		params, _ := json.Marshal(map[string]any{
			"sessionId":      sessionID,
			"prompt":         body.Prompt,
			"model":          body.Model,
			"reasoningLevel": body.ReasoningLevel,
			"idempotencyKey": body.IdempotencyKey,
		})
		result, err := s.rpcAgentPrompt(r.Context(), params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, result)

	case action == "abort" && r.Method == http.MethodPost:
		if err := s.manager.Abort(sessionID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"aborted": true})

	default:
		writeRPCError(w, http.StatusNotFound, rpcErrorf(CodeNotAvailable, "no route for %s %s", r.Method, r.URL.Path))
	}
}

// writeError maps a component error to an HTTP status plus the RPC envelope.
func writeError(w http.ResponseWriter, err error) {
	re := toRPCError(err)
	status := http.StatusInternalServerError
	switch re.Code {
	case CodeInvalidParams:
		status = http.StatusBadRequest
	case CodeSessionNotFound, CodeEventNotFound:
		status = http.StatusNotFound
	case CodeInvalidOperation, CodeAlreadyInPlanMode, CodeNotInPlanMode:
		status = http.StatusConflict
	case CodeStoreConflict:
		status = http.StatusConflict
	case CodeNotAvailable:
		status = http.StatusServiceUnavailable
	}
	writeRPCError(w, status, re)
}

func writeRPCError(w http.ResponseWriter, status int, re *rpcError) {
	writeJSON(w, status, rpcResponse{Success: false, Error: re})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs the HTTP server until ctx is cancelled, then drains with a
// short grace period.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	if s.logger != nil {
		s.logger.Info(ctx, "gateway listening", "addr", addr)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}
}
