package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ============================================================================
// A2A SERVER
// HTTP front for a task handler: JSON-RPC, SSE streaming, agent card,
// and the control socket upgrade path.
// ============================================================================

// TaskHandler is the application side of the server. The engine implements
// it; tests substitute fakes.
type TaskHandler interface {
	// AgentCard describes the served agent. The server fills in endpoint
	// URLs and communication modes that only it knows.
	AgentCard() *AgentCard

	// ProcessTask runs the task to completion.
	ProcessTask(ctx context.Context, task *Task) (*TaskResult, error)

	// StreamTask runs the task and emits progress events. The returned
	// channel must close after the run finishes.
	StreamTask(ctx context.Context, task *Task) (<-chan StreamEvent, error)

	// Progress reports execution progress for a thread.
	Progress(ctx context.Context, threadID string) (any, error)
}

// ServerConfig contains configuration for the A2A server.
type ServerConfig struct {
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
	BaseURL string `yaml:"base_url" json:"base_url"` // Public URL

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithControlHandler mounts the WebSocket control endpoint.
func WithControlHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.control = h
	}
}

// WithServerLogger overrides the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server exposes a TaskHandler over the A2A wire protocol.
type Server struct {
	config     ServerConfig
	handler    TaskHandler
	control    http.Handler
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates an A2A server for the given handler.
func NewServer(cfg ServerConfig, handler TaskHandler, opts ...ServerOption) *Server {
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}

	s := &Server{
		config:  cfg,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get(PathAgentCard, s.handleAgentCard)
	r.Post(PathRPC, s.handleRPC)
	r.Post(PathStream, s.handleStream)
	r.Get(PathControl, s.handleControl)

	s.router = r
	return s
}

// Router exposes the underlying router so callers can mount extra routes
// such as /health and /metrics before Start.
func (s *Server) Router() chi.Router {
	return s.router
}

// Addr returns the bind address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start runs the HTTP server until Stop is called. It returns
// http.ErrServerClosed after a graceful stop.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	s.logger.Info("A2A server listening", "addr", s.Addr(), "base_url", s.config.BaseURL)
	return s.httpServer.ListenAndServe()
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ============================================================================
// HTTP HANDLERS
// ============================================================================

// handleAgentCard returns the served agent's card.
// GET /a2a/agent-card
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.decoratedCard())
}

// decoratedCard fills transport details the handler cannot know.
func (s *Server) decoratedCard() *AgentCard {
	card := *s.handler.AgentCard()

	if card.Endpoints == nil {
		card.Endpoints = map[string]string{}
	}
	if _, ok := card.Endpoints["rpc"]; !ok {
		card.Endpoints["rpc"] = s.config.BaseURL + PathRPC
	}
	if _, ok := card.Endpoints["stream"]; !ok {
		card.Endpoints["stream"] = s.config.BaseURL + PathStream
	}
	if _, ok := card.Endpoints["agent_card"]; !ok {
		card.Endpoints["agent_card"] = s.config.BaseURL + PathAgentCard
	}
	if s.control != nil {
		if _, ok := card.Endpoints["control"]; !ok {
			card.Endpoints["control"] = s.config.BaseURL + PathControl
		}
	}
	if len(card.CommunicationModes) == 0 {
		card.CommunicationModes = []string{ModeSync, ModeStreaming}
	}
	return &card
}

// handleRPC dispatches a JSON-RPC request.
// POST /a2a
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondRPCError(w, "", &RPCError{Code: CodeParseError, Message: "parse error"})
		return
	}
	if rpcErr := req.Validate(); rpcErr != nil {
		respondRPCError(w, req.ID, rpcErr)
		return
	}

	switch req.Method {
	case MethodGetAgentCard:
		respondRPCResult(w, req.ID, s.decoratedCard())

	case MethodProcessTask:
		task, rpcErr := decodeTaskParams(req.Params)
		if rpcErr != nil {
			respondRPCError(w, req.ID, rpcErr)
			return
		}
		result, err := s.handler.ProcessTask(r.Context(), task)
		if err != nil {
			respondRPCError(w, req.ID, rpcErrorFor(err))
			return
		}
		respondRPCResult(w, req.ID, result)

	case MethodGetProgress:
		var params GetProgressParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.ThreadID == "" {
			respondRPCError(w, req.ID, &RPCError{Code: CodeInvalidParams, Message: "thread_id is required"})
			return
		}
		progress, err := s.handler.Progress(r.Context(), params.ThreadID)
		if err != nil {
			respondRPCError(w, req.ID, rpcErrorFor(err))
			return
		}
		respondRPCResult(w, req.ID, progress)

	default:
		respondRPCError(w, req.ID, &RPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method %q not found", req.Method),
		})
	}
}

// handleStream runs a task with SSE progress events.
// POST /a2a/stream
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondRPCError(w, "", &RPCError{Code: CodeParseError, Message: "parse error"})
		return
	}
	if rpcErr := req.Validate(); rpcErr != nil {
		respondRPCError(w, req.ID, rpcErr)
		return
	}
	if req.Method != MethodProcessTask {
		respondRPCError(w, req.ID, &RPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method %q cannot stream", req.Method),
		})
		return
	}
	task, rpcErr := decodeTaskParams(req.Params)
	if rpcErr != nil {
		respondRPCError(w, req.ID, rpcErr)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	events, err := s.handler.StreamTask(r.Context(), task)
	if err != nil {
		respondRPCError(w, req.ID, rpcErrorFor(err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	connected := map[string]any{"task_id": task.ID}
	if threadID, ok := task.Context["thread_id"].(string); ok && threadID != "" {
		connected["thread_id"] = threadID
	}
	if err := writeSSEEvent(w, flusher, NewStreamEvent(EventConnected, connected)); err != nil {
		return
	}

	terminal := false
	for event := range events {
		if err := writeSSEEvent(w, flusher, event); err != nil {
			// Client went away; the request context cancels the run.
			return
		}
		if event.Terminal() {
			terminal = true
		}
	}

	// Every stream ends with exactly one terminal event. If the run died
	// without one, synthesize the error terminator.
	if !terminal {
		_ = writeSSEEvent(w, flusher, NewStreamEvent(EventError, map[string]any{
			"message": "stream ended unexpectedly",
		}))
	}
}

// handleControl upgrades to the WebSocket control channel.
// GET /a2a/ws
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		http.Error(w, "Control channel not enabled", http.StatusNotFound)
		return
	}
	s.control.ServeHTTP(w, r)
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func decodeTaskParams(raw json.RawMessage) (*Task, *RPCError) {
	var params ProcessTaskParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid params"}
	}
	if params.Task == nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "task is required"}
	}
	if params.Task.Instruction == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "task instruction is required"}
	}
	return params.Task, nil
}

// rpcErrorFor maps a handler error onto the wire. Handler-raised *RPCError
// passes through; everything else becomes an application error code.
func rpcErrorFor(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var a2aErr *A2AError
	if errors.As(err, &a2aErr) && a2aErr.Code != 0 {
		return &RPCError{Code: a2aErr.Code, Message: a2aErr.Error()}
	}
	return &RPCError{Code: CodeTaskFailed, Message: err.Error()}
}

func respondRPCResult(w http.ResponseWriter, id string, result any) {
	resp, err := NewResponse(id, result)
	if err != nil {
		respondRPCError(w, id, &RPCError{Code: CodeInternalError, Message: "failed to encode result"})
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func respondRPCError(w http.ResponseWriter, id string, rpcErr *RPCError) {
	respondJSON(w, http.StatusOK, NewErrorResponse(id, rpcErr))
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeSSEEvent writes one event as a data-only SSE frame. The event type
// travels inside the JSON payload, not in an "event:" field.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

// loggingMiddleware logs each request with status and latency.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
