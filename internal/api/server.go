package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jiteshy/collabx/pkg/interfaces"
	"github.com/jiteshy/collabx/pkg/types"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// Sessions is the read side of the session registry.
type Sessions interface {
	Sessions() []types.SessionInfo
	Snapshot(sessionID string) (*types.Snapshot, error)
	GetStats() map[string]interface{}
}

// Registry exposes connection statistics.
type Registry interface {
	GetStats() map[string]int
}

// Server is the HTTP surface: read-only session APIs, health, metrics and
// the WebSocket endpoint.
type Server struct {
	sessions  Sessions
	registry  Registry
	audit     interfaces.AuditStore
	websocket http.Handler
	metrics   http.Handler
	logger    *zap.Logger
	started   time.Time
	router    *mux.Router
}

// Option customizes a Server.
type Option func(*Server)

// WithAuditStore enables /api/sessions/{id}/events and the audit health check.
func WithAuditStore(store interfaces.AuditStore) Option {
	return func(s *Server) { s.audit = store }
}

// WithWebSocketHandler mounts h at /ws.
func WithWebSocketHandler(h http.Handler) Option {
	return func(s *Server) { s.websocket = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the access logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func NewServer(sessions Sessions, registry Registry, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		registry: registry,
		logger:   zap.NewNop(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := mux.NewRouter()
	r.Use(s.accessLog)

	if s.websocket != nil {
		r.Methods(http.MethodGet).Path("/ws").Handler(s.websocket)
	}
	if s.metrics != nil {
		r.Methods(http.MethodGet).Path("/metrics").Handler(s.metrics)
	}

	api := r.NewRoute().Subrouter()
	api.Use(corsMiddleware, jsonMiddleware)
	api.Methods(http.MethodGet, http.MethodOptions).Path("/health").HandlerFunc(s.healthCheck)
	api.Methods(http.MethodGet, http.MethodOptions).Path("/api/sessions").HandlerFunc(s.listSessions)
	api.Methods(http.MethodGet, http.MethodOptions).Path("/api/sessions/{id}").HandlerFunc(s.getSession)
	api.Methods(http.MethodGet, http.MethodOptions).Path("/api/sessions/{id}/events").HandlerFunc(s.listSessionEvents)

	r.NotFoundHandler = jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, "Not found", http.StatusNotFound)
	}))
	r.MethodNotAllowedHandler = jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}))

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ListSessionsResponse struct {
	Sessions []types.SessionInfo `json:"sessions"`
}

type SessionResponse struct {
	ID       string       `json:"id"`
	Content  string       `json:"content"`
	Language string       `json:"language"`
	Users    []types.User `json:"users"`
}

type SessionEventsResponse struct {
	SessionID string              `json:"sessionId"`
	Events    []*types.AuditEvent `json:"events"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Audit       string                 `json:"audit"`
	Connections map[string]int         `json:"connections"`
	Sessions    map[string]interface{} `json:"sessions"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.Sessions()
	if sessions == nil {
		sessions = []types.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: sessions})
}

// GET /api/sessions/{id} returns the replicated snapshot. Presence is never
// included.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if err := types.ValidateSessionID(sessionID); err != nil {
		sendError(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	snap, err := s.sessions.Snapshot(sessionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			sendError(w, "Session not found", http.StatusNotFound)
		} else {
			sendError(w, "Failed to get session", http.StatusInternalServerError)
		}
		return
	}

	users := snap.Users
	if users == nil {
		users = []types.User{}
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		ID:       sessionID,
		Content:  snap.Content,
		Language: snap.Language,
		Users:    users,
	})
}

// GET /api/sessions/{id}/events?limit=N
func (s *Server) listSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		sendError(w, "Audit log is disabled", http.StatusNotFound)
		return
	}

	sessionID := mux.Vars(r)["id"]
	if err := types.ValidateSessionID(sessionID); err != nil {
		sendError(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.audit.ListSessionEvents(r.Context(), sessionID, limit)
	if err != nil {
		s.logger.Error("Failed to list session events", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to list session events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*types.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, SessionEventsResponse{SessionID: sessionID, Events: events})
}

// GET /health reports 503 when the audit store is configured but unhealthy.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	auditStatus := "disabled"
	if s.audit != nil {
		auditStatus = "healthy"
		if err := s.audit.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			auditStatus = fmt.Sprintf("error: %v", err)
		}
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Audit:       auditStatus,
		Connections: s.registry.GetStats(),
		Sessions:    s.sessions.GetStats(),
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, response)
}

// accessLog records every request once it completes.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Debug("handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", m.Code),
			zap.Duration("duration", m.Duration),
			zap.Int64("bytes", m.Written))
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
