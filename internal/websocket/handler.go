package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jiteshy/collabx/internal/metrics"
	"github.com/jiteshy/collabx/pkg/interfaces"
	"github.com/jiteshy/collabx/pkg/types"
)

// WebSocket upgrader defaults. Handlers copy it and apply their config.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	HandshakeTimeout:  10 * time.Second,
	EnableCompression: true,
}

// Dispatcher accepts inbound traffic for serialized processing. Every frame
// of a connection is submitted before its disconnect.
type Dispatcher interface {
	SubmitFrame(ctx context.Context, conn interfaces.ConnInfo, data []byte) error
	SubmitDisconnect(ctx context.Context, conn interfaces.ConnInfo) error
}

// HandlerConfig holds per-connection transport settings.
type HandlerConfig struct {
	SendBuffer       int
	MaxMessageSize   int64
	PongWait         time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	AllowedOrigins   []string
}

// DefaultHandlerConfig returns the stock transport settings.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		SendBuffer:       DefaultSendBuffer,
		MaxMessageSize:   8 << 20,
		PongWait:         60 * time.Second,
		PingInterval:     30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Handler upgrades HTTP requests into session connections and pumps their
// inbound frames into the dispatcher.
type Handler struct {
	registry   *Registry
	dispatcher Dispatcher
	cfg        HandlerConfig
	upgrader   websocket.Upgrader
	admission  *Admission
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithAdmission rate limits upgrades per client IP.
func WithAdmission(a *Admission) HandlerOption {
	return func(h *Handler) { h.admission = a }
}

// WithMetrics records connection metrics.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler creates a WebSocket handler.
func NewHandler(registry *Registry, dispatcher Dispatcher, cfg HandlerConfig, opts ...HandlerOption) *Handler {
	defaults := DefaultHandlerConfig()
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaults.PongWait
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}

	h := &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		cfg:        cfg,
		upgrader:   upgrader,
		logger:     zap.NewNop(),
	}
	if cfg.HandshakeTimeout > 0 {
		h.upgrader.HandshakeTimeout = cfg.HandshakeTimeout
	}
	if len(cfg.AllowedOrigins) > 0 {
		h.upgrader.CheckOrigin = originChecker(cfg.AllowedOrigins)
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

// HandleWebSocket validates the session id and admission before upgrading,
// so rejected requests get a plain HTTP error and never open a connection.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "Missing required query parameter: sessionId", http.StatusBadRequest)
		return
	}
	if err := types.ValidateSessionID(sessionID); err != nil {
		var perr *types.ProtocolError
		msg := err.Error()
		if errors.As(err, &perr) {
			msg = perr.Message
		}
		http.Error(w, "Invalid sessionId: "+msg, http.StatusBadRequest)
		return
	}

	ip := ClientIP(r)
	if h.admission != nil && !h.admission.Allow(ip) {
		h.metrics.AdmissionDenied()
		h.logger.Warn("Upgrade refused by admission limiter", zap.String("remote_ip", ip))
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.String("remote_ip", ip), zap.Error(err))
		return
	}

	wsConn := NewConnection(conn, uuid.New().String(), sessionID, h.cfg.SendBuffer)
	wsConn.onOverflow = func(c *Connection) {
		h.metrics.SlowConsumer()
		h.logger.Warn("Closing slow connection",
			zap.String("conn_id", c.ID()),
			zap.String("session_id", c.SessionID()))
	}

	if err := h.registry.Register(wsConn); err != nil {
		h.logger.Error("Failed to register connection", zap.Error(err))
		wsConn.terminate()
		return
	}
	h.metrics.ConnectionOpened()

	h.logger.Debug("Connection opened",
		zap.String("conn_id", wsConn.ID()),
		zap.String("session_id", sessionID),
		zap.String("remote_ip", ip))

	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump and heartbeat for one connection.
func (h *Handler) handleConnection(conn *Connection) {
	info := interfaces.ConnInfo{ID: conn.ID(), SessionID: conn.SessionID()}

	defer func() {
		if err := h.dispatcher.SubmitDisconnect(context.Background(), info); err != nil {
			h.logger.Warn("Failed to submit disconnect", zap.String("conn_id", info.ID), zap.Error(err))
		}
		h.registry.Unregister(conn)
		conn.terminate()
		h.metrics.ConnectionClosed()
		h.logger.Debug("Connection closed", zap.String("conn_id", info.ID))
	}()

	conn.conn.SetReadLimit(h.cfg.MaxMessageSize)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Info("WebSocket read error", zap.String("conn_id", info.ID), zap.Error(err))
			}
			return
		}

		if err := h.dispatcher.SubmitFrame(context.Background(), info, data); err != nil {
			h.logger.Warn("Dropping connection, dispatcher unavailable", zap.String("conn_id", info.ID), zap.Error(err))
			return
		}
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
