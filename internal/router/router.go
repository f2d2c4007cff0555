package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jiteshy/collabx/internal/metrics"
	"github.com/jiteshy/collabx/internal/session"
	"github.com/jiteshy/collabx/pkg/interfaces"
	"github.com/jiteshy/collabx/pkg/types"
)

// TracerName is the OpenTelemetry instrumentation name of the router.
const TracerName = "github.com/jiteshy/collabx/internal/router"

// Router implements interfaces.EventHandler. Each inbound frame passes the
// rate limiter, then the validator, and only then reaches the registry.
type Router struct {
	sessions    *session.Registry
	broadcaster interfaces.Broadcaster
	limiter     *RateLimiter
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      *zap.Logger
}

// Option customizes a Router.
type Option func(*Router)

// WithMetrics records per-event metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithTracer replaces the tracer from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// NewRouter creates a router dispatching into sessions. Error replies and
// join-rejection closes go through broadcaster.
func NewRouter(sessions *session.Registry, broadcaster interfaces.Broadcaster, limiter *RateLimiter, opts ...Option) *Router {
	r := &Router{
		sessions:    sessions,
		broadcaster: broadcaster,
		limiter:     limiter,
		tracer:      otel.Tracer(TracerName),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleFrame processes one raw client frame.
func (r *Router) HandleFrame(ctx context.Context, conn interfaces.ConnInfo, data []byte) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "collabx.frame",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("collabx.session_id", conn.SessionID),
			attribute.String("collabx.conn_id", conn.ID),
		))
	defer span.End()

	label := "unknown"
	var env types.Envelope
	outcome, err := metrics.OutcomeInvalid, error(nil)
	if jsonErr := json.Unmarshal(data, &env); jsonErr != nil || env.Type == "" {
		err = ErrMalformedFrame
		r.sendError(conn, types.NewProtocolError(types.ErrorInvalidPayload, "malformed frame"))
	} else {
		if isClientEvent(env.Type) {
			label = env.Type
		}
		span.SetName("collabx." + label)
		span.SetAttributes(attribute.String("collabx.event_type", label))
		outcome, err = r.route(ctx, conn, &env)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Debug("Event not applied",
			zap.String("conn_id", conn.ID),
			zap.String("session_id", conn.SessionID),
			zap.String("type", label),
			zap.String("outcome", outcome),
			zap.Error(err))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("collabx.outcome", outcome))
	r.metrics.ObserveEvent(label, outcome, time.Since(start))
}

// HandleDisconnect releases everything held for a closed connection.
func (r *Router) HandleDisconnect(ctx context.Context, conn interfaces.ConnInfo) {
	_, span := r.tracer.Start(ctx, "collabx.disconnect",
		trace.WithAttributes(
			attribute.String("collabx.session_id", conn.SessionID),
			attribute.String("collabx.conn_id", conn.ID),
		))
	defer span.End()

	if user, ok := r.sessions.Leave(conn.ID); ok {
		span.SetAttributes(attribute.Int64("collabx.user_id", user.ID))
	}
	r.limiter.ClearClient(conn.ID)
}

func (r *Router) route(ctx context.Context, conn interfaces.ConnInfo, env *types.Envelope) (string, error) {
	if !isClientEvent(env.Type) {
		r.sendError(conn, types.NewProtocolError(types.ErrorInvalidPayload, "unknown event type %q", env.Type))
		return metrics.OutcomeInvalid, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}

	if limited, msg := r.limiter.IsLimited(conn.ID, env.Type); limited {
		r.metrics.RateLimited(env.Type)
		r.sendError(conn, types.NewProtocolError(types.ErrorRateLimitExceeded, "%s", msg))
		return metrics.OutcomeRateLimited, ErrRateLimitExceeded
	}

	payload, err := types.DecodeEventPayload(env.Type, env.Payload)
	if err != nil {
		r.sendError(conn, asProtocolError(err, types.ErrorValidation))
		return metrics.OutcomeInvalid, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch p := payload.(type) {
	case types.JoinPayload:
		return r.handleJoin(conn, p.Username)
	case types.ContentChangePayload:
		return r.applied(r.sessions.ContentChange(conn.ID, p.Content))
	case types.LanguageChangePayload:
		return r.applied(r.sessions.LanguageChange(conn.ID, p.Language))
	case types.CursorMovePayload:
		return r.applied(r.sessions.CursorMove(conn.ID, p.Position))
	case types.SelectionChangePayload:
		return r.applied(r.sessions.SelectionChange(conn.ID, p.Selection))
	}

	switch env.Type {
	case types.EventSyncRequest:
		if err := r.sessions.SyncRequest(conn.SessionID, conn.ID); err != nil {
			r.sendError(conn, types.NewProtocolError(types.ErrorServer, "session not found"))
			return metrics.OutcomeError, err
		}
		return metrics.OutcomeOK, nil

	default:
		// LEAVE, UNDO, REDO and UNDO_REDO_STACK are reserved.
		return metrics.OutcomeIgnored, nil
	}
}

func (r *Router) handleJoin(conn interfaces.ConnInfo, username string) (string, error) {
	user, err := r.sessions.Join(conn.SessionID, conn.ID, username)
	if err == nil {
		r.logger.Debug("Join accepted", zap.String("conn_id", conn.ID), zap.Int64("user_id", user.ID))
		return metrics.OutcomeOK, nil
	}

	if errors.Is(err, session.ErrAlreadyJoined) {
		r.sendError(conn, types.ValidationError("connection already joined this session"))
		return metrics.OutcomeInvalid, err
	}

	perr := asProtocolError(err, types.ErrorServer)
	r.metrics.JoinRejected(string(perr.Type))
	r.sendError(conn, perr)
	r.broadcaster.Close(conn.ID)

	r.logger.Info("Join rejected",
		zap.String("conn_id", conn.ID),
		zap.String("session_id", conn.SessionID),
		zap.String("username", username),
		zap.String("reason", string(perr.Type)))
	return metrics.OutcomeRejected, fmt.Errorf("%w: %v", ErrJoinRejected, err)
}

// applied maps a registry result to an outcome. Events from connections that
// never joined are dropped silently.
func (r *Router) applied(err error) (string, error) {
	if errors.Is(err, session.ErrNotJoined) {
		return metrics.OutcomeIgnored, nil
	}
	if err != nil {
		return metrics.OutcomeError, err
	}
	return metrics.OutcomeOK, nil
}

func (r *Router) sendError(conn interfaces.ConnInfo, perr *types.ProtocolError) {
	env, err := types.NewEnvelope(types.EventError, perr)
	if err != nil {
		r.logger.Error("Failed to encode error frame", zap.Error(err))
		return
	}
	if err := r.broadcaster.Send(conn.ID, env); err != nil {
		r.logger.Debug("Failed to deliver error frame", zap.String("conn_id", conn.ID), zap.Error(err))
	}
}

func asProtocolError(err error, fallback types.ErrorType) *types.ProtocolError {
	var perr *types.ProtocolError
	if errors.As(err, &perr) {
		return perr
	}
	return types.NewProtocolError(fallback, "%s", err.Error())
}

// isClientEvent reports whether clients may send eventType.
func isClientEvent(eventType string) bool {
	switch eventType {
	case types.EventJoin, types.EventLeave, types.EventSyncRequest,
		types.EventContentChange, types.EventLanguageChange,
		types.EventCursorMove, types.EventSelectionChange,
		types.EventUndo, types.EventRedo, types.EventUndoRedoStack:
		return true
	default:
		return false
	}
}
