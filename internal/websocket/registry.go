package websocket

import (
	"sync"

	"go.uber.org/zap"

	"github.com/jiteshy/collabx/pkg/interfaces"
	"github.com/jiteshy/collabx/pkg/types"
)

// Registry tracks live connections and the per-session subscriber lists used
// for fan-out. It implements interfaces.Broadcaster.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection            // connID -> Connection
	subscribers map[string]map[string]*Connection // sessionID -> connID -> Connection
	logger      *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		connections: make(map[string]*Connection),
		subscribers: make(map[string]map[string]*Connection),
		logger:      logger,
	}
}

// Register makes conn addressable by id. It does not subscribe it to any session.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	return nil
}

// Unregister removes conn and all of its subscriptions. Removing an unknown
// or replaced connection is a no-op.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, exists := r.connections[conn.ID()]; !exists || registered != conn {
		return
	}
	delete(r.connections, conn.ID())

	for sessionID, subs := range r.subscribers {
		if _, ok := subs[conn.ID()]; ok {
			delete(subs, conn.ID())
			if len(subs) == 0 {
				delete(r.subscribers, sessionID)
			}
		}
	}
}

// Subscribe adds connID to the broadcast list of sessionID.
func (r *Registry) Subscribe(sessionID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connID]
	if !exists {
		return
	}
	if r.subscribers[sessionID] == nil {
		r.subscribers[sessionID] = make(map[string]*Connection)
	}
	r.subscribers[sessionID][connID] = conn
}

// Unsubscribe removes connID from the broadcast list of sessionID.
func (r *Registry) Unsubscribe(sessionID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs, exists := r.subscribers[sessionID]; exists {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(r.subscribers, sessionID)
		}
	}
}

// Broadcast queues env on every subscriber of sessionID except excludeConnID.
// Delivery failures affect only the failing connection.
func (r *Registry) Broadcast(sessionID, excludeConnID string, env *types.Envelope) {
	for _, conn := range r.GetSessionConnections(sessionID) {
		if conn.ID() == excludeConnID {
			continue
		}
		if err := conn.Send(env); err != nil {
			r.logger.Warn("Broadcast delivery failed",
				zap.String("session_id", sessionID),
				zap.String("conn_id", conn.ID()),
				zap.String("type", env.Type),
				zap.Error(err))
		}
	}
}

// Send queues env on a single connection.
func (r *Registry) Send(connID string, env *types.Envelope) error {
	conn, exists := r.GetConnection(connID)
	if !exists {
		return interfaces.ErrConnectionNotFound
	}
	return conn.Send(env)
}

// Close gracefully closes a single connection.
func (r *Registry) Close(connID string) {
	if conn, exists := r.GetConnection(connID); exists {
		_ = conn.Close()
	}
}

// GetConnection returns the connection registered under connID.
func (r *Registry) GetConnection(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[connID]
	return conn, exists
}

// GetSessionConnections returns the subscribers of sessionID.
func (r *Registry) GetSessionConnections(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.subscribers[sessionID]
	connections := make([]*Connection, 0, len(subs))
	for _, conn := range subs {
		connections = append(connections, conn)
	}
	return connections
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CloseAll gracefully closes every registered connection.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections":   len(r.connections),
		"subscribed_sessions": len(r.subscribers),
	}
}
