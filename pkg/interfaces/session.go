package interfaces

import "github.com/jiteshy/collabx/pkg/types"

// Broadcaster delivers frames to the connections subscribed to a session.
type Broadcaster interface {
	// Subscribe adds connID to the session's subscriber list.
	Subscribe(sessionID, connID string)

	// Unsubscribe removes connID from the session's subscriber list.
	Unsubscribe(sessionID, connID string)

	// Broadcast delivers env to every subscriber of sessionID except
	// excludeConnID. An empty excludeConnID delivers to all subscribers.
	Broadcast(sessionID, excludeConnID string, env *types.Envelope)

	// Send delivers env to a single connection.
	Send(connID string, env *types.Envelope) error

	// Close terminates a single connection after flushing queued frames.
	Close(connID string)
}

// IDAllocator hands out user identifiers. Implementations must never return
// the same id twice within a process.
type IDAllocator interface {
	NextID() int64
}
