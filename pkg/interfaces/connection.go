package interfaces

import "github.com/jiteshy/collabx/pkg/types"

// Connection is one client channel scoped to a single session for its
// lifetime.
type Connection interface {
	// ID returns the gateway-assigned connection identifier.
	ID() string

	// SessionID returns the session this connection was opened for.
	SessionID() string

	// Send queues a frame for delivery without blocking (thread-safe).
	Send(env *types.Envelope) error

	// Close flushes queued frames, sends a close frame and releases the
	// underlying transport.
	Close() error
}
