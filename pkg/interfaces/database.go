package interfaces

import (
	"context"

	"github.com/jiteshy/collabx/pkg/types"
)

// AuditRecorder receives session membership events.
type AuditRecorder interface {
	// RecordEvent queues ev for storage. It must not block the caller on I/O.
	RecordEvent(ev *types.AuditEvent)
}

// AuditStore is an AuditRecorder that can also be queried.
type AuditStore interface {
	AuditRecorder

	// ListSessionEvents returns up to limit most recent events for a
	// session, newest first.
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]*types.AuditEvent, error)

	// HealthCheck verifies storage connectivity.
	HealthCheck(ctx context.Context) error

	// Close flushes pending writes and releases the storage.
	Close() error
}
