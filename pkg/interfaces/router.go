package interfaces

import "context"

// ConnInfo identifies the origin of an inbound frame.
type ConnInfo struct {
	ID        string
	SessionID string
}

// EventHandler processes inbound frames and disconnects. Calls are made from
// a single goroutine, one at a time, in arrival order.
type EventHandler interface {
	HandleFrame(ctx context.Context, conn ConnInfo, data []byte)
	HandleDisconnect(ctx context.Context, conn ConnInfo)
}
