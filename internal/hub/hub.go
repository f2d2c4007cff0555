package hub

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/jiteshy/collabx/pkg/interfaces"
)

// DefaultQueueSize is the inbound event buffer shared by all connections.
const DefaultQueueSize = 1024

// Hub serializes every inbound frame and disconnect onto one goroutine, so
// handlers never race on session state. Frames and disconnects share one
// queue, which keeps each connection's events in submission order.
type Hub struct {
	events   chan *Event
	shutdown chan struct{}
	done     chan struct{}

	handler interfaces.EventHandler
	logger  *zap.Logger

	running bool
	mu      sync.RWMutex
}

// Event is one unit of work on the hub timeline.
type Event struct {
	Conn       interfaces.ConnInfo
	Data       []byte
	Disconnect bool
}

// NewHub creates a hub that delivers events to handler.
func NewHub(handler interfaces.EventHandler, queueSize int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		events:   make(chan *Event, queueSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		handler:  handler,
		logger:   logger,
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	select {
	case <-h.shutdown:
		h.mu.Unlock()
		return ErrHubStopped
	default:
	}
	h.running = true
	h.mu.Unlock()

	h.logger.Info("Starting event hub")
	go h.run(ctx)
	return nil
}

// Stop shuts the hub down and waits for the event in progress to finish.
// Queued events that were not yet processed are dropped.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	h.mu.Unlock()

	h.logger.Info("Stopping event hub")
	<-h.done
	return nil
}

// SubmitFrame queues an inbound frame. It blocks while the queue is full,
// until ctx is done or the hub stops.
func (h *Hub) SubmitFrame(ctx context.Context, conn interfaces.ConnInfo, data []byte) error {
	return h.submit(ctx, &Event{Conn: conn, Data: data})
}

// SubmitDisconnect queues the end of a connection. It must be the last
// submission for that connection.
func (h *Hub) SubmitDisconnect(ctx context.Context, conn interfaces.ConnInfo) error {
	return h.submit(ctx, &Event{Conn: conn, Disconnect: true})
}

func (h *Hub) submit(ctx context.Context, ev *Event) error {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return ErrHubNotRunning
	}

	select {
	case h.events <- ev:
		return nil
	case <-h.shutdown:
		return ErrHubNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth returns the number of events waiting to be processed.
func (h *Hub) QueueDepth() int {
	return len(h.events)
}

// IsRunning reports whether the hub is processing events.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// run is the main hub processing loop
func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer h.logger.Info("Event hub stopped")

	for {
		select {
		case ev := <-h.events:
			h.dispatch(ctx, ev)

		case <-h.shutdown:
			return

		case <-ctx.Done():
			h.mu.Lock()
			if h.running {
				h.running = false
				close(h.shutdown)
			}
			h.mu.Unlock()
			h.logger.Info("Event hub context cancelled")
			return
		}
	}
}

// dispatch runs one event. A panicking handler is logged and the hub keeps going.
func (h *Hub) dispatch(ctx context.Context, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Event handler panicked",
				zap.String("conn_id", ev.Conn.ID),
				zap.Bool("disconnect", ev.Disconnect),
				zap.Any("panic", r))
		}
	}()

	if ev.Disconnect {
		h.handler.HandleDisconnect(ctx, ev.Conn)
		return
	}
	h.handler.HandleFrame(ctx, ev.Conn, ev.Data)
}
