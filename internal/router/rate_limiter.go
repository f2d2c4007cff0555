package router

import (
	"sync"
	"time"

	"github.com/jiteshy/collabx/internal/clock"
)

// Limit is the fixed-window quota for one event type.
type Limit struct {
	Window  time.Duration
	Max     int
	Message string
}

// RateLimiter implements per-connection, per-event-type fixed-window limiting.
// State for a connection lives until ClearClient is called for it.
type RateLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	limits  map[string]Limit
	clients map[string]map[string]*ClientLimit
}

// ClientLimit tracks one connection's usage of one event type.
type ClientLimit struct {
	messageCount int
	windowEnd    time.Time
}

// NewRateLimiter creates a limiter with no registered limits.
func NewRateLimiter(clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		clock:   clk,
		limits:  make(map[string]Limit),
		clients: make(map[string]map[string]*ClientLimit),
	}
}

// AddLimit registers (or replaces) the quota for eventType.
func (rl *RateLimiter) AddLimit(eventType string, window time.Duration, max int, message string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limits[eventType] = Limit{Window: window, Max: max, Message: message}
}

// IsLimited counts one occurrence of eventType for connID and reports whether
// the count now exceeds the quota, with the configured message if so.
// Event types without a registered limit are never limited.
func (rl *RateLimiter) IsLimited(connID, eventType string) (bool, string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limit, ok := rl.limits[eventType]
	if !ok {
		return false, ""
	}

	now := rl.clock.Now()
	perEvent, exists := rl.clients[connID]
	if !exists {
		perEvent = make(map[string]*ClientLimit)
		rl.clients[connID] = perEvent
	}

	state, exists := perEvent[eventType]
	if !exists || !now.Before(state.windowEnd) {
		state = &ClientLimit{windowEnd: now.Add(limit.Window)}
		perEvent[eventType] = state
	}

	state.messageCount++
	if state.messageCount > limit.Max {
		return true, limit.Message
	}
	return false, ""
}

// ClearClient drops every counter held for connID.
func (rl *RateLimiter) ClearClient(connID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, connID)
}

// TrackedClients returns how many connections currently hold counters.
func (rl *RateLimiter) TrackedClients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
