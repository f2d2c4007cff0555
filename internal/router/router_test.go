package router

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jiteshy/collabx/internal/clock"
	"github.com/jiteshy/collabx/internal/metrics"
	"github.com/jiteshy/collabx/internal/session"
	"github.com/jiteshy/collabx/pkg/interfaces"
	"github.com/jiteshy/collabx/pkg/types"
)

// mockBroadcaster records deliveries and closes.
type mockBroadcaster struct {
	mu          sync.Mutex
	subscribers map[string]map[string]bool
	received    map[string][]*types.Envelope
	closed      map[string]bool
}

func newMockBroadcaster() *mockBroadcaster {
	return &mockBroadcaster{
		subscribers: make(map[string]map[string]bool),
		received:    make(map[string][]*types.Envelope),
		closed:      make(map[string]bool),
	}
}

func (m *mockBroadcaster) Subscribe(sessionID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribers[sessionID] == nil {
		m.subscribers[sessionID] = make(map[string]bool)
	}
	m.subscribers[sessionID][connID] = true
}

func (m *mockBroadcaster) Unsubscribe(sessionID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers[sessionID], connID)
}

func (m *mockBroadcaster) Broadcast(sessionID, exclude string, env *types.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for connID := range m.subscribers[sessionID] {
		if connID != exclude {
			m.received[connID] = append(m.received[connID], env)
		}
	}
}

func (m *mockBroadcaster) Send(connID string, env *types.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received[connID] = append(m.received[connID], env)
	return nil
}

func (m *mockBroadcaster) Close(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[connID] = true
}

func (m *mockBroadcaster) take(connID string) []*types.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.received[connID]
	delete(m.received, connID)
	return out
}

func (m *mockBroadcaster) wasClosed(connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed[connID]
}

type testRig struct {
	router      *Router
	sessions    *session.Registry
	broadcaster *mockBroadcaster
	limiter     *RateLimiter
	clock       *clock.Fake
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := newMockBroadcaster()
	sessions := session.NewRegistry(session.DefaultConfig(), b, session.WithClock(clk))
	limiter := NewRateLimiter(clk)
	limiter.AddLimit(types.EventJoin, time.Minute, 5, "Too many join attempts")
	limiter.AddLimit(types.EventCursorMove, time.Second, 2, "Too many cursor updates")
	return &testRig{
		router:      NewRouter(sessions, b, limiter, WithMetrics(metrics.New(prometheus.NewRegistry()))),
		sessions:    sessions,
		broadcaster: b,
		limiter:     limiter,
		clock:       clk,
	}
}

func (r *testRig) send(connID, frame string) {
	r.router.HandleFrame(context.Background(), interfaces.ConnInfo{ID: connID, SessionID: "room1"}, []byte(frame))
}

func (r *testRig) join(t *testing.T, connID, username string) {
	t.Helper()
	r.send(connID, `{"type":"JOIN","payload":{"username":"`+username+`"}}`)
	frames := r.broadcaster.take(connID)
	if len(frames) != 1 || frames[0].Type != types.EventSyncResponse {
		t.Fatalf("join of %s produced %+v", username, frames)
	}
}

func expectError(t *testing.T, frames []*types.Envelope, want types.ErrorType) *types.ProtocolError {
	t.Helper()
	if len(frames) != 1 || frames[0].Type != types.EventError {
		t.Fatalf("expected one ERROR frame, got %+v", frames)
	}
	var perr types.ProtocolError
	if err := json.Unmarshal(frames[0].Payload, &perr); err != nil {
		t.Fatalf("decode ERROR payload: %v", err)
	}
	if perr.Type != want {
		t.Fatalf("error type = %s, want %s (%s)", perr.Type, want, perr.Message)
	}
	return &perr
}

func TestRouter_InterfaceCompliance(t *testing.T) {
	var _ interfaces.EventHandler = &Router{}
}

func TestRouter_MalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"missing type", `{"payload":{}}`},
		{"unknown type", `{"type":"DANCE"}`},
		{"server only type", `{"type":"USER_JOINED","payload":{"user":{"id":1,"username":"x"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t)
			rig.send("c1", tt.frame)
			expectError(t, rig.broadcaster.take("c1"), types.ErrorInvalidPayload)
			if rig.sessions.SessionCount() != 0 {
				t.Error("malformed frame must not mutate state")
			}
		})
	}
}

func TestRouter_ValidationFailureDoesNotMutate(t *testing.T) {
	rig := newTestRig(t)
	rig.join(t, "c1", "alice")
	rig.join(t, "c2", "bob")
	rig.broadcaster.take("c1")

	rig.send("c1", `{"type":"LANGUAGE_CHANGE","payload":{"language":"klingon"}}`)
	expectError(t, rig.broadcaster.take("c1"), types.ErrorValidation)

	snap, _ := rig.sessions.Snapshot("room1")
	if snap.Language != "javascript" {
		t.Errorf("language = %s, invalid change must not apply", snap.Language)
	}
	if frames := rig.broadcaster.take("c2"); len(frames) != 0 {
		t.Errorf("peer received %d frames for rejected change", len(frames))
	}
}

func TestRouter_InvalidJoinUsername(t *testing.T) {
	rig := newTestRig(t)
	rig.send("c1", `{"type":"JOIN","payload":{"username":"a b"}}`)
	expectError(t, rig.broadcaster.take("c1"), types.ErrorValidation)
	if rig.sessions.SessionCount() != 0 {
		t.Error("invalid join must not create a session")
	}
	if rig.broadcaster.wasClosed("c1") {
		t.Error("validation failures do not close the connection")
	}
}

func TestRouter_JoinRejectionClosesConnection(t *testing.T) {
	rig := newTestRig(t)
	rig.join(t, "c1", "alice")

	rig.send("c2", `{"type":"JOIN","payload":{"username":"alice"}}`)
	expectError(t, rig.broadcaster.take("c2"), types.ErrorDuplicateUsername)
	if !rig.broadcaster.wasClosed("c2") {
		t.Error("rejected joiner should be closed")
	}
	if frames := rig.broadcaster.take("c1"); len(frames) != 0 {
		t.Errorf("existing member saw %d frames for rejected join", len(frames))
	}
}

func TestRouter_SessionFull(t *testing.T) {
	rig := newTestRig(t)
	for i, name := range []string{"user1", "user2", "user3", "user4", "user5"} {
		rig.join(t, "c"+string(rune('1'+i)), name)
	}

	rig.send("c9", `{"type":"JOIN","payload":{"username":"user6"}}`)
	perr := expectError(t, rig.broadcaster.take("c9"), types.ErrorSessionFull)
	if !strings.Contains(perr.Message, "full") {
		t.Errorf("message = %q", perr.Message)
	}
	if !rig.broadcaster.wasClosed("c9") {
		t.Error("rejected joiner should be closed")
	}
}

func TestRouter_DoubleJoinIsValidationError(t *testing.T) {
	rig := newTestRig(t)
	rig.join(t, "c1", "alice")

	rig.send("c1", `{"type":"JOIN","payload":{"username":"alice2"}}`)
	expectError(t, rig.broadcaster.take("c1"), types.ErrorValidation)
	if rig.broadcaster.wasClosed("c1") {
		t.Error("double join should not close the joined connection")
	}
}

func TestRouter_RateLimitPrecedesValidation(t *testing.T) {
	rig := newTestRig(t)
	rig.join(t, "c1", "alice")

	rig.send("c1", `{"type":"CURSOR_MOVE","payload":{"position":{"top":1,"left":1}}}`)
	rig.send("c1", `{"type":"CURSOR_MOVE","payload":{"position":{"top":1,"left":1}}}`)
	// Third in window: limited even though the payload is also invalid.
	rig.send("c1", `{"type":"CURSOR_MOVE","payload":{"position":{"top":-1}}}`)

	perr := expectError(t, rig.broadcaster.take("c1"), types.ErrorRateLimitExceeded)
	if perr.Message != "Too many cursor updates" {
		t.Errorf("message = %q", perr.Message)
	}

	rig.clock.Advance(time.Second)
	rig.send("c1", `{"type":"CURSOR_MOVE","payload":{"position":{"top":1,"left":1}}}`)
	if frames := rig.broadcaster.take("c1"); len(frames) != 0 {
		t.Errorf("new window should pass, got %+v", frames)
	}
}

func TestRouter_ChangesBroadcastToOthers(t *testing.T) {
	rig := newTestRig(t)
	rig.join(t, "c1", "alice")
	rig.join(t, "c2", "bob")
	rig.broadcaster.take("c1")

	rig.send("c1", `{"type":"CONTENT_CHANGE","payload":{"content":"hi","user":{"id":99,"username":"mallory"}}}`)
	frames := rig.broadcaster.take("c2")
	if len(frames) != 1 {
		t.Fatalf("bob received %d frames", len(frames))
	}
	_, user, err := types.DecodeBroadcast(frames[0].Type, frames[0].Payload)
	if err != nil {
		t.Fatalf("invalid broadcast: %v", err)
	}
	if user.Username != "alice" {
		t.Errorf("broadcast attributed to %s, want server-side identity alice", user.Username)
	}
	if len(rig.broadcaster.take("c1")) != 0 {
		t.Error("sender must not receive its own change")
	}
}

func TestRouter_SyncRequest(t *testing.T) {
	rig := newTestRig(t)

	rig.send("c1", `{"type":"SYNC_REQUEST"}`)
	perr := expectError(t, rig.broadcaster.take("c1"), types.ErrorServer)
	if perr.Message != "session not found" {
		t.Errorf("message = %q", perr.Message)
	}

	rig.join(t, "c2", "bob")
	rig.send("c3", `{"type":"SYNC_REQUEST"}`)
	frames := rig.broadcaster.take("c3")
	if len(frames) != 1 || frames[0].Type != types.EventSyncResponse {
		t.Errorf("observer frames = %+v", frames)
	}
}

func TestRouter_ReservedEventsAreNoOps(t *testing.T) {
	rig := newTestRig(t)
	rig.join(t, "c1", "alice")
	rig.join(t, "c2", "bob")
	rig.broadcaster.take("c1")

	for _, frame := range []string{`{"type":"LEAVE"}`, `{"type":"UNDO"}`, `{"type":"REDO"}`, `{"type":"UNDO_REDO_STACK"}`} {
		rig.send("c1", frame)
	}
	if n := len(rig.broadcaster.take("c1")) + len(rig.broadcaster.take("c2")); n != 0 {
		t.Errorf("reserved events produced %d frames", n)
	}
	if rig.sessions.MemberCount() != 2 {
		t.Error("LEAVE frame must not remove membership")
	}
}

func TestRouter_EventsFromUnjoinedConnectionIgnored(t *testing.T) {
	rig := newTestRig(t)
	rig.join(t, "c1", "alice")

	rig.send("c2", `{"type":"CONTENT_CHANGE","payload":{"content":"sneaky"}}`)
	if frames := rig.broadcaster.take("c2"); len(frames) != 0 {
		t.Errorf("unjoined sender got %+v", frames)
	}
	snap, _ := rig.sessions.Snapshot("room1")
	if snap.Content == "sneaky" {
		t.Error("unjoined connection changed content")
	}
}

func TestRouter_DisconnectCleansUp(t *testing.T) {
	rig := newTestRig(t)
	rig.join(t, "c1", "alice")
	rig.join(t, "c2", "bob")
	rig.broadcaster.take("c1")

	rig.router.HandleDisconnect(context.Background(), interfaces.ConnInfo{ID: "c2", SessionID: "room1"})

	frames := rig.broadcaster.take("c1")
	if len(frames) != 1 || frames[0].Type != types.EventUserLeft {
		t.Errorf("alice frames = %+v, want USER_LEFT", frames)
	}
	if rig.limiter.TrackedClients() != 1 {
		t.Errorf("tracked clients = %d, disconnected connection should be cleared", rig.limiter.TrackedClients())
	}

	rig.router.HandleDisconnect(context.Background(), interfaces.ConnInfo{ID: "c1", SessionID: "room1"})
	if rig.sessions.SessionCount() != 0 {
		t.Error("session should be deleted after last member leaves")
	}
}
