package interfaces_test

import (
	"context"
	"testing"

	"github.com/jiteshy/collabx/pkg/interfaces"
	"github.com/jiteshy/collabx/pkg/types"
)

// Mock implementations for testing

type mockConnection struct{}

func (m *mockConnection) ID() string                     { return "" }
func (m *mockConnection) SessionID() string              { return "" }
func (m *mockConnection) Send(env *types.Envelope) error { return nil }
func (m *mockConnection) Close() error                   { return nil }

type mockBroadcaster struct{}

func (m *mockBroadcaster) Subscribe(sessionID, connID string)                             {}
func (m *mockBroadcaster) Unsubscribe(sessionID, connID string)                           {}
func (m *mockBroadcaster) Broadcast(sessionID, excludeConnID string, env *types.Envelope) {}
func (m *mockBroadcaster) Send(connID string, env *types.Envelope) error                  { return nil }
func (m *mockBroadcaster) Close(connID string)                                            {}

type mockAllocator struct{ next int64 }

func (m *mockAllocator) NextID() int64 { m.next++; return m.next }

type mockAuditStore struct{ events []*types.AuditEvent }

func (m *mockAuditStore) RecordEvent(ev *types.AuditEvent) { m.events = append(m.events, ev) }
func (m *mockAuditStore) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]*types.AuditEvent, error) {
	return m.events, nil
}
func (m *mockAuditStore) HealthCheck(ctx context.Context) error { return nil }
func (m *mockAuditStore) Close() error                          { return nil }

type mockHandler struct{ frames int }

func (m *mockHandler) HandleFrame(ctx context.Context, conn interfaces.ConnInfo, data []byte) {
	m.frames++
}
func (m *mockHandler) HandleDisconnect(ctx context.Context, conn interfaces.ConnInfo) {}

func TestInterfaces_Compliance(t *testing.T) {
	var _ interfaces.Connection = &mockConnection{}
	var _ interfaces.Broadcaster = &mockBroadcaster{}
	var _ interfaces.IDAllocator = &mockAllocator{}
	var _ interfaces.AuditRecorder = &mockAuditStore{}
	var _ interfaces.AuditStore = &mockAuditStore{}
	var _ interfaces.EventHandler = &mockHandler{}
}

func TestIDAllocator_Contract(t *testing.T) {
	var alloc interfaces.IDAllocator = &mockAllocator{}
	seen := make(map[int64]bool)
	for i := 0; i < 100; i++ {
		id := alloc.NextID()
		if seen[id] {
			t.Fatalf("allocator returned id %d twice", id)
		}
		seen[id] = true
	}
}

func TestAuditStore_Contract(t *testing.T) {
	var store interfaces.AuditStore = &mockAuditStore{}
	store.RecordEvent(&types.AuditEvent{SessionID: "room1", Kind: types.AuditUserJoined})

	events, err := store.ListSessionEvents(context.Background(), "room1", 10)
	if err != nil {
		t.Fatalf("ListSessionEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 event, got %d", len(events))
	}
	_ = store.HealthCheck(context.Background())
	_ = store.Close()
}
