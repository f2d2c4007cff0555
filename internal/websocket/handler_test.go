package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jiteshy/collabx/internal/clock"
	"github.com/jiteshy/collabx/pkg/interfaces"
)

// dispatched is one call observed by the mock dispatcher.
type dispatched struct {
	conn       interfaces.ConnInfo
	data       string
	disconnect bool
}

type mockDispatcher struct {
	mu     sync.Mutex
	calls  []dispatched
	notify chan struct{}
	err    error
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{notify: make(chan struct{}, 100)}
}

func (m *mockDispatcher) SubmitFrame(ctx context.Context, conn interfaces.ConnInfo, data []byte) error {
	m.mu.Lock()
	m.calls = append(m.calls, dispatched{conn: conn, data: string(data)})
	err := m.err
	m.mu.Unlock()
	m.notify <- struct{}{}
	return err
}

func (m *mockDispatcher) SubmitDisconnect(ctx context.Context, conn interfaces.ConnInfo) error {
	m.mu.Lock()
	m.calls = append(m.calls, dispatched{conn: conn, disconnect: true})
	m.mu.Unlock()
	m.notify <- struct{}{}
	return nil
}

func (m *mockDispatcher) waitCalls(t *testing.T, n int) []dispatched {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		m.mu.Lock()
		if len(m.calls) >= n {
			out := append([]dispatched(nil), m.calls...)
			m.mu.Unlock()
			return out
		}
		m.mu.Unlock()
		select {
		case <-m.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d dispatcher calls", n)
		}
	}
}

func TestHandler_QueryParameterValidation(t *testing.T) {
	handler := NewHandler(NewRegistry(nil), newMockDispatcher(), DefaultHandlerConfig())

	tests := []struct {
		name           string
		query          string
		expectedStatus int
	}{
		{"missing sessionId", "", http.StatusBadRequest},
		{"empty sessionId", "sessionId=", http.StatusBadRequest},
		{"invalid characters", "sessionId=room%201", http.StatusBadRequest},
		{"too long", "sessionId=" + strings.Repeat("a", 51), http.StatusBadRequest},
		{"legacy parameter name is ignored", "session_id=room1", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws?"+tt.query, nil)
			rec := httptest.NewRecorder()
			handler.HandleWebSocket(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
		})
	}
}

func TestHandler_AdmissionLimit(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	admission := NewAdmission(1, 1, time.Minute, clk)
	handler := NewHandler(NewRegistry(nil), newMockDispatcher(), DefaultHandlerConfig(), WithAdmission(admission))

	// The first request passes admission and then fails the upgrade handshake.
	req := httptest.NewRequest("GET", "/ws?sessionId=room1", nil)
	rec := httptest.NewRecorder()
	handler.HandleWebSocket(rec, req)
	if rec.Code == http.StatusTooManyRequests {
		t.Fatal("first request should pass admission")
	}

	req = httptest.NewRequest("GET", "/ws?sessionId=room1", nil)
	rec = httptest.NewRecorder()
	handler.HandleWebSocket(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
}

func TestHandler_FramesThenDisconnect(t *testing.T) {
	registry := NewRegistry(nil)
	dispatcher := newMockDispatcher()
	handler := NewHandler(registry, dispatcher, DefaultHandlerConfig())

	server := httptest.NewServer(handler)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?sessionId=room1"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	frames := []string{`{"type":"JOIN","payload":{"username":"alice"}}`, `{"type":"SYNC_REQUEST"}`}
	for _, f := range frames {
		if err := client.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	calls := dispatcher.waitCalls(t, 2)
	if registry.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount = %d, want 1", registry.ConnectionCount())
	}
	for i, f := range frames {
		if calls[i].data != f || calls[i].disconnect {
			t.Errorf("call %d = %+v, want frame %s", i, calls[i], f)
		}
		if calls[i].conn.SessionID != "room1" || calls[i].conn.ID == "" {
			t.Errorf("call %d conn info = %+v", i, calls[i].conn)
		}
	}

	_ = client.Close()
	calls = dispatcher.waitCalls(t, 3)
	if !calls[2].disconnect || calls[2].conn.ID != calls[0].conn.ID {
		t.Errorf("last call = %+v, want disconnect of same connection", calls[2])
	}

	deadline := time.Now().Add(2 * time.Second)
	for registry.ConnectionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if registry.ConnectionCount() != 0 {
		t.Error("connection should be unregistered after close")
	}
}

func TestHandler_ConnectionIDsAreUnique(t *testing.T) {
	dispatcher := newMockDispatcher()
	handler := NewHandler(NewRegistry(nil), dispatcher, DefaultHandlerConfig())
	server := httptest.NewServer(handler)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?sessionId=room1"
	for i := 0; i < 3; i++ {
		c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial %d failed: %v", i, err)
		}
		defer c.Close()
		if err := c.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	calls := dispatcher.waitCalls(t, 3)
	seen := make(map[string]bool)
	for _, c := range calls[:3] {
		seen[c.conn.ID] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected 3 distinct connection ids, got %v", seen)
	}
}

func TestHandler_OriginChecker(t *testing.T) {
	check := originChecker([]string{"https://editor.example.com"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://editor.example.com", true},
		{"https://evil.example.com", false},
		{"", true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := check(req); got != tt.want {
			t.Errorf("origin %q allowed = %v, want %v", tt.origin, got, tt.want)
		}
	}

	if !originChecker([]string{"*"})(httptest.NewRequest("GET", "/ws", nil)) {
		t.Error("wildcard should allow everything")
	}
}
