// Package integration exercises a full gateway over real WebSocket
// connections.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jiteshy/collabx/internal/app"
	"github.com/jiteshy/collabx/internal/config"
	"github.com/jiteshy/collabx/pkg/types"
)

const frameTimeout = 5 * time.Second

// Gateway is a running application bound to an ephemeral port.
type Gateway struct {
	App  *app.Application
	Addr string
}

// StartGateway runs an application until the test ends. mutate may adjust
// the default configuration first.
func StartGateway(t *testing.T, mutate func(*config.Config)) *Gateway {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Admission.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := application.Stop(ctx); err != nil {
			t.Logf("Failed to stop application: %v", err)
		}
	})
	return &Gateway{App: application, Addr: application.GetAddr()}
}

// WebSocketURL returns the endpoint for sessionID.
func (g *Gateway) WebSocketURL(sessionID string) string {
	return "ws://" + g.Addr + "/ws?sessionId=" + sessionID
}

// GetJSON fetches path from the HTTP API into v and returns the status code.
func (g *Gateway) GetJSON(t *testing.T, path string, v interface{}) int {
	t.Helper()
	resp, err := http.Get("http://" + g.Addr + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("Failed to decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// Peer is a raw protocol client. A background reader queues every frame so
// tests can assert both arrivals and absences.
type Peer struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan types.Envelope
	closed chan error
}

// Dial connects a raw peer to sessionID.
func Dial(t *testing.T, g *Gateway, sessionID string) *Peer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.WebSocketURL(sessionID), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	p := &Peer{
		t:      t,
		conn:   conn,
		frames: make(chan types.Envelope, 256),
		closed: make(chan error, 1),
	}
	go p.read()
	t.Cleanup(func() { _ = conn.Close() })
	return p
}

func (p *Peer) read() {
	for {
		var env types.Envelope
		if err := p.conn.ReadJSON(&env); err != nil {
			p.closed <- err
			return
		}
		p.frames <- env
	}
}

// Send writes one frame.
func (p *Peer) Send(eventType string, payload interface{}) {
	p.t.Helper()
	env, err := types.NewEnvelope(eventType, payload)
	if err != nil {
		p.t.Fatal(err)
	}
	if err := p.conn.WriteJSON(env); err != nil {
		p.t.Fatalf("Write %s failed: %v", eventType, err)
	}
}

// SendRaw writes data verbatim.
func (p *Peer) SendRaw(data string) {
	p.t.Helper()
	if err := p.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		p.t.Fatalf("Write failed: %v", err)
	}
}

// Expect reads the next frame, which must have eventType, and decodes its
// payload into v when v is non-nil.
func (p *Peer) Expect(eventType string, v interface{}) {
	p.t.Helper()
	select {
	case env := <-p.frames:
		if env.Type != eventType {
			p.t.Fatalf("Expected %s, got %s: %s", eventType, env.Type, env.Payload)
		}
		if v != nil {
			if err := json.Unmarshal(env.Payload, v); err != nil {
				p.t.Fatalf("Failed to decode %s payload: %v", eventType, err)
			}
		}
	case err := <-p.closed:
		p.t.Fatalf("Connection closed while waiting for %s: %v", eventType, err)
	case <-time.After(frameTimeout):
		p.t.Fatalf("Timed out waiting for %s", eventType)
	}
}

// ExpectError reads the next frame, which must be an ERROR of errType.
func (p *Peer) ExpectError(errType types.ErrorType) types.ProtocolError {
	p.t.Helper()
	var perr types.ProtocolError
	p.Expect(types.EventError, &perr)
	if perr.Type != errType {
		p.t.Fatalf("Expected %s, got %s: %s", errType, perr.Type, perr.Message)
	}
	return perr
}

// ExpectNothing asserts no frame arrives within d.
func (p *Peer) ExpectNothing(d time.Duration) {
	p.t.Helper()
	select {
	case env := <-p.frames:
		p.t.Fatalf("Expected no frame, got %s: %s", env.Type, env.Payload)
	case <-time.After(d):
	}
}

// ExpectClosed waits for the gateway to close the connection.
func (p *Peer) ExpectClosed() {
	p.t.Helper()
	select {
	case env := <-p.frames:
		p.t.Fatalf("Expected close, got %s", env.Type)
	case <-p.closed:
	case <-time.After(frameTimeout):
		p.t.Fatal("Timed out waiting for close")
	}
}

// Join sends JOIN and returns the snapshot reply.
func (p *Peer) Join(username string) types.Snapshot {
	p.t.Helper()
	p.Send(types.EventJoin, types.JoinPayload{Username: username})
	var snap types.Snapshot
	p.Expect(types.EventSyncResponse, &snap)
	return snap
}

// Close closes the connection from the client side.
func (p *Peer) Close() {
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = p.conn.Close()
}
