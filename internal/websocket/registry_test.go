package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/jiteshy/collabx/pkg/interfaces"
	"github.com/jiteshy/collabx/pkg/types"
)

func drain(c *Connection) []types.Envelope {
	var out []types.Envelope
	for {
		select {
		case item := <-c.writeCh:
			if item.close {
				continue
			}
			var env types.Envelope
			_ = json.Unmarshal(item.data, &env)
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestRegistry_BroadcasterCompliance(t *testing.T) {
	var _ interfaces.Broadcaster = NewRegistry(nil)
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil)
	c1 := newDetachedConnection("c1", "room1", 4)

	if err := r.Register(c1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(c1); !errors.Is(err, ErrDuplicateConnection) {
		t.Errorf("duplicate Register error = %v", err)
	}
	if err := r.Register(nil); !errors.Is(err, ErrNilConnection) {
		t.Errorf("nil Register error = %v", err)
	}

	got, ok := r.GetConnection("c1")
	if !ok || got != c1 {
		t.Error("registered connection not found")
	}
	if r.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount = %d", r.ConnectionCount())
	}
}

func TestRegistry_BroadcastExcludesSender(t *testing.T) {
	r := NewRegistry(nil)
	c1 := newDetachedConnection("c1", "room1", 4)
	c2 := newDetachedConnection("c2", "room1", 4)
	c3 := newDetachedConnection("c3", "room2", 4)
	for _, c := range []*Connection{c1, c2, c3} {
		_ = r.Register(c)
	}
	r.Subscribe("room1", "c1")
	r.Subscribe("room1", "c2")
	r.Subscribe("room2", "c3")

	r.Broadcast("room1", "c1", mustEnvelope(t, types.EventContentChange, types.ContentChangePayload{Content: "x"}))

	if n := len(drain(c1)); n != 0 {
		t.Errorf("sender received %d frames", n)
	}
	if frames := drain(c2); len(frames) != 1 || frames[0].Type != types.EventContentChange {
		t.Errorf("peer frames = %+v", frames)
	}
	if n := len(drain(c3)); n != 0 {
		t.Errorf("other session received %d frames", n)
	}
}

func TestRegistry_UnsubscribedConnectionGetsNoBroadcasts(t *testing.T) {
	r := NewRegistry(nil)
	c1 := newDetachedConnection("c1", "room1", 4)
	_ = r.Register(c1)

	// Registered but never joined.
	r.Broadcast("room1", "", mustEnvelope(t, types.EventUserJoined, nil))
	if n := len(drain(c1)); n != 0 {
		t.Errorf("unsubscribed connection received %d frames", n)
	}

	r.Subscribe("room1", "c1")
	r.Unsubscribe("room1", "c1")
	r.Broadcast("room1", "", mustEnvelope(t, types.EventUserJoined, nil))
	if n := len(drain(c1)); n != 0 {
		t.Errorf("unsubscribed connection received %d frames", n)
	}
	if r.GetStats()["subscribed_sessions"] != 0 {
		t.Error("empty subscriber list should be removed")
	}
}

func TestRegistry_SendAndClose(t *testing.T) {
	r := NewRegistry(nil)
	c1 := newDetachedConnection("c1", "room1", 4)
	_ = r.Register(c1)

	if err := r.Send("c1", mustEnvelope(t, types.EventSyncResponse, types.Snapshot{})); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := r.Send("missing", mustEnvelope(t, types.EventSyncResponse, nil)); !errors.Is(err, interfaces.ErrConnectionNotFound) {
		t.Errorf("Send to unknown error = %v", err)
	}

	r.Close("c1")
	if len(c1.writeCh) != 2 {
		t.Fatalf("expected frame plus close marker, got %d items", len(c1.writeCh))
	}
	<-c1.writeCh
	if item := <-c1.writeCh; !item.close {
		t.Error("close marker must follow queued frames")
	}
}

func TestRegistry_UnregisterRemovesSubscriptions(t *testing.T) {
	r := NewRegistry(nil)
	c1 := newDetachedConnection("c1", "room1", 4)
	c2 := newDetachedConnection("c2", "room1", 4)
	_ = r.Register(c1)
	_ = r.Register(c2)
	r.Subscribe("room1", "c1")
	r.Subscribe("room1", "c2")

	r.Unregister(c1)
	if _, ok := r.GetConnection("c1"); ok {
		t.Error("connection still registered")
	}
	if conns := r.GetSessionConnections("room1"); len(conns) != 1 || conns[0] != c2 {
		t.Errorf("subscribers = %v", conns)
	}

	// A stale instance with a reused id must not evict the live one.
	stale := newDetachedConnection("c2", "room1", 4)
	r.Unregister(stale)
	if _, ok := r.GetConnection("c2"); !ok {
		t.Error("stale unregister removed live connection")
	}

	r.Subscribe("room1", "ghost")
	if len(r.GetSessionConnections("room1")) != 1 {
		t.Error("subscribing an unknown connection should be a no-op")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newDetachedConnection(string(rune('a'+i%26))+string(rune('0'+i/26)), "room1", 200)
			_ = r.Register(c)
			r.Subscribe("room1", c.ID())
			r.Broadcast("room1", c.ID(), &types.Envelope{Type: types.EventCursorMove})
			_ = r.GetStats()
			r.Unregister(c)
		}(i)
	}
	wg.Wait()
	if r.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount = %d after all unregistered", r.ConnectionCount())
	}
}
