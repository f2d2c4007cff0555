package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jiteshy/collabx/pkg/interfaces"
)

// recordingHandler records the order in which events reach it.
type recordingHandler struct {
	mu       sync.Mutex
	events   []string
	inFlight int
	maxSeen  int
	panicOn  string
	done     chan struct{}
	expected int
}

func newRecordingHandler(expected int) *recordingHandler {
	return &recordingHandler{done: make(chan struct{}), expected: expected}
}

func (r *recordingHandler) note(entry string) {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.maxSeen {
		r.maxSeen = r.inFlight
	}
	r.mu.Unlock()

	time.Sleep(time.Microsecond)

	r.mu.Lock()
	r.inFlight--
	r.events = append(r.events, entry)
	if len(r.events) == r.expected {
		close(r.done)
	}
	r.mu.Unlock()
}

func (r *recordingHandler) HandleFrame(ctx context.Context, conn interfaces.ConnInfo, data []byte) {
	if string(data) == r.panicOn {
		r.note(conn.ID + ":panic")
		panic("boom")
	}
	r.note(conn.ID + ":" + string(data))
}

func (r *recordingHandler) HandleDisconnect(ctx context.Context, conn interfaces.ConnInfo) {
	r.note(conn.ID + ":bye")
}

func (r *recordingHandler) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestHub_StartStop(t *testing.T) {
	hub := NewHub(newRecordingHandler(0), 0, nil)
	ctx := context.Background()

	if err := hub.Start(ctx); err != nil {
		t.Errorf("Expected no error starting hub, got %v", err)
	}
	if err := hub.Start(ctx); !errors.Is(err, ErrHubAlreadyRunning) {
		t.Errorf("Expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := hub.Stop(); err != nil {
		t.Errorf("Expected no error stopping hub, got %v", err)
	}
	if err := hub.Stop(); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}
	if err := hub.Start(ctx); !errors.Is(err, ErrHubStopped) {
		t.Errorf("Expected ErrHubStopped on restart, got %v", err)
	}
}

func TestHub_SubmitRequiresRunning(t *testing.T) {
	hub := NewHub(newRecordingHandler(0), 0, nil)
	conn := interfaces.ConnInfo{ID: "c1", SessionID: "room1"}

	if err := hub.SubmitFrame(context.Background(), conn, []byte("x")); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("SubmitFrame before start = %v", err)
	}
	if err := hub.SubmitDisconnect(context.Background(), conn); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("SubmitDisconnect before start = %v", err)
	}
}

func TestHub_PerConnectionOrder(t *testing.T) {
	const conns, frames = 8, 50
	handler := newRecordingHandler(conns * (frames + 1))
	hub := NewHub(handler, 16, nil)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer hub.Stop()

	var wg sync.WaitGroup
	for c := 0; c < conns; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			info := interfaces.ConnInfo{ID: fmt.Sprintf("c%d", c), SessionID: "room1"}
			for i := 0; i < frames; i++ {
				if err := hub.SubmitFrame(context.Background(), info, []byte(fmt.Sprintf("%d", i))); err != nil {
					t.Errorf("SubmitFrame failed: %v", err)
					return
				}
			}
			if err := hub.SubmitDisconnect(context.Background(), info); err != nil {
				t.Errorf("SubmitDisconnect failed: %v", err)
			}
		}(c)
	}
	wg.Wait()

	events := handler.wait(t)
	next := make(map[string]int)
	for _, ev := range events {
		var id, body string
		for i := 0; i < len(ev); i++ {
			if ev[i] == ':' {
				id, body = ev[:i], ev[i+1:]
				break
			}
		}
		if body == "bye" {
			if next[id] != frames {
				t.Errorf("%s disconnected after %d frames, want %d", id, next[id], frames)
			}
			next[id] = -1
			continue
		}
		if next[id] < 0 {
			t.Errorf("%s delivered a frame after its disconnect", id)
		}
		if want := fmt.Sprintf("%d", next[id]); body != want {
			t.Errorf("%s frame out of order: got %s, want %s", id, body, want)
		}
		next[id]++
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.maxSeen != 1 {
		t.Errorf("handler ran %d events concurrently, want 1", handler.maxSeen)
	}
}

func TestHub_SurvivesHandlerPanic(t *testing.T) {
	handler := newRecordingHandler(2)
	handler.panicOn = "bad"
	hub := NewHub(handler, 0, nil)
	_ = hub.Start(context.Background())
	defer hub.Stop()

	conn := interfaces.ConnInfo{ID: "c1", SessionID: "room1"}
	_ = hub.SubmitFrame(context.Background(), conn, []byte("bad"))
	_ = hub.SubmitFrame(context.Background(), conn, []byte("good"))

	events := handler.wait(t)
	if events[1] != "c1:good" {
		t.Errorf("events = %v, hub should keep processing after a panic", events)
	}
}

func TestHub_ContextCancellationStops(t *testing.T) {
	hub := NewHub(newRecordingHandler(0), 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	_ = hub.Start(ctx)

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for hub.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.IsRunning() {
		t.Fatal("hub should stop when its context is cancelled")
	}
	if err := hub.SubmitFrame(context.Background(), interfaces.ConnInfo{ID: "c1"}, nil); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("SubmitFrame after cancel = %v", err)
	}
}

func TestHub_SubmitHonorsContext(t *testing.T) {
	block := make(chan struct{})
	handler := &blockingHandler{block: block}
	hub := NewHub(handler, 1, nil)
	_ = hub.Start(context.Background())
	defer func() {
		close(block)
		hub.Stop()
	}()

	conn := interfaces.ConnInfo{ID: "c1"}
	_ = hub.SubmitFrame(context.Background(), conn, []byte("1")) // picked up, blocks handler
	_ = hub.SubmitFrame(context.Background(), conn, []byte("2")) // fills queue
	for hub.QueueDepth() != 1 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := hub.SubmitFrame(ctx, conn, []byte("3")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("SubmitFrame on full queue = %v, want deadline exceeded", err)
	}
}

type blockingHandler struct {
	block chan struct{}
	once  sync.Once
}

func (b *blockingHandler) HandleFrame(ctx context.Context, conn interfaces.ConnInfo, data []byte) {
	b.once.Do(func() { <-b.block })
}

func (b *blockingHandler) HandleDisconnect(ctx context.Context, conn interfaces.ConnInfo) {}
