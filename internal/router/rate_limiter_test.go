package router

import (
	"testing"
	"time"

	"github.com/jiteshy/collabx/internal/clock"
	"github.com/jiteshy/collabx/pkg/types"
)

func newTestLimiter() (*RateLimiter, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(clk)
	rl.AddLimit(types.EventContentChange, time.Second, 3, "Too many content changes")
	rl.AddLimit(types.EventJoin, time.Minute, 1, "Too many join attempts")
	return rl, clk
}

func TestRateLimiter_LimitedAfterMax(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := 1; i <= 3; i++ {
		if limited, _ := rl.IsLimited("c1", types.EventContentChange); limited {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	limited, msg := rl.IsLimited("c1", types.EventContentChange)
	if !limited {
		t.Fatal("fourth call in window should be limited")
	}
	if msg != "Too many content changes" {
		t.Errorf("message = %q", msg)
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	rl, clk := newTestLimiter()

	for i := 0; i < 4; i++ {
		rl.IsLimited("c1", types.EventContentChange)
	}
	clk.Advance(999 * time.Millisecond)
	if limited, _ := rl.IsLimited("c1", types.EventContentChange); !limited {
		t.Error("still inside the window, should be limited")
	}

	clk.Advance(time.Millisecond)
	if limited, _ := rl.IsLimited("c1", types.EventContentChange); limited {
		t.Error("window elapsed, first call of new window should pass")
	}
}

func TestRateLimiter_Isolation(t *testing.T) {
	tests := []struct {
		name      string
		connID    string
		eventType string
		want      bool
	}{
		{"same connection and event is limited", "c1", types.EventJoin, true},
		{"other connection is independent", "c2", types.EventJoin, false},
		{"other event type is independent", "c1", types.EventContentChange, false},
		{"unregistered event is never limited", "c1", types.EventCursorMove, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl, _ := newTestLimiter()
			rl.IsLimited("c1", types.EventJoin)

			if limited, _ := rl.IsLimited(tt.connID, tt.eventType); limited != tt.want {
				t.Errorf("IsLimited(%s, %s) = %v, want %v", tt.connID, tt.eventType, limited, tt.want)
			}
		})
	}
}

func TestRateLimiter_UnregisteredEventNeverLimited(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < 10000; i++ {
		if limited, _ := rl.IsLimited("c1", types.EventSelectionChange); limited {
			t.Fatalf("unregistered event limited at call %d", i)
		}
	}
	if rl.TrackedClients() != 0 {
		t.Error("unregistered events should not allocate state")
	}
}

func TestRateLimiter_ClearClient(t *testing.T) {
	rl, _ := newTestLimiter()
	rl.IsLimited("c1", types.EventJoin)
	rl.IsLimited("c2", types.EventJoin)

	rl.ClearClient("c1")
	if rl.TrackedClients() != 1 {
		t.Errorf("tracked clients = %d, want 1", rl.TrackedClients())
	}
	if limited, _ := rl.IsLimited("c1", types.EventJoin); limited {
		t.Error("cleared client should start a fresh window")
	}
	if limited, _ := rl.IsLimited("c2", types.EventJoin); !limited {
		t.Error("other clients must keep their counters")
	}
}
