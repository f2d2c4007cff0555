package websocket

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jiteshy/collabx/internal/clock"
)

func TestAdmission_TokenBucket(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	a := NewAdmission(1, 2, time.Minute, clk)

	if !a.Allow("10.0.0.1") || !a.Allow("10.0.0.1") {
		t.Fatal("burst of 2 should be allowed")
	}
	if a.Allow("10.0.0.1") {
		t.Error("third immediate request should be denied")
	}
	if !a.Allow("10.0.0.2") {
		t.Error("other IPs have their own bucket")
	}

	clk.Advance(time.Second)
	if !a.Allow("10.0.0.1") {
		t.Error("one token should refill after one second")
	}
}

func TestAdmission_Prune(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	a := NewAdmission(10, 10, time.Minute, clk)
	a.Allow("10.0.0.1")
	clk.Advance(30 * time.Second)
	a.Allow("10.0.0.2")

	clk.Advance(45 * time.Second)
	if removed := a.Prune(); removed != 1 {
		t.Errorf("Prune removed %d, want 1", removed)
	}
	if a.Visitors() != 1 {
		t.Errorf("Visitors = %d, want 1", a.Visitors())
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr", nil, "192.0.2.1:5555", "192.0.2.1"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "10.0.0.1:80", "203.0.113.9"},
		{"real ip", map[string]string{"X-Real-Ip": "198.51.100.4"}, "10.0.0.1:80", "198.51.100.4"},
		{"ipv6", nil, "[2001:db8::1]:443", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
