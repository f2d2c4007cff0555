package websocket

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jiteshy/collabx/internal/clock"
)

// Admission rate limits WebSocket upgrades per remote IP with a token bucket.
// Counters are per process.
type Admission struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	idle     time.Duration
	clock    clock.Clock
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAdmission allows rps upgrades per second per IP with the given burst.
// Visitors unseen for idle are dropped by Prune.
func NewAdmission(rps float64, burst int, idle time.Duration, clk clock.Clock) *Admission {
	if clk == nil {
		clk = clock.Real()
	}
	if idle <= 0 {
		idle = 3 * time.Minute
	}
	return &Admission{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(rps),
		burst:    burst,
		idle:     idle,
		clock:    clk,
	}
}

// Allow reports whether an upgrade from ip may proceed.
func (a *Admission) Allow(ip string) bool {
	now := a.clock.Now()

	a.mu.Lock()
	v, ok := a.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(a.rate, a.burst)}
		a.visitors[ip] = v
	}
	v.lastSeen = now
	a.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Prune drops visitors that have been idle longer than the idle window.
func (a *Admission) Prune() int {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for ip, v := range a.visitors {
		if now.Sub(v.lastSeen) > a.idle {
			delete(a.visitors, ip)
			removed++
		}
	}
	return removed
}

// Run prunes idle visitors every idle interval until ctx is done.
func (a *Admission) Run(ctx context.Context) {
	ticker := time.NewTicker(a.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Prune()
		case <-ctx.Done():
			return
		}
	}
}

// Visitors returns the number of tracked IPs.
func (a *Admission) Visitors() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.visitors)
}

// ClientIP extracts the originating IP of r, honoring X-Forwarded-For and
// X-Real-Ip when present.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
