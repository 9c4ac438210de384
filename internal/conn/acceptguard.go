package conn

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AcceptGuard throttles how fast connections from a single source address
// may be accepted, ahead of and independent of any per-extension logic. An
// address that exceeds its burst still gets its TCP connection accepted —
// TCP doesn't let you reject at the listener level without completing the
// handshake — but the caller closes it immediately, before a TU is ever
// created, so an abusive source can never consume an extension slot.
type AcceptGuard struct {
	mu      sync.Mutex
	entries map[string]*guardEntry
	rateHz  rate.Limit
	burst   int
}

type guardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAcceptGuard builds a guard allowing ratePerSecond sustained
// connections per source address, with bursts up to burst.
func NewAcceptGuard(ratePerSecond float64, burst int) *AcceptGuard {
	return &AcceptGuard{
		entries: make(map[string]*guardEntry),
		rateHz:  rate.Limit(ratePerSecond),
		burst:   burst,
	}
}

// Allow reports whether a new connection from host may proceed, consuming
// one token from that host's bucket if so.
func (g *AcceptGuard) Allow(host string) bool {
	g.mu.Lock()
	e, ok := g.entries[host]
	if !ok {
		e = &guardEntry{limiter: rate.NewLimiter(g.rateHz, g.burst)}
		g.entries[host] = e
	}
	e.lastSeen = time.Now()
	lim := e.limiter
	g.mu.Unlock()

	return lim.Allow()
}

// Prune discards tracked source addresses that haven't been seen in
// maxAge, so a long-running process doesn't accumulate one limiter per
// distinct client IP forever.
func (g *AcceptGuard) Prune(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	g.mu.Lock()
	defer g.mu.Unlock()
	for host, e := range g.entries {
		if e.lastSeen.Before(cutoff) {
			delete(g.entries, host)
		}
	}
}
