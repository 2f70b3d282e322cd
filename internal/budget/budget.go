// Package budget enforces the concurrency and request-rate budgets. In-flight
// permits are named counters (total plus a per-surface ceiling); request rates
// are token buckets keyed by client address and endpoint class.
package budget

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openclaw/gateway/internal/errkind"
)

// Surfaces that carry their own in-flight ceiling beneath the total.
const (
	SurfaceWebhook = "webhook"
	SurfaceBridge  = "bridge"
	SurfaceAdmin   = "admin"
)

// Limits are the resolved ceilings. Zero means the surface has no dedicated
// ceiling and only the total applies.
type Limits struct {
	Total   int
	Webhook int
	Bridge  int
}

type inflight struct {
	count   int
	started []time.Time // start times of held permits, oldest first
}

// Gate hands out in-flight permits. Release goes through the returned Permit
// so double release is harmless.
type Gate struct {
	mu      sync.Mutex
	limits  Limits
	total   inflight
	surface map[string]*inflight

	// typical job duration used to estimate Retry-After from the oldest
	// held permit
	estimate time.Duration
	floor    time.Duration
}

// NewGate builds a gate with the given ceilings.
func NewGate(l Limits) *Gate {
	if l.Total <= 0 {
		l.Total = 2
	}
	return &Gate{
		limits:   l,
		surface:  make(map[string]*inflight),
		estimate: 90 * time.Second,
		floor:    5 * time.Second,
	}
}

// SetLimits swaps the ceilings at runtime. Held permits are unaffected;
// lowered ceilings apply to new acquisitions.
func (g *Gate) SetLimits(l Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l.Total > 0 {
		g.limits = l
	}
}

// Permit is a held in-flight slot.
type Permit struct {
	gate     *Gate
	surface  string
	started  time.Time
	released bool
}

func (g *Gate) surfaceLimit(name string) int {
	switch name {
	case SurfaceWebhook:
		return g.limits.Webhook
	case SurfaceBridge:
		return g.limits.Bridge
	default:
		return 0
	}
}

// Acquire claims a permit for surface, or fails with budget_exceeded carrying
// a Retry-After estimated from the earliest-started job in flight.
func (g *Gate) Acquire(surface string) (*Permit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.total.count >= g.limits.Total {
		return nil, g.exceededLocked("total", g.limits.Total, g.total.started)
	}
	sf := g.surface[surface]
	if sf == nil {
		sf = &inflight{}
		g.surface[surface] = sf
	}
	if lim := g.surfaceLimit(surface); lim > 0 && sf.count >= lim {
		return nil, g.exceededLocked(surface, lim, sf.started)
	}

	now := time.Now()
	g.total.count++
	g.total.started = append(g.total.started, now)
	sf.count++
	sf.started = append(sf.started, now)
	return &Permit{gate: g, surface: surface, started: now}, nil
}

func (g *Gate) exceededLocked(which string, limit int, started []time.Time) error {
	retry := g.floor
	if len(started) > 0 {
		if est := g.estimate - time.Since(started[0]); est > retry {
			retry = est
		}
	}
	return errkind.New(errkind.BudgetExceeded,
		fmt.Sprintf("%s in-flight budget (%d) exhausted", which, limit)).
		WithRetryAfter(retry)
}

// Release frees the permit. Safe to call more than once.
func (p *Permit) Release() {
	if p == nil || p.released {
		return
	}
	p.released = true
	g := p.gate
	g.mu.Lock()
	defer g.mu.Unlock()
	g.total.count--
	g.total.started = dropStart(g.total.started, p.started)
	if sf := g.surface[p.surface]; sf != nil {
		sf.count--
		sf.started = dropStart(sf.started, p.started)
	}
}

func dropStart(list []time.Time, t time.Time) []time.Time {
	for i, s := range list {
		if s.Equal(t) {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// InFlight reports the current counters for diagnostics.
func (g *Gate) InFlight() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := map[string]int{"total": g.total.count}
	for name, sf := range g.surface {
		out[name] = sf.count
	}
	return out
}

// SetEstimate tunes the Retry-After heuristic.
func (g *Gate) SetEstimate(typical, floor time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.estimate = typical
	g.floor = floor
}

// RateLimiter is a per-client, per-endpoint-class token bucket map with
// periodic cleanup of idle buckets.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
	stop    chan struct{}
}

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps sustained requests with the given burst per
// (client, class) pair.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*clientBucket),
		limit:   rate.Limit(rps),
		burst:   burst,
		idle:    10 * time.Minute,
		stop:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow consumes a token for the client on the endpoint class, or fails with
// rate_limit_exceeded carrying the bucket's refill delay.
func (rl *RateLimiter) Allow(clientIP, class string) error {
	key := clientIP + "|" + class
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &clientBucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	if b.lim.Allow() {
		return nil
	}
	res := b.lim.Reserve()
	delay := res.Delay()
	res.Cancel()
	if delay < time.Second {
		delay = time.Second
	}
	return errkind.Newf(errkind.RateLimitExceeded, "rate limit exceeded for %s", class).
		WithRetryAfter(delay)
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() { close(rl.stop) }

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-rl.idle)
			rl.mu.Lock()
			for key, b := range rl.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
