package llm

import (
	"sync"
	"time"
)

// stormControl coalesces concurrent callers against a candidate that was just
// rate limited. Unarmed candidates see no gate at all; after a rate-limit
// classification arms the key, the first caller inside the window owns the
// probe and the rest either wait on its outcome or fast-fail to the next
// candidate. A successful call disarms the key.
type stormControl struct {
	mu      sync.Mutex
	window  time.Duration
	armed   map[string]time.Time // key -> armed-until
	waiters map[string]*stormWaiter
	now     func() time.Time
}

type stormWaiter struct {
	openedAt time.Time
	done     chan struct{}
	ok       bool
}

func newStormControl(window time.Duration) *stormControl {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &stormControl{
		window:  window,
		armed:   make(map[string]time.Time),
		waiters: make(map[string]*stormWaiter),
		now:     time.Now,
	}
}

// enter reports whether this caller may call the candidate now. An unarmed
// key proceeds with a nil waiter and no coalescing. An armed key admits one
// probe owner per window; non-owners get the active waiter to block on.
func (s *stormControl) enter(key string) (owner bool, w *stormWaiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, armed := s.armed[key]
	if !armed || s.now().After(until) {
		delete(s.armed, key)
		return true, nil
	}
	cur, ok := s.waiters[key]
	if ok && s.now().Sub(cur.openedAt) < s.window {
		return false, cur
	}
	w = &stormWaiter{openedAt: s.now(), done: make(chan struct{})}
	s.waiters[key] = w
	return true, w
}

// arm opens a coalescing window for key after a rate-limit response.
func (s *stormControl) arm(key string) {
	s.mu.Lock()
	s.armed[key] = s.now().Add(s.window)
	s.mu.Unlock()
}

// settle publishes the probe outcome. A successful call disarms the key so
// healthy traffic runs concurrently again. Nil waiters (unarmed entries) only
// disarm.
func (s *stormControl) settle(key string, w *stormWaiter, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		delete(s.armed, key)
	}
	if w == nil {
		return
	}
	w.ok = ok
	close(w.done)
	if cur := s.waiters[key]; cur == w {
		delete(s.waiters, key)
	}
}

// wait blocks on the owner's outcome, bounded by the window. Returns whether
// the probe succeeded; false means skip this candidate.
func (w *stormWaiter) wait(maxWait time.Duration) bool {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-w.done:
		return w.ok
	case <-timer.C:
		return false
	}
}
