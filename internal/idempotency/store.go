// Package idempotency suppresses duplicate admissions. Keys are remembered
// with a TTL inside an LRU-bounded map; the first caller gets a ticket to
// commit the admission outcome, and concurrent callers with the same key wait
// (bounded) for that outcome or fail with idempotency_in_flight.
//
// HMAC nonces ride the same store, so webhook replay protection shares the
// bounds and sweep.
package idempotency

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/openclaw/gateway/internal/errkind"
)

// Outcome is the cached result of a completed admission, replayed verbatim
// (including trace_id) on duplicate keys.
type Outcome struct {
	Status   int             `json:"status"`
	Body     json.RawMessage `json:"body"`
	TraceID  string          `json:"trace_id,omitempty"`
	PromptID string          `json:"prompt_id,omitempty"`
}

type entry struct {
	key       string
	firstSeen time.Time
	expiresAt time.Time
	outcome   *Outcome
	done      chan struct{} // closed on commit or abort
	elem      *list.Element
}

// Backend optionally persists committed webhook-scope outcomes so dedupe
// survives restarts.
type Backend interface {
	Store(ctx context.Context, key string, outcome Outcome, ttl time.Duration) error
	Load(ctx context.Context, key string) (*Outcome, error)
	Delete(ctx context.Context, key string) error
}

// Store is the in-process dedupe map.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List
	max     int

	backend Backend
	waitMax time.Duration
}

// New builds a store bounded to max entries. backend may be nil.
func New(max int, backend Backend) *Store {
	if max <= 0 {
		max = 4096
	}
	s := &Store{
		entries: make(map[string]*entry),
		lru:     list.New(),
		max:     max,
		backend: backend,
		waitMax: 10 * time.Second,
	}
	go s.sweep()
	return s
}

// Ticket lets the first caller for a key publish the admission outcome.
type Ticket struct {
	store *Store
	key   string
	ttl   time.Duration
}

// Commit records the outcome and wakes all waiters.
func (t *Ticket) Commit(ctx context.Context, outcome Outcome) {
	t.store.mu.Lock()
	e, ok := t.store.entries[t.key]
	if ok && e.outcome == nil {
		e.outcome = &outcome
		close(e.done)
	}
	t.store.mu.Unlock()
	if ok && t.store.backend != nil {
		_ = t.store.backend.Store(ctx, t.key, outcome, t.ttl)
	}
}

// Abort removes the pending entry so a later retry is treated as fresh.
func (t *Ticket) Abort() {
	t.store.mu.Lock()
	if e, ok := t.store.entries[t.key]; ok && e.outcome == nil {
		t.store.lru.Remove(e.elem)
		delete(t.store.entries, t.key)
		close(e.done)
	}
	t.store.mu.Unlock()
}

// Remember consults the store. On a fresh key it returns (ticket, nil, nil):
// the caller must Commit or Abort the ticket. On a committed duplicate it
// returns (nil, outcome, nil). On a still-pending duplicate it waits up to
// the bounded window, then fails with idempotency_in_flight.
func (s *Store) Remember(ctx context.Context, key string, ttl time.Duration) (*Ticket, *Outcome, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()

	s.mu.Lock()
	if e, ok := s.entries[key]; ok && e.expiresAt.After(now) {
		s.lru.MoveToFront(e.elem)
		if e.outcome != nil {
			out := *e.outcome
			s.mu.Unlock()
			return nil, &out, nil
		}
		done := e.done
		s.mu.Unlock()
		out, err := s.waitFor(ctx, key, done)
		return nil, out, err
	}
	// Evicted-or-expired keys replay as fresh requests; check the persistent
	// backend before claiming.
	s.mu.Unlock()
	if s.backend != nil {
		if prior, err := s.backend.Load(ctx, key); err == nil && prior != nil {
			return nil, prior, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check after the backend round trip.
	if e, ok := s.entries[key]; ok && e.expiresAt.After(now) {
		if e.outcome != nil {
			out := *e.outcome
			return nil, &out, nil
		}
		done := e.done
		s.mu.Unlock()
		out, err := s.waitFor(ctx, key, done)
		s.mu.Lock()
		return nil, out, err
	}
	e := &entry{
		key:       key,
		firstSeen: now,
		expiresAt: now.Add(ttl),
		done:      make(chan struct{}),
	}
	e.elem = s.lru.PushFront(e)
	s.entries[key] = e
	for s.lru.Len() > s.max {
		oldest := s.lru.Back()
		old := oldest.Value.(*entry)
		s.lru.Remove(oldest)
		delete(s.entries, old.key)
		if old.outcome == nil {
			close(old.done)
		}
	}
	return &Ticket{store: s, key: key, ttl: ttl}, nil, nil
}

func (s *Store) waitFor(ctx context.Context, key string, done <-chan struct{}) (*Outcome, error) {
	timer := time.NewTimer(s.waitMax)
	defer timer.Stop()
	select {
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if e, ok := s.entries[key]; ok && e.outcome != nil {
			out := *e.outcome
			return &out, nil
		}
		// First caller aborted: tell this caller to retry fresh.
		return nil, errkind.New(errkind.IdempotencyInFlight, "first submission aborted, retry").
			WithRetryAfter(time.Second)
	case <-timer.C:
		return nil, errkind.New(errkind.IdempotencyInFlight, "duplicate key still in flight").
			WithRetryAfter(2 * time.Second)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ConsumeNonce records a nonce and reports whether it was fresh. Replayed
// nonces within the window return false.
func (s *Store) ConsumeNonce(ctx context.Context, nonce string, window time.Duration) bool {
	ticket, prior, err := s.Remember(ctx, "nonce:"+nonce, window)
	if err != nil || prior != nil {
		return false
	}
	ticket.Commit(ctx, Outcome{Status: 0})
	return true
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SetWaitMax overrides the bounded wait for duplicate-in-flight callers.
func (s *Store) SetWaitMax(d time.Duration) { s.waitMax = d }

func (s *Store) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		s.mu.Lock()
		for key, e := range s.entries {
			if e.expiresAt.Before(now) {
				s.lru.Remove(e.elem)
				delete(s.entries, key)
				if e.outcome == nil {
					close(e.done)
				}
			}
		}
		s.mu.Unlock()
	}
}
