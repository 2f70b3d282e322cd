package llm

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/trace"
)

// Manager routes requests across the candidate list with cooldown-aware,
// score-biased, deterministically seeded ordering.
type Manager struct {
	candidates []Candidate
	adapters   map[Provider]Adapter
	cooldowns  *Cooldowns
	storm      *stormControl
	traces     *trace.Store
	logger     *slog.Logger

	mu      sync.Mutex
	timeout time.Duration
}

// NewManager wires candidates to their adapters. Candidates whose provider
// has no adapter are ignored.
func NewManager(candidates []Candidate, adapters map[Provider]Adapter, traces *trace.Store, timeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	kept := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Provider.Valid() && adapters[c.Provider] != nil {
			kept = append(kept, c)
		}
	}
	return &Manager{
		candidates: kept,
		adapters:   adapters,
		cooldowns:  NewCooldowns(),
		storm:      newStormControl(5 * time.Second),
		traces:     traces,
		logger:     logger,
		timeout:    timeout,
	}
}

// Cooldowns exposes the health map for diagnostics endpoints.
func (m *Manager) Cooldowns() *Cooldowns { return m.cooldowns }

// SetTimeout changes the per-call deadline for subsequent requests.
func (m *Manager) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
}

func (m *Manager) callTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// Candidates reports the configured failover order.
func (m *Manager) Candidates() []Candidate {
	return append([]Candidate(nil), m.candidates...)
}

// order returns the available candidates sorted by score bucket, ties broken
// by a hash of the trace id so identical state yields identical order and
// different traces spread across equal candidates.
func (m *Manager) order(traceID string) (ready []Candidate, allKeys []string) {
	seed := int64(0)
	for _, b := range []byte(traceID) {
		seed = seed*131 + int64(b)
	}
	rng := rand.New(rand.NewSource(seed))

	type ranked struct {
		c      Candidate
		bucket int
		tie    int64
	}
	var rs []ranked
	for _, c := range m.candidates {
		allKeys = append(allKeys, c.Key())
		if !m.cooldowns.Available(c.Key()) {
			continue
		}
		// Bucket to one decimal so small score drift does not reorder, then
		// seed-tie within the bucket.
		bucket := int(m.cooldowns.Score(c.Key()) * 10)
		rs = append(rs, ranked{c: c, bucket: bucket, tie: rng.Int63()})
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].bucket != rs[j].bucket {
			return rs[i].bucket > rs[j].bucket
		}
		return rs[i].tie < rs[j].tie
	})
	for _, r := range rs {
		ready = append(ready, r.c)
	}
	return ready, allKeys
}

// Complete tries candidates until one succeeds. All-unavailable fails with
// provider_unavailable carrying the earliest cooldown release.
func (m *Manager) Complete(ctx context.Context, req Request, traceID string) (*Response, error) {
	ready, allKeys := m.order(traceID)
	if len(ready) == 0 {
		return nil, m.unavailable(allKeys)
	}

	var lastErr error
	for _, cand := range ready {
		resp, err := m.tryCandidate(ctx, cand, req, traceID)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errkind.KindOf(err) == errkind.ValidationError {
			// Same request fails the same way on every provider.
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, m.unavailable(allKeys)
}

func (m *Manager) tryCandidate(ctx context.Context, cand Candidate, req Request, traceID string) (*Response, error) {
	key := cand.Key()
	owner, waiter := m.storm.enter(key)
	if !owner {
		// The candidate was just rate limited and a probe is already in
		// flight; wait briefly for its outcome instead of piling on.
		if !waiter.wait(m.storm.window) {
			m.traces.Append(traceID, trace.KindStormDrop, map[string]interface{}{
				"candidate": key,
			})
			return nil, errkind.Newf(errkind.ProviderUnavailable, "%s coalesced behind rate-limit probe", key)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, m.callTimeout())
	defer cancel()
	resp, err := m.adapters[cand.Provider].Complete(cctx, cand.Model, req)
	if err == nil {
		m.cooldowns.Success(key)
		if owner {
			m.storm.settle(key, waiter, true)
		}
		return resp, nil
	}

	cl := Classify(err)
	m.cooldowns.Failure(key, cl)
	if cl.Class == ClassRateLimit {
		m.storm.arm(key)
	}
	if owner {
		m.storm.settle(key, waiter, false)
	}
	m.traces.Append(traceID, trace.KindCooldown, map[string]interface{}{
		"candidate": key, "class": string(cl.Class), "cooldown_sec": int(cl.Cooldown / time.Second),
	})
	m.logger.Warn("provider call failed",
		"candidate", key, "class", cl.Class, "cooldown", cl.Cooldown, "err", err)

	if !cl.Failover {
		return nil, errkind.Wrap(errkind.ValidationError, "provider rejected request", err)
	}
	e := errkind.Wrap(errkind.ProviderUnavailable, string(cl.Class), err)
	if cl.Cooldown > 0 {
		e = e.WithRetryAfter(cl.Cooldown)
	}
	return nil, e
}

func (m *Manager) unavailable(keys []string) error {
	e := errkind.New(errkind.ProviderUnavailable, "all provider candidates are cooling down")
	if ra := m.cooldowns.EarliestRelease(keys); ra > 0 {
		e = e.WithRetryAfter(ra)
	}
	return e
}
