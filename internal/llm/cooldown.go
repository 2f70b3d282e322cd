package llm

import (
	"sync"
	"time"
)

// CooldownEntry tracks one candidate's health. Score lives in [0,1] and
// biases candidate ordering; cooldown gates availability entirely.
type CooldownEntry struct {
	Until               time.Time `json:"until"`
	Reason              Class     `json:"reason,omitempty"`
	Score               float64   `json:"score"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

const (
	scoreInit        = 0.8
	scoreSuccessGain = 0.1
	scoreFailurePens = 0.25
)

// Cooldowns is the per-(provider,model) health map. Updates per key are
// serialized under the map lock; critical sections are short.
type Cooldowns struct {
	mu      sync.Mutex
	entries map[string]*CooldownEntry
	now     func() time.Time
}

// NewCooldowns builds an empty map.
func NewCooldowns() *Cooldowns {
	return &Cooldowns{entries: make(map[string]*CooldownEntry), now: time.Now}
}

func (c *Cooldowns) get(key string) *CooldownEntry {
	e, ok := c.entries[key]
	if !ok {
		e = &CooldownEntry{Score: scoreInit}
		c.entries[key] = e
	}
	return e
}

// Available reports whether the candidate is outside its cooldown window.
func (c *Cooldowns) Available(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.get(key).Until.After(c.now())
}

// Score returns the candidate's current score.
func (c *Cooldowns) Score(key string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(key).Score
}

// Until reports when the candidate becomes available again.
func (c *Cooldowns) Until(key string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(key).Until
}

// Success rewards the candidate and clears its failure streak. The cooldown
// window is not shortened; observed Retry-After advances monotonically.
func (c *Cooldowns) Success(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.get(key)
	e.ConsecutiveFailures = 0
	e.Reason = ""
	e.Score += scoreSuccessGain
	if e.Score > 1 {
		e.Score = 1
	}
}

// Failure applies a classification. Cooldowns only ever advance: a shorter
// observed reset never pulls an existing window in.
func (c *Cooldowns) Failure(key string, cl Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.get(key)
	e.ConsecutiveFailures++
	e.Reason = cl.Class
	if cl.Class != ClassInvalidRequest {
		e.Score -= scoreFailurePens
		if e.Score < 0 {
			e.Score = 0
		}
	}
	if cl.Cooldown > 0 {
		until := c.now().Add(cl.Cooldown)
		if until.After(e.Until) {
			e.Until = until
		}
	}
}

// Snapshot copies the map for diagnostics.
func (c *Cooldowns) Snapshot() map[string]CooldownEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]CooldownEntry, len(c.entries))
	for k, e := range c.entries {
		out[k] = *e
	}
	return out
}

// EarliestRelease returns the soonest cooldown expiry among keys, or zero
// when any key is already available.
func (c *Cooldowns) EarliestRelease(keys []string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var best time.Duration = -1
	for _, k := range keys {
		e := c.get(k)
		if !e.Until.After(now) {
			return 0
		}
		d := e.Until.Sub(now)
		if best < 0 || d < best {
			best = d
		}
	}
	if best < 0 {
		return 0
	}
	return best
}
