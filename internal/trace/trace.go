// Package trace provides the per-admission event timeline: a bounded ring
// buffer keyed by trace ID, plus an in-process fan-out bus feeding the SSE
// stream. Every pipeline stage writes exactly one event here; payloads pass
// through redaction before they are stored or published.
package trace

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/gateway/internal/redact"
)

// Kind is the closed set of timeline event kinds.
type Kind string

const (
	KindAdmit          Kind = "admit"
	KindAuthOK         Kind = "auth_ok"
	KindAuthFail       Kind = "auth_fail"
	KindDedupeHit      Kind = "dedupe_hit"
	KindTemplateRender Kind = "template_render"
	KindSubmit         Kind = "submit"
	KindHistoryReady   Kind = "history_ready"
	KindDeliverOK      Kind = "deliver_ok"
	KindDeliverFail    Kind = "deliver_fail"
	KindCooldown       Kind = "cooldown"
	KindStormDrop      Kind = "storm_drop"
	KindStreamDelta    Kind = "stream_delta"
	KindStreamFinal    Kind = "stream_final"
	KindDropped        Kind = "dropped"
	KindError          Kind = "error"
)

// Event is a single timeline entry. Payload is stored post-redaction.
type Event struct {
	TraceID string                 `json:"trace_id"`
	Seq     uint64                 `json:"seq"`
	TS      time.Time              `json:"ts"`
	Kind    Kind                   `json:"kind"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// NewID mints a trace identifier.
func NewID() string {
	return "t-" + uuid.NewString()
}

type timeline struct {
	events []Event // ring, oldest-first after wrap
	start  int
	count  int
	lastAt time.Time
}

// Store maps trace IDs to fixed-capacity timelines. Eviction is oldest-first
// within a timeline; whole timelines expire after the global TTL.
type Store struct {
	mu       sync.Mutex
	traces   map[string]*timeline
	perTrace int
	ttl      time.Duration
	redactor *redact.Redactor
	bus      *Bus
	seq      uint64

	// prompt_id → trace_id join for /trace/{prompt_id} lookups.
	byPrompt map[string]string
}

// NewStore builds a trace store. Events published here also fan out on bus
// when it is non-nil.
func NewStore(perTrace int, ttl time.Duration, redactor *redact.Redactor, bus *Bus) *Store {
	if perTrace <= 0 {
		perTrace = 256
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s := &Store{
		traces:   make(map[string]*timeline),
		perTrace: perTrace,
		ttl:      ttl,
		redactor: redactor,
		bus:      bus,
		byPrompt: make(map[string]string),
	}
	go s.sweep()
	return s
}

// Append records one event on the trace and publishes it to subscribers.
// The payload is shallow-copied through redaction; the caller's map is never
// retained.
func (s *Store) Append(traceID string, kind Kind, payload map[string]interface{}) Event {
	var red map[string]interface{}
	if payload != nil && s.redactor != nil {
		red = s.redactor.Map(payload)
	} else {
		red = payload
	}

	s.mu.Lock()
	s.seq++
	ev := Event{TraceID: traceID, Seq: s.seq, TS: time.Now().UTC(), Kind: kind, Payload: red}
	tl, ok := s.traces[traceID]
	if !ok {
		tl = &timeline{events: make([]Event, s.perTrace)}
		s.traces[traceID] = tl
	}
	if tl.count < s.perTrace {
		tl.events[(tl.start+tl.count)%s.perTrace] = ev
		tl.count++
	} else {
		tl.events[tl.start] = ev
		tl.start = (tl.start + 1) % s.perTrace
	}
	tl.lastAt = ev.TS
	if pid, ok := red["prompt_id"].(string); ok && pid != "" {
		s.byPrompt[pid] = traceID
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(ev)
	}
	return ev
}

// Timeline returns the ordered events for a trace, oldest first.
func (s *Store) Timeline(traceID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.traces[traceID]
	if !ok {
		return nil
	}
	out := make([]Event, tl.count)
	for i := 0; i < tl.count; i++ {
		out[i] = tl.events[(tl.start+i)%len(tl.events)]
	}
	return out
}

// TraceByPrompt resolves a prompt ID back to its trace ID.
func (s *Store) TraceByPrompt(promptID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPrompt[promptID]
	return id, ok
}

func (s *Store) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-s.ttl)
		s.mu.Lock()
		for id, tl := range s.traces {
			if tl.lastAt.Before(cutoff) {
				delete(s.traces, id)
			}
		}
		for pid, tid := range s.byPrompt {
			if _, ok := s.traces[tid]; !ok {
				delete(s.byPrompt, pid)
			}
		}
		s.mu.Unlock()
	}
}

// SSEFormat renders the event as a Server-Sent Events frame.
func (e Event) SSEFormat(data []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %d\n\n", e.Kind, data, e.Seq))
}
