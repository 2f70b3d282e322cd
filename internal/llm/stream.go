package llm

import (
	"context"
	"time"

	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/trace"
)

// streamBuf bounds the outbound event channel; a stalled consumer applies
// backpressure to the adapter rather than growing memory.
const streamBuf = 32

// Stream produces the {stage, delta, final, error, keepalive} sequence for
// an assist request. Candidate failover happens before the first delta; once
// deltas flow, a transport failure falls back to one non-streaming retry on
// the same ordering, and its result arrives as the final event. The channel
// closes after final or error; cancelling ctx closes it early.
func (m *Manager) Stream(ctx context.Context, req Request, traceID string) (<-chan StreamEvent, error) {
	ready, allKeys := m.order(traceID)
	if len(ready) == 0 {
		return nil, m.unavailable(allKeys)
	}

	out := make(chan StreamEvent, streamBuf)
	go func() {
		defer close(out)
		m.runStream(ctx, ready, req, traceID, out)
	}()
	return out, nil
}

func (m *Manager) runStream(ctx context.Context, ready []Candidate, req Request, traceID string, out chan<- StreamEvent) {
	emit := func(ev StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var lastErr error
	for _, cand := range ready {
		key := cand.Key()
		cctx, cancel := context.WithTimeout(ctx, m.callTimeout())
		events, err := m.adapters[cand.Provider].Stream(cctx, cand.Model, req)
		if err != nil {
			cancel()
			cl := Classify(err)
			m.cooldowns.Failure(key, cl)
			m.traces.Append(traceID, trace.KindCooldown, map[string]interface{}{
				"candidate": key, "class": string(cl.Class), "streaming": true,
			})
			lastErr = err
			if !cl.Failover {
				emit(StreamEvent{Type: EventError, Error: errkind.DetailOf(
					errkind.Wrap(errkind.ValidationError, "provider rejected request", err))})
				return
			}
			continue
		}

		if !emit(StreamEvent{Type: EventStage, Stage: "generating", Provider: cand.Provider, Model: cand.Model}) {
			cancel()
			return
		}

		sawDelta, finished := m.pipe(ctx, cctx, key, cand, events, traceID, emit)
		cancel()
		if finished {
			return
		}
		if sawDelta {
			// Mid-stream degradation: fall back to the non-streaming
			// contract once, per the assist protocol.
			m.fallbackFinal(ctx, req, traceID, emit)
			return
		}
		// Failed before producing anything; the next candidate gets a shot.
	}

	if lastErr != nil {
		emit(StreamEvent{Type: EventError, Error: errkind.DetailOf(
			errkind.Wrap(errkind.ProviderUnavailable, "streaming failed on every candidate", lastErr))})
		return
	}
	emit(StreamEvent{Type: EventError, Error: "no provider candidate available"})
}

// pipe forwards adapter events, inserting keepalives during idle stretches.
// Returns (sawDelta, finished).
func (m *Manager) pipe(ctx, cctx context.Context, key string, cand Candidate, events <-chan StreamEvent, traceID string, emit func(StreamEvent) bool) (bool, bool) {
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	sawDelta := false
	for {
		select {
		case <-ctx.Done():
			return sawDelta, true
		case <-keepalive.C:
			if !emit(StreamEvent{Type: EventKeepalive}) {
				return sawDelta, true
			}
		case ev, ok := <-events:
			if !ok {
				// Adapter closed without a final event.
				return sawDelta, false
			}
			switch ev.Type {
			case EventDelta:
				sawDelta = true
				m.traces.Append(traceID, trace.KindStreamDelta, map[string]interface{}{
					"candidate": key, "bytes": len(ev.Delta),
				})
			case EventFinal:
				m.cooldowns.Success(key)
				ev.Provider = cand.Provider
				ev.Model = cand.Model
				m.traces.Append(traceID, trace.KindStreamFinal, map[string]interface{}{
					"candidate": key, "bytes": len(ev.Text),
				})
				emit(ev)
				return sawDelta, true
			case EventError:
				cl := Classify(errkind.New(errkind.ProviderUnavailable, ev.Error))
				m.cooldowns.Failure(key, cl)
				return sawDelta, false
			}
			if ev.Type != EventFinal {
				if !emit(ev) {
					return sawDelta, true
				}
			}
		}
	}
}

// fallbackFinal retries once through the blocking path and emits the result
// as final.
func (m *Manager) fallbackFinal(ctx context.Context, req Request, traceID string, emit func(StreamEvent) bool) {
	if !emit(StreamEvent{Type: EventStage, Stage: "fallback"}) {
		return
	}
	resp, err := m.Complete(ctx, req, traceID)
	if err != nil {
		emit(StreamEvent{Type: EventError, Error: errkind.DetailOf(err)})
		return
	}
	emit(StreamEvent{
		Type:     EventFinal,
		Text:     resp.Text,
		Provider: resp.Provider,
		Model:    resp.Model,
	})
}
