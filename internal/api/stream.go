package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openclaw/gateway/internal/trace"
)

// handleEventsStream serves the SSE feed. A cursor (query param or
// Last-Event-ID) replays recent events before going live; the subscriber's
// bounded queue emits a dropped marker on overflow.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	traceID := r.URL.Query().Get("trace_id")
	cursor := parseCursor(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	write := func(ev trace.Event) bool {
		body, err := json.Marshal(ev)
		if err != nil {
			return true
		}
		if _, err := w.Write(ev.SSEFormat(body)); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Subscribe before replay so no event falls between the two phases;
	// replayed seqs are suppressed on the live feed.
	sub := s.bus.Subscribe(trace.Filter{TraceID: traceID})
	defer s.bus.Unsubscribe(sub)

	fmt.Fprintf(w, "event: ready\ndata: {}\n\n")
	flusher.Flush()

	lastSeq := cursor
	for _, ev := range s.recent.since(cursor, traceID, 0) {
		if !write(ev) {
			return
		}
		lastSeq = ev.Seq
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-r.Context().Done():
		case <-s.stop:
		}
		close(done)
	}()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	events := make(chan trace.Event)
	go func() {
		defer close(events)
		for {
			ev, ok := sub.Next(done)
			if !ok {
				return
			}
			select {
			case events <- ev:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Seq != 0 && ev.Seq <= lastSeq {
				continue
			}
			if !write(ev) {
				return
			}
			if ev.Seq > lastSeq {
				lastSeq = ev.Seq
			}
		}
	}
}
