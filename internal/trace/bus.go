package trace

import (
	"log"
	"sync"
	"time"
)

// Filter narrows the events a subscriber receives. Zero values match all.
type Filter struct {
	TraceID string
	Kind    Kind
}

func (f Filter) match(ev Event) bool {
	if f.TraceID != "" && ev.TraceID != f.TraceID {
		return false
	}
	if f.Kind != "" && ev.Kind != f.Kind {
		return false
	}
	return true
}

// Subscriber holds a bounded outbound queue. When the queue overflows, the
// oldest events are dropped and a single dropped=N marker replaces them so
// the surviving order is preserved.
type Subscriber struct {
	filter  Filter
	mu      sync.Mutex
	queue   []Event
	cap     int
	dropped int
	notify  chan struct{}
	closed  bool
}

// Next blocks until an event is available or done is closed. When events
// were dropped since the last receive, the first returned event is a
// dropped-marker carrying the count.
func (s *Subscriber) Next(done <-chan struct{}) (Event, bool) {
	for {
		s.mu.Lock()
		if s.dropped > 0 {
			n := s.dropped
			s.dropped = 0
			s.mu.Unlock()
			return Event{TS: time.Now().UTC(), Kind: KindDropped, Payload: map[string]interface{}{"dropped": n}}, true
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}
		select {
		case <-s.notify:
		case <-done:
			return Event{}, false
		}
	}
}

func (s *Subscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.cap {
		// Drop oldest; surviving events keep their relative order.
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Bus fans events out to SSE subscribers. Publication never blocks on a slow
// subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	qcap   int
	logger *log.Logger
}

// NewBus creates a bus whose subscribers buffer up to qcap events.
func NewBus(qcap int) *Bus {
	if qcap <= 0 {
		qcap = 100
	}
	return &Bus{
		subs:   make(map[*Subscriber]struct{}),
		qcap:   qcap,
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Subscribe registers a subscriber for events matching filter.
func (b *Bus) Subscribe(filter Filter) *Subscriber {
	sub := &Subscriber{
		filter: filter,
		cap:    b.qcap,
		notify: make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes the subscriber.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()

	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.filter.match(ev) {
			sub.push(ev)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
