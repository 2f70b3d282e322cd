// Package logging wires slog output to stderr, a log file, and a bounded
// in-memory ring that backs the logs tail endpoint.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/gateway/internal/redact"
)

// Entry is one captured log record, already redacted.
type Entry struct {
	TS      time.Time              `json:"ts"`
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	TraceID string                 `json:"trace_id,omitempty"`
	Attrs   map[string]interface{} `json:"attrs,omitempty"`
}

// Ring keeps the most recent entries for the tail endpoint.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewRing allocates a ring holding up to size entries.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 512
	}
	return &Ring{entries: make([]Entry, size)}
}

func (r *Ring) push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// Tail returns up to limit entries, oldest first. A non-empty traceID keeps
// only entries stamped with it; a non-empty level keeps that level and above.
func (r *Ring) Tail(limit int, traceID, level string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []Entry
	if r.full {
		ordered = append(ordered, r.entries[r.next:]...)
	}
	ordered = append(ordered, r.entries[:r.next]...)

	minLevel := parseLevel(level)
	out := make([]Entry, 0, len(ordered))
	for _, e := range ordered {
		if traceID != "" && e.TraceID != traceID {
			continue
		}
		if parseLevel(e.Level) < minLevel {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ringHandler tees records into the ring after redacting attr values.
type ringHandler struct {
	base     slog.Handler
	ring     *Ring
	redactor *redact.Redactor
	attrs    []slog.Attr
}

func (h *ringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *ringHandler) Handle(ctx context.Context, rec slog.Record) error {
	e := Entry{
		TS:      rec.Time,
		Level:   rec.Level.String(),
		Message: rec.Message,
		Attrs:   make(map[string]interface{}, rec.NumAttrs()+len(h.attrs)),
	}
	capture := func(a slog.Attr) {
		val := a.Value.Resolve().Any()
		if s, ok := val.(string); ok && redact.SensitiveKey(a.Key) {
			val = h.redactor.Credential(s)
		}
		if a.Key == "trace_id" {
			if s, ok := val.(string); ok {
				e.TraceID = s
			}
		}
		e.Attrs[a.Key] = val
	}
	for _, a := range h.attrs {
		capture(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		capture(a)
		return true
	})
	h.ring.push(e)
	return h.base.Handle(ctx, rec)
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &ringHandler{base: h.base.WithAttrs(attrs), ring: h.ring, redactor: h.redactor, attrs: merged}
}

func (h *ringHandler) WithGroup(name string) slog.Handler {
	return &ringHandler{base: h.base.WithGroup(name), ring: h.ring, redactor: h.redactor, attrs: h.attrs}
}

// Options controls log destinations.
type Options struct {
	Dir             string // directory for openclaw.log; empty disables the file
	TruncateOnStart bool
	Level           slog.Level
	RingSize        int
}

// Setup builds the logger, its ring, and an optional close func for the file.
func Setup(opts Options, redactor *redact.Redactor) (*slog.Logger, *Ring, func() error, error) {
	ring := NewRing(opts.RingSize)
	writers := []io.Writer{os.Stderr}
	closeFn := func() error { return nil }

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, nil, nil, err
		}
		flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
		if opts.TruncateOnStart {
			flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		}
		f, err := os.OpenFile(filepath.Join(opts.Dir, "openclaw.log"), flags, 0o644)
		if err != nil {
			return nil, nil, nil, err
		}
		writers = append(writers, f)
		closeFn = f.Close
	}

	base := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: opts.Level})
	handler := &ringHandler{base: base, ring: ring, redactor: redactor}
	return slog.New(handler), ring, closeFn, nil
}
