package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/openclaw/gateway/internal/store"
)

// FileBackend persists webhook-scope outcomes to a JSON snapshot under the
// state directory so dedupe survives restarts.
type FileBackend struct {
	mu   sync.Mutex
	path string
	data map[string]persistedOutcome
}

type persistedOutcome struct {
	Outcome   Outcome   `json:"outcome"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewFileBackend loads (or initializes) the snapshot at path.
func NewFileBackend(path string) (*FileBackend, error) {
	b := &FileBackend{path: path, data: make(map[string]persistedOutcome)}
	if _, err := store.LoadJSON(path, &b.data); err != nil {
		return nil, err
	}
	b.pruneLocked()
	return b, nil
}

func (b *FileBackend) pruneLocked() {
	now := time.Now()
	for k, v := range b.data {
		if v.ExpiresAt.Before(now) {
			delete(b.data, k)
		}
	}
}

// Store records a committed outcome and rewrites the snapshot atomically.
func (b *FileBackend) Store(_ context.Context, key string, outcome Outcome, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = persistedOutcome{Outcome: outcome, ExpiresAt: time.Now().Add(ttl)}
	b.pruneLocked()
	return store.SaveJSON(b.path, b.data)
}

// Load returns the outcome for key if present and unexpired.
func (b *FileBackend) Load(_ context.Context, key string) (*Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok || v.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	out := v.Outcome
	return &out, nil
}

// Delete removes key from the snapshot.
func (b *FileBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return store.SaveJSON(b.path, b.data)
}
