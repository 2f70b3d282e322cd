// Package approval is the state machine interposed between admission and
// submission. Transitions follow a fixed graph:
//
//	pending -> approved -> executed
//	pending -> rejected
//	pending -> expired (TTL sweep)
//	approved -> approved (execute failure keeps the record decideable)
//
// All transitions for one approval_id are serialized by a per-key lock, and
// the whole set is persisted atomically to approvals.json.
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/job"
	"github.com/openclaw/gateway/internal/store"
)

// Statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
	StatusExecuted = "executed"
)

// Record is one gated submission.
type Record struct {
	ApprovalID  string    `json:"approval_id"`
	Job         job.Spec  `json:"job"`
	Status      string    `json:"status"`
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	DecidedBy   string    `json:"decided_by,omitempty"`
	DecidedAt   time.Time `json:"decided_at,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	PromptID    string    `json:"prompt_id,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

func (r *Record) terminal() bool {
	return r.Status == StatusRejected || r.Status == StatusExpired || r.Status == StatusExecuted
}

// Executor runs admission's submit stages for an approved job and returns the
// engine prompt id. Wired at startup.
type Executor func(ctx context.Context, spec job.Spec) (promptID string, err error)

// Store holds approvals in memory with whole-file JSON persistence.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	locks   map[string]*sync.Mutex

	path      string
	ttl       time.Duration
	retention time.Duration
	executor  Executor
	logger    *slog.Logger

	stop chan struct{}
}

// Options tune TTLs; zero values take defaults.
type Options struct {
	PendingTTL        time.Duration // pending -> expired
	TerminalRetention time.Duration // terminal rows kept for audit
}

// NewStore loads approvals.json (missing file is an empty store) and starts
// the expiry sweep.
func NewStore(path string, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = time.Hour
	}
	if opts.TerminalRetention <= 0 {
		opts.TerminalRetention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		records:   make(map[string]*Record),
		locks:     make(map[string]*sync.Mutex),
		path:      path,
		ttl:       opts.PendingTTL,
		retention: opts.TerminalRetention,
		logger:    logger,
		stop:      make(chan struct{}),
	}
	var loaded []*Record
	if _, err := store.LoadJSON(path, &loaded); err != nil {
		return nil, err
	}
	for _, r := range loaded {
		s.records[r.ApprovalID] = r
	}
	go s.sweepLoop()
	return s, nil
}

// SetExecutor wires the submit stages used by auto_execute.
func (s *Store) SetExecutor(e Executor) { s.executor = e }

// Close stops the sweeper.
func (s *Store) Close() { close(s.stop) }

func (s *Store) keyLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) persistLocked() {
	all := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		all = append(all, r)
	}
	if err := store.SaveJSON(s.path, all); err != nil {
		s.logger.Error("persist approvals failed", "err", err)
	}
}

// Create opens a pending approval for spec and returns the record.
func (s *Store) Create(spec job.Spec, requestedBy string) *Record {
	now := time.Now()
	rec := &Record{
		ApprovalID:  "a-" + uuid.NewString()[:8],
		Job:         spec,
		Status:      StatusPending,
		RequestedBy: requestedBy,
		RequestedAt: now,
		ExpiresAt:   now.Add(s.ttl),
	}
	rec.Job.ApprovalRef = rec.ApprovalID

	s.mu.Lock()
	s.records[rec.ApprovalID] = rec
	s.persistLocked()
	s.mu.Unlock()
	return rec
}

// Get returns a copy of the record.
func (s *Store) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "approval %s not found", id)
	}
	out := *rec
	return &out, nil
}

// List returns copies filtered by status (empty = all), newest first bounded
// by limit.
func (s *Store) List(status string, limit int) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if status != "" && rec.Status != status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sortByRequestedDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortByRequestedDesc(recs []*Record) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].RequestedAt.After(recs[j-1].RequestedAt); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

// Approve decides a pending approval. With autoExecute the submit stages run
// under the same per-key lock, so a concurrent second decision observes
// either executed or approved-with-error, never a half-transition.
func (s *Store) Approve(ctx context.Context, id, decidedBy string, autoExecute bool) (*Record, error) {
	lock := s.keyLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, errkind.Newf(errkind.NotFound, "approval %s not found", id)
	}
	if rec.Status != StatusPending {
		status := rec.Status
		s.mu.Unlock()
		return nil, errkind.Newf(errkind.ApprovalStateConflict,
			"approval %s is %s, cannot approve", id, status)
	}
	rec.Status = StatusApproved
	rec.DecidedBy = decidedBy
	rec.DecidedAt = time.Now()
	s.persistLocked()
	spec := rec.Job
	s.mu.Unlock()

	if !autoExecute {
		out := *rec
		return &out, nil
	}
	if s.executor == nil {
		return nil, errkind.New(errkind.Internal, "no executor wired for auto_execute")
	}

	promptID, err := s.executor(ctx, spec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		// Stays approved so the operator can retry execution.
		rec.LastError = errkind.DetailOf(err)
		s.persistLocked()
		out := *rec
		return &out, err
	}
	rec.Status = StatusExecuted
	rec.PromptID = promptID
	rec.LastError = ""
	s.persistLocked()
	out := *rec
	return &out, nil
}

// Execute retries the submit stages for an already-approved record.
func (s *Store) Execute(ctx context.Context, id string) (*Record, error) {
	lock := s.keyLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, errkind.Newf(errkind.NotFound, "approval %s not found", id)
	}
	if rec.Status != StatusApproved {
		status := rec.Status
		s.mu.Unlock()
		return nil, errkind.Newf(errkind.ApprovalStateConflict,
			"approval %s is %s, cannot execute", id, status)
	}
	spec := rec.Job
	s.mu.Unlock()

	if s.executor == nil {
		return nil, errkind.New(errkind.Internal, "no executor wired")
	}
	promptID, err := s.executor(ctx, spec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		rec.LastError = errkind.DetailOf(err)
		s.persistLocked()
		out := *rec
		return &out, err
	}
	rec.Status = StatusExecuted
	rec.PromptID = promptID
	rec.LastError = ""
	s.persistLocked()
	out := *rec
	return &out, nil
}

// Reject decides a pending approval with a reason.
func (s *Store) Reject(id, decidedBy, reason string) (*Record, error) {
	lock := s.keyLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "approval %s not found", id)
	}
	if rec.Status != StatusPending {
		return nil, errkind.Newf(errkind.ApprovalStateConflict,
			"approval %s is %s, cannot reject", id, rec.Status)
	}
	rec.Status = StatusRejected
	rec.DecidedBy = decidedBy
	rec.DecidedAt = time.Now()
	rec.Reason = reason
	s.persistLocked()
	out := *rec
	return &out, nil
}

// Sweep expires overdue pending records and drops terminal rows past
// retention. Returns the number of records touched.
func (s *Store) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	touched := 0
	for id, rec := range s.records {
		if rec.Status == StatusPending && rec.ExpiresAt.Before(now) {
			rec.Status = StatusExpired
			rec.DecidedAt = now
			touched++
			continue
		}
		if rec.terminal() && !rec.DecidedAt.IsZero() && now.Sub(rec.DecidedAt) > s.retention {
			delete(s.records, id)
			delete(s.locks, id)
			touched++
		}
	}
	if touched > 0 {
		s.persistLocked()
	}
	return touched
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("approval sweep", "touched", n)
			}
		}
	}
}
