// Package scheduler fires persisted schedules into the admission pipeline.
// One tick loop computes due firings per schedule, caps catch-up after
// downtime, and derives a deterministic idempotency key per firing so restarts
// never double-submit.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/store"
)

// MaxSchedules caps the persisted schedule file.
const MaxSchedules = 200

// Run statuses. A firing is visible as running while the admission call is
// in flight.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunSkipped   = "skipped"
)

// Schedule is one persisted trigger definition.
type Schedule struct {
	ScheduleID  string                 `json:"schedule_id"`
	Cron        string                 `json:"cron,omitempty"`
	IntervalSec int                    `json:"interval_sec,omitempty"`
	TemplateID  string                 `json:"template_id"`
	Inputs      map[string]interface{} `json:"inputs"`
	Enabled     bool                   `json:"enabled"`
	SkipMissed  bool                   `json:"skip_missed,omitempty"`
	LastTickTS  time.Time              `json:"last_tick_ts"`
	NextFireAt  time.Time              `json:"next_fire_at,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// RunRecord is one firing's audit row.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	ScheduleID string    `json:"schedule_id"`
	FireTS     time.Time `json:"fire_ts"`
	IdemKey    string    `json:"idem_key"`
	Status     string    `json:"status"`
	PromptID   string    `json:"prompt_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Firer accepts a synthesized admission request. Wired to admission.Pipeline.
type Firer func(ctx context.Context, s Schedule, fireTS time.Time, idemKey string) (promptID string, err error)

// persistedState is the schedules.json shape: definitions plus the run
// history, so restarts keep the audit trail.
type persistedState struct {
	Schedules []*Schedule `json:"schedules"`
	Runs      []RunRecord `json:"runs,omitempty"`
}

// Options tune the tick loop.
type Options struct {
	TickInterval time.Duration
	MaxCatchup   int
	JitterMax    time.Duration
	RunCap       int           // RunRecord LRU bound
	RunTTL       time.Duration // RunRecord retention
}

func (o *Options) defaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = 15 * time.Second
	}
	if o.MaxCatchup <= 0 {
		o.MaxCatchup = 3
	}
	if o.RunCap <= 0 {
		o.RunCap = 10000
	}
	if o.RunTTL <= 0 {
		o.RunTTL = 30 * 24 * time.Hour
	}
}

// Scheduler owns the schedule file and the tick loop.
type Scheduler struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	runs      []RunRecord // newest last

	path   string
	opts   Options
	firer  Firer
	logger *slog.Logger
	parser cron.Parser

	stop chan struct{}
	done chan struct{}
}

// New loads schedules.json and prepares (but does not start) the loop.
func New(path string, opts Options, firer Firer, logger *slog.Logger) (*Scheduler, error) {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		schedules: make(map[string]*Schedule),
		path:      path,
		opts:      opts,
		firer:     firer,
		logger:    logger,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	var loaded persistedState
	if _, err := store.LoadJSON(path, &loaded); err != nil {
		// Files written before run history was persisted hold the bare
		// schedule list.
		var legacy []*Schedule
		if _, lerr := store.LoadJSON(path, &legacy); lerr != nil {
			return nil, err
		}
		loaded.Schedules = legacy
	}
	for _, sch := range loaded.Schedules {
		s.schedules[sch.ScheduleID] = sch
	}
	s.runs = loaded.Runs
	// A run caught mid-flight by a crash never resolved; mark it failed so
	// the history does not report a phantom in-flight firing.
	for i := range s.runs {
		if s.runs[i].Status == RunRunning {
			s.runs[i].Status = RunFailed
			s.runs[i].Error = "interrupted by restart"
		}
	}
	return s, nil
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	go s.loop()
}

// Close stops the loop and waits for the in-flight tick.
func (s *Scheduler) Close() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(context.Background(), time.Now())
		}
	}
}

// IdemKey derives the deterministic per-firing idempotency key.
func IdemKey(scheduleID string, fireTS time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", scheduleID, fireTS.Unix())))
	return "sched-" + hex.EncodeToString(sum[:])[:16]
}

// Validate checks a schedule definition.
func (s *Scheduler) Validate(sch *Schedule) error {
	if sch.TemplateID == "" {
		return errkind.New(errkind.ValidationError, "template_id is required")
	}
	if sch.Cron == "" && sch.IntervalSec <= 0 {
		return errkind.New(errkind.ValidationError, "either cron or interval_sec is required")
	}
	if sch.Cron != "" && sch.IntervalSec > 0 {
		return errkind.New(errkind.ValidationError, "cron and interval_sec are mutually exclusive")
	}
	if sch.Cron != "" {
		if _, err := s.parser.Parse(sch.Cron); err != nil {
			return errkind.Wrap(errkind.ValidationError, "bad cron expression", err)
		}
	}
	if sch.IntervalSec > 0 && sch.IntervalSec < 10 {
		return errkind.New(errkind.ValidationError, "interval_sec must be at least 10")
	}
	return nil
}

// Upsert creates or replaces a schedule. New schedules get an id and start
// their window at now (no retroactive firings).
func (s *Scheduler) Upsert(sch Schedule) (*Schedule, error) {
	if err := s.Validate(&sch); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sch.ScheduleID == "" {
		if len(s.schedules) >= MaxSchedules {
			return nil, errkind.Newf(errkind.Conflict, "schedule cap (%d) reached", MaxSchedules)
		}
		sch.ScheduleID = "s-" + uuid.NewString()[:8]
		sch.CreatedAt = time.Now()
		sch.LastTickTS = time.Now()
	} else if existing, ok := s.schedules[sch.ScheduleID]; ok {
		sch.CreatedAt = existing.CreatedAt
		sch.LastTickTS = existing.LastTickTS
	} else {
		return nil, errkind.Newf(errkind.NotFound, "schedule %s not found", sch.ScheduleID)
	}
	sch.NextFireAt = s.nextAfter(&sch, sch.LastTickTS)
	cp := sch
	s.schedules[sch.ScheduleID] = &cp
	s.persistLocked()
	out := sch
	return &out, nil
}

// Get returns a copy.
func (s *Scheduler) Get(id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sch, ok := s.schedules[id]
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "schedule %s not found", id)
	}
	out := *sch
	return &out, nil
}

// List returns copies sorted by creation time.
func (s *Scheduler) List() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		cp := *sch
		out = append(out, &cp)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Delete removes a schedule.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return errkind.Newf(errkind.NotFound, "schedule %s not found", id)
	}
	delete(s.schedules, id)
	s.persistLocked()
	return nil
}

// Runs lists recent run records, newest first, bounded by limit.
func (s *Scheduler) Runs(scheduleID string, limit int) []RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunRecord, 0, limit)
	for i := len(s.runs) - 1; i >= 0; i-- {
		if scheduleID != "" && s.runs[i].ScheduleID != scheduleID {
			continue
		}
		out = append(out, s.runs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *Scheduler) persistLocked() {
	state := persistedState{
		Schedules: make([]*Schedule, 0, len(s.schedules)),
		Runs:      s.runs,
	}
	for _, sch := range s.schedules {
		state.Schedules = append(state.Schedules, sch)
	}
	if err := store.SaveJSON(s.path, state); err != nil {
		s.logger.Error("persist schedules failed", "err", err)
	}
}

// nextAfter computes the first firing strictly after t.
func (s *Scheduler) nextAfter(sch *Schedule, t time.Time) time.Time {
	if sch.Cron != "" {
		spec, err := s.parser.Parse(sch.Cron)
		if err != nil {
			return time.Time{}
		}
		return spec.Next(t)
	}
	return t.Add(time.Duration(sch.IntervalSec) * time.Second)
}

// dueFirings lists firings in (last, now], capped by MaxCatchup. With
// SkipMissed only the most recent due firing fires; the rest are reported as
// skipped.
func (s *Scheduler) dueFirings(sch *Schedule, now time.Time) (fire, skipped []time.Time) {
	var due []time.Time
	t := sch.LastTickTS
	for len(due) < s.opts.MaxCatchup*4 {
		t = s.nextAfter(sch, t)
		if t.IsZero() || t.After(now) {
			break
		}
		due = append(due, t)
	}
	if len(due) == 0 {
		return nil, nil
	}
	if sch.SkipMissed && len(due) > 1 {
		return due[len(due)-1:], due[:len(due)-1]
	}
	if len(due) > s.opts.MaxCatchup {
		// Oldest fire first; the overflow waits for the next tick.
		return due[:s.opts.MaxCatchup], nil
	}
	return due, nil
}

// Tick evaluates every enabled schedule once. Exposed for tests; the loop
// calls it on the tick interval.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	snapshot := make([]*Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		if sch.Enabled {
			cp := *sch
			snapshot = append(snapshot, &cp)
		}
	}
	s.mu.Unlock()

	for _, sch := range snapshot {
		fire, skipped := s.dueFirings(sch, now)
		for _, ts := range skipped {
			s.record(RunRecord{
				RunID:      "r-" + uuid.NewString()[:8],
				ScheduleID: sch.ScheduleID,
				FireTS:     ts,
				IdemKey:    IdemKey(sch.ScheduleID, ts),
				Status:     RunSkipped,
			})
		}
		highest := sch.LastTickTS
		for _, ts := range fire {
			if s.opts.JitterMax > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(rand.Int63n(int64(s.opts.JitterMax)))):
				}
			}
			key := IdemKey(sch.ScheduleID, ts)
			rec := RunRecord{
				RunID:      "r-" + uuid.NewString()[:8],
				ScheduleID: sch.ScheduleID,
				FireTS:     ts,
				IdemKey:    key,
				Status:     RunRunning,
			}
			s.record(rec)
			promptID, err := s.firer(ctx, *sch, ts, key)
			if err != nil {
				s.resolve(rec.RunID, RunFailed, "", errkind.DetailOf(err))
				s.logger.Warn("schedule firing failed",
					"schedule_id", sch.ScheduleID, "fire_ts", ts, "err", err)
			} else {
				s.resolve(rec.RunID, RunSucceeded, promptID, "")
			}
			if ts.After(highest) {
				highest = ts
			}
		}
		if len(fire) > 0 || len(skipped) > 0 {
			for _, ts := range skipped {
				if ts.After(highest) {
					highest = ts
				}
			}
			s.advance(sch.ScheduleID, highest)
		}
	}
}

func (s *Scheduler) advance(id string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return
	}
	if ts.After(sch.LastTickTS) {
		sch.LastTickTS = ts
		sch.NextFireAt = s.nextAfter(sch, ts)
		s.persistLocked()
	}
}

func (s *Scheduler) record(rec RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, rec)
	cutoff := time.Now().Add(-s.opts.RunTTL)
	trim := 0
	for trim < len(s.runs) && s.runs[trim].FireTS.Before(cutoff) {
		trim++
	}
	if over := len(s.runs) - s.opts.RunCap; over > trim {
		trim = over
	}
	if trim > 0 {
		s.runs = append([]RunRecord(nil), s.runs[trim:]...)
	}
	s.persistLocked()
}

// resolve settles a running record's outcome.
func (s *Scheduler) resolve(runID, status, promptID, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].RunID != runID {
			continue
		}
		s.runs[i].Status = status
		s.runs[i].PromptID = promptID
		s.runs[i].Error = detail
		break
	}
	s.persistLocked()
}

// SpecFor synthesizes the admission payload for one firing.
func SpecFor(sch Schedule) map[string]interface{} {
	inputs := make(map[string]interface{}, len(sch.Inputs))
	for k, v := range sch.Inputs {
		inputs[k] = v
	}
	return map[string]interface{}{
		"template_id": sch.TemplateID,
		"inputs":      inputs,
	}
}
