// Package callback watches submitted jobs until the engine's history reports
// completion, then delivers the result payload to the job's callback URL.
// Polling and delivery are both bounded; exhausted deliveries land in a
// size-capped dead-letter ring for operator inspection.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openclaw/gateway/internal/auth"
	"github.com/openclaw/gateway/internal/engine"
	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/job"
	"github.com/openclaw/gateway/internal/safeio"
	"github.com/openclaw/gateway/internal/trace"
)

// Watch states.
const (
	StateWatching   = "watching"
	StateReady      = "ready"
	StateDelivering = "delivering"
	StateDelivered  = "delivered"
	StateDeadLetter = "dead_letter"
)

// Payload is the outbound delivery body.
type Payload struct {
	Status   string      `json:"status"`
	PromptID string      `json:"prompt_id"`
	TraceID  string      `json:"trace_id"`
	Outputs  []OutputRef `json:"outputs,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// OutputRef points a callback consumer at one produced artifact.
type OutputRef struct {
	Filename  string `json:"filename"`
	ViewURL   string `json:"view_url"`
	Subfolder string `json:"subfolder,omitempty"`
	Type      string `json:"type,omitempty"`
}

// DeadLetter is one failed delivery retained for inspection.
type DeadLetter struct {
	PromptID  string    `json:"prompt_id"`
	TraceID   string    `json:"trace_id"`
	URL       string    `json:"url"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
	Payload   Payload   `json:"payload"`
}

// Options bound the watch and delivery loops. Per-callback descriptors may
// override the delivery attempt count, backoff base, and signing secret.
type Options struct {
	PollBase    time.Duration // base history poll interval
	PollJitter  time.Duration
	PollCap     time.Duration
	PollBudget  time.Duration // total time watching one prompt
	MaxDeliver  int           // delivery attempts, unless the descriptor says otherwise
	DeliverBase time.Duration // initial delivery backoff, unless overridden
	HMACSecret  string        // fallback body signature secret
	DeadLetters int           // ring capacity

	// SecretResolver maps a callback's secret_ref to its material. Nil
	// means refs cannot be resolved and the fallback secret is used.
	SecretResolver func(name string) (string, bool)
}

func (o *Options) defaults() {
	if o.PollBase <= 0 {
		o.PollBase = 2 * time.Second
	}
	if o.PollCap <= 0 {
		o.PollCap = 15 * time.Second
	}
	if o.PollBudget <= 0 {
		o.PollBudget = 10 * time.Minute
	}
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = 5
	}
	if o.DeliverBase <= 0 {
		o.DeliverBase = time.Second
	}
	if o.DeadLetters <= 0 {
		o.DeadLetters = 256
	}
}

// Watcher runs one goroutine per watched prompt.
type Watcher struct {
	engine  *engine.Client
	checker *safeio.Checker
	policy  safeio.Policy
	traces  *trace.Store
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	states map[string]string // prompt_id -> state
	dead   []DeadLetter      // ring, oldest first
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a watcher delivering through the given SSRF policy.
func New(eng *engine.Client, checker *safeio.Checker, policy safeio.Policy, traces *trace.Store, opts Options, logger *slog.Logger) *Watcher {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		engine:  eng,
		checker: checker,
		policy:  policy,
		traces:  traces,
		opts:    opts,
		logger:  logger,
		states:  make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close stops all watch loops and waits for them.
func (w *Watcher) Close() {
	w.cancel()
	w.wg.Wait()
}

// Watch starts the poll/deliver loop for a submitted job. No-op without a
// callback.
func (w *Watcher) Watch(spec job.Spec, promptID string) {
	if spec.Callback == nil {
		return
	}
	w.setState(promptID, StateWatching)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(spec, promptID)
	}()
}

// State reports the watch state for a prompt, if known.
func (w *Watcher) State(promptID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.states[promptID]
	return s, ok
}

// DeadLetters returns a copy of the retained ring, newest last.
func (w *Watcher) DeadLetters() []DeadLetter {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]DeadLetter, len(w.dead))
	copy(out, w.dead)
	return out
}

func (w *Watcher) setState(promptID, state string) {
	w.mu.Lock()
	w.states[promptID] = state
	w.mu.Unlock()
}

func (w *Watcher) run(spec job.Spec, promptID string) {
	rec, err := w.poll(promptID)
	if err != nil {
		w.logger.Warn("history poll exhausted", "prompt_id", promptID, "err", err)
	}

	payload := Payload{PromptID: promptID, TraceID: spec.TraceID}
	switch {
	case rec == nil:
		payload.Status = "timeout"
		payload.Error = "history never reported completion within the poll budget"
	case rec.Error != "":
		payload.Status = "failed"
		payload.Error = rec.Error
	default:
		payload.Status = "completed"
		for _, o := range rec.Outputs {
			payload.Outputs = append(payload.Outputs, OutputRef{
				Filename:  o.Filename,
				ViewURL:   w.engine.ViewURL(o),
				Subfolder: o.Subfolder,
				Type:      o.Type,
			})
		}
	}
	w.setState(promptID, StateReady)
	w.traces.Append(spec.TraceID, trace.KindHistoryReady, map[string]interface{}{
		"prompt_id": promptID, "status": payload.Status, "outputs": len(payload.Outputs),
	})

	w.setState(promptID, StateDelivering)
	if err := w.deliver(spec, payload); err != nil {
		w.setState(promptID, StateDeadLetter)
		return
	}
	w.setState(promptID, StateDelivered)
}

// poll waits for the history record, interval = min(base+jitter, cap),
// bounded by the total poll budget. A nil record with nil error means the
// budget ran out.
func (w *Watcher) poll(promptID string) (*engine.HistoryRecord, error) {
	deadline := time.Now().Add(w.opts.PollBudget)
	for {
		if w.ctx.Err() != nil {
			return nil, w.ctx.Err()
		}
		rec, err := w.engine.History(w.ctx, promptID)
		if err == nil && rec.Done {
			return rec, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		interval := w.opts.PollBase
		if w.opts.PollJitter > 0 {
			interval += time.Duration(rand.Int63n(int64(w.opts.PollJitter)))
		}
		if interval > w.opts.PollCap {
			interval = w.opts.PollCap
		}
		select {
		case <-w.ctx.Done():
			return nil, w.ctx.Err()
		case <-time.After(interval):
		}
	}
}

// deliver posts the payload with capped exponential backoff, honoring the
// destination's Retry-After. Exhaustion lands in the dead-letter ring.
func (w *Watcher) deliver(spec job.Spec, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	maxDeliver := w.opts.MaxDeliver
	if spec.Callback.MaxAttempts > 0 {
		maxDeliver = spec.Callback.MaxAttempts
	}
	base := w.opts.DeliverBase
	if spec.Callback.BackoffSec > 0 {
		base = time.Duration(spec.Callback.BackoffSec) * time.Second
	}

	attempts := 0
	var lastErr error
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(base)),
		uint64(maxDeliver-1)), w.ctx)

	err = backoff.Retry(func() error {
		attempts++
		lastErr = w.attempt(spec, body)
		if lastErr == nil {
			return nil
		}
		if errkind.KindOf(lastErr) == errkind.SSRFBlocked {
			return backoff.Permanent(lastErr)
		}
		if ra := errkind.RetryAfterOf(lastErr); ra > 0 {
			// Honor the destination's Retry-After before the next
			// attempt; the backoff policy still counts it.
			select {
			case <-w.ctx.Done():
				return backoff.Permanent(lastErr)
			case <-time.After(ra):
			}
		}
		return lastErr
	}, bo)

	if err == nil {
		w.traces.Append(spec.TraceID, trace.KindDeliverOK, map[string]interface{}{
			"prompt_id": payload.PromptID, "attempts": attempts, "url_host": hostOf(spec.Callback.URL),
		})
		return nil
	}

	w.traces.Append(spec.TraceID, trace.KindDeliverFail, map[string]interface{}{
		"prompt_id": payload.PromptID, "attempts": attempts, "detail": errkind.DetailOf(lastErr),
	})
	w.pushDeadLetter(DeadLetter{
		PromptID:  payload.PromptID,
		TraceID:   spec.TraceID,
		URL:       spec.Callback.URL,
		Attempts:  attempts,
		LastError: errkind.DetailOf(lastErr),
		FailedAt:  time.Now(),
		Payload:   payload,
	})
	return errkind.Wrap(errkind.CallbackDeadLetter, "delivery exhausted", lastErr)
}

func (w *Watcher) attempt(spec job.Spec, body []byte) error {
	req, err := http.NewRequestWithContext(w.ctx, http.MethodPost, spec.Callback.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderTraceID, spec.TraceID)
	switch spec.Callback.AuthMode {
	case job.CallbackAuthHMAC:
		if secret := w.callbackSecret(spec.Callback); secret != "" {
			req.Header.Set(auth.HeaderSignature, auth.SignBody(secret, body))
		}
	case job.CallbackAuthBearer:
		if tok := w.callbackSecret(spec.Callback); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := w.checker.Open(w.ctx, req, w.policy, 15*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	e := errkind.Newf(errkind.SubmitFailed, "callback destination returned %d", resp.StatusCode)
	if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
		return e.WithRetryAfter(ra)
	}
	return e
}

// callbackSecret resolves the descriptor's secret_ref when a resolver is
// wired, falling back to the global signing secret.
func (w *Watcher) callbackSecret(cb *job.Callback) string {
	if cb.SecretRef != "" && w.opts.SecretResolver != nil {
		if v, ok := w.opts.SecretResolver(cb.SecretRef); ok {
			return v
		}
		w.logger.Warn("callback secret_ref not found", "secret_ref", cb.SecretRef)
	}
	return w.opts.HMACSecret
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func (w *Watcher) pushDeadLetter(dl DeadLetter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dead = append(w.dead, dl)
	if over := len(w.dead) - w.opts.DeadLetters; over > 0 {
		w.dead = append([]DeadLetter(nil), w.dead[over:]...)
	}
}

func hostOf(raw string) string {
	if req, err := http.NewRequest(http.MethodGet, raw, nil); err == nil {
		return req.URL.Host
	}
	return ""
}
