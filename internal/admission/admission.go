// Package admission orchestrates the ordered validation pipeline that turns
// an inbound request into a queued job or a pending approval. Every step
// writes exactly one trace event; transient submit failures retry with
// bounded backoff but never re-enter admission.
package admission

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openclaw/gateway/internal/approval"
	"github.com/openclaw/gateway/internal/budget"
	"github.com/openclaw/gateway/internal/engine"
	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/idempotency"
	"github.com/openclaw/gateway/internal/job"
	"github.com/openclaw/gateway/internal/registry"
	"github.com/openclaw/gateway/internal/safeio"
	"github.com/openclaw/gateway/internal/trace"
)

// Watcher registers submitted jobs for callback delivery.
type Watcher interface {
	Watch(spec job.Spec, promptID string)
}

// Policy decides whether a (source, template, caller) combination needs a
// human decision before submission.
type Policy func(source, templateID, caller string) bool

// Request is a normalized-enough inbound admission request. TraceID may be
// empty; the pipeline mints one.
type Request struct {
	TraceID        string
	Source         string
	Caller         string
	ClientIP       string
	IdempotencyKey string
	Payload        map[string]interface{}
	DryRun         bool
}

// Result is the admission outcome rendered into the response envelope.
type Result struct {
	Status     int                    `json:"status"`
	TraceID    string                 `json:"trace_id"`
	Data       map[string]interface{} `json:"data"`
	PromptID   string                 `json:"prompt_id,omitempty"`
	ApprovalID string                 `json:"approval_id,omitempty"`
	Replayed   bool                   `json:"replayed,omitempty"`
}

// Pipeline wires the admission dependencies together.
type Pipeline struct {
	Traces         *trace.Store
	Idem           *idempotency.Store
	Registry       *registry.Registry
	Hooks          *registry.Hooks
	Callbacks      *safeio.Checker
	CallbackPolicy safeio.Policy

	Approvals *approval.Store
	Gate      *budget.Gate
	Engine    *engine.Client
	Watcher   Watcher
	Policy    Policy
	IdemTTL   time.Duration
	Logger    *slog.Logger

	// submit retry bounds
	submitTries   int
	submitBackoff time.Duration
}

// New applies defaults the zero struct would get wrong.
func New(p Pipeline) *Pipeline {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.IdemTTL <= 0 {
		p.IdemTTL = time.Hour
	}
	p.submitTries = 3
	p.submitBackoff = 500 * time.Millisecond
	return &p
}

// Admit runs the full pipeline. In dry-run mode it stops after the render
// measurement and reports what would have been submitted.
func (p *Pipeline) Admit(ctx context.Context, req Request) (*Result, error) {
	// Step 1: trace timeline.
	if req.TraceID == "" {
		req.TraceID = trace.NewID()
	}
	p.Traces.Append(req.TraceID, trace.KindAdmit, map[string]interface{}{
		"source": req.Source, "client_ip": req.ClientIP, "dry_run": req.DryRun,
	})

	// Step 2: identity was resolved by the transport layer; record it.
	p.Traces.Append(req.TraceID, trace.KindAuthOK, map[string]interface{}{
		"caller": req.Caller,
	})

	// Step 3: idempotency short-circuit.
	var ticket *idempotency.Ticket
	if req.IdempotencyKey != "" && !req.DryRun {
		t, prior, err := p.Idem.Remember(ctx, "admit:"+req.IdempotencyKey, p.IdemTTL)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			p.Traces.Append(req.TraceID, trace.KindDedupeHit, map[string]interface{}{
				"idempotency_key": req.IdempotencyKey, "prior_trace_id": prior.TraceID,
			})
			return replayOutcome(req.TraceID, prior), nil
		}
		ticket = t
		defer func() {
			// Commit happens on every decided path; a panic or early return
			// without commit releases waiters to retry fresh.
			if ticket != nil {
				ticket.Abort()
			}
		}()
	}

	res, err := p.admitFresh(ctx, req)
	if ticket != nil {
		if err != nil {
			ticket.Abort()
		} else {
			body, _ := json.Marshal(res.Data)
			ticket.Commit(ctx, idempotency.Outcome{
				Status:   res.Status,
				Body:     body,
				TraceID:  res.TraceID,
				PromptID: res.PromptID,
			})
		}
		ticket = nil
	}
	return res, err
}

func replayOutcome(traceID string, prior *idempotency.Outcome) *Result {
	data := map[string]interface{}{}
	_ = json.Unmarshal(prior.Body, &data)
	return &Result{
		Status:   prior.Status,
		TraceID:  prior.TraceID,
		Data:     data,
		PromptID: prior.PromptID,
		Replayed: true,
	}
}

func (p *Pipeline) admitFresh(ctx context.Context, req Request) (*Result, error) {
	// Step 4: payload normalization.
	templateID, inputs, cb, err := Normalize(req.Payload)
	if err != nil {
		p.traceError(req.TraceID, "normalize", err)
		return nil, err
	}

	// Step 5: template + input validation.
	tpl, err := p.Registry.Get(templateID)
	if err != nil {
		p.traceError(req.TraceID, "template_lookup", err)
		return nil, err
	}
	if p.Hooks != nil {
		inputs, err = p.Hooks.Apply(ctx, templateID, inputs)
		if err != nil {
			p.traceError(req.TraceID, "transform", err)
			return nil, err
		}
	}
	norm, err := tpl.Validate(inputs)
	if err != nil {
		p.traceError(req.TraceID, "validate", err)
		return nil, err
	}

	// Step 6: callback host policy.
	if cb != nil {
		if _, _, err := p.Callbacks.Resolve(ctx, cb.URL, p.CallbackPolicy); err != nil {
			p.traceError(req.TraceID, "callback_policy", err)
			return nil, err
		}
		p.Traces.Append(req.TraceID, trace.KindAdmit, map[string]interface{}{
			"callback_host_ok": true,
		})
	}

	spec := job.Spec{
		JobID:          job.ComputeID(templateID, norm),
		TemplateID:     templateID,
		Inputs:         norm,
		Source:         req.Source,
		TraceID:        req.TraceID,
		RequestedAt:    time.Now(),
		IdempotencyKey: req.IdempotencyKey,
		Callback:       cb,
	}

	// Step 7: approval gate. Idempotency already won the tie-break above.
	if !req.DryRun && p.Policy != nil && p.Policy(req.Source, templateID, req.Caller) {
		rec := p.Approvals.Create(spec, req.Caller)
		p.Traces.Append(req.TraceID, trace.KindAdmit, map[string]interface{}{
			"approval_id": rec.ApprovalID, "status": rec.Status,
		})
		return &Result{
			Status:     202,
			TraceID:    req.TraceID,
			ApprovalID: rec.ApprovalID,
			Data: map[string]interface{}{
				"approval_id": rec.ApprovalID,
				"status":      rec.Status,
			},
		}, nil
	}

	// Step 8: render and measure.
	rendered, err := p.Registry.Render(tpl, norm)
	if err != nil {
		p.traceError(req.TraceID, "render", err)
		return nil, err
	}
	p.Traces.Append(req.TraceID, trace.KindTemplateRender, map[string]interface{}{
		"template_id": templateID, "rendered_bytes": len(rendered),
	})

	if req.DryRun {
		return &Result{
			Status:  200,
			TraceID: req.TraceID,
			Data: map[string]interface{}{
				"valid":          true,
				"job_id":         spec.JobID,
				"template_id":    templateID,
				"rendered_bytes": len(rendered),
				"would_submit":   true,
			},
		}, nil
	}

	// Steps 9-11.
	promptID, err := p.Submit(ctx, spec, rendered)
	if err != nil {
		return nil, err
	}
	// The job is queued, not finished; acceptance is asynchronous.
	return &Result{
		Status:   202,
		TraceID:  req.TraceID,
		PromptID: promptID,
		Data: map[string]interface{}{
			"job_id":      spec.JobID,
			"template_id": templateID,
			"prompt_id":   promptID,
			"trace_id":    req.TraceID,
		},
	}, nil
}

// Submit runs steps 9-11 (budget, engine submit with bounded retry, watcher
// registration). It is also the executor behind approval auto_execute, which
// re-renders from the retained spec.
func (p *Pipeline) Submit(ctx context.Context, spec job.Spec, rendered []byte) (string, error) {
	if rendered == nil {
		tpl, err := p.Registry.Get(spec.TemplateID)
		if err != nil {
			p.traceError(spec.TraceID, "template_lookup", err)
			return "", err
		}
		rendered, err = p.Registry.Render(tpl, spec.Inputs)
		if err != nil {
			p.traceError(spec.TraceID, "render", err)
			return "", err
		}
		p.Traces.Append(spec.TraceID, trace.KindTemplateRender, map[string]interface{}{
			"template_id": spec.TemplateID, "rendered_bytes": len(rendered),
		})
	}

	// Step 9: budget gate. Request-rate buckets run in the transport
	// middleware where the trusted client address is known.
	permit, err := p.Gate.Acquire(spec.Source)
	if err != nil {
		p.traceError(spec.TraceID, "budget", err)
		return "", err
	}
	// Released on failure and on prompt_id capture alike; engine compute is
	// asynchronous from this permit.
	defer permit.Release()

	var workflow map[string]interface{}
	if err := json.Unmarshal(rendered, &workflow); err != nil {
		return "", errkind.Wrap(errkind.Internal, "rendered workflow not an object", err)
	}

	// Step 10: bounded submit retry, no re-admission.
	var promptID string
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(p.submitBackoff)),
		uint64(p.submitTries-1)), ctx)
	err = backoff.Retry(func() error {
		id, serr := p.Engine.Submit(ctx, workflow, spec.TraceID)
		if serr != nil {
			if errkind.KindOf(serr) != errkind.SubmitFailed {
				return backoff.Permanent(serr)
			}
			return serr
		}
		promptID = id
		return nil
	}, bo)
	if err != nil {
		p.traceError(spec.TraceID, "submit", err)
		return "", err
	}
	p.Traces.Append(spec.TraceID, trace.KindSubmit, map[string]interface{}{
		"prompt_id": promptID, "job_id": spec.JobID,
	})

	// Step 11: callback registration.
	if spec.Callback != nil && p.Watcher != nil {
		p.Watcher.Watch(spec, promptID)
	}
	return promptID, nil
}

// Executor adapts Submit for the approval store's auto_execute path.
func (p *Pipeline) Executor() approval.Executor {
	return func(ctx context.Context, spec job.Spec) (string, error) {
		return p.Submit(ctx, spec, nil)
	}
}

func (p *Pipeline) traceError(traceID, step string, err error) {
	p.Traces.Append(traceID, trace.KindError, map[string]interface{}{
		"step": step, "kind": string(errkind.KindOf(err)), "detail": errkind.DetailOf(err),
	})
}

// Normalize unwraps well-known wrapper shapes and produces (template_id,
// inputs, callback). Accepted shapes:
//
//	{"template_id": "...", "inputs": {...}, "callback": {...}}
//	{"payload": {...}} / {"data": {...}} / {"event": {...}} wrappers
//	{"command": "Imagine", "args": {...}} chat-command form
func Normalize(payload map[string]interface{}) (string, map[string]interface{}, *job.Callback, error) {
	if payload == nil {
		return "", nil, nil, errkind.New(errkind.ValidationError, "empty payload")
	}
	for _, wrapper := range []string{"payload", "data", "event"} {
		if inner, ok := payload[wrapper].(map[string]interface{}); ok && len(payload) == 1 {
			return Normalize(inner)
		}
	}

	templateID, _ := payload["template_id"].(string)
	if templateID == "" {
		// Chat-command form: "/Imagine" and "imagine" both map to the
		// lowercase command name.
		if cmd, ok := payload["command"].(string); ok && cmd != "" {
			templateID = normalizeCommand(cmd)
			if args, ok := payload["args"].(map[string]interface{}); ok {
				payload = map[string]interface{}{"template_id": templateID, "inputs": args}
			} else {
				payload = map[string]interface{}{"template_id": templateID, "inputs": map[string]interface{}{}}
			}
		}
	}
	if templateID == "" {
		return "", nil, nil, errkind.New(errkind.ValidationError, "template_id is required")
	}

	inputs, _ := payload["inputs"].(map[string]interface{})
	if inputs == nil {
		inputs = map[string]interface{}{}
	}

	var cb *job.Callback
	if rawCB, ok := payload["callback"]; ok {
		m, ok := rawCB.(map[string]interface{})
		if !ok {
			return "", nil, nil, errkind.New(errkind.ValidationError, "callback must be an object")
		}
		raw, _ := json.Marshal(m)
		cb = &job.Callback{}
		if err := json.Unmarshal(raw, cb); err != nil {
			return "", nil, nil, errkind.Wrap(errkind.ValidationError, "malformed callback", err)
		}
		if cb.URL == "" {
			return "", nil, nil, errkind.New(errkind.ValidationError, "callback.url is required")
		}
		if cb.AuthMode == "" {
			cb.AuthMode = job.CallbackAuthNone
		}
	}
	return templateID, inputs, cb, nil
}

func normalizeCommand(cmd string) string {
	out := make([]rune, 0, len(cmd))
	for _, r := range cmd {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	s := string(out)
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	return s
}
