package admission

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/internal/approval"
	"github.com/openclaw/gateway/internal/budget"
	"github.com/openclaw/gateway/internal/engine"
	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/idempotency"
	"github.com/openclaw/gateway/internal/job"
	"github.com/openclaw/gateway/internal/redact"
	"github.com/openclaw/gateway/internal/registry"
	"github.com/openclaw/gateway/internal/safeio"
	"github.com/openclaw/gateway/internal/trace"
)

const packYAML = `templates:
  - id: txt2img
    schema:
      prompt: {type: string, required: true}
      steps: {type: integer, min: 1, max: 50, default: 20}
    workflow:
      "3":
        class_type: KSampler
        inputs:
          steps: "{{steps}}"
          text: "{{prompt}}"
`

type fakeWatcher struct {
	mu      sync.Mutex
	watched []string
}

func (f *fakeWatcher) Watch(spec job.Spec, promptID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, promptID)
}

type env struct {
	p       *Pipeline
	watcher *fakeWatcher
	engine  *httptest.Server
	submits *int
}

func newEnv(t *testing.T, policy Policy) *env {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(packYAML), 0o600))
	reg, err := registry.New(dir, 512*1024)
	require.NoError(t, err)

	submits := 0
	eng := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/prompt" {
			submits++
			json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-test"})
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(eng.Close)

	approvals, err := approval.NewStore(filepath.Join(t.TempDir(), "approvals.json"), approval.Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(approvals.Close)

	checker := safeio.NewCheckerWithLookup(func(ctx context.Context, host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	})
	cbPolicy := safeio.NewPolicy([]string{"hooks.example"})

	watcher := &fakeWatcher{}
	traces := trace.NewStore(64, time.Hour, redact.New(2048, 6), trace.NewBus(0))
	p := New(Pipeline{
		Traces:         traces,
		Idem:           idempotency.New(128, nil),
		Registry:       reg,
		Callbacks:      checker,
		CallbackPolicy: cbPolicy,
		Approvals:      approvals,
		Gate:           budget.NewGate(budget.Limits{Total: 2, Webhook: 1}),
		Engine:         engine.New(eng.URL),
		Watcher:        watcher,
		Policy:         policy,
	})
	approvals.SetExecutor(p.Executor())
	return &env{p: p, watcher: watcher, engine: eng, submits: &submits}
}

func okRequest() Request {
	return Request{
		Source:  job.SourceWebhook,
		Caller:  "webhook",
		Payload: map[string]interface{}{"template_id": "txt2img", "inputs": map[string]interface{}{"prompt": "a fox"}},
	}
}

func TestHappyPathSubmits(t *testing.T) {
	e := newEnv(t, nil)
	res, err := e.p.Admit(context.Background(), okRequest())
	require.NoError(t, err)
	assert.Equal(t, 202, res.Status, "queued submits are accepted, not completed")
	assert.Equal(t, "p-test", res.PromptID)
	assert.NotEmpty(t, res.TraceID)
	assert.Equal(t, res.Data["prompt_id"], "p-test")

	// trace carries admit -> auth_ok -> render -> submit
	events := e.p.Traces.Timeline(res.TraceID)
	kinds := make([]trace.Kind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, trace.KindTemplateRender)
	assert.Contains(t, kinds, trace.KindSubmit)
}

func TestUnknownTemplateDenied(t *testing.T) {
	e := newEnv(t, nil)
	req := okRequest()
	req.Payload["template_id"] = "rm-rf"
	_, err := e.p.Admit(context.Background(), req)
	assert.Equal(t, errkind.TemplateDenied, errkind.KindOf(err))
}

func TestValidationErrorSurfacesField(t *testing.T) {
	e := newEnv(t, nil)
	req := okRequest()
	req.Payload["inputs"] = map[string]interface{}{"prompt": "x", "steps": 999}
	_, err := e.p.Admit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, errkind.ValidationError, errkind.KindOf(err))
}

func TestIdempotentReplay(t *testing.T) {
	e := newEnv(t, nil)
	req := okRequest()
	req.IdempotencyKey = "idem-1"

	first, err := e.p.Admit(context.Background(), req)
	require.NoError(t, err)
	second, err := e.p.Admit(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.PromptID, second.PromptID)
	assert.Equal(t, first.TraceID, second.TraceID, "replay returns the original trace")
	assert.Equal(t, 1, *e.submits, "engine saw exactly one submit")
}

func TestIdempotencyBeatsApproval(t *testing.T) {
	requireApproval := false
	e := newEnv(t, func(source, templateID, caller string) bool { return requireApproval })

	req := okRequest()
	req.IdempotencyKey = "idem-2"
	first, err := e.p.Admit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 202, first.Status)

	// Approval policy flips on, but the duplicate key still replays the
	// cached outcome instead of opening an approval.
	requireApproval = true
	second, err := e.p.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Empty(t, second.ApprovalID)
}

func TestApprovalGateReturns202ThenExecutes(t *testing.T) {
	e := newEnv(t, func(source, templateID, caller string) bool { return true })

	res, err := e.p.Admit(context.Background(), okRequest())
	require.NoError(t, err)
	assert.Equal(t, 202, res.Status)
	require.NotEmpty(t, res.ApprovalID)
	assert.Equal(t, 0, *e.submits)

	rec, err := e.p.Approvals.Approve(context.Background(), res.ApprovalID, "admin", true)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusExecuted, rec.Status)
	assert.Equal(t, "p-test", rec.PromptID)
	assert.Equal(t, 1, *e.submits)

	_, err = e.p.Approvals.Approve(context.Background(), res.ApprovalID, "admin", true)
	assert.Equal(t, errkind.ApprovalStateConflict, errkind.KindOf(err))
}

func TestCallbackHostPolicy(t *testing.T) {
	e := newEnv(t, nil)
	req := okRequest()
	req.Payload["callback"] = map[string]interface{}{"url": "https://evil.example/cb"}
	_, err := e.p.Admit(context.Background(), req)
	assert.Equal(t, errkind.SSRFBlocked, errkind.KindOf(err))

	req.Payload["callback"] = map[string]interface{}{"url": "https://hooks.example/cb"}
	res, err := e.p.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "p-test", res.PromptID)
	assert.Equal(t, []string{"p-test"}, e.watcher.watched)
}

func TestDryRunStopsBeforeSubmit(t *testing.T) {
	e := newEnv(t, func(source, templateID, caller string) bool { return true })
	req := okRequest()
	req.DryRun = true

	res, err := e.p.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, true, res.Data["valid"])
	assert.Empty(t, res.ApprovalID, "dry run skips the approval gate")
	assert.Equal(t, 0, *e.submits)
	assert.Positive(t, res.Data["rendered_bytes"])
}

func TestBudgetExhaustionCarriesRetryAfter(t *testing.T) {
	e := newEnv(t, nil)
	// Occupy every total permit.
	p1, err := e.p.Gate.Acquire(budget.SurfaceAdmin)
	require.NoError(t, err)
	defer p1.Release()
	p2, err := e.p.Gate.Acquire(budget.SurfaceAdmin)
	require.NoError(t, err)
	defer p2.Release()

	_, err = e.p.Admit(context.Background(), okRequest())
	require.Error(t, err)
	assert.Equal(t, errkind.BudgetExceeded, errkind.KindOf(err))
	assert.Greater(t, errkind.RetryAfterOf(err), time.Duration(0))
}

func TestNormalizeWrappersAndCommands(t *testing.T) {
	id, inputs, cb, err := Normalize(map[string]interface{}{
		"payload": map[string]interface{}{
			"command": "/Imagine",
			"args":    map[string]interface{}{"prompt": "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "imagine", id)
	assert.Equal(t, "hi", inputs["prompt"])
	assert.Nil(t, cb)

	_, _, _, err = Normalize(map[string]interface{}{"inputs": map[string]interface{}{}})
	assert.Equal(t, errkind.ValidationError, errkind.KindOf(err))
}
