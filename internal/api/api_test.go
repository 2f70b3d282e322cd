package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/internal/admission"
	"github.com/openclaw/gateway/internal/approval"
	"github.com/openclaw/gateway/internal/auth"
	"github.com/openclaw/gateway/internal/budget"
	"github.com/openclaw/gateway/internal/callback"
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/engine"
	"github.com/openclaw/gateway/internal/idempotency"
	"github.com/openclaw/gateway/internal/llm"
	"github.com/openclaw/gateway/internal/logging"
	"github.com/openclaw/gateway/internal/metrics"
	"github.com/openclaw/gateway/internal/posture"
	"github.com/openclaw/gateway/internal/preset"
	"github.com/openclaw/gateway/internal/redact"
	"github.com/openclaw/gateway/internal/registry"
	"github.com/openclaw/gateway/internal/safeio"
	"github.com/openclaw/gateway/internal/scheduler"
	"github.com/openclaw/gateway/internal/trace"
)

const (
	adminToken   = "admin-secret-token"
	webhookToken = "hook-secret-token"
)

const testPack = `templates:
  - id: txt2img
    labels: [image]
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

type testEnv struct {
	router          http.Handler
	server          *Server
	submits         *int
	interrupts      *int
	requireApproval *bool
}

// stubAdapter satisfies llm.Adapter for the assist endpoints.
type stubAdapter struct{}

func (stubAdapter) Complete(ctx context.Context, model string, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: "plan: use txt2img", Provider: llm.ProviderOpenAI, Model: model}, nil
}

func (stubAdapter) Stream(ctx context.Context, model string, req llm.Request) (<-chan llm.StreamEvent, error) {
	out := make(chan llm.StreamEvent, 4)
	go func() {
		defer close(out)
		out <- llm.StreamEvent{Type: llm.EventDelta, Delta: "plan: "}
		out <- llm.StreamEvent{Type: llm.EventDelta, Delta: "use txt2img"}
		out <- llm.StreamEvent{Type: llm.EventFinal, Text: "plan: use txt2img"}
	}()
	return out, nil
}

func (stubAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{"m1"}, nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	stateDir := t.TempDir()

	submits := 0
	interrupts := 0
	eng := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/prompt":
			submits++
			json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-test"})
		case "/interrupt":
			interrupts++
			w.Write([]byte(`{}`))
		default:
			w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(eng.Close)

	cfg := &config.Config{
		ListenAddr:               "127.0.0.1:0",
		StateDir:                 stateDir,
		AdminToken:               adminToken,
		WebhookMode:              config.WebhookModeBearer,
		WebhookToken:             webhookToken,
		DeploymentProfile:        config.ProfileLocal,
		RuntimeProfile:           config.RuntimeMinimal,
		MaxInflightTotal:         2,
		MaxInflightWebhook:       2,
		MaxInflightBridge:        1,
		MaxRenderedWorkflowBytes: 8 * 1024,
		EngineURL:                eng.URL,
	}

	packDir := filepath.Join(stateDir, "packs")
	require.NoError(t, os.MkdirAll(packDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(packDir, "base.yaml"), []byte(testPack), 0o600))
	reg, err := registry.New(packDir, cfg.MaxRenderedWorkflowBytes)
	require.NoError(t, err)

	mutable, err := config.NewMutableStore(filepath.Join(stateDir, "config.json"), cfg)
	require.NoError(t, err)

	snap := posture.FromConfig(cfg)
	snap.Lock()

	redactor := redact.New(2048, 6)
	bus := trace.NewBus(64)
	traces := trace.NewStore(64, time.Hour, redactor, bus)
	authn := auth.New(cfg, idempotency.New(64, nil))
	gate := budget.NewGate(budget.Limits{Total: cfg.MaxInflightTotal, Webhook: cfg.MaxInflightWebhook, Bridge: cfg.MaxInflightBridge})
	engClient := engine.New(cfg.EngineURL)

	checker := safeio.NewCheckerWithLookup(func(ctx context.Context, host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	})
	cbPolicy := safeio.NewPolicy([]string{"hooks.example"})

	approvals, err := approval.NewStore(filepath.Join(stateDir, "approvals.json"), approval.Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(approvals.Close)

	watcher := callback.New(engClient, checker, cbPolicy, traces, callback.Options{}, nil)
	t.Cleanup(watcher.Close)

	requireApproval := false
	pipeline := admission.New(admission.Pipeline{
		Traces:         traces,
		Idem:           idempotency.New(128, nil),
		Registry:       reg,
		Callbacks:      checker,
		CallbackPolicy: cbPolicy,
		Approvals:      approvals,
		Gate:           gate,
		Engine:         engClient,
		Watcher:        watcher,
		Policy: func(source, templateID, caller string) bool {
			return requireApproval
		},
	})
	approvals.SetExecutor(pipeline.Executor())

	sched, err := scheduler.New(filepath.Join(stateDir, "schedules.json"), scheduler.Options{},
		func(ctx context.Context, sch scheduler.Schedule, fireTS time.Time, idemKey string) (string, error) {
			return "p-sched", nil
		}, nil)
	require.NoError(t, err)

	presets, err := preset.NewStore(filepath.Join(stateDir, "presets.json"))
	require.NoError(t, err)

	_, logRing, closeLog, err := logging.Setup(logging.Options{RingSize: 64}, redactor)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeLog() })

	mgr := llm.NewManager(
		[]llm.Candidate{{Provider: llm.ProviderOpenAI, Model: "m1"}},
		map[llm.Provider]llm.Adapter{llm.ProviderOpenAI: stubAdapter{}},
		traces, time.Second, nil)

	srv := NewServer(Deps{
		Cfg:       cfg,
		Mutable:   mutable,
		Posture:   snap,
		Auth:      authn,
		Pipeline:  pipeline,
		Approvals: approvals,
		Scheduler: sched,
		Registry:  reg,
		Traces:    traces,
		Bus:       bus,
		LogRing:   logRing,
		Engine:    engClient,
		Watcher:   watcher,
		LLM:       mgr,
		Metrics:   metrics.New(),
		Presets:   presets,
		Rates:     budget.NewRateLimiter(1000, 1000),
		Gate:      gate,
		Redactor:  redactor,
	})
	t.Cleanup(srv.Close)

	router, err := srv.Routes()
	require.NoError(t, err)

	return &testEnv{
		router:          router,
		server:          srv,
		submits:         &submits,
		interrupts:      &interrupts,
		requireApproval: &requireApproval,
	}
}

func (e *testEnv) do(method, path, token string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func webhookBody() map[string]interface{} {
	return map[string]interface{}{
		"template_id": "txt2img",
		"inputs":      map[string]interface{}{"prompt": "a fox in the snow"},
	}
}

func dataMap(t *testing.T, env envelope) map[string]interface{} {
	t.Helper()
	m, ok := env.Data.(map[string]interface{})
	require.True(t, ok, "data is not an object: %#v", env.Data)
	return m
}

func TestWebhookHappyPath(t *testing.T) {
	e := newTestEnv(t)
	rec, env := e.do("POST", "/openclaw/webhook", webhookToken, webhookBody(), nil)
	require.Equal(t, 202, rec.Code, rec.Body.String())
	assert.True(t, env.OK)
	require.NotEmpty(t, env.TraceID)
	data := dataMap(t, env)
	assert.Equal(t, "p-test", data["prompt_id"])
	assert.Equal(t, 1, *e.submits)
}

func TestWebhookAuthRejected(t *testing.T) {
	e := newTestEnv(t)
	rec, env := e.do("POST", "/openclaw/webhook", "wrong-token", webhookBody(), nil)
	assert.Equal(t, 401, rec.Code)
	assert.False(t, env.OK)
	assert.Equal(t, "auth_invalid", env.Error)

	rec, env = e.do("POST", "/openclaw/webhook", "", webhookBody(), nil)
	assert.Equal(t, 401, rec.Code)
	assert.Equal(t, "auth_missing", env.Error)
}

func TestWebhookIdempotentReplay(t *testing.T) {
	e := newTestEnv(t)
	h := map[string]string{"Idempotency-Key": "k-1"}
	rec1, _ := e.do("POST", "/openclaw/webhook", webhookToken, webhookBody(), h)
	require.Equal(t, 202, rec1.Code)
	rec2, _ := e.do("POST", "/openclaw/webhook", webhookToken, webhookBody(), h)
	require.Equal(t, 202, rec2.Code, "replay repeats the accepted status")

	assert.JSONEq(t, rec1.Body.String(), rec2.Body.String(), "replay returns the identical envelope")
	assert.Equal(t, 1, *e.submits)
}

func TestWebhookValidateDryRun(t *testing.T) {
	e := newTestEnv(t)
	rec, env := e.do("POST", "/openclaw/webhook/validate", webhookToken, webhookBody(), nil)
	require.Equal(t, 200, rec.Code)
	data := dataMap(t, env)
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, 0, *e.submits)
}

func TestWebhookValidationError(t *testing.T) {
	e := newTestEnv(t)
	body := webhookBody()
	body["inputs"] = map[string]interface{}{"prompt": "x", "steps": 999}
	rec, env := e.do("POST", "/openclaw/webhook", webhookToken, body, nil)
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "validation_error", env.Error)
}

func TestWebhookPayloadTooLarge(t *testing.T) {
	e := newTestEnv(t)
	body := webhookBody()
	body["inputs"] = map[string]interface{}{"prompt": strings.Repeat("x", 10*1024)}
	rec, env := e.do("POST", "/openclaw/webhook", webhookToken, body, nil)
	assert.Equal(t, 413, rec.Code)
	assert.Equal(t, "payload_too_large", env.Error)
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	*e.requireApproval = true

	rec, env := e.do("POST", "/openclaw/webhook", webhookToken, webhookBody(), nil)
	require.Equal(t, 202, rec.Code)
	data := dataMap(t, env)
	approvalID, _ := data["approval_id"].(string)
	require.NotEmpty(t, approvalID)
	assert.Equal(t, "pending", data["status"])
	assert.Equal(t, 0, *e.submits)

	rec, env = e.do("POST", "/openclaw/approvals/"+approvalID+"/approve", adminToken,
		map[string]interface{}{"auto_execute": true}, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	data = dataMap(t, env)
	assert.Equal(t, true, data["executed"])
	assert.Equal(t, "p-test", data["prompt_id"])
	assert.Equal(t, 1, *e.submits)

	rec, env = e.do("POST", "/openclaw/approvals/"+approvalID+"/approve", adminToken,
		map[string]interface{}{"auto_execute": true}, nil)
	assert.Equal(t, 409, rec.Code)
	assert.Equal(t, "approval_state_conflict", env.Error)
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	e := newTestEnv(t)
	rec, env := e.do("GET", "/openclaw/config", "", nil, nil)
	assert.Equal(t, 401, rec.Code)
	assert.Equal(t, "auth_missing", env.Error)

	rec, _ = e.do("GET", "/openclaw/config", adminToken, nil, nil)
	assert.Equal(t, 200, rec.Code)
}

func TestConfigRoundTripAndGuardrails(t *testing.T) {
	e := newTestEnv(t)
	_, before := e.do("GET", "/openclaw/config", adminToken, nil, nil)
	beforeData := dataMap(t, before)

	// PUT of the same mutable subset is a no-op.
	mutableOnly := map[string]interface{}{}
	for k, v := range beforeData {
		if k != "runtime_guardrails" {
			mutableOnly[k] = v
		}
	}
	rec, after := e.do("PUT", "/openclaw/config", adminToken, mutableOnly, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Equal(t, beforeData, dataMap(t, after))

	// Guardrail fields are rejected.
	rec, env := e.do("PUT", "/openclaw/config", adminToken,
		map[string]interface{}{"admin_token": "sneaky"}, nil)
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "validation_error", env.Error)

	// A mutable change is applied and visible.
	rec, env = e.do("PUT", "/openclaw/config", adminToken,
		map[string]interface{}{"max_inflight_total": 5}, nil)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, float64(5), dataMap(t, env)["max_inflight_total"])
}

func TestTraceByPromptID(t *testing.T) {
	e := newTestEnv(t)
	_, env := e.do("POST", "/openclaw/webhook", webhookToken, webhookBody(), nil)
	require.NotEmpty(t, env.TraceID)

	rec, got := e.do("GET", "/openclaw/trace/p-test", adminToken, nil, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	data := dataMap(t, got)
	assert.Equal(t, env.TraceID, data["trace_id"])
	events, _ := data["events"].([]interface{})
	assert.NotEmpty(t, events)
}

func TestEventsEndpointWithCursor(t *testing.T) {
	e := newTestEnv(t)
	_, env := e.do("POST", "/openclaw/webhook", webhookToken, webhookBody(), nil)
	require.NotEmpty(t, env.TraceID)

	// The collector drains the bus asynchronously.
	require.Eventually(t, func() bool {
		_, got := e.do("GET", "/openclaw/events", adminToken, nil, nil)
		events, _ := dataMap(t, got)["events"].([]interface{})
		return len(events) > 0
	}, 2*time.Second, 20*time.Millisecond)

	_, got := e.do("GET", "/openclaw/events", adminToken, nil, nil)
	data := dataMap(t, got)
	events, _ := data["events"].([]interface{})
	cursor, _ := data["next_cursor"].(string)
	require.NotEmpty(t, cursor)

	// Resuming from the last cursor returns nothing new.
	_, resumed := e.do("GET", "/openclaw/events?cursor="+cursor, adminToken, nil, nil)
	resumedEvents, _ := dataMap(t, resumed)["events"].([]interface{})
	assert.Empty(t, resumedEvents)
	assert.NotEmpty(t, events)
}

func TestLegacyPrefixReadOnlySurface(t *testing.T) {
	e := newTestEnv(t)

	rec, _ := e.do("GET", "/moltbot/packs", adminToken, nil, nil)
	assert.Equal(t, 200, rec.Code)

	rec, env := e.do("POST", "/moltbot/webhook", webhookToken, webhookBody(), nil)
	assert.Equal(t, 202, rec.Code)
	assert.True(t, env.OK)

	// Admin surface is canonical-prefix only.
	rec, _ = e.do("GET", "/moltbot/config", adminToken, nil, nil)
	assert.Equal(t, 404, rec.Code)
}

func TestLegacyWebhookSharesIdempotencyScope(t *testing.T) {
	e := newTestEnv(t)
	h := map[string]string{"Idempotency-Key": "k-shared"}
	rec1, _ := e.do("POST", "/openclaw/webhook", webhookToken, webhookBody(), h)
	require.Equal(t, 202, rec1.Code)
	rec2, _ := e.do("POST", "/moltbot/webhook", webhookToken, webhookBody(), h)
	require.Equal(t, 202, rec2.Code)
	assert.Equal(t, 1, *e.submits, "legacy alias deduplicates against canonical scope")
}

func TestPacksListing(t *testing.T) {
	e := newTestEnv(t)
	rec, env := e.do("GET", "/openclaw/packs", adminToken, nil, nil)
	require.Equal(t, 200, rec.Code)
	templates, _ := dataMap(t, env)["templates"].([]interface{})
	require.Len(t, templates, 1)
	first, _ := templates[0].(map[string]interface{})
	assert.Equal(t, "txt2img", first["id"])
	// Workflow skeletons never leave the process.
	assert.NotContains(t, rec.Body.String(), "KSampler")
}

func TestPresetCRUDOverHTTP(t *testing.T) {
	e := newTestEnv(t)

	rec, env := e.do("POST", "/openclaw/presets", adminToken, map[string]interface{}{
		"label":       "fox scene",
		"template_id": "txt2img",
		"inputs":      map[string]interface{}{"prompt": "a fox"},
	}, nil)
	require.Equal(t, 201, rec.Code, rec.Body.String())
	id, _ := dataMap(t, env)["preset_id"].(string)
	require.NotEmpty(t, id)

	rec, env = e.do("GET", "/openclaw/presets/"+id, adminToken, nil, nil)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "fox scene", dataMap(t, env)["label"])

	rec, _ = e.do("DELETE", "/openclaw/presets/"+id, adminToken, nil, nil)
	require.Equal(t, 200, rec.Code)
	rec, env = e.do("GET", "/openclaw/presets/"+id, adminToken, nil, nil)
	assert.Equal(t, 404, rec.Code)
	assert.Equal(t, "not_found", env.Error)
}

func TestScheduleCRUDOverHTTP(t *testing.T) {
	e := newTestEnv(t)

	rec, env := e.do("POST", "/openclaw/schedules", adminToken, map[string]interface{}{
		"template_id":  "txt2img",
		"interval_sec": 3600,
		"inputs":       map[string]interface{}{"prompt": "hourly fox"},
		"enabled":      true,
	}, nil)
	require.Equal(t, 201, rec.Code, rec.Body.String())
	id, _ := dataMap(t, env)["schedule_id"].(string)
	require.NotEmpty(t, id)

	rec, env = e.do("POST", "/openclaw/schedules", adminToken, map[string]interface{}{
		"template_id": "txt2img",
		"cron":        "not a cron",
	}, nil)
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "validation_error", env.Error)

	rec, env = e.do("GET", "/openclaw/schedules", adminToken, nil, nil)
	require.Equal(t, 200, rec.Code)
	schedules, _ := dataMap(t, env)["schedules"].([]interface{})
	assert.Len(t, schedules, 1)

	rec, _ = e.do("DELETE", "/openclaw/schedules/"+id, adminToken, nil, nil)
	assert.Equal(t, 200, rec.Code)
}

func TestInterruptRoutesToEngine(t *testing.T) {
	e := newTestEnv(t)
	rec, env := e.do("POST", "/openclaw/jobs/p-test/interrupt", adminToken, nil, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Equal(t, true, dataMap(t, env)["interrupted"])
	assert.Equal(t, 1, *e.interrupts)
}

func TestHealthAndCapabilities(t *testing.T) {
	e := newTestEnv(t)
	rec, env := e.do("GET", "/openclaw/health", "", nil, nil)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "up", dataMap(t, env)["engine"])

	rec, env = e.do("GET", "/openclaw/capabilities", adminToken, nil, nil)
	require.Equal(t, 200, rec.Code)
	data := dataMap(t, env)
	templates, _ := data["templates"].([]interface{})
	assert.Contains(t, templates, "txt2img")
	assert.Equal(t, false, data["bridge_enabled"])
}

func TestAssistPlanner(t *testing.T) {
	e := newTestEnv(t)
	rec, env := e.do("POST", "/openclaw/assist/planner", adminToken,
		map[string]interface{}{"goal": "render a snowy fox"}, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	data := dataMap(t, env)
	assert.Equal(t, "plan: use txt2img", data["text"])
	assert.Equal(t, "openai", data["provider"])

	rec, env = e.do("POST", "/openclaw/assist/planner", adminToken,
		map[string]interface{}{}, nil)
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "validation_error", env.Error)
}

func TestMetricsExposition(t *testing.T) {
	e := newTestEnv(t)
	_, _ = e.do("POST", "/openclaw/webhook", webhookToken, webhookBody(), nil)
	rec, _ := e.do("GET", "/openclaw/metrics", adminToken, nil, nil)
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_admissions_total")
}

func TestEventsStreamSSE(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/openclaw/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: ready", strings.TrimSpace(line))

	// An admission published after subscribe arrives on the live feed.
	_, env := e.do("POST", "/openclaw/webhook", webhookToken, webhookBody(), nil)
	require.NotEmpty(t, env.TraceID)

	sawAdmit := false
	for !sawAdmit {
		line, err = reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.TrimSpace(line) == "event: admit" {
			sawAdmit = true
		}
	}
	assert.True(t, sawAdmit, "admit event observed on the stream")
}

func TestAssistPlannerStreamSSE(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.router)
	defer ts.Close()

	body := bytes.NewBufferString(`{"goal":"render a snowy fox"}`)
	req, err := http.NewRequest("POST", ts.URL+"/openclaw/assist/planner/stream", body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	raw := new(bytes.Buffer)
	_, _ = raw.ReadFrom(resp.Body)
	out := raw.String()
	assert.Contains(t, out, "event: ready")
	assert.Contains(t, out, "event: delta")
	assert.Contains(t, out, "event: final")
	assert.Contains(t, out, "plan: use txt2img")
}
