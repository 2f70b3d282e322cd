package callback

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/internal/auth"
	"github.com/openclaw/gateway/internal/engine"
	"github.com/openclaw/gateway/internal/job"
	"github.com/openclaw/gateway/internal/redact"
	"github.com/openclaw/gateway/internal/safeio"
	"github.com/openclaw/gateway/internal/trace"
)

func testTraces() *trace.Store {
	return trace.NewStore(64, time.Hour, redact.New(2048, 6), trace.NewBus(0))
}

// localPolicy lets tests deliver to httptest loopback servers.
func localPolicy(dest string) (safeio.Policy, *safeio.Checker) {
	u, _ := url.Parse(dest)
	p := safeio.NewPolicy([]string{u.Hostname()})
	p.AllowHTTP = true
	p.AllowPrivate = true
	checker := safeio.NewCheckerWithLookup(func(ctx context.Context, host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("127.0.0.1")}, nil
	})
	return p, checker
}

func historyServer(t *testing.T, pollsUntilDone int32) *httptest.Server {
	var polls int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < pollsUntilDone {
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"p-1":{"status":{"completed":true,"status_str":"success"},
			"outputs":{"9":{"images":[{"filename":"cat.png","subfolder":"","type":"output"}]}}}}`))
	}))
}

func fastOpts() Options {
	return Options{
		PollBase:    5 * time.Millisecond,
		PollCap:     10 * time.Millisecond,
		PollBudget:  2 * time.Second,
		MaxDeliver:  3,
		DeliverBase: 5 * time.Millisecond,
	}
}

func waitState(t *testing.T, w *Watcher, promptID, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := w.State(promptID); ok && s == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, _ := w.State(promptID)
	t.Fatalf("prompt %s never reached %s (stuck at %s)", promptID, want, s)
}

func TestDeliversCompletedPayload(t *testing.T) {
	eng := historyServer(t, 3)
	defer eng.Close()

	var got Payload
	var sig string
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(auth.HeaderSignature)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer dest.Close()

	policy, checker := localPolicy(dest.URL)
	opts := fastOpts()
	opts.HMACSecret = "cb-secret"
	w := New(engine.New(eng.URL), checker, policy, testTraces(), opts, nil)
	defer w.Close()

	w.Watch(job.Spec{
		TraceID:  "t-cb",
		Callback: &job.Callback{URL: dest.URL + "/hook", AuthMode: job.CallbackAuthHMAC},
	}, "p-1")
	waitState(t, w, "p-1", StateDelivered)

	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "p-1", got.PromptID)
	assert.Equal(t, "t-cb", got.TraceID)
	require.Len(t, got.Outputs, 1)
	assert.Equal(t, "cat.png", got.Outputs[0].Filename)
	assert.Contains(t, got.Outputs[0].ViewURL, "/view?filename=cat.png")

	body, _ := json.Marshal(got)
	assert.Equal(t, auth.SignBody("cb-secret", body), sig)
}

func TestRetriesThenDeadLetters(t *testing.T) {
	eng := historyServer(t, 1)
	defer eng.Close()

	var attempts int32
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer dest.Close()

	policy, checker := localPolicy(dest.URL)
	w := New(engine.New(eng.URL), checker, policy, testTraces(), fastOpts(), nil)
	defer w.Close()

	w.Watch(job.Spec{
		TraceID:  "t-dl",
		Callback: &job.Callback{URL: dest.URL + "/hook"},
	}, "p-1")
	waitState(t, w, "p-1", StateDeadLetter)

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	dls := w.DeadLetters()
	require.Len(t, dls, 1)
	assert.Equal(t, "p-1", dls[0].PromptID)
	assert.Equal(t, 3, dls[0].Attempts)
	assert.Contains(t, dls[0].LastError, "502")
}

func TestTransientFailureRecovers(t *testing.T) {
	eng := historyServer(t, 1)
	defer eng.Close()

	var attempts int32
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer dest.Close()

	policy, checker := localPolicy(dest.URL)
	w := New(engine.New(eng.URL), checker, policy, testTraces(), fastOpts(), nil)
	defer w.Close()

	w.Watch(job.Spec{TraceID: "t-r", Callback: &job.Callback{URL: dest.URL}}, "p-1")
	waitState(t, w, "p-1", StateDelivered)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Empty(t, w.DeadLetters())
}

func TestRetryAfterDelaysNextAttempt(t *testing.T) {
	eng := historyServer(t, 1)
	defer eng.Close()

	var stamps []time.Time
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stamps = append(stamps, time.Now())
		if len(stamps) == 1 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer dest.Close()

	policy, checker := localPolicy(dest.URL)
	w := New(engine.New(eng.URL), checker, policy, testTraces(), fastOpts(), nil)
	defer w.Close()

	w.Watch(job.Spec{TraceID: "t-ra", Callback: &job.Callback{URL: dest.URL}}, "p-1")
	waitState(t, w, "p-1", StateDelivered)

	require.Len(t, stamps, 2)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), time.Second)
}

func TestBearerAuthFromSecretRef(t *testing.T) {
	eng := historyServer(t, 1)
	defer eng.Close()

	var authz string
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz = r.Header.Get("Authorization")
	}))
	defer dest.Close()

	policy, checker := localPolicy(dest.URL)
	opts := fastOpts()
	opts.SecretResolver = func(name string) (string, bool) {
		if name == "hook_token" {
			return "tok-hook-1", true
		}
		return "", false
	}
	w := New(engine.New(eng.URL), checker, policy, testTraces(), opts, nil)
	defer w.Close()

	w.Watch(job.Spec{
		TraceID:  "t-b",
		Callback: &job.Callback{URL: dest.URL, AuthMode: job.CallbackAuthBearer, SecretRef: "hook_token"},
	}, "p-1")
	waitState(t, w, "p-1", StateDelivered)
	assert.Equal(t, "Bearer tok-hook-1", authz)
}

func TestSecretRefOverridesGlobalSigningSecret(t *testing.T) {
	eng := historyServer(t, 1)
	defer eng.Close()

	var got Payload
	var sig string
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(auth.HeaderSignature)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer dest.Close()

	policy, checker := localPolicy(dest.URL)
	opts := fastOpts()
	opts.HMACSecret = "global-secret"
	opts.SecretResolver = func(name string) (string, bool) {
		if name == "per_hook" {
			return "ref-secret", true
		}
		return "", false
	}
	w := New(engine.New(eng.URL), checker, policy, testTraces(), opts, nil)
	defer w.Close()

	w.Watch(job.Spec{
		TraceID:  "t-s",
		Callback: &job.Callback{URL: dest.URL, AuthMode: job.CallbackAuthHMAC, SecretRef: "per_hook"},
	}, "p-1")
	waitState(t, w, "p-1", StateDelivered)

	body, _ := json.Marshal(got)
	assert.Equal(t, auth.SignBody("ref-secret", body), sig)
}

func TestDescriptorBoundsDeliveryAttempts(t *testing.T) {
	eng := historyServer(t, 1)
	defer eng.Close()

	var attempts int32
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer dest.Close()

	policy, checker := localPolicy(dest.URL)
	w := New(engine.New(eng.URL), checker, policy, testTraces(), fastOpts(), nil)
	defer w.Close()

	w.Watch(job.Spec{
		TraceID:  "t-m",
		Callback: &job.Callback{URL: dest.URL, MaxAttempts: 2},
	}, "p-1")
	waitState(t, w, "p-1", StateDeadLetter)

	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	dls := w.DeadLetters()
	require.Len(t, dls, 1)
	assert.Equal(t, 2, dls[0].Attempts)
}

func TestDeadLetterRingIsBounded(t *testing.T) {
	w := New(nil, nil, safeio.Policy{}, testTraces(), Options{DeadLetters: 2}, nil)
	defer w.Close()
	for i := 0; i < 5; i++ {
		w.pushDeadLetter(DeadLetter{PromptID: string(rune('a' + i))})
	}
	dls := w.DeadLetters()
	require.Len(t, dls, 2)
	assert.Equal(t, "d", dls[0].PromptID)
	assert.Equal(t, "e", dls[1].PromptID)
}

func TestPollBudgetTimesOutToDeadLetterPayload(t *testing.T) {
	eng := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer eng.Close()

	var got Payload
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer dest.Close()

	policy, checker := localPolicy(dest.URL)
	opts := fastOpts()
	opts.PollBudget = 30 * time.Millisecond
	w := New(engine.New(eng.URL), checker, policy, testTraces(), opts, nil)
	defer w.Close()

	w.Watch(job.Spec{TraceID: "t-to", Callback: &job.Callback{URL: dest.URL}}, "p-9")
	waitState(t, w, "p-9", StateDelivered)
	assert.Equal(t, "timeout", got.Status)
	assert.NotEmpty(t, got.Error)
}
