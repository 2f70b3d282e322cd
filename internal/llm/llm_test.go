package llm

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	openai "github.com/sashabaranov/go-openai"

	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/redact"
	"github.com/openclaw/gateway/internal/trace"
)

func testTraces() *trace.Store {
	return trace.NewStore(64, time.Hour, redact.New(2048, 6), trace.NewBus(0))
}

// fakeAdapter scripts per-model outcomes.
type fakeAdapter struct {
	mu    sync.Mutex
	fail  map[string]error // model -> error (nil = success)
	calls []string
}

func (f *fakeAdapter) Complete(ctx context.Context, model string, req Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, model)
	err := f.fail[model]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Response{Text: "ok from " + model, Model: model, Provider: ProviderOpenAI}, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, model string, req Request) (<-chan StreamEvent, error) {
	f.mu.Lock()
	err := f.fail[model]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make(chan StreamEvent, 8)
	go func() {
		defer close(out)
		out <- StreamEvent{Type: EventDelta, Delta: "hel"}
		out <- StreamEvent{Type: EventDelta, Delta: "lo"}
		out <- StreamEvent{Type: EventFinal, Text: "hello"}
	}()
	return out, nil
}

func (f *fakeAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{"m1", "m2"}, nil
}

func apiErr(status int, msg string) error {
	return &openai.APIError{HTTPStatusCode: status, Message: msg}
}

func newManager(adapter Adapter, models ...string) *Manager {
	cands := make([]Candidate, 0, len(models))
	for _, m := range models {
		cands = append(cands, Candidate{Provider: ProviderOpenAI, Model: m})
	}
	return NewManager(cands, map[Provider]Adapter{ProviderOpenAI: adapter}, testTraces(), 5*time.Second, nil)
}

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		class    Class
		failover bool
	}{
		{"auth", apiErr(401, "bad key"), ClassAuth, true},
		{"billing", apiErr(403, "billing hard limit reached"), ClassBilling, true},
		{"rate limit", apiErr(429, "slow down"), ClassRateLimit, true},
		{"server error", apiErr(500, "boom"), ClassServerError, true},
		{"invalid request", apiErr(400, "bad schema"), ClassInvalidRequest, false},
		{"deadline", context.DeadlineExceeded, ClassTimeout, true},
		{"transport", errors.New("connection refused"), ClassServerError, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cl := Classify(tc.err)
			assert.Equal(t, tc.class, cl.Class)
			assert.Equal(t, tc.failover, cl.Failover)
		})
	}
}

func TestClassifyParsesBodyResetHint(t *testing.T) {
	cl := Classify(apiErr(429, "Rate limit reached. Please try again in 20s."))
	assert.Equal(t, ClassRateLimit, cl.Class)
	assert.Equal(t, 20*time.Second, cl.Cooldown)

	cl = Classify(apiErr(429, "please retry after 1.5 seconds"))
	assert.Equal(t, 1500*time.Millisecond, cl.Cooldown)
}

func TestHeaderResetPrecision(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	assert.Equal(t, 7*time.Second, headerReset(h))

	h = http.Header{}
	h.Set("x-ratelimit-reset-requests", "250ms")
	assert.Equal(t, 250*time.Millisecond, headerReset(h))
}

func TestCooldownMonotonicAdvance(t *testing.T) {
	c := NewCooldowns()
	c.Failure("k", Classification{Class: ClassRateLimit, Cooldown: time.Minute})
	first := c.Until("k")

	// A shorter observed reset never pulls the window in.
	c.Failure("k", Classification{Class: ClassRateLimit, Cooldown: time.Second})
	assert.False(t, c.Until("k").Before(first))
	assert.False(t, c.Available("k"))
}

func TestScoreBounds(t *testing.T) {
	c := NewCooldowns()
	for i := 0; i < 20; i++ {
		c.Failure("k", Classification{Class: ClassTimeout})
	}
	assert.Equal(t, 0.0, c.Score("k"))
	for i := 0; i < 50; i++ {
		c.Success("k")
	}
	assert.Equal(t, 1.0, c.Score("k"))
}

func TestFailoverSkipsCooling(t *testing.T) {
	f := &fakeAdapter{fail: map[string]error{"m1": apiErr(429, "limited")}}
	m := newManager(f, "m1", "m2")

	resp, err := m.Complete(context.Background(), Request{Prompt: "hi"}, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "ok from m2", resp.Text)

	// Force m1 into cooldown; subsequent calls never touch it.
	m.Cooldowns().Failure(Candidate{Provider: ProviderOpenAI, Model: "m1"}.Key(),
		Classification{Class: ClassRateLimit, Cooldown: time.Minute, Failover: true})
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
	_, err = m.Complete(context.Background(), Request{Prompt: "hi"}, "t-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, f.calls)
}

func TestInvalidRequestDoesNotFailover(t *testing.T) {
	f := &fakeAdapter{fail: map[string]error{"m1": apiErr(400, "bad input")}}
	m := newManager(f, "m1", "m2")
	// Raise m1's score so it deterministically orders first.
	m.Cooldowns().Success("openai/m1")

	_, err := m.Complete(context.Background(), Request{Prompt: "hi"}, "t-1")
	require.Error(t, err)
	assert.Equal(t, errkind.ValidationError, errkind.KindOf(err))
	assert.Equal(t, []string{"m1"}, f.calls, "no second candidate tried")
}

func TestAllCoolingReturnsRetryAfter(t *testing.T) {
	f := &fakeAdapter{fail: map[string]error{
		"m1": apiErr(429, "try again in 30s"),
		"m2": apiErr(429, "try again in 10s"),
	}}
	m := newManager(f, "m1", "m2")

	_, err := m.Complete(context.Background(), Request{Prompt: "hi"}, "t-1")
	require.Error(t, err)

	_, err = m.Complete(context.Background(), Request{Prompt: "hi"}, "t-2")
	require.Error(t, err)
	assert.Equal(t, errkind.ProviderUnavailable, errkind.KindOf(err))
	ra := errkind.RetryAfterOf(err)
	assert.Greater(t, ra, 5*time.Second)
	assert.LessOrEqual(t, ra, 10*time.Second, "earliest release wins")
}

func TestOrderingIsDeterministicPerTrace(t *testing.T) {
	f := &fakeAdapter{}
	m := newManager(f, "m1", "m2", "m3")

	first, _ := m.order("t-seed")
	for i := 0; i < 5; i++ {
		again, _ := m.order("t-seed")
		require.Equal(t, first, again)
	}
}

func TestStormUnarmedCallersRunConcurrently(t *testing.T) {
	s := newStormControl(200 * time.Millisecond)

	owner, w := s.enter("k")
	require.True(t, owner)
	assert.Nil(t, w, "no gate before a rate limit")

	owner2, w2 := s.enter("k")
	assert.True(t, owner2)
	assert.Nil(t, w2)
}

func TestStormCoalescesAfterRateLimit(t *testing.T) {
	s := newStormControl(200 * time.Millisecond)
	s.arm("k")

	owner, w := s.enter("k")
	require.True(t, owner)
	require.NotNil(t, w, "armed key admits a single probe")

	owner2, w2 := s.enter("k")
	require.False(t, owner2)

	var waited atomic.Bool
	done := make(chan struct{})
	go func() {
		waited.Store(w2.wait(time.Second))
		close(done)
	}()

	s.settle("k", w, true)
	<-done
	assert.True(t, waited.Load(), "waiter observes the probe outcome")

	// Success disarms; traffic is concurrent again.
	owner3, w3 := s.enter("k")
	assert.True(t, owner3)
	assert.Nil(t, w3)
}

func TestHealthyCandidateServesConcurrentCalls(t *testing.T) {
	f := &fakeAdapter{}
	m := newManager(f, "m1")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Complete(context.Background(), Request{Prompt: "hi"}, "t-par")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestRateLimitArmsProbeWindow(t *testing.T) {
	f := &fakeAdapter{fail: map[string]error{"m1": apiErr(429, "slow down")}}
	m := newManager(f, "m1")

	_, err := m.Complete(context.Background(), Request{Prompt: "hi"}, "t-1")
	require.Error(t, err)

	owner, w := m.storm.enter("openai/m1")
	assert.True(t, owner)
	assert.NotNil(t, w, "429 arms the coalescing window")
	m.storm.settle("openai/m1", w, false)
}

func TestStreamHappyPath(t *testing.T) {
	f := &fakeAdapter{}
	m := newManager(f, "m1")

	events, err := m.Stream(context.Background(), Request{Prompt: "hi"}, "t-s")
	require.NoError(t, err)

	var types []string
	var final StreamEvent
	for ev := range events {
		types = append(types, ev.Type)
		if ev.Type == EventFinal {
			final = ev
		}
	}
	assert.Equal(t, []string{EventStage, EventDelta, EventDelta, EventFinal}, types)
	assert.Equal(t, "hello", final.Text)
	assert.Equal(t, "m1", final.Model)
}

func TestStreamFailsOverBeforeFirstDelta(t *testing.T) {
	f := &fakeAdapter{fail: map[string]error{"m1": apiErr(503, "down")}}
	m := newManager(f, "m1", "m2")

	events, err := m.Stream(context.Background(), Request{Prompt: "hi"}, "t-s2")
	require.NoError(t, err)

	var sawFinal bool
	for ev := range events {
		if ev.Type == EventFinal {
			sawFinal = true
			assert.Equal(t, "m2", ev.Model)
		}
		assert.NotEqual(t, EventError, ev.Type)
	}
	assert.True(t, sawFinal)
}
