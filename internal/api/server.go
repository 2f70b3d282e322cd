// Package api serves the gateway's HTTP surface: webhook intake, admin and
// observability endpoints, SSE event streaming, and the legacy alias prefix.
package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/openclaw/gateway/internal/admission"
	"github.com/openclaw/gateway/internal/approval"
	"github.com/openclaw/gateway/internal/auth"
	"github.com/openclaw/gateway/internal/budget"
	"github.com/openclaw/gateway/internal/callback"
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/engine"
	"github.com/openclaw/gateway/internal/llm"
	"github.com/openclaw/gateway/internal/logging"
	"github.com/openclaw/gateway/internal/metrics"
	"github.com/openclaw/gateway/internal/posture"
	"github.com/openclaw/gateway/internal/preset"
	"github.com/openclaw/gateway/internal/redact"
	"github.com/openclaw/gateway/internal/registry"
	"github.com/openclaw/gateway/internal/scheduler"
	"github.com/openclaw/gateway/internal/trace"
)

// Endpoint classes for the per-client rate buckets.
const (
	classRead    = "read"
	classWrite   = "write"
	classWebhook = "webhook"
	classAssist  = "assist"
)

// RouteRegistrar mounts an extra subtree on the canonical prefix. The
// bridge service plugs in through this.
type RouteRegistrar interface {
	Register(*mux.Router)
}

// Deps carries everything the server wires together.
type Deps struct {
	Cfg       *config.Config
	Mutable   *config.MutableStore
	Posture   *posture.Snapshot
	Auth      *auth.Authenticator
	Pipeline  *admission.Pipeline
	Approvals *approval.Store
	Scheduler *scheduler.Scheduler
	Registry  *registry.Registry
	Traces    *trace.Store
	Bus       *trace.Bus
	LogRing   *logging.Ring
	Engine    *engine.Client
	Watcher   *callback.Watcher
	LLM       *llm.Manager
	Metrics   *metrics.Metrics
	Presets   *preset.Store
	Rates     *budget.RateLimiter
	Gate      *budget.Gate
	Redactor  *redact.Redactor
	Logger    *slog.Logger
	Bridge    RouteRegistrar
}

// Server holds the wired dependencies behind the HTTP handlers.
type Server struct {
	cfg       *config.Config
	mutable   *config.MutableStore
	posture   *posture.Snapshot
	auth      *auth.Authenticator
	pipeline  *admission.Pipeline
	approvals *approval.Store
	sched     *scheduler.Scheduler
	registry  *registry.Registry
	traces    *trace.Store
	bus       *trace.Bus
	logRing   *logging.Ring
	eng       *engine.Client
	watcher   *callback.Watcher
	llm       *llm.Manager
	metrics   *metrics.Metrics
	presets   *preset.Store
	rates     *budget.RateLimiter
	gate      *budget.Gate
	redactor  *redact.Redactor
	logger    *slog.Logger
	bridge    RouteRegistrar

	maxBody   int
	startedAt time.Time
	recent    *eventRing
	stop      chan struct{}
}

// NewServer builds the server and starts the recent-event collector that
// backs GET /events and SSE resume.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:       d.Cfg,
		mutable:   d.Mutable,
		posture:   d.Posture,
		auth:      d.Auth,
		pipeline:  d.Pipeline,
		approvals: d.Approvals,
		sched:     d.Scheduler,
		registry:  d.Registry,
		traces:    d.Traces,
		bus:       d.Bus,
		logRing:   d.LogRing,
		eng:       d.Engine,
		watcher:   d.Watcher,
		llm:       d.LLM,
		metrics:   d.Metrics,
		presets:   d.Presets,
		rates:     d.Rates,
		gate:      d.Gate,
		redactor:  d.Redactor,
		logger:    d.Logger,
		bridge:    d.Bridge,
		maxBody:   d.Cfg.MaxRenderedWorkflowBytes,
		startedAt: time.Now(),
		recent:    newEventRing(1024),
		stop:      make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.bus != nil {
		go s.collectRecent()
	}
	return s
}

// Close stops the recent-event collector.
func (s *Server) Close() { close(s.stop) }

func (s *Server) collectRecent() {
	sub := s.bus.Subscribe(trace.Filter{})
	defer s.bus.Unsubscribe(sub)
	for {
		ev, ok := sub.Next(s.stop)
		if !ok {
			return
		}
		s.recent.push(ev)
	}
}

// Routes registers every handler. The posture gate runs first; a violation in
// a strict profile means no routes are served at all.
func (s *Server) Routes() (*mux.Router, error) {
	if err := s.posture.Gate(); err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	canon := router.PathPrefix("/openclaw").Subrouter()
	s.register(canon, false)

	// Legacy prefix carries only the read-only and webhook surface.
	legacy := router.PathPrefix("/moltbot").Subrouter()
	s.register(legacy, true)

	return router, nil
}

func (s *Server) register(r *mux.Router, legacyOnly bool) {
	// Read-only and webhook paths, served on both prefixes.
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/capabilities", s.limited(classRead, s.obs(s.handleCapabilities))).Methods("GET")
	r.HandleFunc("/logs/tail", s.limited(classRead, s.obs(s.handleLogsTail))).Methods("GET")
	r.HandleFunc("/trace/{prompt_id}", s.limited(classRead, s.obs(s.handleTrace))).Methods("GET")
	r.HandleFunc("/events", s.limited(classRead, s.obs(s.handleEvents))).Methods("GET")
	r.HandleFunc("/events/stream", s.obs(s.handleEventsStream)).Methods("GET")
	r.HandleFunc("/packs", s.limited(classRead, s.obs(s.handlePacks))).Methods("GET")
	r.HandleFunc("/callbacks/deadletters", s.limited(classRead, s.obs(s.handleDeadLetters))).Methods("GET")
	r.HandleFunc("/webhook", s.limited(classWebhook, s.handleWebhook)).Methods("POST")
	r.HandleFunc("/webhook/validate", s.limited(classWebhook, s.handleWebhookValidate)).Methods("POST")
	if legacyOnly {
		return
	}

	r.HandleFunc("/metrics", s.obs(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})).Methods("GET")

	r.HandleFunc("/config", s.limited(classRead, s.admin(s.handleConfigGet))).Methods("GET")
	r.HandleFunc("/config", s.limited(classWrite, s.admin(s.handleConfigPut))).Methods("PUT")

	r.HandleFunc("/triggers/fire", s.limited(classWrite, s.admin(s.handleTriggerFire))).Methods("POST")
	r.HandleFunc("/jobs/{prompt_id}/interrupt", s.limited(classWrite, s.admin(s.handleInterrupt))).Methods("POST")

	r.HandleFunc("/assist/planner", s.limited(classAssist, s.admin(s.handlePlanner))).Methods("POST")
	r.HandleFunc("/assist/planner/stream", s.limited(classAssist, s.admin(s.handlePlannerStream))).Methods("POST")
	r.HandleFunc("/assist/refiner", s.limited(classAssist, s.admin(s.handleRefiner))).Methods("POST")
	r.HandleFunc("/assist/refiner/stream", s.limited(classAssist, s.admin(s.handleRefinerStream))).Methods("POST")

	r.HandleFunc("/approvals", s.limited(classRead, s.admin(s.handleApprovalsList))).Methods("GET")
	r.HandleFunc("/approvals/{id}", s.limited(classRead, s.admin(s.handleApprovalGet))).Methods("GET")
	r.HandleFunc("/approvals/{id}/approve", s.limited(classWrite, s.admin(s.handleApprovalApprove))).Methods("POST")
	r.HandleFunc("/approvals/{id}/reject", s.limited(classWrite, s.admin(s.handleApprovalReject))).Methods("POST")

	r.HandleFunc("/schedules", s.limited(classRead, s.admin(s.handleSchedulesList))).Methods("GET")
	r.HandleFunc("/schedules", s.limited(classWrite, s.admin(s.handleScheduleUpsert))).Methods("POST")
	r.HandleFunc("/schedules/{id}", s.limited(classRead, s.admin(s.handleScheduleGet))).Methods("GET")
	r.HandleFunc("/schedules/{id}", s.limited(classWrite, s.admin(s.handleScheduleUpsertByID))).Methods("PUT")
	r.HandleFunc("/schedules/{id}", s.limited(classWrite, s.admin(s.handleScheduleDelete))).Methods("DELETE")
	r.HandleFunc("/schedules/{id}/runs", s.limited(classRead, s.admin(s.handleScheduleRuns))).Methods("GET")

	r.HandleFunc("/presets", s.limited(classRead, s.presetRead(s.handlePresetsList))).Methods("GET")
	r.HandleFunc("/presets", s.limited(classWrite, s.admin(s.handlePresetUpsert))).Methods("POST")
	r.HandleFunc("/presets/{id}", s.limited(classRead, s.presetRead(s.handlePresetGet))).Methods("GET")
	r.HandleFunc("/presets/{id}", s.limited(classWrite, s.admin(s.handlePresetUpsertByID))).Methods("PUT")
	r.HandleFunc("/presets/{id}", s.limited(classWrite, s.admin(s.handlePresetDelete))).Methods("DELETE")

	if s.bridge != nil {
		s.bridge.Register(r)
	}
}

// limited applies the per-client token bucket for the endpoint class.
func (s *Server) limited(class string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.rates != nil {
			if err := s.rates.Allow(s.auth.ClientIP(r), class); err != nil {
				s.metrics.RateLimitHits.WithLabelValues(class).Inc()
				s.writeErr(w, r.Header.Get(auth.HeaderTraceID), err)
				return
			}
		}
		h(w, r)
	}
}

// admin requires the admin identity.
func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.Admin(r); err != nil {
			s.writeErr(w, r.Header.Get(auth.HeaderTraceID), err)
			return
		}
		h(w, r)
	}
}

// obs requires the observability identity (admin also passes).
func (s *Server) obs(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.Observability(r); err != nil {
			s.writeErr(w, r.Header.Get(auth.HeaderTraceID), err)
			return
		}
		h(w, r)
	}
}

// presetRead allows unauthenticated reads when the public-read flag is on.
func (s *Server) presetRead(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.PresetsPublicRead {
			h(w, r)
			return
		}
		s.admin(h)(w, r)
	}
}

// eventRing keeps the most recent bus events for GET /events and stream
// resume. Event sequence numbers are the resume cursor.
type eventRing struct {
	mu     sync.Mutex
	events []trace.Event
	next   int
	full   bool
}

func newEventRing(size int) *eventRing {
	return &eventRing{events: make([]trace.Event, size)}
}

func (er *eventRing) push(ev trace.Event) {
	er.mu.Lock()
	er.events[er.next] = ev
	er.next = (er.next + 1) % len(er.events)
	if er.next == 0 {
		er.full = true
	}
	er.mu.Unlock()
}

// since returns events with Seq > cursor, oldest first, filtered by traceID
// when non-empty.
func (er *eventRing) since(cursor uint64, traceID string, limit int) []trace.Event {
	er.mu.Lock()
	defer er.mu.Unlock()
	var ordered []trace.Event
	if er.full {
		ordered = append(ordered, er.events[er.next:]...)
	}
	ordered = append(ordered, er.events[:er.next]...)

	out := make([]trace.Event, 0, len(ordered))
	for _, ev := range ordered {
		if ev.Seq <= cursor {
			continue
		}
		if traceID != "" && ev.TraceID != traceID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
