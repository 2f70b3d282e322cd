package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/openclaw/gateway/internal/budget"
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/registry"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	engineState := "up"
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.eng.Ping(ctx); err != nil {
		engineState = "down"
	}
	s.writeOK(w, http.StatusOK, "", map[string]interface{}{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.startedAt).Seconds()),
		"engine":     engineState,
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	templates := make([]string, 0)
	for _, t := range s.registry.List() {
		templates = append(templates, t.ID)
	}
	providers := make([]string, 0)
	if s.llm != nil {
		for _, c := range s.llm.Candidates() {
			providers = append(providers, c.Key())
		}
	}
	s.writeOK(w, http.StatusOK, "", map[string]interface{}{
		"templates":          templates,
		"assist_candidates":  providers,
		"bridge_enabled":     s.cfg.BridgeEnabled,
		"deployment_profile": s.cfg.DeploymentProfile,
		"runtime_profile":    s.cfg.RuntimeProfile,
		"webhook_mode":       s.cfg.WebhookMode,
		"require_approval":   s.mutable.Get().RequireApproval,
	})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	s.writeOK(w, http.StatusOK, "", s.mutable.Sanitized(s.cfg))
}

func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeErr(w, "", err)
		return
	}
	next, err := s.mutable.Patch(body)
	if err != nil {
		s.writeErr(w, "", err)
		return
	}
	s.applyMutable(next)
	s.writeOK(w, http.StatusOK, "", s.mutable.Sanitized(s.cfg))
}

// applyMutable pushes patched limits into the live components.
func (s *Server) applyMutable(cur config.Mutable) {
	if s.gate != nil {
		s.gate.SetLimits(budget.Limits{
			Total:   cur.MaxInflightTotal,
			Webhook: cur.MaxInflightWebhook,
			Bridge:  cur.MaxInflightBridge,
		})
	}
	if cur.MaxRenderedWorkflowBytes > 0 {
		s.maxBody = cur.MaxRenderedWorkflowBytes
	}
	if s.llm != nil && cur.LLMTimeoutSec > 0 {
		s.llm.SetTimeout(time.Duration(cur.LLMTimeoutSec) * time.Second)
	}
}

func (s *Server) handleLogsTail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries := s.logRing.Tail(limit, q.Get("trace_id"), q.Get("level"))
	s.writeOK(w, http.StatusOK, q.Get("trace_id"), map[string]interface{}{
		"entries": entries,
	})
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["prompt_id"]
	traceID, ok := s.traces.TraceByPrompt(id)
	if !ok {
		// Accept a raw trace id on the same path.
		traceID = id
	}
	timeline := s.traces.Timeline(traceID)
	if len(timeline) == 0 {
		s.writeErr(w, "", errkind.Newf(errkind.NotFound, "no trace for %q", id))
		return
	}
	s.writeOK(w, http.StatusOK, traceID, map[string]interface{}{
		"trace_id": traceID,
		"events":   timeline,
	})
}

func parseCursor(r *http.Request) uint64 {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	n, _ := strconv.ParseUint(raw, 10, 64)
	return n
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	p := normalizePage(r)
	events := s.recent.since(parseCursor(r), r.URL.Query().Get("trace_id"), p.Offset+p.Limit)
	lo, hi, diag := p.window(len(events))
	windowed := events[lo:hi]
	var next uint64
	if len(windowed) > 0 {
		next = windowed[len(windowed)-1].Seq
	}
	data := map[string]interface{}{
		"events":      windowed,
		"next_cursor": strconv.FormatUint(next, 10),
	}
	for k, v := range diag {
		data[k] = v
	}
	s.writeOK(w, http.StatusOK, r.URL.Query().Get("trace_id"), data)
}

func (s *Server) handlePacks(w http.ResponseWriter, r *http.Request) {
	type packView struct {
		ID     string                        `json:"id"`
		Labels []string                      `json:"labels,omitempty"`
		Schema map[string]registry.FieldSpec `json:"schema"`
	}
	list := s.registry.List()
	out := make([]packView, 0, len(list))
	for _, t := range list {
		out = append(out, packView{ID: t.ID, Labels: t.Labels, Schema: t.Schema})
	}
	s.writeOK(w, http.StatusOK, "", map[string]interface{}{"templates": out})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	p := normalizePage(r)
	all := s.watcher.DeadLetters()
	lo, hi, diag := p.window(len(all))
	data := map[string]interface{}{"dead_letters": all[lo:hi]}
	for k, v := range diag {
		data[k] = v
	}
	s.writeOK(w, http.StatusOK, "", data)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	promptID := mux.Vars(r)["prompt_id"]
	if err := s.eng.Interrupt(r.Context()); err != nil {
		s.writeErr(w, "", err)
		return
	}
	traceID, _ := s.traces.TraceByPrompt(promptID)
	s.writeOK(w, http.StatusOK, traceID, map[string]interface{}{
		"prompt_id":   promptID,
		"interrupted": true,
	})
}
