package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/openclaw/gateway/internal/auth"
	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/llm"
	"github.com/openclaw/gateway/internal/trace"
)

const plannerSystem = `You are a render-workflow planner for a local image
generation engine. Given a goal, propose which template to use and concrete
input values. Answer with a short plan, then a JSON object
{"template_id": ..., "inputs": {...}}.`

const refinerSystem = `You refine image generation prompts. Rewrite the given
prompt to be more specific and visually descriptive while preserving the
subject. Answer with only the refined prompt.`

type assistRequest struct {
	Goal        string  `json:"goal,omitempty"`
	Prompt      string  `json:"prompt,omitempty"`
	TemplateID  string  `json:"template_id,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
}

func (s *Server) assistLLMRequest(r *http.Request, body []byte, system string) (llm.Request, string, error) {
	if s.llm == nil {
		return llm.Request{}, "", errkind.New(errkind.Disabled, "no assist provider configured")
	}
	var req assistRequest
	if err := decodeInto(body, &req); err != nil {
		return llm.Request{}, "", err
	}
	text := req.Goal
	if text == "" {
		text = req.Prompt
	}
	if strings.TrimSpace(text) == "" {
		return llm.Request{}, "", errkind.New(errkind.ValidationError, "goal or prompt is required")
	}
	if req.TemplateID != "" {
		if tpl, err := s.registry.Get(req.TemplateID); err == nil {
			schema, _ := json.Marshal(tpl.Schema)
			system = fmt.Sprintf("%s\n\nTarget template %q schema: %s", system, tpl.ID, schema)
		}
	}
	traceID := r.Header.Get(auth.HeaderTraceID)
	if traceID == "" {
		traceID = trace.NewID()
	}
	return llm.Request{
		System:      system,
		Prompt:      text,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}, traceID, nil
}

func (s *Server) handlePlanner(w http.ResponseWriter, r *http.Request) {
	s.assistComplete(w, r, "planner", plannerSystem)
}

func (s *Server) handleRefiner(w http.ResponseWriter, r *http.Request) {
	s.assistComplete(w, r, "refiner", refinerSystem)
}

func (s *Server) assistComplete(w http.ResponseWriter, r *http.Request, endpoint, system string) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeErr(w, "", err)
		return
	}
	req, traceID, err := s.assistLLMRequest(r, body, system)
	if err != nil {
		s.metrics.AssistRequests.WithLabelValues(endpoint, "rejected").Inc()
		s.writeErr(w, traceID, err)
		return
	}
	resp, err := s.llm.Complete(r.Context(), req, traceID)
	if err != nil {
		s.metrics.AssistRequests.WithLabelValues(endpoint, "failed").Inc()
		s.writeErr(w, traceID, err)
		return
	}
	s.metrics.AssistRequests.WithLabelValues(endpoint, "ok").Inc()
	s.writeOK(w, http.StatusOK, traceID, map[string]interface{}{
		"text":     resp.Text,
		"provider": string(resp.Provider),
		"model":    resp.Model,
		"usage": map[string]int{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
	})
}

func (s *Server) handlePlannerStream(w http.ResponseWriter, r *http.Request) {
	s.assistStream(w, r, "planner", plannerSystem)
}

func (s *Server) handleRefinerStream(w http.ResponseWriter, r *http.Request) {
	s.assistStream(w, r, "refiner", refinerSystem)
}

// assistStream serves the {ready, stage, delta, final, error, keepalive}
// SSE sequence.
func (s *Server) assistStream(w http.ResponseWriter, r *http.Request, endpoint, system string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeErr(w, "", err)
		return
	}
	req, traceID, err := s.assistLLMRequest(r, body, system)
	if err != nil {
		s.metrics.AssistRequests.WithLabelValues(endpoint, "rejected").Inc()
		s.writeErr(w, traceID, err)
		return
	}
	events, err := s.llm.Stream(r.Context(), req, traceID)
	if err != nil {
		s.metrics.AssistRequests.WithLabelValues(endpoint, "failed").Inc()
		s.writeErr(w, traceID, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: ready\ndata: {\"trace_id\":%q}\n\n", traceID)
	flusher.Flush()

	outcome := "ok"
	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
		flusher.Flush()
		if ev.Type == llm.EventError {
			outcome = "failed"
		}
	}
	s.metrics.AssistRequests.WithLabelValues(endpoint, outcome).Inc()
}
