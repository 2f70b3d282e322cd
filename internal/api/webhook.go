package api

import (
	"net/http"
	"time"

	"github.com/openclaw/gateway/internal/admission"
	"github.com/openclaw/gateway/internal/auth"
	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/job"
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	s.admitHTTP(w, r, job.SourceWebhook, false)
}

func (s *Server) handleWebhookValidate(w http.ResponseWriter, r *http.Request) {
	s.admitHTTP(w, r, job.SourceWebhook, true)
}

func (s *Server) handleTriggerFire(w http.ResponseWriter, r *http.Request) {
	// Trigger fires ride the admin identity; admin middleware already ran.
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeErr(w, r.Header.Get(auth.HeaderTraceID), err)
		return
	}
	var payload map[string]interface{}
	if err := decodeInto(body, &payload); err != nil {
		s.writeErr(w, r.Header.Get(auth.HeaderTraceID), err)
		return
	}
	s.admit(w, r, admission.Request{
		TraceID:        r.Header.Get(auth.HeaderTraceID),
		Source:         job.SourceTrigger,
		Caller:         "admin",
		ClientIP:       s.auth.ClientIP(r),
		IdempotencyKey: r.Header.Get(auth.HeaderIdempotencyKey),
		Payload:        payload,
	})
}

// admitHTTP authenticates the webhook surface and feeds the admission
// pipeline.
func (s *Server) admitHTTP(w http.ResponseWriter, r *http.Request, source string, dryRun bool) {
	traceID := r.Header.Get(auth.HeaderTraceID)
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeErr(w, traceID, err)
		return
	}
	ident, err := s.auth.Webhook(r, body)
	if err != nil {
		s.metrics.RecordRejection(source, string(errkind.KindOf(err)))
		s.writeErr(w, traceID, err)
		return
	}
	var payload map[string]interface{}
	if err := decodeInto(body, &payload); err != nil {
		s.metrics.RecordRejection(source, string(errkind.KindOf(err)))
		s.writeErr(w, traceID, err)
		return
	}
	s.admit(w, r, admission.Request{
		TraceID:        traceID,
		Source:         source,
		Caller:         ident.Class,
		ClientIP:       s.auth.ClientIP(r),
		IdempotencyKey: r.Header.Get(auth.HeaderIdempotencyKey),
		Payload:        payload,
		DryRun:         dryRun,
	})
}

func (s *Server) admit(w http.ResponseWriter, r *http.Request, req admission.Request) {
	started := time.Now()
	res, err := s.pipeline.Admit(r.Context(), req)
	if err != nil {
		s.metrics.RecordRejection(req.Source, string(errkind.KindOf(err)))
		traceID := req.TraceID
		if res != nil && res.TraceID != "" {
			traceID = res.TraceID
		}
		s.writeErr(w, traceID, err)
		return
	}
	if res.Replayed {
		s.metrics.IdempotentHits.Inc()
	} else if res.Status < 300 && !req.DryRun {
		template, _ := res.Data["template_id"].(string)
		s.metrics.RecordAdmission(req.Source, template, time.Since(started).Seconds())
	}
	s.writeOK(w, res.Status, res.TraceID, res.Data)
}
