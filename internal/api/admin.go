package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/openclaw/gateway/internal/approval"
	"github.com/openclaw/gateway/internal/preset"
	"github.com/openclaw/gateway/internal/scheduler"
)

func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	p := normalizePage(r)
	all := s.approvals.List(r.URL.Query().Get("status"), 0)
	lo, hi, diag := p.window(len(all))
	data := map[string]interface{}{"approvals": all[lo:hi]}
	for k, v := range diag {
		data[k] = v
	}
	s.writeOK(w, http.StatusOK, "", data)
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.approvals.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, "", err)
		return
	}
	s.writeOK(w, http.StatusOK, rec.Job.TraceID, rec)
}

func (s *Server) handleApprovalApprove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		AutoExecute bool   `json:"auto_execute"`
		DecidedBy   string `json:"decided_by"`
	}
	if raw, err := s.readBody(w, r); err == nil && len(raw) > 0 {
		_ = decodeInto(raw, &body)
	}
	if body.DecidedBy == "" {
		body.DecidedBy = "admin"
	}
	rec, err := s.approvals.Approve(r.Context(), id, body.DecidedBy, body.AutoExecute)
	if err != nil {
		s.writeErr(w, "", err)
		return
	}
	data := map[string]interface{}{
		"approval_id": rec.ApprovalID,
		"status":      rec.Status,
		"executed":    rec.Status == approval.StatusExecuted,
	}
	if rec.PromptID != "" {
		data["prompt_id"] = rec.PromptID
	}
	if rec.LastError != "" {
		data["last_error"] = rec.LastError
	}
	s.writeOK(w, http.StatusOK, rec.Job.TraceID, data)
}

func (s *Server) handleApprovalReject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Reason    string `json:"reason"`
		DecidedBy string `json:"decided_by"`
	}
	if raw, err := s.readBody(w, r); err == nil && len(raw) > 0 {
		_ = decodeInto(raw, &body)
	}
	if body.DecidedBy == "" {
		body.DecidedBy = "admin"
	}
	rec, err := s.approvals.Reject(id, body.DecidedBy, body.Reason)
	if err != nil {
		s.writeErr(w, "", err)
		return
	}
	s.writeOK(w, http.StatusOK, rec.Job.TraceID, map[string]interface{}{
		"approval_id": rec.ApprovalID,
		"status":      rec.Status,
		"reason":      rec.Reason,
	})
}

func (s *Server) handleSchedulesList(w http.ResponseWriter, r *http.Request) {
	p := normalizePage(r)
	all := s.sched.List()
	lo, hi, diag := p.window(len(all))
	data := map[string]interface{}{"schedules": all[lo:hi]}
	for k, v := range diag {
		data[k] = v
	}
	s.writeOK(w, http.StatusOK, "", data)
}

func (s *Server) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	sch, err := s.sched.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, "", err)
		return
	}
	s.writeOK(w, http.StatusOK, "", sch)
}

func (s *Server) scheduleUpsert(w http.ResponseWriter, r *http.Request, forceID string) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeErr(w, "", err)
		return
	}
	var sch scheduler.Schedule
	if err := decodeInto(body, &sch); err != nil {
		s.writeErr(w, "", err)
		return
	}
	if forceID != "" {
		sch.ScheduleID = forceID
	}
	created := sch.ScheduleID == ""
	out, err := s.sched.Upsert(sch)
	if err != nil {
		s.writeErr(w, "", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeOK(w, status, "", out)
}

func (s *Server) handleScheduleUpsert(w http.ResponseWriter, r *http.Request) {
	s.scheduleUpsert(w, r, "")
}

func (s *Server) handleScheduleUpsertByID(w http.ResponseWriter, r *http.Request) {
	s.scheduleUpsert(w, r, mux.Vars(r)["id"])
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Delete(mux.Vars(r)["id"]); err != nil {
		s.writeErr(w, "", err)
		return
	}
	s.writeOK(w, http.StatusOK, "", map[string]interface{}{"deleted": true})
}

func (s *Server) handleScheduleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	runs := s.sched.Runs(mux.Vars(r)["id"], limit)
	s.writeOK(w, http.StatusOK, "", map[string]interface{}{"runs": runs})
}

func (s *Server) handlePresetsList(w http.ResponseWriter, r *http.Request) {
	p := normalizePage(r)
	all := s.presets.List()
	lo, hi, diag := p.window(len(all))
	data := map[string]interface{}{"presets": all[lo:hi]}
	for k, v := range diag {
		data[k] = v
	}
	s.writeOK(w, http.StatusOK, "", data)
}

func (s *Server) handlePresetGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.presets.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, "", err)
		return
	}
	s.writeOK(w, http.StatusOK, "", p)
}

func (s *Server) presetUpsert(w http.ResponseWriter, r *http.Request, forceID string) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeErr(w, "", err)
		return
	}
	var p preset.Preset
	if err := decodeInto(body, &p); err != nil {
		s.writeErr(w, "", err)
		return
	}
	if forceID != "" {
		p.PresetID = forceID
	}
	created := p.PresetID == ""
	out, err := s.presets.Upsert(p)
	if err != nil {
		s.writeErr(w, "", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeOK(w, status, "", out)
}

func (s *Server) handlePresetUpsert(w http.ResponseWriter, r *http.Request) {
	s.presetUpsert(w, r, "")
}

func (s *Server) handlePresetUpsertByID(w http.ResponseWriter, r *http.Request) {
	s.presetUpsert(w, r, mux.Vars(r)["id"])
}

func (s *Server) handlePresetDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.presets.Delete(mux.Vars(r)["id"]); err != nil {
		s.writeErr(w, "", err)
		return
	}
	s.writeOK(w, http.StatusOK, "", map[string]interface{}{"deleted": true})
}
