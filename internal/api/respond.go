package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/openclaw/gateway/internal/errkind"
)

// envelope is the uniform JSON response shape.
type envelope struct {
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Detail  string      `json:"detail,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeOK(w http.ResponseWriter, status int, traceID string, data interface{}) {
	writeJSON(w, status, envelope{OK: true, TraceID: traceID, Data: data})
}

func (s *Server) writeErr(w http.ResponseWriter, traceID string, err error) {
	kind := errkind.KindOf(err)
	status := errkind.HTTPStatus(kind)
	if ra := errkind.RetryAfterOf(err); ra > 0 {
		secs := int(ra.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	detail := errkind.DetailOf(err)
	if kind == errkind.Internal {
		// Untagged errors carry raw internals; clients get the kind only.
		detail = ""
	}
	if s.redactor != nil {
		detail = s.redactor.String(detail)
	}
	writeJSON(w, status, envelope{OK: false, Error: string(kind), Detail: detail, TraceID: traceID})
}

// page holds normalized list-window parameters plus the diagnostics the
// response carries back.
type page struct {
	Limit  int
	Offset int
}

const (
	pageDefault = 50
	pageMax     = 500
)

// normalizePage clamps limit/offset from the query string.
func normalizePage(r *http.Request) page {
	p := page{Limit: pageDefault}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Limit = n
		}
	}
	if p.Limit > pageMax {
		p.Limit = pageMax
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Offset = n
		}
	}
	return p
}

// window applies the page to total items and returns the slice bounds plus
// the pagination and scan diagnostics.
func (p page) window(total int) (lo, hi int, diag map[string]interface{}) {
	lo = p.Offset
	if lo > total {
		lo = total
	}
	hi = lo + p.Limit
	if hi > total {
		hi = total
	}
	diag = map[string]interface{}{
		"pagination": map[string]interface{}{
			"limit":    p.Limit,
			"offset":   p.Offset,
			"returned": hi - lo,
		},
		"scan": map[string]interface{}{
			"total":     total,
			"truncated": hi < total,
		},
	}
	return lo, hi, diag
}

// readBody consumes the request body up to the byte cap.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	max := int64(s.maxBody)
	r.Body = http.MaxBytesReader(w, r.Body, max)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, errkind.Newf(errkind.PayloadTooLarge, "body exceeds %d bytes", max)
		}
		return nil, errkind.Wrap(errkind.ValidationError, "body read failed", err)
	}
	return body, nil
}

// decodeInto parses body into dst with a validation_error on bad JSON.
func decodeInto(body []byte, dst interface{}) error {
	if len(body) == 0 {
		return errkind.New(errkind.ValidationError, "request body is empty")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errkind.Wrap(errkind.ValidationError, fmt.Sprintf("invalid JSON: %v", err), err)
	}
	return nil
}
