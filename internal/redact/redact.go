// Package redact masks credential material at every observability egress:
// logs-tail, trace retrieval, approval detail, audit event emission.
package redact

import (
	"regexp"
	"strings"
)

const (
	maskShort = "****"
	maskLong  = "********"
)

// Patterns for known provider key prefixes and PEM blocks. Values inside
// fields marked as credential context are masked whole, so that prompt text
// and filenames survive untouched elsewhere.
var (
	providerKeyRe = regexp.MustCompile(`\b(sk-[A-Za-z0-9_\-]{10,}|sk-ant-[A-Za-z0-9_\-]{10,}|xoxb-[A-Za-z0-9\-]{10,}|ghp_[A-Za-z0-9]{20,}|AKIA[0-9A-Z]{16})\b`)
	pemBlockRe    = regexp.MustCompile(`-----BEGIN [A-Z ]+-----[\s\S]*?-----END [A-Z ]+-----`)
	headerNameRe  = regexp.MustCompile(`(?i)(token|secret|auth|key|password|credential)`)
)

// Redactor applies pattern-based masking. The zero value is not usable;
// construct with New.
type Redactor struct {
	maxBytes int
	maxDepth int
}

// New builds a redactor that also truncates payloads to maxBytes per string
// value and maxDepth nesting levels when walking maps.
func New(maxBytes, maxDepth int) *Redactor {
	if maxBytes <= 0 {
		maxBytes = 2048
	}
	if maxDepth <= 0 {
		maxDepth = 6
	}
	return &Redactor{maxBytes: maxBytes, maxDepth: maxDepth}
}

// mask replaces a secret with a fixed-length marker preserving only the
// length class (short vs long).
func mask(s string) string {
	if len(s) > 16 {
		return maskLong
	}
	return maskShort
}

// String masks provider keys and PEM blocks in free text.
func (r *Redactor) String(s string) string {
	s = providerKeyRe.ReplaceAllStringFunc(s, mask)
	s = pemBlockRe.ReplaceAllStringFunc(s, func(string) string { return maskLong })
	if len(s) > r.maxBytes {
		s = s[:r.maxBytes] + "…(truncated)"
	}
	return s
}

// Credential masks a value that is known to be credential material. The
// whole value is replaced regardless of shape; a short token is still a
// token.
func (r *Redactor) Credential(s string) string {
	if s == "" {
		return s
	}
	return mask(s)
}

// SensitiveKey reports whether a map key or header name denotes credential
// context.
func SensitiveKey(name string) bool {
	return headerNameRe.MatchString(name)
}

// Map returns a deep-copied, masked, truncated version of payload. The input
// is never mutated; values beyond the depth budget collapse to a marker.
func (r *Redactor) Map(payload map[string]interface{}) map[string]interface{} {
	return r.walkMap(payload, 0)
}

func (r *Redactor) walkMap(in map[string]interface{}, depth int) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = r.walkValue(k, v, depth+1)
	}
	return out
}

func (r *Redactor) walkValue(key string, v interface{}, depth int) interface{} {
	if depth > r.maxDepth {
		return "…(depth)"
	}
	switch tv := v.(type) {
	case string:
		if SensitiveKey(key) {
			return r.Credential(tv)
		}
		return r.String(tv)
	case map[string]interface{}:
		return r.walkMap(tv, depth)
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, item := range tv {
			out[i] = r.walkValue(key, item, depth+1)
		}
		return out
	default:
		return v
	}
}

// Headers masks sensitive header values, preserving the rest verbatim.
func (r *Redactor) Headers(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for name, vals := range h {
		cp := make([]string, len(vals))
		for i, v := range vals {
			if SensitiveKey(name) || strings.EqualFold(name, "Authorization") || strings.EqualFold(name, "Cookie") {
				cp[i] = mask(v)
			} else {
				cp[i] = r.String(v)
			}
		}
		out[name] = cp
	}
	return out
}
