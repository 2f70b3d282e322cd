// Package job defines the canonical JobSpec shared by admission, approvals,
// the callback watcher, and the scheduler.
package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Request sources.
const (
	SourceWebhook   = "webhook"
	SourceBridge    = "bridge"
	SourceScheduler = "scheduler"
	SourceTrigger   = "trigger"
	SourceApproval  = "approval"
	SourceAdmin     = "admin"
)

// Callback auth modes.
const (
	CallbackAuthNone   = "none"
	CallbackAuthHMAC   = "hmac"
	CallbackAuthBearer = "bearer"
)

// Callback describes where and how a job's result is delivered.
type Callback struct {
	URL         string `json:"url"`
	AuthMode    string `json:"auth_mode,omitempty"`
	SecretRef   string `json:"secret_ref,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	BackoffSec  int    `json:"backoff_sec,omitempty"`
}

// Spec is a queued or pending render.
type Spec struct {
	JobID          string                 `json:"job_id"`
	TemplateID     string                 `json:"template_id"`
	Inputs         map[string]interface{} `json:"inputs"`
	Source         string                 `json:"source"`
	TraceID        string                 `json:"trace_id"`
	RequestedAt    time.Time              `json:"requested_at"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Callback       *Callback              `json:"callback,omitempty"`
	ApprovalRef    string                 `json:"approval_ref,omitempty"`
}

// ComputeID derives the stable job id from the normalized inputs. Key order
// is canonicalized so equal inputs hash equally.
func ComputeID(templateID string, inputs map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(templateID))
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		v, _ := json.Marshal(inputs[k])
		h.Write(v)
	}
	return "j-" + hex.EncodeToString(h.Sum(nil))[:16]
}
