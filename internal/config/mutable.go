package config

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/store"
)

// Mutable is the operator-tunable, non-secret subset persisted in
// config.json. Runtime-guardrail fields (posture, auth, safety allowlists)
// are never part of this file; a PUT that names one is rejected.
type Mutable struct {
	RequireApproval          bool `json:"require_approval"`
	PresetsPublicRead        bool `json:"presets_public_read"`
	MaxInflightTotal         int  `json:"max_inflight_total"`
	MaxInflightWebhook       int  `json:"max_inflight_webhook"`
	MaxInflightBridge        int  `json:"max_inflight_bridge"`
	MaxRenderedWorkflowBytes int  `json:"max_rendered_workflow_bytes"`
	LLMTimeoutSec            int  `json:"llm_timeout_sec"`
	SchedulerMaxCatchup      int  `json:"scheduler_max_catchup"`
}

// guardrailFields are rejected on write and surfaced read-only under the
// runtime_guardrails diagnostic subobject.
var guardrailFields = map[string]struct{}{
	"deployment_profile":        {},
	"runtime_profile":           {},
	"shared_surface_ack":        {},
	"trusted_proxies":           {},
	"trust_xff":                 {},
	"admin_token":               {},
	"obs_token":                 {},
	"webhook_mode":              {},
	"webhook_token":             {},
	"webhook_hmac_secret":       {},
	"allow_any_public_llm_host": {},
	"allow_insecure_base_url":   {},
	"llm_allowed_hosts":         {},
	"callback_allow_hosts":      {},
	"bridge_enabled":            {},
	"bridge_device_token":       {},
	"bridge_mtls_bundle":        {},
	"allow_remote_admin":        {},
	"allow_no_origin":           {},
	"runtime_guardrails":        {},
}

// MutableStore guards config.json with a writer lock; reads return
// snapshots.
type MutableStore struct {
	mu   sync.RWMutex
	path string
	cur  Mutable
}

// NewMutableStore loads config.json, falling back to defaults seeded from
// the environment-resolved config.
func NewMutableStore(path string, cfg *Config) (*MutableStore, error) {
	ms := &MutableStore{path: path}
	ms.cur = Mutable{
		RequireApproval:          cfg.RequireApproval,
		PresetsPublicRead:        cfg.PresetsPublicRead,
		MaxInflightTotal:         cfg.MaxInflightTotal,
		MaxInflightWebhook:       cfg.MaxInflightWebhook,
		MaxInflightBridge:        cfg.MaxInflightBridge,
		MaxRenderedWorkflowBytes: cfg.MaxRenderedWorkflowBytes,
		LLMTimeoutSec:            int(cfg.LLMTimeout / time.Second),
		SchedulerMaxCatchup:      cfg.SchedulerMaxCatchup,
	}
	if _, err := store.LoadJSON(path, &ms.cur); err != nil {
		return nil, err
	}
	return ms, nil
}

// Get returns a snapshot.
func (ms *MutableStore) Get() Mutable {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.cur
}

// Patch applies a raw JSON object onto the current config, rejecting
// guardrail fields and unknown keys, then persists atomically.
func (ms *MutableStore) Patch(raw []byte) (Mutable, error) {
	var incoming map[string]json.RawMessage
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return Mutable{}, errkind.Wrap(errkind.ValidationError, "config body is not a JSON object", err)
	}
	known := knownMutableFields()
	for field := range incoming {
		if _, guard := guardrailFields[field]; guard {
			return Mutable{}, errkind.Newf(errkind.ValidationError,
				"field %q is a runtime guardrail and cannot be persisted", field)
		}
		if _, ok := known[field]; !ok {
			return Mutable{}, errkind.Newf(errkind.ValidationError, "unknown config field %q", field)
		}
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	next := ms.cur
	merged, err := json.Marshal(next)
	if err != nil {
		return Mutable{}, err
	}
	var base map[string]json.RawMessage
	_ = json.Unmarshal(merged, &base)
	for k, v := range incoming {
		base[k] = v
	}
	full, err := json.Marshal(base)
	if err != nil {
		return Mutable{}, err
	}
	if err := json.Unmarshal(full, &next); err != nil {
		return Mutable{}, errkind.Wrap(errkind.ValidationError, "config field has wrong type", err)
	}
	if err := store.SaveJSON(ms.path, next); err != nil {
		return Mutable{}, err
	}
	ms.cur = next
	return next, nil
}

func knownMutableFields() map[string]struct{} {
	raw, _ := json.Marshal(Mutable{})
	var m map[string]json.RawMessage
	_ = json.Unmarshal(raw, &m)
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// Sanitized renders the full read view: mutable fields plus the read-only
// runtime_guardrails diagnostic subobject. Secrets are reported as presence
// booleans only.
func (ms *MutableStore) Sanitized(cfg *Config) map[string]interface{} {
	cur := ms.Get()
	out := map[string]interface{}{}
	raw, _ := json.Marshal(cur)
	_ = json.Unmarshal(raw, &out)
	out["runtime_guardrails"] = map[string]interface{}{
		"deployment_profile":        cfg.DeploymentProfile,
		"runtime_profile":           cfg.RuntimeProfile,
		"shared_surface_ack":        cfg.SharedSurfaceAck,
		"trusted_proxies":           cfg.TrustedProxies,
		"trust_xff":                 cfg.TrustXFF,
		"admin_token_set":           cfg.AdminToken != "",
		"obs_token_set":             cfg.ObservabilityToken != "",
		"webhook_mode":              cfg.WebhookMode,
		"webhook_secret_set":        cfg.WebhookToken != "" || cfg.WebhookHMACSecret != "",
		"allow_any_public_llm_host": cfg.AllowAnyPublicLLMHost,
		"allow_insecure_base_url":   cfg.AllowInsecureBaseURL,
		"llm_allowed_hosts":         cfg.LLMAllowedHosts,
		"callback_allow_hosts":      cfg.CallbackAllowHosts,
		"bridge_enabled":            cfg.BridgeEnabled,
		"diagnostics":               cfg.Diagnostics,
	}
	return out
}
