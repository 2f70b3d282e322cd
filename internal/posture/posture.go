// Package posture evaluates the deployment posture snapshot taken at
// startup. In hardened runtime or public deployment profile the checks are
// fail-closed: a violation aborts route registration before anything is
// served.
package posture

import (
	"fmt"
	"log/slog"

	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/errkind"
)

// Snapshot is the immutable process-wide posture. Lock it once during
// startup; runtime never mutates it.
type Snapshot struct {
	Profile              string
	RuntimeProfile       string
	BridgeEnabled        bool
	AdminTokenSet        bool
	WebhookAuthSet       bool
	BypassAnyPublicHost  bool
	BypassInsecureBase   bool
	CallbackAllowlistSet bool
	SharedSurfaceAck     bool
	BridgeMTLSSet        bool
	TrustedProxies       []string

	locked bool
}

// FromConfig captures the posture-relevant subset of cfg.
func FromConfig(cfg *config.Config) *Snapshot {
	return &Snapshot{
		Profile:              cfg.DeploymentProfile,
		RuntimeProfile:       cfg.RuntimeProfile,
		BridgeEnabled:        cfg.BridgeEnabled,
		AdminTokenSet:        cfg.AdminToken != "",
		WebhookAuthSet:       cfg.WebhookToken != "" || cfg.WebhookHMACSecret != "",
		BypassAnyPublicHost:  cfg.AllowAnyPublicLLMHost,
		BypassInsecureBase:   cfg.AllowInsecureBaseURL,
		CallbackAllowlistSet: len(cfg.CallbackAllowHosts) > 0,
		SharedSurfaceAck:     cfg.SharedSurfaceAck,
		BridgeMTLSSet:        cfg.BridgeMTLSBundle != "",
		TrustedProxies:       append([]string(nil), cfg.TrustedProxies...),
	}
}

// Lock freezes the snapshot. Mutations after Lock panic, which would be a
// programming error caught in development.
func (s *Snapshot) Lock() { s.locked = true }

// Locked reports whether the snapshot is frozen.
func (s *Snapshot) Locked() bool { return s.locked }

// Strict reports whether fail-closed rules apply.
func (s *Snapshot) Strict() bool {
	return s.RuntimeProfile == config.RuntimeHardened || s.Profile == config.ProfilePublic
}

// Violation describes one failed gate check.
type Violation struct {
	Check  string
	Detail string
}

func (v Violation) String() string { return fmt.Sprintf("%s: %s", v.Check, v.Detail) }

// Evaluate runs every gate check and returns the violations. In non-strict
// postures the violations are advisory; callers log them and continue.
func (s *Snapshot) Evaluate() []Violation {
	var out []Violation
	if !s.AdminTokenSet {
		out = append(out, Violation{"admin_credentials", "no admin token configured"})
	}
	if !s.WebhookAuthSet {
		out = append(out, Violation{"webhook_credentials", "no webhook token or HMAC secret configured"})
	}
	if s.BypassAnyPublicHost {
		out = append(out, Violation{"bypass_any_public_host", "ALLOW_ANY_PUBLIC_LLM_HOST is enabled"})
	}
	if s.BypassInsecureBase {
		out = append(out, Violation{"bypass_insecure_base_url", "ALLOW_INSECURE_BASE_URL is enabled"})
	}
	if !s.CallbackAllowlistSet {
		out = append(out, Violation{"callback_allowlist", "no callback allow-hosts configured"})
	}
	if s.Profile == config.ProfilePublic && !s.SharedSurfaceAck {
		out = append(out, Violation{"shared_surface_ack", "public profile requires the shared-surface acknowledgement"})
	}
	if s.BridgeEnabled && s.Profile == config.ProfilePublic && !s.BridgeMTLSSet {
		out = append(out, Violation{"bridge_mtls", "bridge in public profile requires an mTLS bundle"})
	}
	return out
}

// Gate evaluates the snapshot and returns a fatal posture_violation error in
// strict postures. Called once at startup and again at route registration.
func (s *Snapshot) Gate() error {
	violations := s.Evaluate()
	if len(violations) == 0 {
		return nil
	}
	if s.Strict() {
		return errkind.Newf(errkind.PostureViolation,
			"%d posture check(s) failed in %s/%s: %v",
			len(violations), s.Profile, s.RuntimeProfile, violations)
	}
	for _, v := range violations {
		slog.Warn("posture check failed (advisory in this profile)",
			"check", v.Check, "detail", v.Detail,
			"profile", s.Profile, "runtime", s.RuntimeProfile)
	}
	return nil
}
