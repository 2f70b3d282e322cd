// Package auth implements the three request auth classes: admin (write),
// observability (read), and webhook (bearer / HMAC / either). Comparisons are
// constant-time; HMAC verification consumes nonces through the idempotency
// store so replays are rejected.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/idempotency"
)

// Headers used by webhook HMAC auth.
const (
	HeaderTimestamp      = "X-Timestamp"
	HeaderNonce          = "X-Nonce"
	HeaderSignature      = "X-Signature"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderTraceID        = "X-Trace-ID"
)

// Identity is the resolved caller identity attached to admitted requests.
type Identity struct {
	Class  string // admin | observability | webhook | bridge | loopback
	Device string // bridge device id, when applicable
	Scopes []string
}

// HasScope reports whether the identity carries scope.
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Authenticator checks request credentials against the resolved config.
type Authenticator struct {
	cfg     *config.Config
	nonces  *idempotency.Store
	skewMax time.Duration
}

// New builds an authenticator. nonces may be the shared idempotency store.
func New(cfg *config.Config, nonces *idempotency.Store) *Authenticator {
	return &Authenticator{cfg: cfg, nonces: nonces, skewMax: 5 * time.Minute}
}

func tokenEqual(got, want string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// ClientIP resolves the trusted client address. X-Forwarded-For is honored
// only when the immediate peer is a trusted proxy and XFF trust is enabled.
func (a *Authenticator) ClientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !a.cfg.TrustXFF || !a.isTrustedProxy(peer) {
		return peer
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer
	}
	parts := strings.Split(xff, ",")
	// Rightmost address not belonging to a trusted proxy.
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip != "" && !a.isTrustedProxy(ip) {
			return ip
		}
	}
	return peer
}

func (a *Authenticator) isTrustedProxy(ip string) bool {
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, entry := range a.cfg.TrustedProxies {
		if strings.Contains(entry, "/") {
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(addr) {
				return true
			}
		} else if entry == ip {
			return true
		}
	}
	return false
}

// IsLoopback reports whether the request's trusted client IP is loopback.
func (a *Authenticator) IsLoopback(r *http.Request) bool {
	ip := net.ParseIP(a.ClientIP(r))
	return ip != nil && ip.IsLoopback()
}

// Admin authorizes a write operation. With a configured token the check is a
// constant-time bearer compare; without one, admin is restricted to loopback
// peers passing the CSRF origin check.
func (a *Authenticator) Admin(r *http.Request) (Identity, error) {
	if a.cfg.AdminToken != "" {
		if tokenEqual(bearer(r), a.cfg.AdminToken) {
			return Identity{Class: "admin"}, nil
		}
		if bearer(r) == "" {
			return Identity{}, errkind.New(errkind.AuthMissing, "admin token required")
		}
		return Identity{}, errkind.New(errkind.AuthInvalid, "admin token mismatch")
	}
	if !a.IsLoopback(r) {
		if a.cfg.AllowRemoteAdmin {
			return Identity{Class: "admin"}, nil
		}
		return Identity{}, errkind.New(errkind.Forbidden, "tokenless admin is loopback-only")
	}
	if err := a.checkCSRF(r); err != nil {
		return Identity{}, err
	}
	return Identity{Class: "loopback"}, nil
}

// checkCSRF validates Origin / Sec-Fetch-Site for tokenless loopback admin.
func (a *Authenticator) checkCSRF(r *http.Request) error {
	if site := r.Header.Get("Sec-Fetch-Site"); site != "" {
		switch site {
		case "same-origin", "none":
			return nil
		default:
			return errkind.Newf(errkind.CSRFFailed, "cross-site request (Sec-Fetch-Site=%s)", site)
		}
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		if a.cfg.AllowNoOriginCSRF {
			return nil
		}
		return errkind.New(errkind.CSRFFailed, "missing Origin on tokenless admin request")
	}
	u, err := url.Parse(origin)
	if err != nil {
		return errkind.New(errkind.CSRFFailed, "unparseable Origin")
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return nil
	}
	return errkind.Newf(errkind.CSRFFailed, "origin %s is not loopback", host)
}

// Observability authorizes read access to logs, traces, and event streams.
// Loopback peers pass without a token.
func (a *Authenticator) Observability(r *http.Request) (Identity, error) {
	if a.IsLoopback(r) {
		return Identity{Class: "loopback"}, nil
	}
	if a.cfg.ObservabilityToken == "" {
		// Fall back to the admin credential when no dedicated read token
		// exists.
		return a.Admin(r)
	}
	if tokenEqual(bearer(r), a.cfg.ObservabilityToken) ||
		(a.cfg.AdminToken != "" && tokenEqual(bearer(r), a.cfg.AdminToken)) {
		return Identity{Class: "observability"}, nil
	}
	if bearer(r) == "" {
		return Identity{}, errkind.New(errkind.AuthMissing, "observability token required")
	}
	return Identity{}, errkind.New(errkind.AuthInvalid, "observability token mismatch")
}

// Webhook authorizes an inbound webhook call. body is the already-read
// request body used for HMAC verification.
func (a *Authenticator) Webhook(r *http.Request, body []byte) (Identity, error) {
	switch a.cfg.WebhookMode {
	case config.WebhookModeBearer:
		return a.webhookBearer(r)
	case config.WebhookModeHMAC:
		return a.webhookHMAC(r, body)
	case config.WebhookModeBearerOrHMAC:
		if r.Header.Get(HeaderSignature) != "" {
			return a.webhookHMAC(r, body)
		}
		return a.webhookBearer(r)
	default:
		return Identity{}, errkind.New(errkind.Internal, "unknown webhook mode")
	}
}

func (a *Authenticator) webhookBearer(r *http.Request) (Identity, error) {
	if a.cfg.WebhookToken == "" {
		return Identity{}, errkind.New(errkind.AuthInvalid, "webhook bearer auth not configured")
	}
	got := bearer(r)
	if got == "" {
		return Identity{}, errkind.New(errkind.AuthMissing, "webhook bearer token required")
	}
	if !tokenEqual(got, a.cfg.WebhookToken) {
		return Identity{}, errkind.New(errkind.AuthInvalid, "webhook token mismatch")
	}
	return Identity{Class: "webhook"}, nil
}

// webhookHMAC verifies HMAC(secret, method + path + timestamp + nonce + body)
// in constant time, bounds timestamp skew, and consumes the nonce.
func (a *Authenticator) webhookHMAC(r *http.Request, body []byte) (Identity, error) {
	if a.cfg.WebhookHMACSecret == "" {
		return Identity{}, errkind.New(errkind.AuthInvalid, "webhook HMAC auth not configured")
	}
	ts := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	sig := r.Header.Get(HeaderSignature)
	if ts == "" || nonce == "" || sig == "" {
		return Identity{}, errkind.New(errkind.AuthMissing, "HMAC headers missing")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Identity{}, errkind.New(errkind.AuthInvalid, "bad timestamp")
	}
	skew := time.Since(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.skewMax {
		return Identity{}, errkind.New(errkind.AuthInvalid, "timestamp outside allowed window")
	}

	expected := ComputeHMAC(a.cfg.WebhookHMACSecret, r.Method, r.URL.Path, ts, nonce, body)
	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(got, expected) {
		return Identity{}, errkind.New(errkind.AuthInvalid, "HMAC signature mismatch")
	}

	if a.nonces != nil && !a.nonces.ConsumeNonce(r.Context(), nonce, a.skewMax*2) {
		return Identity{}, errkind.New(errkind.AuthInvalid, "nonce replayed")
	}
	return Identity{Class: "webhook"}, nil
}

// ComputeHMAC builds the webhook signature over method+path+timestamp+nonce+body.
func ComputeHMAC(secret, method, path, timestamp, nonce string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(nonce))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignBody returns the hex HMAC-SHA256 of a callback delivery body, matching
// what destinations verify.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
