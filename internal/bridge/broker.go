// Package bridge serves the device bridge subtree: chat-platform relays
// enroll with the shared device token, receive short-lived HMAC-signed
// session tokens, and submit render jobs under per-device scopes.
package bridge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/store"
)

// Session token claims. Tokens are base64(claims) + "." + base64(signature).
type Claims struct {
	TokenID   string   `json:"tid"`
	Device    string   `json:"dev"`
	Scopes    []string `json:"scp"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
	Issuer    string   `json:"iss"`
}

// HasScope reports whether the claims grant scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// SessionToken is the issued credential returned on handshake.
type SessionToken struct {
	Token     string `json:"token"`
	TokenID   string `json:"token_id"`
	ExpiresAt int64  `json:"expires_at"`
}

// BrokerOptions configures session issuance.
type BrokerOptions struct {
	Secret              string
	PreviousSecret      string // previous key honored during the grace window
	RotationGracePeriod time.Duration
	TTL                 time.Duration
	Issuer              string
	MaxActivePerDevice  int
}

func (o *BrokerOptions) defaults() {
	if o.TTL <= 0 {
		o.TTL = 15 * time.Minute
	}
	if o.Issuer == "" {
		o.Issuer = "openclaw-gateway"
	}
	if o.MaxActivePerDevice <= 0 {
		o.MaxActivePerDevice = 8
	}
	if o.RotationGracePeriod <= 0 {
		o.RotationGracePeriod = 24 * time.Hour
	}
}

// brokerState is the persisted slice of broker state in bridge_tokens.json.
// Signatures are stateless; only revocations and active-token accounting
// need to survive a restart.
type brokerState struct {
	Active  map[string]*Claims   `json:"active"`
	Revoked map[string]time.Time `json:"revoked"`
}

// Broker issues and validates HMAC-signed device session tokens.
type Broker struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
	ttl        time.Duration
	issuer     string
	maxPerDev  int
	path       string

	active  map[string]*Claims
	revoked map[string]time.Time
	perDev  map[string]int
}

// NewBroker loads persisted state from path (bridge_tokens.json) when present.
func NewBroker(path string, opts BrokerOptions) (*Broker, error) {
	opts.defaults()
	b := &Broker{
		secret:    []byte(opts.Secret),
		ttl:       opts.TTL,
		issuer:    opts.Issuer,
		maxPerDev: opts.MaxActivePerDevice,
		path:      path,
		active:    make(map[string]*Claims),
		revoked:   make(map[string]time.Time),
		perDev:    make(map[string]int),
	}
	if opts.PreviousSecret != "" {
		b.prevSecret = []byte(opts.PreviousSecret)
		b.graceUntil = time.Now().Add(opts.RotationGracePeriod)
	}
	if path != "" {
		var st brokerState
		if _, err := store.LoadJSON(path, &st); err != nil {
			return nil, err
		}
		if st.Active != nil {
			b.active = st.Active
		}
		if st.Revoked != nil {
			b.revoked = st.Revoked
		}
		for _, c := range b.active {
			b.perDev[c.Device]++
		}
	}
	return b, nil
}

func (b *Broker) persistLocked() {
	if b.path == "" {
		return
	}
	_ = store.SaveJSON(b.path, brokerState{Active: b.active, Revoked: b.revoked})
}

// Issue mints a session token for device with the requested scopes.
func (b *Broker) Issue(device string, scopes []string) (*SessionToken, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.perDev[device] >= b.maxPerDev {
		return nil, errkind.Newf(errkind.RateLimitExceeded,
			"device %s has %d active sessions", device, b.perDev[device])
	}

	now := time.Now()
	claims := &Claims{
		TokenID:   "bt-" + uuid.NewString()[:12],
		Device:    device,
		Scopes:    scopes,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(b.ttl).Unix(),
		Issuer:    b.issuer,
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}
	sig := signHMAC(b.secret, claimsJSON)
	token := base64.RawURLEncoding.EncodeToString(claimsJSON) + "." +
		base64.RawURLEncoding.EncodeToString(sig)

	b.active[claims.TokenID] = claims
	b.perDev[device]++
	b.persistLocked()

	return &SessionToken{Token: token, TokenID: claims.TokenID, ExpiresAt: claims.ExpiresAt}, nil
}

// Verify checks signature, expiry, and revocation. During a key rotation the
// previous secret is honored until the grace window closes.
func (b *Broker) Verify(token string) (*Claims, error) {
	dot := strings.LastIndexByte(token, '.')
	if dot < 0 {
		return nil, errkind.New(errkind.AuthInvalid, "malformed session token")
	}
	claimsJSON, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return nil, errkind.New(errkind.AuthInvalid, "bad token encoding")
	}
	sig, err := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		return nil, errkind.New(errkind.AuthInvalid, "bad signature encoding")
	}

	b.mu.RLock()
	valid := hmac.Equal(sig, signHMAC(b.secret, claimsJSON))
	if !valid && len(b.prevSecret) > 0 && time.Now().Before(b.graceUntil) {
		valid = hmac.Equal(sig, signHMAC(b.prevSecret, claimsJSON))
	}
	b.mu.RUnlock()
	if !valid {
		return nil, errkind.New(errkind.AuthInvalid, "session token signature mismatch")
	}

	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, errkind.New(errkind.AuthInvalid, "bad token claims")
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, errkind.New(errkind.AuthInvalid, "session token expired")
	}
	b.mu.RLock()
	_, revoked := b.revoked[claims.TokenID]
	b.mu.RUnlock()
	if revoked {
		return nil, errkind.New(errkind.AuthInvalid, "session token revoked")
	}
	return &claims, nil
}

// Revoke is idempotent.
func (b *Broker) Revoke(tokenID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if claims, ok := b.active[tokenID]; ok {
		delete(b.active, tokenID)
		if b.perDev[claims.Device] > 0 {
			b.perDev[claims.Device]--
		}
	}
	b.revoked[tokenID] = time.Now()
	b.persistLocked()
}

// RevokeDevice drops every active session for a device.
func (b *Broker) RevokeDevice(device string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	n := 0
	for id, claims := range b.active {
		if claims.Device == device {
			delete(b.active, id)
			b.revoked[id] = now
			n++
		}
	}
	b.perDev[device] = 0
	b.persistLocked()
	return n
}

// RotateSecret swaps the signing key; the old key stays valid for the grace
// window so live sessions survive the rotation.
func (b *Broker) RotateSecret(next string, grace time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	b.prevSecret = b.secret
	b.graceUntil = time.Now().Add(grace)
	b.secret = []byte(next)
}

// Sweep drops expired sessions and stale revocation entries.
func (b *Broker) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	swept := 0
	for id, claims := range b.active {
		if now.Unix() > claims.ExpiresAt {
			delete(b.active, id)
			if b.perDev[claims.Device] > 0 {
				b.perDev[claims.Device]--
			}
			swept++
		}
	}
	cutoff := now.Add(-time.Hour)
	for id, at := range b.revoked {
		if at.Before(cutoff) {
			delete(b.revoked, id)
		}
	}
	if swept > 0 {
		b.persistLocked()
	}
	return swept
}

// Stats reports broker counters for the health endpoint.
func (b *Broker) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]interface{}{
		"active_sessions":  len(b.active),
		"revoked_sessions": len(b.revoked),
		"devices":          len(b.perDev),
		"ttl_sec":          int(b.ttl / time.Second),
	}
}

func signHMAC(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}
