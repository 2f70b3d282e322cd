package bridge

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/internal/errkind"
)

func newTestBroker(t *testing.T, opts BrokerOptions) *Broker {
	t.Helper()
	if opts.Secret == "" {
		opts.Secret = "broker-secret"
	}
	b, err := NewBroker("", opts)
	require.NoError(t, err)
	return b
}

func TestBrokerIssueVerify(t *testing.T) {
	b := newTestBroker(t, BrokerOptions{})
	tok, err := b.Issue("relay-1", []string{ScopeSubmit})
	require.NoError(t, err)

	claims, err := b.Verify(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "relay-1", claims.Device)
	assert.Equal(t, tok.TokenID, claims.TokenID)
	assert.True(t, claims.HasScope(ScopeSubmit))
}

func TestBrokerRejectsTampering(t *testing.T) {
	b := newTestBroker(t, BrokerOptions{})
	tok, err := b.Issue("relay-1", []string{ScopeSubmit})
	require.NoError(t, err)

	_, err = b.Verify(tok.Token + "x")
	require.Error(t, err)
	assert.Equal(t, errkind.AuthInvalid, errkind.KindOf(err))

	_, err = b.Verify("not-a-token")
	require.Error(t, err)
	assert.Equal(t, errkind.AuthInvalid, errkind.KindOf(err))
}

func TestBrokerExpiry(t *testing.T) {
	b := newTestBroker(t, BrokerOptions{TTL: -time.Second})
	// defaults() only raises non-positive TTLs, so force a tiny one directly.
	b.ttl = time.Nanosecond
	tok, err := b.Issue("relay-1", []string{ScopeSubmit})
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond) // expiry has second granularity
	_, err = b.Verify(tok.Token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestBrokerRevoke(t *testing.T) {
	b := newTestBroker(t, BrokerOptions{})
	tok, err := b.Issue("relay-1", []string{ScopeSubmit})
	require.NoError(t, err)

	b.Revoke(tok.TokenID)
	_, err = b.Verify(tok.Token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoked")

	// Revoking again is a no-op.
	b.Revoke(tok.TokenID)
}

func TestBrokerRevokeDevice(t *testing.T) {
	b := newTestBroker(t, BrokerOptions{})
	t1, err := b.Issue("relay-1", []string{ScopeSubmit})
	require.NoError(t, err)
	t2, err := b.Issue("relay-1", []string{ScopeDelivery})
	require.NoError(t, err)
	other, err := b.Issue("relay-2", []string{ScopeSubmit})
	require.NoError(t, err)

	assert.Equal(t, 2, b.RevokeDevice("relay-1"))
	_, err = b.Verify(t1.Token)
	require.Error(t, err)
	_, err = b.Verify(t2.Token)
	require.Error(t, err)
	_, err = b.Verify(other.Token)
	require.NoError(t, err)
}

func TestBrokerPerDeviceCap(t *testing.T) {
	b := newTestBroker(t, BrokerOptions{MaxActivePerDevice: 2})
	_, err := b.Issue("relay-1", nil)
	require.NoError(t, err)
	_, err = b.Issue("relay-1", nil)
	require.NoError(t, err)

	_, err = b.Issue("relay-1", nil)
	require.Error(t, err)
	assert.Equal(t, errkind.RateLimitExceeded, errkind.KindOf(err))

	// Another device is unaffected.
	_, err = b.Issue("relay-2", nil)
	require.NoError(t, err)
}

func TestBrokerRotationGrace(t *testing.T) {
	b := newTestBroker(t, BrokerOptions{Secret: "old-secret"})
	tok, err := b.Issue("relay-1", []string{ScopeSubmit})
	require.NoError(t, err)

	b.RotateSecret("new-secret", time.Hour)

	// The pre-rotation token still verifies inside the grace window.
	_, err = b.Verify(tok.Token)
	require.NoError(t, err)

	// New issuance signs with the new key.
	fresh, err := b.Issue("relay-1", []string{ScopeSubmit})
	require.NoError(t, err)
	_, err = b.Verify(fresh.Token)
	require.NoError(t, err)

	// After the window closes the old signature is dead.
	b.graceUntil = time.Now().Add(-time.Minute)
	_, err = b.Verify(tok.Token)
	require.Error(t, err)
}

func TestBrokerSweep(t *testing.T) {
	b := newTestBroker(t, BrokerOptions{})
	b.ttl = time.Nanosecond
	_, err := b.Issue("relay-1", nil)
	require.NoError(t, err)
	b.ttl = time.Hour
	_, err = b.Issue("relay-2", nil)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, 1, b.Sweep())

	stats := b.Stats()
	assert.Equal(t, 1, stats["active_sessions"])
}

func TestBrokerPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge_tokens.json")

	b, err := NewBroker(path, BrokerOptions{Secret: "s"})
	require.NoError(t, err)
	tok, err := b.Issue("relay-1", []string{ScopeSubmit})
	require.NoError(t, err)
	b.Revoke(tok.TokenID)

	reopened, err := NewBroker(path, BrokerOptions{Secret: "s"})
	require.NoError(t, err)
	_, err = reopened.Verify(tok.Token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoked")
}
