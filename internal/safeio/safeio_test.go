package safeio

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/internal/errkind"
)

func staticLookup(table map[string][]string) LookupFunc {
	return func(_ context.Context, host string) ([]net.IP, error) {
		var ips []net.IP
		for _, s := range table[host] {
			ips = append(ips, net.ParseIP(s))
		}
		if len(ips) == 0 {
			return nil, assert.AnError
		}
		return ips, nil
	}
}

func TestResolveRejectsNonHTTPSchemes(t *testing.T) {
	c := NewCheckerWithLookup(staticLookup(nil))
	_, _, err := c.Resolve(context.Background(), "ftp://example.com/x", Policy{})
	require.Error(t, err)
	assert.Equal(t, errkind.SSRFBlocked, errkind.KindOf(err))

	_, _, err = c.Resolve(context.Background(), "http://example.com/x", Policy{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme_http")
}

func TestResolveBlocksPrivateRanges(t *testing.T) {
	c := NewCheckerWithLookup(staticLookup(map[string][]string{
		"internal.example": {"10.0.0.1"},
		"mixed.example":    {"93.184.216.34", "192.168.1.5"},
	}))
	for _, host := range []string{"internal.example", "mixed.example"} {
		_, _, err := c.Resolve(context.Background(), "https://"+host+"/hook", Policy{})
		require.Error(t, err, host)
		assert.Contains(t, err.Error(), "private_address")
	}

	// Literal IPs are checked without DNS.
	_, _, err := c.Resolve(context.Background(), "https://10.0.0.1/hook", Policy{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private_address")
}

func TestResolveAllowlist(t *testing.T) {
	c := NewCheckerWithLookup(staticLookup(map[string][]string{
		"hooks.example": {"93.184.216.34"},
		"other.example": {"93.184.216.35"},
	}))
	p := NewPolicy([]string{"hooks.example"})

	_, ips, err := c.Resolve(context.Background(), "https://hooks.example/cb", p)
	require.NoError(t, err)
	assert.Len(t, ips, 1)

	_, _, err = c.Resolve(context.Background(), "https://other.example/cb", p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host_not_allowed")
}

func TestLoopbackExemptionPerProvider(t *testing.T) {
	c := NewCheckerWithLookup(staticLookup(nil))
	p := Policy{
		AllowHTTP:        true,
		AllowLoopbackFor: map[string]struct{}{"local-llm": {}},
		ProviderID:       "local-llm",
	}
	_, _, err := c.Resolve(context.Background(), "http://127.0.0.1:11434/v1", p)
	assert.NoError(t, err)

	p.ProviderID = "other"
	_, _, err = c.Resolve(context.Background(), "http://127.0.0.1:11434/v1", p)
	require.Error(t, err)
}

func TestOpenRevalidatesRedirects(t *testing.T) {
	var target *httptest.Server
	target = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/jump" {
			// Redirect to a private address: must be blocked mid-flight.
			http.Redirect(w, r, "http://10.0.0.1/secret", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	c := NewCheckerWithLookup(staticLookup(nil))
	p := Policy{AllowHTTP: true, AllowPrivate: false, MaxRedirects: 3}
	// The test server listens on 127.0.0.1, so grant loopback to the caller.
	p.AllowLoopbackFor = map[string]struct{}{"test": {}}
	p.ProviderID = "test"

	req, err := http.NewRequest(http.MethodGet, target.URL+"/jump", nil)
	require.NoError(t, err)
	_, err = c.Open(context.Background(), req, p, 2*time.Second)
	require.Error(t, err)
	assert.Equal(t, errkind.SSRFBlocked, errkind.KindOf(err))

	req, err = http.NewRequest(http.MethodGet, target.URL+"/ok", nil)
	require.NoError(t, err)
	resp, err := c.Open(context.Background(), req, p, 2*time.Second)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
