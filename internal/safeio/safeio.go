// Package safeio enforces the outbound network policy: scheme checks, DNS
// resolution with private/reserved range blocking, host allowlists, and full
// policy revalidation on every redirect so DNS rebinding cannot slip a request
// past the initial check.
package safeio

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openclaw/gateway/internal/errkind"
)

// Policy describes what an outbound call may reach.
type Policy struct {
	AllowHTTP        bool
	AllowedHosts     map[string]struct{} // empty means any public host
	AllowLoopbackFor map[string]struct{} // provider IDs granted loopback
	AllowPrivate     bool
	MaxRedirects     int

	// ProviderID tags the caller for the loopback exemption check.
	ProviderID string
}

// NewPolicy builds a policy from an allowlist of "host" or "host:port"
// entries.
func NewPolicy(hosts []string) Policy {
	p := Policy{AllowedHosts: make(map[string]struct{}), MaxRedirects: 3}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			p.AllowedHosts[h] = struct{}{}
		}
	}
	return p
}

// LookupFunc resolves a hostname. Swappable in tests.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// Checker validates URLs against policies.
type Checker struct {
	lookup LookupFunc
}

// NewChecker builds a checker using the system resolver.
func NewChecker() *Checker {
	return &Checker{lookup: func(ctx context.Context, host string) ([]net.IP, error) {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		ips := make([]net.IP, len(addrs))
		for i, a := range addrs {
			ips[i] = a.IP
		}
		return ips, nil
	}}
}

// NewCheckerWithLookup builds a checker with a custom resolver.
func NewCheckerWithLookup(lookup LookupFunc) *Checker {
	return &Checker{lookup: lookup}
}

func blocked(reason string) error {
	return errkind.Newf(errkind.SSRFBlocked, "reason=%s", reason)
}

func isPrivate(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast()
}

// Resolve parses and validates u against the policy, returning the host and
// resolved IP set. Every failure carries the ssrf_blocked kind with a reason
// token that propagates unchanged.
func (c *Checker) Resolve(ctx context.Context, rawURL string, p Policy) (string, []net.IP, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, blocked("parse")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !p.AllowHTTP {
			return "", nil, blocked("scheme_http")
		}
	default:
		return "", nil, blocked("scheme")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", nil, blocked("empty_host")
	}

	loopbackExempt := false
	if p.ProviderID != "" {
		_, loopbackExempt = p.AllowLoopbackFor[p.ProviderID]
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		ips, err = c.lookup(ctx, host)
		if err != nil || len(ips) == 0 {
			return "", nil, blocked("dns")
		}
	}
	for _, ip := range ips {
		if isPrivate(ip) && !p.AllowPrivate {
			if ip.IsLoopback() && loopbackExempt {
				continue
			}
			return "", nil, blocked("private_address")
		}
	}

	if len(p.AllowedHosts) > 0 {
		if !hostAllowed(p.AllowedHosts, host, u.Port()) {
			return "", nil, blocked("host_not_allowed")
		}
	}
	return host, ips, nil
}

func hostAllowed(allow map[string]struct{}, host, port string) bool {
	if _, ok := allow[host]; ok {
		return true
	}
	if port != "" {
		if _, ok := allow[host+":"+port]; ok {
			return true
		}
	}
	return false
}

// Client returns an http.Client whose redirect handling re-runs the full
// policy for every hop. The per-request deadline comes from the caller's
// context.
func (c *Checker) Client(p Policy, timeout time.Duration) *http.Client {
	maxRedirects := p.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 3
	}
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return blocked("too_many_redirects")
			}
			if _, _, err := c.Resolve(req.Context(), req.URL.String(), p); err != nil {
				return err
			}
			return nil
		},
	}
}

// Open validates the request URL and performs it with redirect revalidation.
func (c *Checker) Open(ctx context.Context, req *http.Request, p Policy, timeout time.Duration) (*http.Response, error) {
	if _, _, err := c.Resolve(ctx, req.URL.String(), p); err != nil {
		return nil, err
	}
	resp, err := c.Client(p, timeout).Do(req.WithContext(ctx))
	if err != nil {
		// Unwrap redirect policy failures back to their ssrf kind.
		if ue, ok := err.(*url.Error); ok {
			if errkind.KindOf(ue.Err) == errkind.SSRFBlocked {
				return nil, ue.Err
			}
		}
		return nil, fmt.Errorf("safeio open: %w", err)
	}
	return resp, nil
}
