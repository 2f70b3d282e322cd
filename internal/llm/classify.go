package llm

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// Failure classes drive cooldown length and failover eligibility.
type Class string

const (
	ClassAuth           Class = "auth"
	ClassBilling        Class = "billing"
	ClassRateLimit      Class = "rate_limit"
	ClassTimeout        Class = "timeout"
	ClassServerError    Class = "server_error"
	ClassInvalidRequest Class = "invalid_request"
	ClassUnknown        Class = "unknown"
)

// Classification is the routing decision derived from a provider error.
type Classification struct {
	Class    Class
	Cooldown time.Duration
	// Failover reports whether trying the next candidate can help. A 4xx
	// that is not a 429 fails the same way everywhere.
	Failover bool
}

const (
	authCooldown    = 15 * time.Minute
	timeoutCooldown = 30 * time.Second
	serverCooldown  = 60 * time.Second
)

// bodyResetRe matches reset hints like "try again in 20s" or
// "retry after 1.5 seconds" that some gateways put in the body instead of a
// header.
var bodyResetRe = regexp.MustCompile(`(?i)(?:try again|retry).{0,12}?(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|sec|seconds?|m|min|minutes?)`)

// Classify maps a provider error onto a failure class and cooldown.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Class: ClassUnknown}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Class: ClassTimeout, Cooldown: timeoutCooldown, Failover: true}
	}

	status, retryAfter, body := unwrapProviderError(err)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		class := ClassAuth
		if strings.Contains(strings.ToLower(body), "billing") ||
			strings.Contains(strings.ToLower(body), "quota") {
			class = ClassBilling
		}
		return Classification{Class: class, Cooldown: authCooldown, Failover: true}
	case status == http.StatusTooManyRequests:
		cd := retryAfter
		if cd <= 0 {
			cd = parseBodyReset(body)
		}
		if cd <= 0 {
			cd = 20 * time.Second
		}
		return Classification{Class: ClassRateLimit, Cooldown: cd, Failover: true}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return Classification{Class: ClassTimeout, Cooldown: timeoutCooldown, Failover: true}
	case status >= 500:
		jitter := time.Duration(rand.Int63n(int64(15 * time.Second)))
		return Classification{Class: ClassServerError, Cooldown: serverCooldown + jitter, Failover: true}
	case status >= 400:
		return Classification{Class: ClassInvalidRequest, Failover: false}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
		return Classification{Class: ClassTimeout, Cooldown: timeoutCooldown, Failover: true}
	}
	// Transport-level failure: treat like a server error so the candidate
	// cools down and the next one gets a chance.
	return Classification{Class: ClassServerError, Cooldown: serverCooldown, Failover: true}
}

// unwrapProviderError extracts (status, retry-after, body hint) from the SDK
// error types. The Anthropic SDK retains the raw response, so header-precise
// Retry-After is available; the OpenAI error carries only status and message.
func unwrapProviderError(err error) (status int, retryAfter time.Duration, body string) {
	var aerr *anthropic.Error
	if errors.As(err, &aerr) {
		status = aerr.StatusCode
		body = aerr.Error()
		if aerr.Response != nil {
			retryAfter = headerReset(aerr.Response.Header)
		}
		return status, retryAfter, body
	}
	var oerr *openai.APIError
	if errors.As(err, &oerr) {
		return oerr.HTTPStatusCode, 0, oerr.Message
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode, 0, reqErr.Error()
	}
	return 0, 0, err.Error()
}

// headerReset reads Retry-After and the x-ratelimit-reset family.
func headerReset(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	for _, name := range []string{
		"anthropic-ratelimit-requests-reset",
		"x-ratelimit-reset-requests",
		"x-ratelimit-reset-tokens",
		"x-ratelimit-reset",
	} {
		v := h.Get(name)
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
			continue
		}
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}

func parseBodyReset(body string) time.Duration {
	m := bodyResetRe.FindStringSubmatch(body)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n <= 0 {
		return 0
	}
	unit := strings.ToLower(m[2])
	switch {
	case unit == "ms" || strings.HasPrefix(unit, "milli"):
		return time.Duration(n * float64(time.Millisecond))
	case strings.HasPrefix(unit, "m"):
		return time.Duration(n * float64(time.Minute))
	default:
		return time.Duration(n * float64(time.Second))
	}
}
