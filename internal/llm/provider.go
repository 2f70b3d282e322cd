// Package llm routes assist requests across a closed set of chat providers
// with cooldown-aware failover, adaptive scoring, and rate-limit storm
// control.
package llm

import (
	"context"
	"fmt"
)

// Provider is the closed provider enumeration. Adding a provider means adding
// an adapter here, not configuring arbitrary endpoints.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic:
		return true
	}
	return false
}

// Candidate is one (provider, model) pair in the failover order.
type Candidate struct {
	Provider Provider
	Model    string
	BaseURL  string // optional OpenAI-compatible override
}

// Key identifies the candidate in the cooldown map.
func (c Candidate) Key() string { return fmt.Sprintf("%s/%s", c.Provider, c.Model) }

// Request is a provider-neutral chat request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a completed chat turn.
type Response struct {
	Text     string   `json:"text"`
	Provider Provider `json:"provider"`
	Model    string   `json:"model"`
	Usage    Usage    `json:"usage"`
}

// Stream event types. Clients must treat final as authoritative; deltas are
// best-effort progress.
const (
	EventStage     = "stage"
	EventDelta     = "delta"
	EventFinal     = "final"
	EventError     = "error"
	EventKeepalive = "keepalive"
)

// StreamEvent is one element of the assist streaming sequence.
type StreamEvent struct {
	Type  string `json:"type"`
	Stage string `json:"stage,omitempty"`
	Delta string `json:"delta,omitempty"`
	Text  string `json:"text,omitempty"` // full text on final
	Error string `json:"error,omitempty"`

	Provider Provider `json:"provider,omitempty"`
	Model    string   `json:"model,omitempty"`
}

// Adapter is one provider implementation.
type Adapter interface {
	// Complete issues a blocking chat completion.
	Complete(ctx context.Context, model string, req Request) (*Response, error)
	// Stream returns a bounded event channel. The adapter closes it after
	// final or error; cancelling ctx closes it early.
	Stream(ctx context.Context, model string, req Request) (<-chan StreamEvent, error)
	// ListModels enumerates the models this adapter can serve.
	ListModels(ctx context.Context) ([]string, error)
}
