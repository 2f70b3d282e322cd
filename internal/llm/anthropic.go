package llm

import (
	"context"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// MessagesClient is the subset of the Anthropic SDK the adapter uses. It is
// satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicAdapter serves the Claude Messages API.
type AnthropicAdapter struct {
	msg MessagesClient
}

// NewAnthropic builds the adapter from an API key.
func NewAnthropic(apiKey string) *AnthropicAdapter {
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicAdapter{msg: &c.Messages}
}

// NewAnthropicWithClient injects a prebuilt messages client (tests).
func NewAnthropicWithClient(m MessagesClient) *AnthropicAdapter {
	return &AnthropicAdapter{msg: m}
}

func messageParams(model string, req Request) sdk.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	return params
}

// Complete issues a blocking Messages.New call.
func (a *AnthropicAdapter) Complete(ctx context.Context, model string, req Request) (*Response, error) {
	msg, err := a.msg.New(ctx, messageParams(model, req))
	if err != nil {
		return nil, err
	}
	out := &Response{
		Provider: ProviderAnthropic,
		Model:    string(msg.Model),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.Text += block.Text
		}
	}
	return out, nil
}

// Stream adapts Messages.NewStreaming into the event sequence.
func (a *AnthropicAdapter) Stream(ctx context.Context, model string, req Request) (<-chan StreamEvent, error) {
	stream := a.msg.NewStreaming(ctx, messageParams(model, req))
	if err := stream.Err(); err != nil {
		return nil, err
	}

	out := make(chan StreamEvent, streamBuf)
	go func() {
		defer close(out)
		defer stream.Close()
		var full []byte
		emit := func(ev StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
					full = append(full, delta.Text...)
					if !emit(StreamEvent{Type: EventDelta, Delta: delta.Text}) {
						return
					}
				}
			case sdk.MessageStopEvent:
				emit(StreamEvent{Type: EventFinal, Text: string(full), Provider: ProviderAnthropic, Model: model})
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(StreamEvent{Type: EventError, Error: err.Error()})
			return
		}
		emit(StreamEvent{Type: EventFinal, Text: string(full), Provider: ProviderAnthropic, Model: model})
	}()
	return out, nil
}

// ListModels reports the served Claude models. The Messages API has no cheap
// enumeration endpoint, so the adapter returns the known generation IDs.
func (a *AnthropicAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{
		"claude-sonnet-4-20250514",
		"claude-3-5-haiku-latest",
		"claude-opus-4-0",
	}, nil
}
