package llm

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// ChatClient is the subset of the go-openai client the adapter uses,
// narrowed so tests can substitute a fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// OpenAIAdapter serves OpenAI and OpenAI-compatible endpoints.
type OpenAIAdapter struct {
	chat ChatClient
}

// NewOpenAI builds the adapter. baseURL overrides the endpoint for
// OpenAI-compatible gateways; empty means api.openai.com.
func NewOpenAI(apiKey, baseURL string) *OpenAIAdapter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIAdapter{chat: openai.NewClientWithConfig(cfg)}
}

// NewOpenAIWithClient injects a prebuilt client (tests).
func NewOpenAIWithClient(c ChatClient) *OpenAIAdapter {
	return &OpenAIAdapter{chat: c}
}

func chatRequest(model string, req Request) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.System,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: req.Prompt,
	})
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

// Complete issues a blocking chat completion.
func (a *OpenAIAdapter) Complete(ctx context.Context, model string, req Request) (*Response, error) {
	resp, err := a.chat.CreateChatCompletion(ctx, chatRequest(model, req))
	if err != nil {
		return nil, err
	}
	out := &Response{
		Provider: ProviderOpenAI,
		Model:    resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
	}
	return out, nil
}

// Stream adapts the SSE completion stream into the event sequence.
func (a *OpenAIAdapter) Stream(ctx context.Context, model string, req Request) (<-chan StreamEvent, error) {
	creq := chatRequest(model, req)
	creq.Stream = true
	stream, err := a.chat.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent, streamBuf)
	go func() {
		defer close(out)
		defer stream.Close()
		var full []byte
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				select {
				case out <- StreamEvent{Type: EventFinal, Text: string(full), Provider: ProviderOpenAI, Model: model}:
				case <-ctx.Done():
				}
				return
			}
			if err != nil {
				select {
				case out <- StreamEvent{Type: EventError, Error: err.Error()}:
				case <-ctx.Done():
				}
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			full = append(full, delta...)
			select {
			case out <- StreamEvent{Type: EventDelta, Delta: delta}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListModels enumerates the endpoint's models.
func (a *OpenAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	ml, err := a.chat.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ml.Models))
	for _, m := range ml.Models {
		out = append(out, m.ID)
	}
	return out, nil
}
