// Package engine is the transport-only client for the local render engine's
// queue API. It submits rendered workflows, polls history, and builds view
// URLs. Retries and failover live in the callers.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/openclaw/gateway/internal/errkind"
)

// Client talks to one engine instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for baseURL (e.g. http://127.0.0.1:8188).
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Output is one produced artifact referenced from a history record.
type Output struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryRecord is the engine's completion record for one prompt.
type HistoryRecord struct {
	PromptID string
	Done     bool
	Error    string
	Outputs  []Output
}

type promptRequest struct {
	Prompt   map[string]interface{} `json:"prompt"`
	ClientID string                 `json:"client_id,omitempty"`
}

type promptResponse struct {
	PromptID string          `json:"prompt_id"`
	Number   int             `json:"number"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// Submit enqueues a rendered workflow and returns the engine prompt id.
func (c *Client) Submit(ctx context.Context, workflow map[string]interface{}, traceID string) (string, error) {
	body, err := json.Marshal(promptRequest{Prompt: workflow, ClientID: traceID})
	if err != nil {
		return "", errkind.Wrap(errkind.Internal, "encode workflow", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", errkind.Wrap(errkind.Internal, "build submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errkind.Wrap(errkind.SubmitFailed, "engine unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errkind.Wrap(errkind.SubmitFailed, "read engine response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errkind.Newf(errkind.SubmitFailed, "engine returned %d: %.200s", resp.StatusCode, raw)
	}
	var pr promptResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return "", errkind.Wrap(errkind.SubmitFailed, "decode engine response", err)
	}
	if pr.PromptID == "" {
		return "", errkind.Newf(errkind.SubmitFailed, "engine accepted without prompt_id: %.200s", raw)
	}
	return pr.PromptID, nil
}

// History fetches the completion record for promptID. Done is false while the
// prompt is still queued or executing.
func (c *Client) History(ctx context.Context, promptID string) (*HistoryRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "build history request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.SubmitFailed, "engine unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errkind.Newf(errkind.SubmitFailed, "history returned %d", resp.StatusCode)
	}

	// The history body is keyed by prompt id; an absent key means not done.
	var envelope map[string]struct {
		Status struct {
			Completed bool              `json:"completed"`
			StatusStr string            `json:"status_str"`
			Messages  []json.RawMessage `json:"messages"`
		} `json:"status"`
		Outputs map[string]struct {
			Images []Output `json:"images"`
			Gifs   []Output `json:"gifs"`
		} `json:"outputs"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&envelope); err != nil {
		return nil, errkind.Wrap(errkind.SubmitFailed, "decode history", err)
	}
	rec, ok := envelope[promptID]
	if !ok {
		return &HistoryRecord{PromptID: promptID, Done: false}, nil
	}

	out := &HistoryRecord{PromptID: promptID, Done: true}
	if rec.Status.StatusStr == "error" {
		out.Error = "engine reported execution error"
	}
	for _, node := range rec.Outputs {
		out.Outputs = append(out.Outputs, node.Images...)
		out.Outputs = append(out.Outputs, node.Gifs...)
	}
	return out, nil
}

// Interrupt asks the engine to stop the currently executing prompt.
func (c *Client) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interrupt", nil)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "build interrupt request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.SubmitFailed, "engine unreachable", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errkind.Newf(errkind.SubmitFailed, "interrupt returned %d", resp.StatusCode)
	}
	return nil
}

// ViewURL builds the engine's artifact URL for an output.
func (c *Client) ViewURL(o Output) string {
	q := url.Values{}
	q.Set("filename", o.Filename)
	if o.Subfolder != "" {
		q.Set("subfolder", o.Subfolder)
	}
	if o.Type != "" {
		q.Set("type", o.Type)
	}
	return fmt.Sprintf("%s/view?%s", c.baseURL, q.Encode())
}

// Ping checks engine liveness via the stats endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.SubmitFailed, "engine unreachable", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errkind.Newf(errkind.SubmitFailed, "engine stats returned %d", resp.StatusCode)
	}
	return nil
}

// BaseURL reports the configured engine address.
func (c *Client) BaseURL() string { return c.baseURL }
