// Package agentctl drives the coding-agent server running inside a sandbox
// handle, through its exposed port. Prompt dispatch is asynchronous by
// design: intermediate proxies kill long-held connections, so the dispatch
// call returns as soon as the server acknowledges it.
package agentctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Agent session states reported by GetStatus
const (
	StatusBusy = "busy"
	StatusIdle = "idle"
)

// Client is an HTTP client for one agent server
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the agent server at baseURL (the handle's
// exposed public URL)
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreateSession starts a new agent session and returns its ID
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/session", nil, &resp); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create session: server returned no session id")
	}
	return resp.ID, nil
}

// PromptAsync dispatches the task prompt without waiting for the agent to
// finish. The server must acknowledge and return immediately.
func (c *Client) PromptAsync(ctx context.Context, sessionID, systemPrompt, userText string) error {
	payload := map[string]string{
		"system": systemPrompt,
		"text":   userText,
	}
	if err := c.post(ctx, "/session/"+sessionID+"/prompt_async", payload, nil); err != nil {
		return fmt.Errorf("dispatch prompt: %w", err)
	}
	return nil
}

// GetStatus reports whether the session is busy or idle
func (c *Client) GetStatus(ctx context.Context, sessionID string) (string, error) {
	var resp struct {
		Type string `json:"type"`
	}
	if err := c.get(ctx, "/session/"+sessionID+"/status", &resp); err != nil {
		return "", fmt.Errorf("get status: %w", err)
	}
	return resp.Type, nil
}

// GetMessages returns the session transcript as raw JSON
func (c *Client) GetMessages(ctx context.Context, sessionID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session/"+sessionID+"/messages", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get messages: agent returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("agent returned %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
