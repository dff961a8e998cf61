package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// HTTPProvider drives a sandbox provider over its REST API
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPProvider creates a provider client. Request deadlines come from the
// caller's context; exec calls can legitimately run for many minutes.
func NewHTTPProvider(baseURL, token string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{},
	}
}

// Create provisions a handle with the given name. A conflict means a live
// sandbox with that name already exists, and we attach to it instead.
func (p *HTTPProvider) Create(ctx context.Context, name string) (Handle, error) {
	var resp struct {
		Name string `json:"name"`
	}
	err := p.do(ctx, http.MethodPost, "/v1/sandboxes", map[string]string{"name": name}, &resp)
	if err != nil {
		var sc *statusCodeError
		if errors.As(err, &sc) && sc.code == http.StatusConflict {
			return &httpHandle{provider: p, name: name}, nil
		}
		return nil, fmt.Errorf("create sandbox %s: %w", name, err)
	}
	return &httpHandle{provider: p, name: name}, nil
}

// Get addresses an existing handle by name without creating it
func (p *HTTPProvider) Get(ctx context.Context, name string) (Handle, error) {
	return &httpHandle{provider: p, name: name}, nil
}

// Destroy tears down a handle. A handle that is already gone is success.
func (p *HTTPProvider) Destroy(ctx context.Context, name string) error {
	err := p.do(ctx, http.MethodDelete, "/v1/sandboxes/"+url.PathEscape(name), nil, nil)
	if err != nil && !isGone(err) {
		return fmt.Errorf("destroy sandbox %s: %w", name, err)
	}
	return nil
}

// List returns the names of all handles the provider currently holds
func (p *HTTPProvider) List(ctx context.Context) ([]string, error) {
	var resp struct {
		Names []string `json:"names"`
	}
	if err := p.do(ctx, http.MethodGet, "/v1/sandboxes", nil, &resp); err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	return resp.Names, nil
}

type httpHandle struct {
	provider *HTTPProvider
	name     string
}

func (h *httpHandle) Name() string { return h.name }

func (h *httpHandle) Exec(ctx context.Context, command string) (*ExecResult, error) {
	var resp struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
	}
	err := h.provider.do(ctx, http.MethodPost, h.path("/exec"), map[string]string{"command": command}, &resp)
	if err != nil {
		return nil, err
	}
	return &ExecResult{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}, nil
}

func (h *httpHandle) ReadFile(ctx context.Context, path string) ([]byte, error) {
	r, err := h.ReadFileStream(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (h *httpHandle) ReadFileStream(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := h.provider.newRequest(ctx, http.MethodGet, h.path("/files")+"?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.provider.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, h.provider.statusError(resp)
	}
	return resp.Body, nil
}

func (h *httpHandle) WriteFile(ctx context.Context, path string, content []byte) error {
	req, err := h.provider.newRequest(ctx, http.MethodPut, h.path("/files")+"?path="+url.QueryEscape(path), bytes.NewReader(content))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := h.provider.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return h.provider.statusError(resp)
	}
	return nil
}

func (h *httpHandle) ExposePort(ctx context.Context, port int, hostname string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	err := h.provider.do(ctx, http.MethodPost, h.path("/ports"), map[string]any{"port": port, "hostname": hostname}, &resp)
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (h *httpHandle) SetEnvVars(ctx context.Context, vars map[string]string) error {
	return h.provider.do(ctx, http.MethodPost, h.path("/env"), map[string]any{"vars": vars}, nil)
}

func (h *httpHandle) KillAllProcesses(ctx context.Context) error {
	return h.provider.do(ctx, http.MethodPost, h.path("/kill"), nil, nil)
}

func (h *httpHandle) Destroy(ctx context.Context) error {
	return h.provider.Destroy(ctx, h.name)
}

func (h *httpHandle) path(suffix string) string {
	return "/v1/sandboxes/" + url.PathEscape(h.name) + suffix
}

func (p *HTTPProvider) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	return req, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := p.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return p.statusError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode provider response: %w", err)
		}
	}
	return nil
}

// statusCodeError maps provider status codes onto the error taxonomy: a
// missing or unavailable sandbox unwraps to ErrUnreachable, everything else
// is a plain error.
type statusCodeError struct {
	code int
	msg  string
}

func (e *statusCodeError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.code, e.msg)
}

func (e *statusCodeError) Unwrap() error {
	switch e.code {
	case http.StatusNotFound, http.StatusGone,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrUnreachable
	}
	return nil
}

func (p *HTTPProvider) statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusCodeError{code: resp.StatusCode, msg: string(msg)}
}

func isGone(err error) bool {
	// Destroy treats unreachable as already-destroyed.
	return errors.Is(err, ErrUnreachable)
}
