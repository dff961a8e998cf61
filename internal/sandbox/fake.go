package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// FakeProvider is an in-memory Provider for tests. Handles live in process
// and record the operations performed on them.
type FakeProvider struct {
	mu           sync.Mutex
	handles      map[string]*FakeHandle
	destroyCalls map[string]int

	CreateErr error // returned by Create when set
}

// NewFakeProvider creates an empty fake provider
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		handles:      make(map[string]*FakeHandle),
		destroyCalls: make(map[string]int),
	}
}

func (p *FakeProvider) Create(ctx context.Context, name string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	if h, ok := p.handles[name]; ok && !h.isDestroyed() {
		return h, nil
	}
	h := &FakeHandle{
		provider: p,
		name:     name,
		files:    make(map[string][]byte),
		env:      make(map[string]string),
	}
	p.handles[name] = h
	return h, nil
}

func (p *FakeProvider) Get(ctx context.Context, name string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[name]; ok {
		return h, nil
	}
	// Unknown names resolve to a dead handle, like the HTTP provider.
	return &FakeHandle{provider: p, name: name, destroyed: true}, nil
}

func (p *FakeProvider) Destroy(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyCalls[name]++
	if h, ok := p.handles[name]; ok {
		h.markDestroyed()
	}
	return nil
}

func (p *FakeProvider) List(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for name, h := range p.handles {
		if !h.isDestroyed() {
			names = append(names, name)
		}
	}
	return names, nil
}

// DestroyCalls returns how many times Destroy was invoked for name
func (p *FakeProvider) DestroyCalls(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyCalls[name]
}

// Handle returns the fake handle for name, or nil
func (p *FakeProvider) Handle(name string) *FakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[name]
}

// FakeHandle is the in-memory handle created by FakeProvider
type FakeHandle struct {
	provider  *FakeProvider
	name      string
	mu        sync.Mutex
	files     map[string][]byte
	env       map[string]string
	destroyed bool
	killed    bool
	execLog   []string

	// ExecFunc, when set, intercepts Exec calls
	ExecFunc func(ctx context.Context, command string) (*ExecResult, error)
	// ExposedURL is returned by ExposePort; defaults to https://<hostname>
	ExposedURL string
}

func (h *FakeHandle) Name() string { return h.name }

func (h *FakeHandle) Exec(ctx context.Context, command string) (*ExecResult, error) {
	if h.isDestroyed() {
		return nil, ErrUnreachable
	}
	h.mu.Lock()
	h.execLog = append(h.execLog, command)
	fn := h.ExecFunc
	h.mu.Unlock()
	if fn != nil {
		return fn(ctx, command)
	}
	return &ExecResult{ExitCode: 0}, nil
}

func (h *FakeHandle) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if h.isDestroyed() {
		return nil, ErrUnreachable
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	content, ok := h.files[path]
	if !ok {
		return nil, fmt.Errorf("read %s: no such file", path)
	}
	return content, nil
}

func (h *FakeHandle) ReadFileStream(ctx context.Context, path string) (io.ReadCloser, error) {
	content, err := h.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (h *FakeHandle) WriteFile(ctx context.Context, path string, content []byte) error {
	if h.isDestroyed() {
		return ErrUnreachable
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path] = content
	return nil
}

func (h *FakeHandle) ExposePort(ctx context.Context, port int, hostname string) (string, error) {
	if h.isDestroyed() {
		return "", ErrUnreachable
	}
	if h.ExposedURL != "" {
		return h.ExposedURL, nil
	}
	return "https://" + hostname, nil
}

func (h *FakeHandle) SetEnvVars(ctx context.Context, vars map[string]string) error {
	if h.isDestroyed() {
		return ErrUnreachable
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, v := range vars {
		h.env[k] = v
	}
	return nil
}

func (h *FakeHandle) KillAllProcesses(ctx context.Context) error {
	if h.isDestroyed() {
		return ErrUnreachable
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	return nil
}

func (h *FakeHandle) Destroy(ctx context.Context) error {
	return h.provider.Destroy(ctx, h.name)
}

// File returns the stored content for path, for test assertions
func (h *FakeHandle) File(path string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.files[path]
}

// Env returns the value set for an environment variable
func (h *FakeHandle) Env(key string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.env[key]
}

// ExecLog returns the commands executed so far
func (h *FakeHandle) ExecLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.execLog...)
}

// Killed reports whether KillAllProcesses ran
func (h *FakeHandle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func (h *FakeHandle) markDestroyed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = true
}

func (h *FakeHandle) isDestroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}
