// Package sandbox talks to the remote execution provider. Each run owns
// exactly one handle, addressed by the run ID, for the run's whole lifetime.
package sandbox

import (
	"context"
	"errors"
	"io"
	"log"
)

// ErrUnreachable marks operations that failed because the handle is gone or
// the provider cannot reach it. A concurrent cancellation may destroy a
// handle at any time, so callers treat this as a normal outcome.
var ErrUnreachable = errors.New("sandbox unreachable")

// ExecResult is the outcome of a command run inside a handle
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Handle is an addressable, durable, sandboxed execution environment
type Handle interface {
	Name() string
	Exec(ctx context.Context, command string) (*ExecResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, content []byte) error
	ReadFileStream(ctx context.Context, path string) (io.ReadCloser, error)
	ExposePort(ctx context.Context, port int, hostname string) (string, error)
	SetEnvVars(ctx context.Context, vars map[string]string) error
	KillAllProcesses(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// Provider creates and destroys handles. Create is get-or-create: a live
// handle with the same name is returned instead of replaced, so a restarted
// orchestrator re-attaches to the infrastructure a previous process left
// behind. Destroying a handle that no longer exists is success, not an error.
type Provider interface {
	Create(ctx context.Context, name string) (Handle, error)
	Get(ctx context.Context, name string) (Handle, error)
	Destroy(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// BestEffort runs fn and reduces any failure to a log line. Teardown paths
// use this so one failing sub-action never prevents the rest from running.
func BestEffort(what string, fn func() error) {
	if err := fn(); err != nil {
		log.Printf("best effort %s: %v", what, err)
	}
}
