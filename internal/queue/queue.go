// Package queue carries job payloads from ingress to the orchestrator. The
// payload includes the PR diff and changed-file list, so messages can be
// large; that matters for transport limits, not semantics.
package queue

import (
	"fmt"
	"sync"

	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/domain"
)

// Handler consumes one job. Implementations invoke it on a fresh goroutine
// per job: orchestration runs for minutes and must not block delivery.
type Handler func(job *domain.Job)

// Queue publishes and consumes job payloads
type Queue interface {
	Publish(job *domain.Job) error
	Subscribe(handler Handler) error
	Close()
}

// Memory is the in-process queue used by single-node deployments and tests
type Memory struct {
	mu     sync.Mutex
	ch     chan *domain.Job
	closed bool
}

// NewMemory creates an in-process queue with the given buffer size
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	return &Memory{ch: make(chan *domain.Job, buffer)}
}

// Publish enqueues a job, failing fast when the buffer is full
func (m *Memory) Publish(job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("queue closed")
	}
	select {
	case m.ch <- job:
		return nil
	default:
		return fmt.Errorf("queue full")
	}
}

// Subscribe starts delivering jobs to handler
func (m *Memory) Subscribe(handler Handler) error {
	go func() {
		for job := range m.ch {
			go handler(job)
		}
	}()
	return nil
}

// Close stops delivery; pending jobs already in the buffer still drain
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}
