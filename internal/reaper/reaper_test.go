package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/sandbox"
)

type fakeRegistry struct {
	mu       sync.Mutex
	stuck    []*domain.Run
	active   map[string]bool
	killed   []string
	provider *sandbox.FakeProvider
}

func (f *fakeRegistry) ListStuckRunning(maxAge time.Duration) ([]*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Run(nil), f.stuck...), nil
}

func (f *fakeRegistry) ActiveIDs() (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	active := make(map[string]bool, len(f.active))
	for k, v := range f.active {
		active[k] = v
	}
	return active, nil
}

// Kill mirrors the run store: mark failed, then destroy the handle
func (f *fakeRegistry) Kill(id string) (bool, error) {
	f.mu.Lock()
	f.killed = append(f.killed, id)
	delete(f.active, id)
	f.mu.Unlock()
	return true, f.provider.Destroy(context.Background(), id)
}

func (f *fakeRegistry) killedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

func newFixture() (*fakeRegistry, *sandbox.FakeProvider, *Reaper) {
	provider := sandbox.NewFakeProvider()
	registry := &fakeRegistry{active: make(map[string]bool), provider: provider}
	r := New(registry, provider, "*/10 * * * *", time.Hour)
	return registry, provider, r
}

func TestSweep_KillsStuckRuns(t *testing.T) {
	registry, provider, r := newFixture()
	ctx := context.Background()

	stuck := &domain.Run{ID: "run-stuck", Owner: "acme", Repo: "widget", PRNumber: 42, Status: domain.RunRunning}
	registry.stuck = []*domain.Run{stuck}
	registry.active["run-stuck"] = true
	if _, err := provider.Create(ctx, "run-stuck"); err != nil {
		t.Fatal(err)
	}

	r.Sweep()

	if got := registry.killedIDs(); len(got) != 1 || got[0] != "run-stuck" {
		t.Errorf("killed = %v, want [run-stuck]", got)
	}
	if provider.DestroyCalls("run-stuck") == 0 {
		t.Error("stuck run's handle was never destroyed")
	}
}

func TestSweep_LeavesHealthyRunsAlone(t *testing.T) {
	registry, provider, r := newFixture()
	ctx := context.Background()

	registry.active["run-healthy"] = true
	if _, err := provider.Create(ctx, "run-healthy"); err != nil {
		t.Fatal(err)
	}

	r.Sweep()

	if got := registry.killedIDs(); len(got) != 0 {
		t.Errorf("killed = %v, want none", got)
	}
	if provider.DestroyCalls("run-healthy") != 0 {
		t.Error("healthy run's handle was destroyed")
	}
}

func TestSweep_DestroysOrphanedHandles(t *testing.T) {
	registry, provider, r := newFixture()
	ctx := context.Background()

	registry.active["run-live"] = true
	if _, err := provider.Create(ctx, "run-live"); err != nil {
		t.Fatal(err)
	}
	if _, err := provider.Create(ctx, "orphan-handle"); err != nil {
		t.Fatal(err)
	}

	r.Sweep()

	if provider.DestroyCalls("orphan-handle") != 1 {
		t.Errorf("orphan destroy calls = %d, want 1", provider.DestroyCalls("orphan-handle"))
	}
	if provider.DestroyCalls("run-live") != 0 {
		t.Error("live run's handle was destroyed")
	}
}

func TestStart_BadSchedule(t *testing.T) {
	registry, provider, _ := newFixture()
	r := New(registry, provider, "not a schedule", time.Hour)
	if err := r.Start(); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}
