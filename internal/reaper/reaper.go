// Package reaper is the periodic safety net behind best-effort teardown.
// On a cron schedule it kills runs stuck in running and destroys sandbox
// handles that no active run owns anymore.
package reaper

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/sandbox"
)

// Registry is the slice of the run store the reaper needs
type Registry interface {
	ListStuckRunning(maxAge time.Duration) ([]*domain.Run, error)
	ActiveIDs() (map[string]bool, error)
	Kill(id string) (bool, error)
}

// Reaper sweeps stuck runs and orphaned handles
type Reaper struct {
	registry Registry
	provider sandbox.Provider
	stuckAge time.Duration
	cron     *cron.Cron
	schedule string
}

// New creates a reaper with the given cron schedule (standard 5-field syntax)
func New(registry Registry, provider sandbox.Provider, schedule string, stuckAge time.Duration) *Reaper {
	return &Reaper{
		registry: registry,
		provider: provider,
		stuckAge: stuckAge,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start schedules the sweep and runs one immediately to recover from a
// crash that left handles behind
func (r *Reaper) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, r.Sweep); err != nil {
		return err
	}
	r.cron.Start()
	go r.Sweep()
	return nil
}

// Stop halts the schedule; a sweep in progress finishes
func (r *Reaper) Stop() {
	r.cron.Stop()
}

// Sweep performs one pass. Every action is best-effort: the next sweep
// picks up whatever this one could not finish.
func (r *Reaper) Sweep() {
	r.reapStuckRuns()
	r.reapOrphanedHandles()
}

func (r *Reaper) reapStuckRuns() {
	stuck, err := r.registry.ListStuckRunning(r.stuckAge)
	if err != nil {
		log.Printf("[reaper] listing stuck runs failed: %v", err)
		return
	}
	for _, run := range stuck {
		log.Printf("[reaper] killing run %s for %s, stuck in running since %s", run.ID, run.Key(), run.UpdatedAt.Format(time.RFC3339))
		sandbox.BestEffort("kill stuck run "+run.ID, func() error {
			_, err := r.registry.Kill(run.ID)
			return err
		})
	}
}

func (r *Reaper) reapOrphanedHandles() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	names, err := r.provider.List(ctx)
	if err != nil {
		log.Printf("[reaper] listing handles failed: %v", err)
		return
	}
	active, err := r.registry.ActiveIDs()
	if err != nil {
		log.Printf("[reaper] listing active runs failed: %v", err)
		return
	}
	for _, name := range names {
		if active[name] {
			continue
		}
		log.Printf("[reaper] destroying orphaned handle %s", name)
		sandbox.BestEffort("destroy orphaned handle "+name, func() error {
			return r.provider.Destroy(ctx, name)
		})
	}
}
