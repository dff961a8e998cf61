package domain

import (
	"fmt"
	"time"
)

// Run is the durable record of one screenshot attempt for a PR at a commit.
// The ID doubles as the resource name of the run's sandbox handle.
type Run struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Repo      string    `json:"repo"`
	PRNumber  int       `json:"pr_number"`
	CommitSHA string    `json:"commit_sha"`
	Status    RunStatus `json:"status"`
	Step      string    `json:"step,omitempty"` // last completed orchestration step, empty for a fresh run
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the PR identity this run belongs to. At most one run with an
// active status may exist per key.
func (r *Run) Key() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.PRNumber)
}
