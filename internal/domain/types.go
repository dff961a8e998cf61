package domain

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further automatic transition leaves this status.
// Only an explicit kill may override a terminal status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunCancelled, RunFailed:
		return true
	}
	return false
}

// Active reports whether the run still owns its sandbox handle
func (s RunStatus) Active() bool {
	return s == RunQueued || s == RunRunning
}

// ValidStatus reports whether s is one of the known run statuses
func ValidStatus(s RunStatus) bool {
	switch s {
	case RunQueued, RunRunning, RunCompleted, RunCancelled, RunFailed:
		return true
	}
	return false
}
