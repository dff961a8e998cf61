package domain

// Job is the immutable payload a run executes against. It is built once at
// registration time and carried through the job queue; it is never persisted
// in the registry and never mutated after construction.
type Job struct {
	RunID          string   `json:"run_id"`
	Owner          string   `json:"owner"`
	Repo           string   `json:"repo"`
	PRNumber       int      `json:"pr_number"`
	CommitSHA      string   `json:"commit_sha"`
	InstallationID int64    `json:"installation_id"`
	Title          string   `json:"title"`
	Body           string   `json:"body"`
	Diff           string   `json:"diff"`
	ChangedFiles   []string `json:"changed_files"`
}
