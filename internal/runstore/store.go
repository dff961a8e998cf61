// Package runstore is the single source of truth for run status. All
// cross-run coordination goes through the conditional updates in here;
// nothing else in the process holds locks across runs.
package runstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/sandbox"
	_ "modernc.org/sqlite"
)

// DestroyFunc tears down the sandbox handle named after a run ID. The store
// only ever calls it best-effort; failures are logged and discarded.
type DestroyFunc func(handleName string) error

// Store provides SQLite-backed run persistence
type Store struct {
	db      *sql.DB
	destroy DestroyFunc
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// SQLite allows a single writer; a single connection keeps registration
	// transactions from interleaving.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// SetHandleDestroyer sets the function used to destroy superseded or killed
// runs' sandbox handles
func (s *Store) SetHandleDestroyer(fn DestroyFunc) {
	s.destroy = fn
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Register cancels any active run for (owner, repo, prNumber) and inserts a
// new queued run, atomically with respect to concurrent registrations for the
// same key. It returns the new run and the superseded run, if there was one.
// The superseded run's handle is destroyed best-effort after the transaction
// commits.
func (s *Store) Register(owner, repo string, prNumber int, commitSHA string) (*domain.Run, *domain.Run, error) {
	now := timestamp()
	run := &domain.Run{
		ID:        uuid.NewString(),
		Owner:     owner,
		Repo:      repo,
		PRNumber:  prNumber,
		CommitSHA: commitSHA,
		Status:    domain.RunQueued,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	superseded, err := scanRun(tx.QueryRow(`
		SELECT `+runColumns+` FROM runs
		WHERE owner = ? AND repo = ? AND pr_number = ? AND status IN ('queued', 'running')
		ORDER BY created_at DESC LIMIT 1
	`, owner, repo, prNumber))
	if err != nil && err != sql.ErrNoRows {
		return nil, nil, err
	}

	if superseded != nil {
		// Conditional update: a racing writer that already moved this run to
		// a terminal state wins, and we leave it alone.
		res, err := tx.Exec(`
			UPDATE runs SET status = 'cancelled', updated_at = ?
			WHERE id = ? AND status IN ('queued', 'running')
		`, now, superseded.ID)
		if err != nil {
			return nil, nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			superseded = nil
		} else {
			superseded.Status = domain.RunCancelled
		}
	}

	_, err = tx.Exec(`
		INSERT INTO runs (id, owner, repo, pr_number, commit_sha, status, step, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)
	`, run.ID, owner, repo, prNumber, commitSHA, string(domain.RunQueued), now, now)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	if superseded != nil && s.destroy != nil {
		old := superseded.ID
		sandbox.BestEffort("destroy superseded handle "+old, func() error {
			return s.destroy(old)
		})
	}

	return run, superseded, nil
}

// Transition moves a run to a new status unless it is already terminal.
// The guard lives in the UPDATE itself so racing writers cannot revive a
// cancelled or finished run. It reports whether the row changed.
func (s *Store) Transition(id string, status domain.RunStatus) (bool, error) {
	if !domain.ValidStatus(status) {
		return false, fmt.Errorf("invalid run status %q", status)
	}
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'cancelled', 'failed')
	`, string(status), timestamp(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IsActive reports whether the run is queued or running. The orchestrator
// polls this during long waits to detect supersession.
func (s *Store) IsActive(id string) (bool, error) {
	var status string
	err := s.db.QueryRow(`SELECT status FROM runs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return domain.RunStatus(status).Active(), nil
}

// Kill force-fails a run regardless of its current status, including
// terminal ones, and destroys its handle best-effort. It returns false if no
// such run exists.
func (s *Store) Kill(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE runs SET status = 'failed', updated_at = ? WHERE id = ?`,
		timestamp(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if s.destroy != nil {
		sandbox.BestEffort("destroy killed handle "+id, func() error {
			return s.destroy(id)
		})
	}
	return true, nil
}

// KillAllActive kills every queued or running run and returns their IDs
func (s *Store) KillAllActive() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM runs WHERE status IN ('queued', 'running')`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := s.Kill(id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// SetStep records the last completed orchestration step for crash resumption
func (s *Store) SetStep(id, step string) error {
	_, err := s.db.Exec(`UPDATE runs SET step = ?, updated_at = ? WHERE id = ?`,
		step, timestamp(), id)
	return err
}

// Get retrieves a run by ID, or nil if it does not exist
func (s *Store) Get(id string) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Owner    string
	Repo     string
	PRNumber int
	Status   domain.RunStatus
	Limit    int
}

// List returns runs matching the given options, newest first
func (s *Store) List(opts ListOptions) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []interface{}

	if opts.Owner != "" {
		query += " AND owner = ?"
		args = append(args, opts.Owner)
	}
	if opts.Repo != "" {
		query += " AND repo = ?"
		args = append(args, opts.Repo)
	}
	if opts.PRNumber != 0 {
		query += " AND pr_number = ?"
		args = append(args, opts.PRNumber)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListStuckRunning returns runs that have been in the running state without
// a status or step update for longer than maxAge
func (s *Store) ListStuckRunning(maxAge time.Duration) ([]*domain.Run, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(timeLayout)
	rows, err := s.db.Query(`
		SELECT `+runColumns+` FROM runs
		WHERE status = 'running' AND updated_at < ?
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ActiveIDs returns the IDs of all queued or running runs
func (s *Store) ActiveIDs() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT id FROM runs WHERE status IN ('queued', 'running')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	active := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		active[id] = true
	}
	return active, rows.Err()
}

const runColumns = "id, owner, repo, pr_number, commit_sha, status, step, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var status, createdAt, updatedAt string

	err := row.Scan(&run.ID, &run.Owner, &run.Repo, &run.PRNumber, &run.CommitSHA,
		&status, &run.Step, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &run, nil
}

// timeLayout is RFC3339 with fixed-width nanoseconds so that the stored text
// sorts lexicographically in creation order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timestamp() string {
	return time.Now().UTC().Format(timeLayout)
}
