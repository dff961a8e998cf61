// Package orchestrator drives one run through the fixed step sequence
// against its sandbox handle. Steps execute strictly in order with durable
// progress, per-step timeouts, and limited retry; cancellation is
// cooperative and checked at step boundaries and inside long waits.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/agentctl"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/blob"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/manifest"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/metrics"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/notify"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/sandbox"
)

// Step names, in execution order. The registry records the last completed
// one so a restarted process resumes instead of starting over.
const (
	StepMarkRunning      = "mark-running"
	StepCloneRepo        = "clone-repo"
	StepWriteContext     = "write-context"
	StepStartAgent       = "start-agent"
	StepWaitForAgent     = "wait-for-agent"
	StepUploadAndComment = "upload-and-comment"
	StepMarkCompleted    = "mark-completed"
	StepCleanup          = "cleanup"
)

var stepOrder = []string{
	StepMarkRunning,
	StepCloneRepo,
	StepWriteContext,
	StepStartAgent,
	StepWaitForAgent,
	StepUploadAndComment,
	StepMarkCompleted,
}

// errSuperseded is the distinguished cancellation outcome: the registry
// reports the run is no longer active. Remaining steps are skipped, cleanup
// still runs, and the run is NOT marked failed (the superseding registration
// already marked it cancelled).
var errSuperseded = errors.New("run superseded")

// errManifestTimeout is the clean inner-deadline signal from wait-for-agent.
// It is a terminal outcome, never retried.
var errManifestTimeout = errors.New("agent produced no manifest before the deadline")

// permanentError marks content and logic failures that retrying would only
// repeat deterministically
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// Registry is the slice of the run store the orchestrator needs
type Registry interface {
	Transition(id string, status domain.RunStatus) (bool, error)
	IsActive(id string) (bool, error)
	SetStep(id, step string) error
	Get(id string) (*domain.Run, error)
}

// GitHub is the slice of the source-control API the orchestrator needs
type GitHub interface {
	CloneURL(ctx context.Context, installationID int64, owner, repo string) (string, error)
	PostComment(ctx context.Context, installationID int64, owner, repo string, prNumber int, body string) error
}

// AgentClient is the coding-agent control plane reached through the
// handle's exposed port
type AgentClient interface {
	CreateSession(ctx context.Context) (string, error)
	PromptAsync(ctx context.Context, sessionID, systemPrompt, userText string) error
	GetStatus(ctx context.Context, sessionID string) (string, error)
	GetMessages(ctx context.Context, sessionID string) ([]byte, error)
}

// AgentDialer builds an AgentClient for an exposed URL
type AgentDialer func(baseURL string) AgentClient

// StatusCallback is invoked after the orchestrator transitions a run
type StatusCallback func(runID string, status domain.RunStatus)

// Config holds tunables; zero values fall back to production defaults
type Config struct {
	RepoDir       string // checkout path inside the handle
	ContextDir    string // where PR context files are written
	ManifestPath  string // sentinel file the wait step polls for
	SessionFile   string // persisted session identity inside the handle
	AgentPort     int
	PreviewDomain string // public suffix for exposed hostnames
	AgentCommand  string // launches the agent server inside the handle

	AgentDeadline      time.Duration // inner wait deadline (10m)
	ActivePollInterval time.Duration // supersession check cadence (30s)

	CloneTimeout   time.Duration
	ContextTimeout time.Duration
	StartTimeout   time.Duration
	WaitTimeout    time.Duration // outer, deliberately > AgentDeadline
	UploadTimeout  time.Duration
	CleanupTimeout time.Duration
	RetryBackoff   time.Duration
}

func (c *Config) applyDefaults() {
	if c.RepoDir == "" {
		c.RepoDir = "/workspace/repo"
	}
	if c.ContextDir == "" {
		c.ContextDir = "/workspace/context"
	}
	if c.ManifestPath == "" {
		c.ManifestPath = manifest.DefaultPath
	}
	if c.SessionFile == "" {
		c.SessionFile = "/workspace/agent-session.json"
	}
	if c.AgentPort == 0 {
		c.AgentPort = 4096
	}
	if c.PreviewDomain == "" {
		c.PreviewDomain = "preview.internal"
	}
	if c.AgentCommand == "" {
		c.AgentCommand = fmt.Sprintf(
			"nohup snapshot-agent serve --port %d --workdir %s >/workspace/agent.log 2>&1 & echo started",
			c.AgentPort, c.RepoDir)
	}
	if c.AgentDeadline == 0 {
		c.AgentDeadline = 10 * time.Minute
	}
	if c.ActivePollInterval == 0 {
		c.ActivePollInterval = 30 * time.Second
	}
	if c.CloneTimeout == 0 {
		c.CloneTimeout = 5 * time.Minute
	}
	if c.ContextTimeout == 0 {
		c.ContextTimeout = 2 * time.Minute
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = 3 * time.Minute
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = 12 * time.Minute
	}
	if c.UploadTimeout == 0 {
		c.UploadTimeout = 3 * time.Minute
	}
	if c.CleanupTimeout == 0 {
		c.CleanupTimeout = 30 * time.Second
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 5 * time.Second
	}
}

// Orchestrator executes jobs. One Execute call per run, each on its own
// goroutine; all cross-run coordination goes through the registry.
type Orchestrator struct {
	registry Registry
	provider sandbox.Provider
	github   GitHub
	blobs    blob.Store
	cfg      Config

	agentDial AgentDialer
	notifier  notify.Notifier
	metrics   metrics.Metrics
	onStatus  StatusCallback
}

// New creates an orchestrator
func New(registry Registry, provider sandbox.Provider, github GitHub, blobs blob.Store, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		registry:  registry,
		provider:  provider,
		github:    github,
		blobs:     blobs,
		cfg:       cfg,
		agentDial: func(baseURL string) AgentClient { return agentctl.NewClient(baseURL) },
		notifier:  notify.NoopNotifier{},
		metrics:   metrics.Noop{},
	}
}

// SetNotifier sets the notifier for run failures
func (o *Orchestrator) SetNotifier(n notify.Notifier) {
	o.notifier = n
}

// SetMetrics sets the metrics sink
func (o *Orchestrator) SetMetrics(m metrics.Metrics) {
	o.metrics = m
}

// SetAgentDialer overrides how agent clients are constructed
func (o *Orchestrator) SetAgentDialer(dial AgentDialer) {
	o.agentDial = dial
}

// SetStatusCallback sets the callback invoked on status transitions
func (o *Orchestrator) SetStatusCallback(cb StatusCallback) {
	o.onStatus = cb
}

// step couples a name with its timeout/retry policy and body
type step struct {
	name    string
	timeout time.Duration
	retries int
	run     func(ctx context.Context, s *runState) error
}

// runState is the per-run mutable state threaded through the steps
type runState struct {
	job           *domain.Job
	handle        sandbox.Handle
	agent         AgentClient
	sessionID     string
	agentURL      string
	manifestData  []byte
	manifestFound bool
}

// Execute drives one job from its last recorded step to a terminal state.
// Any uncaught step error fails the run; cleanup always runs.
func (o *Orchestrator) Execute(job *domain.Job) {
	ctx := context.Background()

	run, err := o.registry.Get(job.RunID)
	if err != nil {
		log.Printf("[orchestrator] run %s: registry lookup failed: %v", job.RunID, err)
		return
	}
	if run == nil {
		log.Printf("[orchestrator] run %s: no registry row, dropping job", job.RunID)
		return
	}
	if !run.Status.Active() {
		log.Printf("[orchestrator] run %s: already %s, dropping job", job.RunID, run.Status)
		return
	}

	state := &runState{job: job}
	steps := o.steps()

	var failErr error
	superseded := false
	resumeAfter := run.Step

	for _, st := range steps {
		if resumeAfter != "" {
			if completedBefore(st.name, resumeAfter) {
				log.Printf("[orchestrator] run %s: skipping completed step %s", job.RunID, st.name)
				continue
			}
		}

		active, err := o.registry.IsActive(job.RunID)
		if err != nil {
			failErr = fmt.Errorf("activity check before %s: %w", st.name, err)
			break
		}
		if !active {
			superseded = true
			break
		}

		if err := o.runStep(ctx, st, state); err != nil {
			if errors.Is(err, errSuperseded) {
				superseded = true
				break
			}
			failErr = fmt.Errorf("step %s: %w", st.name, err)
			break
		}

		sandbox.BestEffort("record step progress", func() error {
			return o.registry.SetStep(job.RunID, st.name)
		})
	}

	switch {
	case superseded:
		log.Printf("[orchestrator] run %s: superseded, skipping remaining steps", job.RunID)
		o.metrics.IncRunFinished(string(domain.RunCancelled))
	case failErr != nil:
		log.Printf("[orchestrator] run %s: failed: %v", job.RunID, failErr)
		o.transition(job.RunID, domain.RunFailed)
		o.metrics.IncRunFinished(string(domain.RunFailed))
		sandbox.BestEffort("notify run failure", func() error {
			return o.notifier.Send(notify.Notification{
				Title:   fmt.Sprintf("Snapshot run failed for %s/%s#%d", job.Owner, job.Repo, job.PRNumber),
				Message: failErr.Error(),
				Type:    notify.NotifyError,
				RunID:   job.RunID,
			})
		})
	default:
		log.Printf("[orchestrator] run %s: completed", job.RunID)
		o.metrics.IncRunFinished(string(domain.RunCompleted))
	}

	o.cleanup(state)
}

// runStep executes one step with its timeout, retrying transient failures
func (o *Orchestrator) runStep(ctx context.Context, st step, state *runState) error {
	attempts := st.retries + 1

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			o.metrics.IncStepRetry(st.name)
			log.Printf("[orchestrator] run %s: retrying %s (attempt %d/%d)",
				state.job.RunID, st.name, attempt+1, attempts)
			time.Sleep(o.cfg.RetryBackoff)
		}

		stepCtx := ctx
		var cancel context.CancelFunc
		if st.timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, st.timeout)
		}

		start := time.Now()
		err = st.run(stepCtx, state)
		o.metrics.ObserveStepDuration(st.name, time.Since(start).Seconds())

		if cancel != nil {
			cancel()
		}

		if err == nil {
			return nil
		}
		if errors.Is(err, errSuperseded) {
			return err
		}
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", st.timeout, err)
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}

// retryable reports whether a failure is worth another attempt. Content and
// deadline outcomes are deterministic; only infrastructure blips qualify.
func retryable(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, errManifestTimeout) {
		return false
	}
	return true
}

// transition moves the run's status best-effort and fires the callback when
// the row actually changed
func (o *Orchestrator) transition(runID string, status domain.RunStatus) {
	changed, err := o.registry.Transition(runID, status)
	if err != nil {
		log.Printf("[orchestrator] run %s: transition to %s failed: %v", runID, status, err)
		return
	}
	if changed && o.onStatus != nil {
		o.onStatus(runID, status)
	}
}

// completedBefore reports whether step name comes at or before lastCompleted
// in the sequence
func completedBefore(name, lastCompleted string) bool {
	for _, s := range stepOrder {
		if s == name {
			return true
		}
		if s == lastCompleted {
			return false
		}
	}
	return false
}
