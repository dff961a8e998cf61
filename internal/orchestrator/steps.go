package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/manifest"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/sandbox"
)

func (o *Orchestrator) steps() []step {
	return []step{
		{name: StepMarkRunning, run: o.stepMarkRunning},
		{name: StepCloneRepo, timeout: o.cfg.CloneTimeout, run: o.stepCloneRepo},
		{name: StepWriteContext, timeout: o.cfg.ContextTimeout, run: o.stepWriteContext},
		{name: StepStartAgent, timeout: o.cfg.StartTimeout, run: o.stepStartAgent},
		{name: StepWaitForAgent, timeout: o.cfg.WaitTimeout, retries: 2, run: o.stepWaitForAgent},
		{name: StepUploadAndComment, timeout: o.cfg.UploadTimeout, retries: 2, run: o.stepUploadAndComment},
		{name: StepMarkCompleted, run: o.stepMarkCompleted},
	}
}

// sessionRecord is persisted inside the handle so a restarted orchestrator
// (or the cleanup path) can find the agent session again
type sessionRecord struct {
	SessionID string `json:"session_id"`
	AgentURL  string `json:"agent_url"`
}

func (o *Orchestrator) stepMarkRunning(ctx context.Context, s *runState) error {
	changed, err := o.registry.Transition(s.job.RunID, domain.RunRunning)
	if err != nil {
		return err
	}
	if !changed {
		// A newer registration cancelled this run before it started.
		return errSuperseded
	}
	if o.onStatus != nil {
		o.onStatus(s.job.RunID, domain.RunRunning)
	}
	return nil
}

// ensureHandle provisions the run's handle. Create is get-or-create, so a
// resumed run re-attaches to the handle its previous process left behind.
func (o *Orchestrator) ensureHandle(ctx context.Context, s *runState) error {
	if s.handle != nil {
		return nil
	}
	h, err := o.provider.Create(ctx, s.job.RunID)
	if err != nil {
		return fmt.Errorf("create handle: %w", err)
	}
	s.handle = h
	return nil
}

// waitRuntimeReady polls a trivial command until the container runtime
// inside the handle accepts execs
func waitRuntimeReady(ctx context.Context, h sandbox.Handle) error {
	for {
		res, err := h.Exec(ctx, "true")
		if err == nil && res.ExitCode == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("runtime not ready: %w", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}

func (o *Orchestrator) stepCloneRepo(ctx context.Context, s *runState) error {
	if err := o.ensureHandle(ctx, s); err != nil {
		return err
	}
	if err := waitRuntimeReady(ctx, s.handle); err != nil {
		return err
	}

	cloneURL, err := o.github.CloneURL(ctx, s.job.InstallationID, s.job.Owner, s.job.Repo)
	if err != nil {
		return fmt.Errorf("resolve clone URL: %w", err)
	}

	cmd := fmt.Sprintf(
		"rm -rf %s && git clone --quiet %s %s && cd %s && git fetch --quiet origin %s && git checkout --quiet %s",
		o.cfg.RepoDir, cloneURL, o.cfg.RepoDir, o.cfg.RepoDir, s.job.CommitSHA, s.job.CommitSHA)
	res, err := s.handle.Exec(ctx, cmd)
	if err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	if res.ExitCode != 0 {
		return permanent(fmt.Errorf("clone exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return nil
}

func (o *Orchestrator) stepWriteContext(ctx context.Context, s *runState) error {
	if err := o.ensureHandle(ctx, s); err != nil {
		return err
	}

	res, err := s.handle.Exec(ctx, "mkdir -p "+o.cfg.ContextDir)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return permanent(fmt.Errorf("mkdir %s exited %d: %s", o.cfg.ContextDir, res.ExitCode, res.Stderr))
	}

	job := s.job
	prMD := fmt.Sprintf("# %s\n\nPR: %s/%s#%d\nCommit: %s\n\n%s\n",
		job.Title, job.Owner, job.Repo, job.PRNumber, job.CommitSHA, job.Body)

	files := map[string]string{
		path.Join(o.cfg.ContextDir, "pr.md"):             prMD,
		path.Join(o.cfg.ContextDir, "diff.patch"):        job.Diff,
		path.Join(o.cfg.ContextDir, "changed_files.txt"): strings.Join(job.ChangedFiles, "\n") + "\n",
	}
	for p, content := range files {
		if err := s.handle.WriteFile(ctx, p, []byte(content)); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
	}
	return nil
}

func (o *Orchestrator) stepStartAgent(ctx context.Context, s *runState) error {
	if err := o.ensureHandle(ctx, s); err != nil {
		return err
	}

	if err := s.handle.SetEnvVars(ctx, map[string]string{
		"SNAPSHOT_RUN_ID":      s.job.RunID,
		"SNAPSHOT_MANIFEST":    o.cfg.ManifestPath,
		"SNAPSHOT_CONTEXT_DIR": o.cfg.ContextDir,
	}); err != nil {
		return fmt.Errorf("set env vars: %w", err)
	}

	res, err := s.handle.Exec(ctx, o.cfg.AgentCommand)
	if err != nil {
		return fmt.Errorf("launch agent server: %w", err)
	}
	if res.ExitCode != 0 {
		return permanent(fmt.Errorf("agent launch exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}

	hostname := fmt.Sprintf("run-%s.%s", s.job.RunID, o.cfg.PreviewDomain)
	url, err := s.handle.ExposePort(ctx, o.cfg.AgentPort, hostname)
	if err != nil {
		return fmt.Errorf("expose agent port: %w", err)
	}
	s.agentURL = url
	s.agent = o.agentDial(url)

	// The agent server needs a moment to bind; retry session creation until
	// the step deadline.
	var sessionID string
	for {
		sessionID, err = s.agent.CreateSession(ctx)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("create agent session: %w", err)
		case <-time.After(2 * time.Second):
		}
	}
	s.sessionID = sessionID

	rec, _ := json.Marshal(sessionRecord{SessionID: sessionID, AgentURL: url})
	if err := s.handle.WriteFile(ctx, o.cfg.SessionFile, rec); err != nil {
		return fmt.Errorf("persist session record: %w", err)
	}

	if err := s.agent.PromptAsync(ctx, sessionID, systemPrompt(o.cfg), userPrompt(s.job, o.cfg)); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	return nil
}

// stepWaitForAgent blocks until the agent writes its manifest or the inner
// deadline passes. The polling loop runs as a single remote shell invocation
// inside the handle, so the orchestrator is not issuing an exec every few
// seconds; concurrently, a ticker watches the registry so a superseded run
// stops waiting within one poll interval.
func (o *Orchestrator) stepWaitForAgent(ctx context.Context, s *runState) error {
	if err := o.ensureHandle(ctx, s); err != nil {
		return err
	}

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := fmt.Sprintf(
		`end=$(($(date +%%s)+%d)); while [ $(date +%%s) -lt $end ]; do if [ -f %s ]; then echo FOUND; exit 0; fi; sleep 2; done; echo NOT_FOUND`,
		int(o.cfg.AgentDeadline.Seconds()), o.cfg.ManifestPath)

	type pollResult struct {
		res *sandbox.ExecResult
		err error
	}
	done := make(chan pollResult, 1)
	go func() {
		res, err := s.handle.Exec(pollCtx, cmd)
		done <- pollResult{res: res, err: err}
	}()

	ticker := time.NewTicker(o.cfg.ActivePollInterval)
	defer ticker.Stop()

	for {
		select {
		case r := <-done:
			if r.err != nil {
				return fmt.Errorf("manifest poll: %w", r.err)
			}
			if !strings.Contains(r.res.Stdout, "FOUND") || strings.Contains(r.res.Stdout, "NOT_FOUND") {
				return errManifestTimeout
			}
			data, err := s.handle.ReadFile(ctx, o.cfg.ManifestPath)
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			s.manifestData = data
			s.manifestFound = true
			return nil
		case <-ticker.C:
			active, err := o.registry.IsActive(s.job.RunID)
			if err != nil {
				log.Printf("[orchestrator] run %s: activity check during wait failed: %v", s.job.RunID, err)
				continue
			}
			if !active {
				cancel()
				return errSuperseded
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for manifest: %w", ctx.Err())
		}
	}
}

func (o *Orchestrator) stepUploadAndComment(ctx context.Context, s *runState) error {
	if !s.manifestFound {
		// Resume path: the manifest was detected by a previous process.
		if err := o.ensureHandle(ctx, s); err != nil {
			return err
		}
		data, err := s.handle.ReadFile(ctx, o.cfg.ManifestPath)
		if err != nil {
			return fmt.Errorf("re-read manifest: %w", err)
		}
		s.manifestData = data
		s.manifestFound = true
	}

	entries, err := manifest.Parse(s.manifestData)
	if err != nil {
		return permanent(fmt.Errorf("parse manifest: %w", err))
	}

	job := s.job
	if len(entries) == 0 {
		body := fmt.Sprintf("**Visual snapshots for `%s`**\n\nThe agent finished but reported no screenshots for this change.", shortSHA(job.CommitSHA))
		return o.github.PostComment(ctx, job.InstallationID, job.Owner, job.Repo, job.PRNumber, body)
	}

	type uploaded struct {
		entry manifest.Entry
		url   string
	}
	results := make([]uploaded, 0, len(entries))
	for _, e := range entries {
		rc, err := s.handle.ReadFileStream(ctx, e.Path)
		if err != nil {
			return fmt.Errorf("read screenshot %s: %w", e.Path, err)
		}
		key := manifest.BlobKey(job.Owner, job.Repo, job.RunID, e)
		url, err := o.blobs.Upload(ctx, key, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		results = append(results, uploaded{entry: e, url: url})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Visual snapshots for `%s`** (%d screenshots)\n", shortSHA(job.CommitSHA), len(results))
	for _, r := range results {
		fmt.Fprintf(&b, "\n### `%s`\n", r.entry.Route)
		if r.entry.Description != "" {
			fmt.Fprintf(&b, "%s\n", r.entry.Description)
		}
		fmt.Fprintf(&b, "\n![%s](%s)\n", r.entry.Route, r.url)
	}
	return o.github.PostComment(ctx, job.InstallationID, job.Owner, job.Repo, job.PRNumber, b.String())
}

func (o *Orchestrator) stepMarkCompleted(ctx context.Context, s *runState) error {
	changed, err := o.registry.Transition(s.job.RunID, domain.RunCompleted)
	if err != nil {
		return err
	}
	if !changed {
		return errSuperseded
	}
	if o.onStatus != nil {
		o.onStatus(s.job.RunID, domain.RunCompleted)
	}
	return nil
}

// cleanup tears the run's infrastructure down. Every sub-action is
// independently best-effort: a failure to flush the transcript must not
// prevent the handle from being destroyed.
func (o *Orchestrator) cleanup(s *runState) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CleanupTimeout)
	defer cancel()

	job := s.job

	if s.handle != nil {
		if s.agent == nil || s.sessionID == "" {
			sandbox.BestEffort("recover session record", func() error {
				data, err := s.handle.ReadFile(ctx, o.cfg.SessionFile)
				if err != nil {
					return err
				}
				var rec sessionRecord
				if err := json.Unmarshal(data, &rec); err != nil {
					return err
				}
				if rec.SessionID != "" && rec.AgentURL != "" {
					s.sessionID = rec.SessionID
					s.agent = o.agentDial(rec.AgentURL)
				}
				return nil
			})
		}
		if s.agent != nil && s.sessionID != "" {
			sandbox.BestEffort("flush agent transcript", func() error {
				transcript, err := s.agent.GetMessages(ctx, s.sessionID)
				if err != nil {
					return err
				}
				key := fmt.Sprintf("%s/%s/%s/transcript.json", job.Owner, job.Repo, job.RunID)
				_, err = o.blobs.Upload(ctx, key, strings.NewReader(string(transcript)))
				return err
			})
		}
		sandbox.BestEffort("kill handle processes", func() error {
			err := s.handle.KillAllProcesses(ctx)
			if errors.Is(err, sandbox.ErrUnreachable) {
				return nil
			}
			return err
		})
	}

	sandbox.BestEffort("destroy handle", func() error {
		return o.provider.Destroy(ctx, job.RunID)
	})
}

func shortSHA(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}
