package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/ghapi"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/sandbox"
)

type repoRef struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Merged         bool   `json:"merged"`
		MergeCommitSHA string `json:"merge_commit_sha"`
	} `json:"pull_request"`
	Repository   repoRef `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

type issueCommentEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number      int       `json:"number"`
		PullRequest *struct{} `json:"pull_request"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
	Repository   repoRef `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// verifySignature checks the X-Hub-Signature-256 HMAC over the raw body
func verifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header[len(prefix):]))
}

func (s *Server) webhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST only")
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body")
			return
		}
		if !verifySignature(s.webhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
			writeError(w, http.StatusForbidden, "bad signature")
			return
		}

		switch r.Header.Get("X-GitHub-Event") {
		case "pull_request":
			s.handlePullRequestEvent(w, body)
		case "issue_comment":
			s.handleIssueCommentEvent(w, body)
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		}
	}
}

func (s *Server) handlePullRequestEvent(w http.ResponseWriter, body []byte) {
	var ev pullRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "bad payload")
		return
	}
	if ev.Action != "closed" || !ev.PullRequest.Merged {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	run, err := s.registerAndEnqueue(
		ev.Repository.Owner.Login, ev.Repository.Name, ev.Number,
		ev.PullRequest.MergeCommitSHA, ev.Installation.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

func (s *Server) handleIssueCommentEvent(w http.ResponseWriter, body []byte) {
	var ev issueCommentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "bad payload")
		return
	}
	if ev.Action != "created" || ev.Issue.PullRequest == nil ||
		!strings.Contains(ev.Comment.Body, s.triggerMention) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	// Empty commit SHA: the job builder resolves the PR's current head.
	run, err := s.registerAndEnqueue(
		ev.Repository.Owner.Login, ev.Repository.Name, ev.Issue.Number,
		"", ev.Installation.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

// registerAndEnqueue is the single path every trigger goes through: the
// atomic register (superseding any active run for the PR), then job assembly
// and publish off the request goroutine.
func (s *Server) registerAndEnqueue(owner, repo string, prNumber int, commitSHA string, installationID int64) (*domain.Run, error) {
	run, superseded, err := s.registry.Register(owner, repo, prNumber, commitSHA)
	if err != nil {
		return nil, err
	}
	s.metrics.IncRunRegistered()
	s.hub.Broadcast(Event{Type: "run_status", RunID: run.ID, Status: string(domain.RunQueued)})
	if superseded != nil {
		s.metrics.IncRunSuperseded()
		s.hub.Broadcast(Event{Type: "run_status", RunID: superseded.ID, Status: string(domain.RunCancelled)})
		log.Printf("[api] run %s supersedes %s for %s/%s#%d", run.ID, superseded.ID, owner, repo, prNumber)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		instID := installationID
		if instID == 0 {
			id, err := s.jobs.FindInstallation(ctx, owner, repo)
			if err != nil {
				s.abortRun(run.ID, "find installation", err)
				return
			}
			instID = id
		}
		job, err := s.jobs.BuildJob(ctx, run.ID, instID, owner, repo, prNumber, commitSHA)
		if err != nil {
			s.abortRun(run.ID, "build job", err)
			return
		}
		if err := s.queue.Publish(job); err != nil {
			s.abortRun(run.ID, "publish job", err)
			return
		}
	}()

	return run, nil
}

// abortRun fails a run that never made it onto the queue
func (s *Server) abortRun(runID, what string, err error) {
	log.Printf("[api] run %s: %s failed: %v", runID, what, err)
	sandbox.BestEffort("abort run "+runID, func() error {
		_, kerr := s.registry.Kill(runID)
		return kerr
	})
	s.hub.Broadcast(Event{Type: "run_status", RunID: runID, Status: string(domain.RunFailed)})
}

type triggerRequest struct {
	PRURL     string `json:"pr_url" validate:"omitempty,url"`
	Owner     string `json:"owner" validate:"required_without=PRURL"`
	Repo      string `json:"repo" validate:"required_without=PRURL"`
	PRNumber  int    `json:"pr_number" validate:"required_without=PRURL,omitempty,gt=0"`
	CommitSHA string `json:"commit_sha" validate:"omitempty,hexadecimal,len=40"`
}

// triggerRun handles POST /api/runs, the manual trigger
func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad JSON")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner, repo, prNumber := req.Owner, req.Repo, req.PRNumber
	if req.PRURL != "" {
		var err error
		owner, repo, prNumber, err = ghapi.ParsePRURL(req.PRURL)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	run, err := s.registerAndEnqueue(owner, repo, prNumber, req.CommitSHA, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

type killRequest struct {
	RunIDs []string `json:"run_ids"`
	// HandleNames destroys sandbox handles directly, bypassing the run
	// record. Recovery escape hatch for handles orphaned without a run row.
	HandleNames []string `json:"handle_names"`
	All         bool     `json:"all"`
}

func (s *Server) killHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST only")
			return
		}
		var req killRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad JSON")
			return
		}
		if !req.All && len(req.RunIDs) == 0 && len(req.HandleNames) == 0 {
			writeError(w, http.StatusBadRequest, "run_ids, handle_names, or all required")
			return
		}

		var killed []string
		if req.All {
			ids, err := s.registry.KillAllActive()
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			killed = ids
		} else {
			for _, id := range req.RunIDs {
				ok, err := s.registry.Kill(id)
				if err != nil {
					writeError(w, http.StatusInternalServerError, err.Error())
					return
				}
				if ok {
					killed = append(killed, id)
				}
			}
		}
		var destroyed []string
		if len(req.HandleNames) > 0 {
			if s.provider == nil {
				writeError(w, http.StatusBadRequest, "handle kills not supported")
				return
			}
			for _, name := range req.HandleNames {
				sandbox.BestEffort("destroy handle "+name, func() error {
					return s.provider.Destroy(r.Context(), name)
				})
				destroyed = append(destroyed, name)
			}
		}

		for _, id := range killed {
			s.hub.Broadcast(Event{Type: "run_status", RunID: id, Status: string(domain.RunFailed)})
		}
		if killed == nil {
			killed = []string{}
		}
		if destroyed == nil {
			destroyed = []string{}
		}
		writeJSON(w, http.StatusOK, map[string][]string{
			"killed":    killed,
			"destroyed": destroyed,
		})
	}
}
