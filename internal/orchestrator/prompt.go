package orchestrator

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/domain"
)

const systemPromptTemplate = `You are a UI verification agent running inside an isolated sandbox.

A pull request has been checked out at %s. Context files describing the
change are in %s:
- pr.md: PR title and description
- diff.patch: the full diff
- changed_files.txt: every file the PR touches

Your job:
1. Install dependencies and start the application's dev server.
2. From the diff, identify the routes and UI states the change affects.
3. Visit each affected route and capture a screenshot of it.
4. Write every screenshot under /workspace/screenshots/.
5. When you are done, write the manifest to %s as a JSON array of
   {"path": "...", "route": "...", "description": "..."} entries, one per
   screenshot. The manifest is your completion signal: write it last, and
   write it even if you captured nothing (an empty array).

Do not ask for clarification. Make reasonable decisions based on the diff.
`

const userPromptTemplate = `PR: %s/%s#%d
Commit: %s
Title: %s

Changed files (%d):
%s

Start now. Remember to write the manifest when finished.
`

func systemPrompt(cfg Config) string {
	return fmt.Sprintf(systemPromptTemplate, cfg.RepoDir, cfg.ContextDir, cfg.ManifestPath)
}

func userPrompt(job *domain.Job, cfg Config) string {
	files := job.ChangedFiles
	const maxListed = 50
	truncated := ""
	if len(files) > maxListed {
		truncated = fmt.Sprintf("\n... and %d more (see changed_files.txt)", len(files)-maxListed)
		files = files[:maxListed]
	}
	return fmt.Sprintf(userPromptTemplate,
		job.Owner, job.Repo, job.PRNumber,
		job.CommitSHA,
		job.Title,
		len(job.ChangedFiles),
		strings.Join(files, "\n")+truncated,
	)
}
