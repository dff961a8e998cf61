package ghapi

import (
	"context"
	"fmt"

	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/domain"
)

// BuildJob assembles the immutable job payload for a run: PR metadata, the
// unified diff, and the changed-file list. Built once at registration time
// and never mutated afterward.
func (c *Client) BuildJob(ctx context.Context, runID string, installationID int64, owner, repo string, prNumber int, commitSHA string) (*domain.Job, error) {
	details, err := c.FetchPRDetails(ctx, installationID, owner, repo, prNumber)
	if err != nil {
		return nil, err
	}
	diff, err := c.FetchPRDiff(ctx, installationID, owner, repo, prNumber)
	if err != nil {
		return nil, err
	}
	files, err := c.FetchChangedFiles(ctx, installationID, owner, repo, prNumber)
	if err != nil {
		return nil, err
	}

	if commitSHA == "" {
		commitSHA = details.HeadSHA
		if details.Merged && details.MergeCommitSHA != "" {
			commitSHA = details.MergeCommitSHA
		}
	}
	if commitSHA == "" {
		return nil, fmt.Errorf("PR %s/%s#%d has no resolvable commit", owner, repo, prNumber)
	}

	return &domain.Job{
		RunID:          runID,
		Owner:          owner,
		Repo:           repo,
		PRNumber:       prNumber,
		CommitSHA:      commitSHA,
		InstallationID: installationID,
		Title:          details.Title,
		Body:           details.Body,
		Diff:           diff,
		ChangedFiles:   files,
	}, nil
}
