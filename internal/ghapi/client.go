// Package ghapi wraps the slice of the GitHub REST API this system consumes:
// PR metadata, diffs, changed files, and issue comments, authenticated as a
// GitHub App installation.
package ghapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the public GitHub API endpoint
const DefaultBaseURL = "https://api.github.com"

// Client is an installation-authenticated GitHub REST client
type Client struct {
	baseURL string
	auth    *AppAuth
	client  *http.Client
}

// NewClient creates a client using auth for installation tokens
func NewClient(auth *AppAuth, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		auth:    auth,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// PRDetails is the PR metadata the orchestrator needs
type PRDetails struct {
	Title          string
	Body           string
	HeadSHA        string
	MergeCommitSHA string
	Merged         bool
}

// FetchPRDetails returns title, body, and commit identity for a PR
func (c *Client) FetchPRDetails(ctx context.Context, installationID int64, owner, repo string, prNumber int) (*PRDetails, error) {
	var body struct {
		Title          string `json:"title"`
		Body           string `json:"body"`
		Merged         bool   `json:"merged"`
		MergeCommitSHA string `json:"merge_commit_sha"`
		Head           struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, prNumber)
	if err := c.getJSON(ctx, installationID, path, &body); err != nil {
		return nil, fmt.Errorf("fetch PR details: %w", err)
	}
	return &PRDetails{
		Title:          body.Title,
		Body:           body.Body,
		HeadSHA:        body.Head.SHA,
		MergeCommitSHA: body.MergeCommitSHA,
		Merged:         body.Merged,
	}, nil
}

// FetchPRDiff returns the unified diff for a PR
func (c *Client) FetchPRDiff(ctx context.Context, installationID int64, owner, repo string, prNumber int) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, prNumber)
	resp, err := c.get(ctx, installationID, path, "application/vnd.github.v3.diff")
	if err != nil {
		return "", fmt.Errorf("fetch PR diff: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch PR diff: github returned %d", resp.StatusCode)
	}
	diff, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read PR diff: %w", err)
	}
	return string(diff), nil
}

// FetchChangedFiles returns the paths of all files touched by a PR
func (c *Client) FetchChangedFiles(ctx context.Context, installationID int64, owner, repo string, prNumber int) ([]string, error) {
	var files []string
	for page := 1; ; page++ {
		var body []struct {
			Filename string `json:"filename"`
		}
		path := fmt.Sprintf("/repos/%s/%s/pulls/%d/files?per_page=100&page=%d", owner, repo, prNumber, page)
		if err := c.getJSON(ctx, installationID, path, &body); err != nil {
			return nil, fmt.Errorf("fetch changed files: %w", err)
		}
		for _, f := range body {
			files = append(files, f.Filename)
		}
		if len(body) < 100 {
			break
		}
	}
	return files, nil
}

// PostComment posts a comment on a PR
func (c *Client) PostComment(ctx context.Context, installationID int64, owner, repo string, prNumber int, body string) error {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, prNumber)
	req, err := c.newRequest(ctx, installationID, http.MethodPost, path, "application/vnd.github+json")
	if err != nil {
		return err
	}
	req.Body = io.NopCloser(strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post comment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("post comment: github returned %d", resp.StatusCode)
	}
	return nil
}

// FindInstallation resolves the App installation covering a repository
func (c *Client) FindInstallation(ctx context.Context, owner, repo string) (int64, error) {
	appJWT, err := c.auth.AppJWT()
	if err != nil {
		return 0, err
	}
	path := fmt.Sprintf("%s/repos/%s/%s/installation", c.baseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("find installation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("app not installed on %s/%s", owner, repo)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("find installation: github returned %d", resp.StatusCode)
	}

	var body struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode installation: %w", err)
	}
	return body.ID, nil
}

// CloneURL builds an https clone URL embedding a short-lived installation
// token
func (c *Client) CloneURL(ctx context.Context, installationID int64, owner, repo string) (string, error) {
	token, err := c.auth.InstallationToken(ctx, installationID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, repo), nil
}

func (c *Client) newRequest(ctx context.Context, installationID int64, method, path, accept string) (*http.Request, error) {
	token, err := c.auth.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", accept)
	return req, nil
}

func (c *Client) get(ctx context.Context, installationID int64, path, accept string) (*http.Response, error) {
	req, err := c.newRequest(ctx, installationID, http.MethodGet, path, accept)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

func (c *Client) getJSON(ctx context.Context, installationID int64, path string, out any) error {
	resp, err := c.get(ctx, installationID, path, "application/vnd.github+json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ParsePRURL extracts owner, repo, and PR number from a pull request URL
// like https://github.com/acme/widget/pull/42
func ParsePRURL(raw string) (owner, repo string, prNumber int, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", 0, fmt.Errorf("parse PR URL: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 4 || parts[2] != "pull" {
		return "", "", 0, fmt.Errorf("not a pull request URL: %s", raw)
	}
	if _, err := fmt.Sscanf(parts[3], "%d", &prNumber); err != nil || prNumber <= 0 {
		return "", "", 0, fmt.Errorf("bad PR number in URL: %s", raw)
	}
	return parts[0], parts[1], prNumber, nil
}
