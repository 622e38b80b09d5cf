package workspace

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/haizhouyuan/tmuxagent/internal/config"
)

// ErrNoPullRequest is returned when a branch has no pull request.
var ErrNoPullRequest = errors.New("no pull request for branch")

// PullRequest summarizes the pull request opened from a branch.
type PullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Draft  bool   `json:"draft,omitempty"`
	Merged bool   `json:"merged,omitempty"`
	URL    string `json:"url"`
}

// PRProbe finds pull requests for branches of one GitHub repository.
type PRProbe struct {
	client *github.Client
	owner  string
	repo   string
}

// NewPRProbe creates a probe. An unset token uses unauthenticated access.
func NewPRProbe(ctx context.Context, owner, repo string, token config.Secret) (*PRProbe, error) {
	if owner == "" || repo == "" {
		return nil, errors.New("github owner and repo are required")
	}
	var hc *http.Client
	if token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
		hc = oauth2.NewClient(ctx, ts)
	}
	return &PRProbe{client: github.NewClient(hc), owner: owner, repo: repo}, nil
}

// Find returns the most recent pull request whose head is branch.
func (p *PRProbe) Find(ctx context.Context, branch string) (*PullRequest, error) {
	prs, _, err := p.client.PullRequests.List(ctx, p.owner, p.repo, &github.PullRequestListOptions{
		State:       "all",
		Head:        p.owner + ":" + branch,
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("list pull requests for %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, ErrNoPullRequest
	}
	pr := prs[0]
	return &PullRequest{
		Number: pr.GetNumber(),
		Title:  pr.GetTitle(),
		State:  pr.GetState(),
		Draft:  pr.GetDraft(),
		Merged: pr.MergedAt != nil,
		URL:    pr.GetHTMLURL(),
	}, nil
}
