// Package workspace probes the git worktree and pull request behind a branch
// so prompts and the dashboard can show where the agent's work stands.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
)

// ErrNotRepository is returned when a path is not inside a git repository.
var ErrNotRepository = errors.New("not a git repository")

// Status is a point-in-time view of a worktree.
type Status struct {
	Path         string       `json:"path"`
	Branch       string       `json:"branch,omitempty"`
	Head         string       `json:"head,omitempty"`
	Detached     bool         `json:"detached,omitempty"`
	Dirty        bool         `json:"dirty"`
	Modified     int          `json:"modified"`
	Untracked    int          `json:"untracked"`
	LastCommit   string       `json:"last_commit,omitempty"`
	LastCommitAt time.Time    `json:"last_commit_at,omitzero"`
	PullRequest  *PullRequest `json:"pull_request,omitempty"`
	ProbedAt     time.Time    `json:"probed_at"`
}

// GitProbe reads worktree status with go-git.
type GitProbe struct{}

// Probe inspects the repository containing path.
func (GitProbe) Probe(path string) (*Status, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	st := &Status{Path: path, ProbedAt: time.Now().UTC()}
	head, err := repo.Head()
	if err != nil {
		// unborn branch: no commits yet
		return st, nil
	}
	st.Head = head.Hash().String()[:12]
	if head.Name().IsBranch() {
		st.Branch = head.Name().Short()
	} else {
		st.Detached = true
	}
	if commit, err := repo.CommitObject(head.Hash()); err == nil {
		st.LastCommit = firstLine(commit.Message)
		st.LastCommitAt = commit.Committer.When.UTC()
	}

	wt, err := repo.Worktree()
	if err != nil {
		return st, nil
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("worktree status: %w", err)
	}
	for _, fs := range status {
		switch {
		case fs.Worktree == git.Untracked:
			st.Untracked++
		case fs.Worktree != git.Unmodified || fs.Staging != git.Unmodified:
			st.Modified++
		}
	}
	st.Dirty = st.Modified+st.Untracked > 0
	return st, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

// Prober combines the git and pull request probes and caches results for
// ttl so a fast poll loop does not rescan large worktrees every cycle.
type Prober struct {
	git GitProbe
	prs *PRProbe
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	status *Status
	at     time.Time
}

// NewProber creates a Prober. prs may be nil.
func NewProber(prs *PRProbe, ttl time.Duration) *Prober {
	return &Prober{prs: prs, ttl: ttl, now: time.Now, cache: make(map[string]cached)}
}

// Probe returns the status of dir, looking up the pull request for branch.
func (p *Prober) Probe(ctx context.Context, branch, dir string) (*Status, error) {
	key := branch + "\x00" + dir
	p.mu.Lock()
	if c, ok := p.cache[key]; ok && p.now().Sub(c.at) < p.ttl {
		p.mu.Unlock()
		return c.status, nil
	}
	p.mu.Unlock()

	st, err := p.git.Probe(dir)
	if err != nil {
		return nil, err
	}
	if p.prs != nil {
		lookup := branch
		if st.Branch != "" {
			lookup = st.Branch
		}
		if pr, err := p.prs.Find(ctx, lookup); err == nil {
			st.PullRequest = pr
		}
	}

	p.mu.Lock()
	p.cache[key] = cached{status: st, at: p.now()}
	p.mu.Unlock()
	return st, nil
}
