// Package git implements ports.GitPort on top of the git command line.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/randalmurphal/workrun/internal/ports"
)

// DefaultRemote is the remote fetched before worktrees are created.
const DefaultRemote = "origin"

// Git runs git commands against repositories and their worktrees.
type Git struct {
	runner CommandRunner
	logger *slog.Logger
	remote string

	// mu serializes compound worktree operations (add, prune, retry).
	mu sync.Mutex
}

var _ ports.GitPort = (*Git)(nil)

// Option configures a Git.
type Option func(*Git)

// WithRunner sets the command runner. Tests use it to fake git.
func WithRunner(r CommandRunner) Option {
	return func(g *Git) { g.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Git) { g.logger = l }
}

// WithRemote sets the remote used by Fetch.
func WithRemote(name string) Option {
	return func(g *Git) { g.remote = name }
}

// New creates a Git.
func New(opts ...Option) *Git {
	g := &Git{
		runner: NewExecRunner(),
		remote: DefaultRemote,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	return g.runner.Run(ctx, dir, "git", args...)
}

// Fetch fetches the configured remote. Repositories without that remote are
// left alone.
func (g *Git) Fetch(ctx context.Context, repoPath string) error {
	out, err := g.run(ctx, repoPath, "remote")
	if err != nil {
		return &GitError{Op: "list remotes", Path: repoPath, Err: err}
	}
	if !hasLine(out, g.remote) {
		g.logger.Debug("skipping fetch, remote not configured", "repo", repoPath, "remote", g.remote)
		return nil
	}
	if _, err := g.run(ctx, repoPath, "fetch", g.remote); err != nil {
		return &GitError{Op: "fetch", Path: repoPath, Err: err}
	}
	return nil
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(ctx context.Context, repoPath, branch string) (bool, error) {
	out, err := g.run(ctx, repoPath, "branch", "--list", branch)
	if err != nil {
		return false, &GitError{Op: "list branches", Path: repoPath, Err: err}
	}
	return strings.TrimSpace(out) != "", nil
}

// DeleteBranch force-deletes a local branch. A missing branch is not an error.
func (g *Git) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	exists, err := g.BranchExists(ctx, repoPath, branch)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if _, err := g.run(ctx, repoPath, "branch", "-D", branch); err != nil {
		return &GitError{Op: "delete branch " + branch, Path: repoPath, Err: err}
	}
	return nil
}

// UnsetUpstream removes upstream tracking from the worktree's branch.
func (g *Git) UnsetUpstream(ctx context.Context, worktreePath string) error {
	_, err := g.run(ctx, worktreePath, "branch", "--unset-upstream")
	if err != nil && !outputContains(err, "no upstream") {
		return &GitError{Op: "unset upstream", Path: worktreePath, Err: err}
	}
	return nil
}

// GetCurrentCommit returns the HEAD commit hash at path.
func (g *Git) GetCurrentCommit(ctx context.Context, path string) (string, error) {
	out, err := g.run(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", &GitError{Op: "read HEAD", Path: path, Err: err}
	}
	return out, nil
}

// Reset hard-resets the checkout at path to commitHash.
func (g *Git) Reset(ctx context.Context, path, commitHash string) error {
	if commitHash == "" {
		return fmt.Errorf("reset %s: empty commit hash", path)
	}
	if _, err := g.run(ctx, path, "reset", "--hard", commitHash); err != nil {
		return &GitError{Op: "reset to " + commitHash, Path: path, Err: err}
	}
	return nil
}

// CreateWorktree adds a worktree at p.WorktreePath on a new branch cut from
// p.BaseBranch, or on the existing branch when it is already present.
func (g *Git) CreateWorktree(ctx context.Context, p ports.CreateWorktreeParams) error {
	if err := os.MkdirAll(filepath.Dir(p.WorktreePath), 0o755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}
	if err := g.tryCreateWorktree(ctx, p); err != nil {
		return &GitError{Op: "create worktree " + p.NewBranchName, Path: p.RepoPath, Err: err}
	}
	g.logger.Debug("worktree created", "repo", p.RepoPath, "path", p.WorktreePath, "branch", p.NewBranchName)
	return nil
}

// tryCreateWorktree handles stale registrations: when both the new-branch and
// existing-branch forms fail, it prunes and tries both again.
func (g *Git) tryCreateWorktree(ctx context.Context, p ports.CreateWorktreeParams) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	attempt := func() error {
		_, err := g.run(ctx, p.RepoPath, "worktree", "add", "-b", p.NewBranchName, p.WorktreePath, p.BaseBranch)
		if err == nil {
			return nil
		}
		_, err = g.run(ctx, p.RepoPath, "worktree", "add", p.WorktreePath, p.NewBranchName)
		return err
	}

	if err := attempt(); err == nil {
		return nil
	}
	_, _ = g.run(ctx, p.RepoPath, "worktree", "prune")
	return attempt()
}

// DeleteWorktree force-removes the worktree at worktreePath and prunes its
// registration. A worktree that is already gone is not an error.
func (g *Git) DeleteWorktree(ctx context.Context, repoPath, worktreePath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.run(ctx, repoPath, "worktree", "remove", "--force", worktreePath)
	if err != nil {
		if _, statErr := os.Stat(worktreePath); !os.IsNotExist(statErr) {
			return &GitError{Op: "remove worktree", Path: worktreePath, Err: err}
		}
	}
	if _, err := g.run(ctx, repoPath, "worktree", "prune"); err != nil {
		return &GitError{Op: "prune worktrees", Path: repoPath, Err: err}
	}
	return nil
}

// RemoveWorktreeForBranch removes whichever worktree has branch checked out.
func (g *Git) RemoveWorktreeForBranch(ctx context.Context, repoPath, branch string) error {
	worktrees, err := g.listWorktrees(ctx, repoPath)
	if err != nil {
		return err
	}
	for _, wt := range worktrees {
		if wt.Branch == branch {
			return g.DeleteWorktree(ctx, repoPath, wt.Path)
		}
	}
	return nil
}

// worktreeInfo is one entry of `git worktree list --porcelain`.
type worktreeInfo struct {
	Path   string
	Branch string
	Commit string
}

func (g *Git) listWorktrees(ctx context.Context, repoPath string) ([]worktreeInfo, error) {
	out, err := g.run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, &GitError{Op: "list worktrees", Path: repoPath, Err: err}
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []worktreeInfo {
	var (
		list    []worktreeInfo
		current worktreeInfo
	)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			if current.Path != "" {
				list = append(list, current)
			}
			current = worktreeInfo{}
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "detached":
			current.Branch = ""
		}
	}
	if current.Path != "" {
		list = append(list, current)
	}
	return list
}

func hasLine(out, want string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}
