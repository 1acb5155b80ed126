// Package testutil provides in-memory fakes of the external ports for tests
// that drive the orchestration core without git or an agent binary.
package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/randalmurphal/workrun/internal/ports"
)

// Query is one SendQuery call seen by FakeAgent.
type Query struct {
	WorkExecutionID string
	Text            string
}

// FakeAgent is a scripted AgentPort. Respond decides each answer; when nil
// every query succeeds with "ok" and 10 tokens.
type FakeAgent struct {
	mu       sync.Mutex
	sessions map[string]ports.SessionInfo
	queries  []Query
	deleted  []string

	Respond  func(q Query, call int) (ports.QueryResult, error)
	StartErr error
}

var _ ports.AgentPort = (*FakeAgent)(nil)

// NewFakeAgent creates a FakeAgent.
func NewFakeAgent() *FakeAgent {
	return &FakeAgent{sessions: make(map[string]ports.SessionInfo)}
}

func (a *FakeAgent) StartSession(_ context.Context, p ports.StartSessionParams) (ports.SessionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.StartErr != nil {
		return ports.SessionInfo{}, a.StartErr
	}
	if s, ok := a.sessions[p.WorkExecutionID]; ok {
		return s, nil
	}
	id := p.ResumeSessionID
	if id == "" {
		id = uuid.NewString()
	}
	s := ports.SessionInfo{
		SessionID:       id,
		IsAssigned:      true,
		WorkExecutionID: p.WorkExecutionID,
		WorkspacePath:   p.WorkspacePath,
		Model:           p.Model,
	}
	a.sessions[p.WorkExecutionID] = s
	return s, nil
}

func (a *FakeAgent) SendQuery(ctx context.Context, workExecutionID, text string) (ports.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return ports.QueryResult{}, err
	}
	a.mu.Lock()
	_, ok := a.sessions[workExecutionID]
	q := Query{WorkExecutionID: workExecutionID, Text: text}
	a.queries = append(a.queries, q)
	call := len(a.queries)
	respond := a.Respond
	a.mu.Unlock()

	if !ok {
		return ports.QueryResult{}, fmt.Errorf("no session for %s", workExecutionID)
	}
	if respond != nil {
		return respond(q, call)
	}
	return ports.QueryResult{Response: "ok", TokensUsed: 10}, nil
}

func (a *FakeAgent) StopSession(_ context.Context, workExecutionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[workExecutionID]; ok {
		s.IsAssigned = false
		a.sessions[workExecutionID] = s
	}
	return nil
}

func (a *FakeAgent) DeleteSession(_ context.Context, workExecutionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, workExecutionID)
	a.deleted = append(a.deleted, workExecutionID)
	return nil
}

func (a *FakeAgent) FindSessionByWorkExecutionID(_ context.Context, workExecutionID string) (ports.SessionInfo, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[workExecutionID]
	return s, ok, nil
}

// Queries returns the queries sent so far.
func (a *FakeAgent) Queries() []Query {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Query(nil), a.queries...)
}

// SessionCount returns the number of live sessions.
func (a *FakeAgent) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Deleted returns the execution ids whose sessions were deleted.
func (a *FakeAgent) Deleted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.deleted...)
}

// Reset is one hard reset performed through FakeGit.
type Reset struct {
	Path string
	Hash string
}

type fakeWorktree struct {
	repo   string
	branch string
}

// FakeGit is a GitPort that tracks worktrees and HEAD commits in memory.
// Worktree directories are created on disk so links into them resolve.
type FakeGit struct {
	mu        sync.Mutex
	worktrees map[string]fakeWorktree
	branches  map[string]bool
	heads     map[string]string
	resets    []Reset
	hooks     []string

	// CreateErr fails CreateWorktree for the named repo path.
	CreateErr map[string]error
	// CommitErr fails GetCurrentCommit for the named path.
	CommitErr map[string]error
	// ResetErr fails Reset for the named path.
	ResetErr map[string]error
}

var _ ports.GitPort = (*FakeGit)(nil)

// NewFakeGit creates a FakeGit.
func NewFakeGit() *FakeGit {
	return &FakeGit{
		worktrees: make(map[string]fakeWorktree),
		branches:  make(map[string]bool),
		heads:     make(map[string]string),
		CreateErr: make(map[string]error),
		CommitErr: make(map[string]error),
		ResetErr:  make(map[string]error),
	}
}

func (g *FakeGit) Fetch(context.Context, string) error { return nil }

func (g *FakeGit) BranchExists(_ context.Context, repoPath, branch string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.branches[repoPath+"#"+branch], nil
}

func (g *FakeGit) CreateWorktree(_ context.Context, p ports.CreateWorktreeParams) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.CreateErr[p.RepoPath]; err != nil {
		return err
	}
	if err := os.MkdirAll(p.WorktreePath, 0o755); err != nil {
		return err
	}
	g.worktrees[p.WorktreePath] = fakeWorktree{repo: p.RepoPath, branch: p.NewBranchName}
	g.branches[p.RepoPath+"#"+p.NewBranchName] = true
	g.heads[p.WorktreePath] = "base-" + p.BaseBranch
	return nil
}

func (g *FakeGit) RemoveWorktreeForBranch(_ context.Context, repoPath, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for path, wt := range g.worktrees {
		if wt.repo == repoPath && wt.branch == branch {
			delete(g.worktrees, path)
			_ = os.RemoveAll(path)
		}
	}
	return nil
}

func (g *FakeGit) DeleteBranch(_ context.Context, repoPath, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.branches, repoPath+"#"+branch)
	return nil
}

func (g *FakeGit) DeleteWorktree(_ context.Context, _ string, worktreePath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.worktrees, worktreePath)
	return os.RemoveAll(worktreePath)
}

func (g *FakeGit) InstallPrePushHook(_ context.Context, worktreePath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, worktreePath)
	return nil
}

func (g *FakeGit) UnsetUpstream(context.Context, string) error { return nil }

func (g *FakeGit) GetCurrentCommit(_ context.Context, path string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.CommitErr[path]; err != nil {
		return "", err
	}
	head, ok := g.heads[path]
	if !ok {
		return "", fmt.Errorf("not a worktree: %s", path)
	}
	return head, nil
}

func (g *FakeGit) Reset(_ context.Context, path, commitHash string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ResetErr[path]; err != nil {
		return err
	}
	g.heads[path] = commitHash
	g.resets = append(g.resets, Reset{Path: path, Hash: commitHash})
	return nil
}

// Commit moves HEAD of the worktree at path, as an agent commit would.
func (g *FakeGit) Commit(path, hash string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.heads[path] = hash
}

// Head returns the HEAD recorded for path.
func (g *FakeGit) Head(path string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.heads[path]
}

// Resets returns the resets performed so far.
func (g *FakeGit) Resets() []Reset {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Reset(nil), g.resets...)
}

// WorktreeCount returns the number of live worktrees.
func (g *FakeGit) WorktreeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.worktrees)
}

// HookCount returns how many pre-push hooks were installed.
func (g *FakeGit) HookCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.hooks)
}
