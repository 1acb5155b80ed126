// Package ports declares the interfaces the orchestration core consumes:
// the agent session service, git, the filesystem, and persistence.
package ports

import (
	"context"

	"github.com/randalmurphal/workrun/internal/run"
)

// SessionInfo describes an agent session bound to a work execution.
type SessionInfo struct {
	SessionID       string
	ProcessID       int
	IsAssigned      bool
	WorkExecutionID string
	WorkspacePath   string
	Model           string
}

// StartSessionParams are the inputs of AgentPort.StartSession.
type StartSessionParams struct {
	WorkExecutionID string
	Model           string
	WorkspacePath   string
	McpServers      []run.McpServerRef
	// ResumeSessionID continues an agent conversation recorded earlier.
	ResumeSessionID string
}

// QueryResult is the agent's answer to one query.
type QueryResult struct {
	Response   string
	TokensUsed int
}

// AgentPort drives an AI agent session. Implementations return errors
// carrying errors.CodeAgentRetryable or errors.CodeAgentNonRetryable so the
// pipeline can decide whether to retry.
type AgentPort interface {
	StartSession(ctx context.Context, p StartSessionParams) (SessionInfo, error)
	SendQuery(ctx context.Context, workExecutionID, text string) (QueryResult, error)
	StopSession(ctx context.Context, workExecutionID string) error
	DeleteSession(ctx context.Context, workExecutionID string) error
	FindSessionByWorkExecutionID(ctx context.Context, workExecutionID string) (SessionInfo, bool, error)
}

// CreateWorktreeParams are the inputs of GitPort.CreateWorktree.
type CreateWorktreeParams struct {
	RepoPath      string
	WorktreePath  string
	BaseBranch    string
	NewBranchName string
}

// GitPort performs git operations on repositories and worktrees.
type GitPort interface {
	Fetch(ctx context.Context, repoPath string) error
	BranchExists(ctx context.Context, repoPath, branch string) (bool, error)
	CreateWorktree(ctx context.Context, p CreateWorktreeParams) error
	RemoveWorktreeForBranch(ctx context.Context, repoPath, branch string) error
	DeleteBranch(ctx context.Context, repoPath, branch string) error
	DeleteWorktree(ctx context.Context, repoPath, worktreePath string) error
	InstallPrePushHook(ctx context.Context, worktreePath string) error
	UnsetUpstream(ctx context.Context, worktreePath string) error
	GetCurrentCommit(ctx context.Context, path string) (string, error)
	Reset(ctx context.Context, path, commitHash string) error
}

// FileSystemPort performs filesystem side effects.
type FileSystemPort interface {
	CreateDirectory(path string) error
	DeleteDirectory(path string) error
	CreateSymlink(target, link string) error
	DeleteFile(path string) error
	DeleteSymlink(path string) error
	Exists(path string) (bool, error)
	IsSymlink(path string) (bool, error)
}
