// Package resource provisions and tears down the on-disk resources of a
// workflow run: its workflow space, one git worktree per git ref, and one
// workspace per step with symlinks to worktrees and earlier reports.
//
// Every provisioning call is a small saga. Each side effect pushes its inverse
// onto a compensation stack, and a failure reverts them before the error is
// returned.
package resource

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/randalmurphal/workrun/internal/compensation"
	"github.com/randalmurphal/workrun/internal/errors"
	"github.com/randalmurphal/workrun/internal/ports"
	"github.com/randalmurphal/workrun/internal/run"
)

// Config locates run resources on disk.
type Config struct {
	// WorkspaceRoot holds one workflow space per run: <root>/<runID>.
	WorkspaceRoot string
	// WorktreeDir holds worktrees: <dir>/<runID>/<gitID>.
	WorktreeDir string
	// BranchPrefix starts every run branch: <prefix>/<runID>/<gitID>.
	BranchPrefix string
}

// DefaultBranchPrefix is used when Config.BranchPrefix is empty.
const DefaultBranchPrefix = "workrun"

// ReportsDir is the directory inside a workspace holding report files.
const ReportsDir = "reports"

// Orchestrator manages run resources.
type Orchestrator struct {
	repos  ports.Repositories
	git    ports.GitPort
	fs     ports.FileSystemPort
	agent  ports.AgentPort
	cfg    Config
	logger *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator.
func New(repos ports.Repositories, git ports.GitPort, fs ports.FileSystemPort, agent ports.AgentPort, cfg Config, opts ...Option) *Orchestrator {
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = DefaultBranchPrefix
	}
	o := &Orchestrator{repos: repos, git: git, fs: fs, agent: agent, cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// SpaceRoot returns the workflow space root of a run.
func (o *Orchestrator) SpaceRoot(runID string) string {
	return filepath.Join(o.cfg.WorkspaceRoot, runID)
}

// WorktreePath returns where the worktree of gitID lives for a run.
func (o *Orchestrator) WorktreePath(runID, gitID string) string {
	return filepath.Join(o.cfg.WorktreeDir, runID, gitID)
}

// BranchName returns the run branch for gitID.
func (o *Orchestrator) BranchName(runID, gitID string) string {
	return o.cfg.BranchPrefix + "/" + runID + "/" + gitID
}

// WorkSpacePath returns the workspace directory of step seq.
func (o *Orchestrator) WorkSpacePath(runID string, seq int) string {
	return filepath.Join(o.SpaceRoot(runID), "work-"+strconv.Itoa(seq))
}

// rollback reverts the stack on a context that outlives cancellation of the
// caller, so cleanup still runs when ctx is what failed.
func rollback(ctx context.Context, stack *compensation.Stack) {
	stack.RunAll(context.WithoutCancel(ctx))
}

// ProvisionRun creates the workflow space and a worktree for every git ref in
// the run's pool. Resources recorded by an earlier call are kept.
func (o *Orchestrator) ProvisionRun(ctx context.Context, r *run.WorkflowRun) (err error) {
	logger := o.logger.With("run_id", r.ID)
	stack := compensation.New(logger)
	defer func() {
		if err != nil {
			rollback(ctx, stack)
		}
	}()

	space, err := o.repos.Spaces.FindByWorkflowRunID(ctx, r.ID)
	if err != nil && !errors.HasCode(err, errors.CodeNotFound) {
		return err
	}
	if space == nil {
		root := o.SpaceRoot(r.ID)
		if err := o.fs.CreateDirectory(root); err != nil {
			return errors.Resource("create workflow space", err)
		}
		stack.PushFunc("fs.delete_directory", func(context.Context) error {
			return o.fs.DeleteDirectory(root)
		}, "path", root)
		space = &run.WorkflowSpace{WorkflowRunID: r.ID, RootPath: root, CreatedAt: time.Now().UTC()}
	}

	existing, err := o.worktreesByGitID(ctx, r.ID)
	if err != nil {
		return err
	}

	var created []*run.WorkTree
	for _, ref := range r.GitRefPool {
		if _, ok := existing[ref.ID]; ok {
			continue
		}
		wt, err := o.createWorktree(ctx, stack, r.ID, ref)
		if err != nil {
			return err
		}
		created = append(created, wt)
	}

	err = o.repos.UoW.Run(ctx, func(ctx context.Context) error {
		if err := o.repos.Spaces.Save(ctx, space); err != nil {
			return err
		}
		for _, wt := range created {
			if err := o.repos.WorkTrees.Save(ctx, wt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record run resources: %w", err)
	}

	stack.Confirm()
	logger.Info("run resources provisioned", "worktrees", len(created), "root", space.RootPath)
	return nil
}

func (o *Orchestrator) createWorktree(ctx context.Context, stack *compensation.Stack, runID string, ref run.GitRef) (*run.WorkTree, error) {
	path := o.WorktreePath(runID, ref.ID)
	branch := o.BranchName(runID, ref.ID)

	if err := o.git.Fetch(ctx, ref.RepoPath); err != nil {
		o.logger.Warn("fetch failed, using local refs", "run_id", runID, "git_id", ref.ID, "error", err)
	}

	err := o.git.CreateWorktree(ctx, ports.CreateWorktreeParams{
		RepoPath:      ref.RepoPath,
		WorktreePath:  path,
		BaseBranch:    ref.BaseBranch,
		NewBranchName: branch,
	})
	if err != nil {
		return nil, errors.Resource("create worktree for "+ref.ID, err)
	}
	stack.PushFunc("git.delete_worktree", func(ctx context.Context) error {
		if err := o.git.DeleteWorktree(ctx, ref.RepoPath, path); err != nil {
			return err
		}
		return o.git.DeleteBranch(ctx, ref.RepoPath, branch)
	}, "repo", ref.RepoPath, "path", path, "branch", branch)

	if err := o.git.InstallPrePushHook(ctx, path); err != nil {
		return nil, errors.Resource("install pre-push hook for "+ref.ID, err)
	}
	if err := o.git.UnsetUpstream(ctx, path); err != nil {
		return nil, errors.Resource("unset upstream for "+ref.ID, err)
	}

	return &run.WorkTree{
		GitID:         ref.ID,
		WorkflowRunID: runID,
		RepoPath:      ref.RepoPath,
		Path:          path,
		BranchName:    branch,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// WorkTrees returns the run's worktrees keyed by git ref id.
func (o *Orchestrator) WorkTrees(ctx context.Context, runID string) (map[string]*run.WorkTree, error) {
	return o.worktreesByGitID(ctx, runID)
}

func (o *Orchestrator) worktreesByGitID(ctx context.Context, runID string) (map[string]*run.WorkTree, error) {
	list, err := o.repos.WorkTrees.FindByWorkflowRunID(ctx, runID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*run.WorkTree, len(list))
	for _, wt := range list {
		byID[wt.GitID] = wt
	}
	return byID, nil
}

// ProvisionWorkSpace prepares the workspace of exec: its directory, links to
// the step's worktrees and referenced reports, report paths for the step's
// own reports, and an agent session. It sets exec.SessionID; the caller
// persists exec. Calling it again for the same execution is a no-op apart
// from links or a session that went missing.
func (o *Orchestrator) ProvisionWorkSpace(ctx context.Context, r *run.WorkflowRun, exec *run.WorkExecution) (ws *run.WorkSpace, err error) {
	logger := o.logger.With("run_id", r.ID, "execution_id", exec.ID, "sequence", exec.Sequence)
	stack := compensation.New(logger)
	defer func() {
		if err != nil {
			rollback(ctx, stack)
		}
	}()

	space, err := o.repos.Spaces.FindByWorkflowRunID(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	cfg, ok := r.WorkNodeConfig(exec.Sequence)
	if !ok {
		return nil, errors.Invariant("cannot provision workspace", fmt.Sprintf("run %s has no step %d", r.ID, exec.Sequence))
	}

	var current run.WorkSpace
	if existing, ok := space.WorkSpaceFor(exec.ID); ok {
		current = *existing
		current.SymLinks = append([]run.SymLink(nil), existing.SymLinks...)
	} else {
		current = run.WorkSpace{
			WorkExecutionID: exec.ID,
			Sequence:        exec.Sequence,
			Path:            o.WorkSpacePath(r.ID, exec.Sequence),
		}
		path := current.Path
		if err := o.fs.CreateDirectory(path); err != nil {
			return nil, errors.Resource("create workspace", err)
		}
		stack.PushFunc("fs.delete_directory", func(context.Context) error {
			return o.fs.DeleteDirectory(path)
		}, "path", path)
	}

	if err := o.linkWorktrees(ctx, stack, r.ID, cfg, &current); err != nil {
		return nil, err
	}
	if err := o.linkReports(ctx, stack, r.ID, cfg, &current); err != nil {
		return nil, err
	}
	ownReports, err := o.assignReportPaths(ctx, exec, current.Path)
	if err != nil {
		return nil, err
	}
	if err := o.ensureSession(ctx, stack, r, cfg, exec, current.Path); err != nil {
		return nil, err
	}

	space.PutWorkSpace(current)
	err = o.repos.UoW.Run(ctx, func(ctx context.Context) error {
		if err := o.repos.Spaces.Save(ctx, space); err != nil {
			return err
		}
		for _, rep := range ownReports {
			if err := o.repos.Reports.Save(ctx, rep); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record workspace: %w", err)
	}

	stack.Confirm()
	logger.Debug("workspace provisioned", "path", current.Path, "links", len(current.SymLinks))
	return &current, nil
}

func (o *Orchestrator) linkWorktrees(ctx context.Context, stack *compensation.Stack, runID string, cfg run.WorkNodeConfig, ws *run.WorkSpace) error {
	if len(cfg.GitRefIDs) == 0 {
		return nil
	}
	worktrees, err := o.worktreesByGitID(ctx, runID)
	if err != nil {
		return err
	}
	for _, gitID := range cfg.GitRefIDs {
		wt, ok := worktrees[gitID]
		if !ok {
			return errors.NotFound("worktree", runID+"/"+gitID)
		}
		link := run.SymLink{
			LinkType:   run.LinkGitWorktree,
			SourceID:   gitID,
			TargetPath: wt.Path,
			LinkPath:   filepath.Join(ws.Path, gitID),
		}
		if err := o.addLink(stack, ws, link); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) linkReports(ctx context.Context, stack *compensation.Stack, runID string, cfg run.WorkNodeConfig, ws *run.WorkSpace) error {
	if len(cfg.ReportRefs) == 0 {
		return nil
	}
	reports, err := o.repos.Reports.FindByWorkflowRunID(ctx, runID)
	if err != nil {
		return err
	}
	wanted := make(map[int]bool, len(cfg.ReportRefs))
	for _, seq := range cfg.ReportRefs {
		wanted[seq] = true
	}

	for _, rep := range reports {
		if !wanted[rep.Sequence] || rep.Path == "" {
			continue
		}
		ok, err := o.fs.Exists(rep.Path)
		if err != nil {
			return errors.Resource("check report file", err)
		}
		if !ok {
			continue
		}
		link := run.SymLink{
			LinkType:   run.LinkSharedResource,
			SourceID:   rep.ID,
			TargetPath: rep.Path,
			LinkPath: filepath.Join(ws.Path, ReportsDir,
				"work-"+strconv.Itoa(rep.Sequence), rep.FileName()),
		}
		if err := o.addLink(stack, ws, link); err != nil {
			return err
		}
	}
	return nil
}

// addLink creates the link unless it was already recorded and still exists.
func (o *Orchestrator) addLink(stack *compensation.Stack, ws *run.WorkSpace, link run.SymLink) error {
	if ws.HasLink(link.LinkPath) {
		if ok, err := o.fs.IsSymlink(link.LinkPath); err == nil && ok {
			return nil
		}
	}
	if err := o.fs.CreateSymlink(link.TargetPath, link.LinkPath); err != nil {
		return errors.Resource("link "+link.SourceID+" into workspace", err)
	}
	stack.PushFunc("fs.delete_symlink", func(context.Context) error {
		return o.fs.DeleteSymlink(link.LinkPath)
	}, "link", link.LinkPath, "target", link.TargetPath)
	if !ws.HasLink(link.LinkPath) {
		ws.SymLinks = append(ws.SymLinks, link)
	}
	return nil
}

// assignReportPaths gives the execution's reports a file path inside the
// workspace and returns the reports that changed.
func (o *Orchestrator) assignReportPaths(ctx context.Context, exec *run.WorkExecution, wsPath string) ([]*run.Report, error) {
	reports, err := o.repos.Reports.FindByWorkExecutionID(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, nil
	}
	dir := filepath.Join(wsPath, ReportsDir)
	if err := o.fs.CreateDirectory(dir); err != nil {
		return nil, errors.Resource("create reports directory", err)
	}
	var changed []*run.Report
	for _, rep := range reports {
		path := filepath.Join(dir, rep.FileName())
		if rep.Path == path {
			continue
		}
		rep.Path = path
		changed = append(changed, rep)
	}
	return changed, nil
}

func (o *Orchestrator) ensureSession(ctx context.Context, stack *compensation.Stack, r *run.WorkflowRun, cfg run.WorkNodeConfig, exec *run.WorkExecution, wsPath string) error {
	info, found, err := o.agent.FindSessionByWorkExecutionID(ctx, exec.ID)
	if err != nil {
		return errors.Resource("look up agent session", err)
	}
	if !found {
		info, err = o.agent.StartSession(ctx, ports.StartSessionParams{
			WorkExecutionID: exec.ID,
			Model:           exec.Model,
			WorkspacePath:   wsPath,
			McpServers:      r.McpServerRefs(cfg.McpServerRefIDs),
			ResumeSessionID: exec.SessionID,
		})
		if err != nil {
			return errors.Resource("start agent session", err)
		}
		stack.PushFunc("agent.delete_session", func(ctx context.Context) error {
			return o.agent.DeleteSession(ctx, exec.ID)
		}, "execution_id", exec.ID)
	}
	exec.SessionID = info.SessionID
	return nil
}

// RemoveWorkSpaces deletes the workspaces of steps at or after fromSequence:
// their symlinks, agent sessions and directories. Every workspace is
// attempted; the errors are joined.
func (o *Orchestrator) RemoveWorkSpaces(ctx context.Context, runID string, fromSequence int) error {
	space, err := o.repos.Spaces.FindByWorkflowRunID(ctx, runID)
	if errors.HasCode(err, errors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	removed := space.RemoveFrom(fromSequence)
	if len(removed) == 0 {
		return nil
	}

	var errs []error
	for _, ws := range removed {
		errs = append(errs, o.removeWorkSpace(ctx, ws)...)
	}
	if err := o.repos.Spaces.Save(ctx, space); err != nil {
		errs = append(errs, err)
	}
	o.logger.Info("workspaces removed", "run_id", runID, "from_sequence", fromSequence, "count", len(removed))
	return stderrors.Join(errs...)
}

func (o *Orchestrator) removeWorkSpace(ctx context.Context, ws run.WorkSpace) []error {
	var errs []error
	for _, link := range ws.SymLinks {
		if err := o.fs.DeleteSymlink(link.LinkPath); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.agent.StopSession(ctx, ws.WorkExecutionID); err != nil {
		o.logger.Warn("stop agent session failed", "execution_id", ws.WorkExecutionID, "error", err)
	}
	if err := o.agent.DeleteSession(ctx, ws.WorkExecutionID); err != nil {
		errs = append(errs, err)
	}
	if err := o.fs.DeleteDirectory(ws.Path); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// TeardownRun removes every resource of a run: workspaces, worktrees and
// their branches, the workflow space, and their records.
func (o *Orchestrator) TeardownRun(ctx context.Context, runID string) error {
	var errs []error

	space, err := o.repos.Spaces.FindByWorkflowRunID(ctx, runID)
	switch {
	case err == nil:
		for _, ws := range space.WorkSpaces {
			errs = append(errs, o.removeWorkSpace(ctx, ws)...)
		}
		if err := o.fs.DeleteDirectory(space.RootPath); err != nil {
			errs = append(errs, err)
		}
	case !errors.HasCode(err, errors.CodeNotFound):
		return err
	}

	worktrees, err := o.repos.WorkTrees.FindByWorkflowRunID(ctx, runID)
	if err != nil {
		return err
	}
	for _, wt := range worktrees {
		if err := o.git.DeleteWorktree(ctx, wt.RepoPath, wt.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := o.git.DeleteBranch(ctx, wt.RepoPath, wt.BranchName); err != nil {
			errs = append(errs, err)
		}
	}
	if len(worktrees) > 0 {
		if err := o.fs.DeleteDirectory(filepath.Join(o.cfg.WorktreeDir, runID)); err != nil {
			errs = append(errs, err)
		}
	}

	err = o.repos.UoW.Run(ctx, func(ctx context.Context) error {
		if err := o.repos.WorkTrees.DeleteByWorkflowRunID(ctx, runID); err != nil {
			return err
		}
		return o.repos.Spaces.DeleteByWorkflowRunID(ctx, runID)
	})
	if err != nil {
		errs = append(errs, err)
	}

	if joined := stderrors.Join(errs...); joined != nil {
		return errors.Resource("tear down run "+runID, joined)
	}
	o.logger.Info("run resources removed", "run_id", runID, "worktrees", len(worktrees))
	return nil
}
