// Package checkpoint captures per-step git state and rewinds runs to it.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/randalmurphal/workrun/internal/compensation"
	"github.com/randalmurphal/workrun/internal/errors"
	"github.com/randalmurphal/workrun/internal/events"
	"github.com/randalmurphal/workrun/internal/ports"
	"github.com/randalmurphal/workrun/internal/run"
)

// Resources is the part of the resource orchestrator a rewind needs.
type Resources interface {
	WorkTrees(ctx context.Context, runID string) (map[string]*run.WorkTree, error)
	RemoveWorkSpaces(ctx context.Context, runID string, fromSequence int) error
}

// Manager creates checkpoints and restores runs to them.
type Manager struct {
	repos     ports.Repositories
	git       ports.GitPort
	resources Resources
	publisher events.Publisher
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithPublisher sets the publisher for run events emitted by restores.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// New creates a Manager.
func New(repos ports.Repositories, git ports.GitPort, resources Resources, opts ...Option) *Manager {
	m := &Manager{repos: repos, git: git, resources: resources}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.publisher == nil {
		m.publisher = events.NopPublisher{}
	}
	return m
}

// Capture records the HEAD commit of every worktree used by the completed
// execution's step and saves a checkpoint. Worktrees whose commit cannot be
// read are skipped. With nothing captured no checkpoint is saved and Capture
// returns nil, nil.
func (m *Manager) Capture(ctx context.Context, r *run.WorkflowRun, exec *run.WorkExecution) (*run.Checkpoint, error) {
	cfg, ok := r.WorkNodeConfig(exec.Sequence)
	if !ok {
		return nil, errors.Invariant("cannot create checkpoint", fmt.Sprintf("run %s has no step %d", r.ID, exec.Sequence))
	}
	worktrees, err := m.resources.WorkTrees(ctx, r.ID)
	if err != nil {
		return nil, err
	}

	hashes := make(map[string]string, len(cfg.GitRefIDs))
	for _, gitID := range cfg.GitRefIDs {
		wt, ok := worktrees[gitID]
		if !ok {
			m.logger.Warn("checkpoint skipped repo without worktree", "run_id", r.ID, "git_id", gitID)
			continue
		}
		hash, err := m.git.GetCurrentCommit(ctx, wt.Path)
		if err != nil {
			m.logger.Warn("checkpoint skipped unreadable commit", "run_id", r.ID, "git_id", gitID, "error", err)
			continue
		}
		hashes[gitID] = hash
	}
	if len(hashes) == 0 {
		m.logger.Debug("no commits captured, checkpoint not saved", "run_id", r.ID, "sequence", exec.Sequence)
		return nil, nil
	}

	cp, err := run.NewCheckpoint(exec, hashes)
	if err != nil {
		return nil, err
	}
	if err := m.repos.Checkpoints.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	m.logger.Info("checkpoint created",
		"run_id", r.ID,
		"checkpoint_id", cp.ID,
		"sequence", cp.WorkSequence,
		"repos", len(hashes),
	)
	return cp, nil
}

// Restore resets the run's worktrees to the checkpoint's commits and rewinds
// the run to the checkpoint's step, leaving it PAUSED.
func (m *Manager) Restore(ctx context.Context, runID, checkpointID string) (*run.WorkflowRun, error) {
	r, err := m.repos.Runs.FindByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	cp, err := m.repos.Checkpoints.FindByID(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.WorkflowRunID != r.ID {
		return nil, errors.Invariant("cannot restore checkpoint",
			fmt.Sprintf("checkpoint %s belongs to run %s", cp.ID, cp.WorkflowRunID))
	}

	if err := r.CanRestoreToCheckpoint(cp.WorkSequence); err != nil {
		return nil, err
	}

	err = m.rewind(ctx, r, cp, cp.WorkSequence, func(r *run.WorkflowRun) error {
		_, err := r.RestoreToCheckpoint(cp.WorkSequence, cp.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// AutoRevert discards the partial work of a PAUSED or AWAITING run's current
// step and resets worktrees to the nearest checkpoint before it, or skips the
// reset when there is none. then runs after the revert and before the single
// save, so a resume rides along in the same commit. Runs at index 0 or
// already restored by hand are only passed to then; a step 0 execution is kept
// and continues from its current task.
func (m *Manager) AutoRevert(ctx context.Context, r *run.WorkflowRun, then func(*run.WorkflowRun) error) error {
	if r.Status != run.StatusPaused && r.Status != run.StatusAwaiting {
		return errors.InvalidTransition(r.ID, "revert", string(r.Status))
	}
	if r.CurrentWorkIndex == 0 || r.RestoredToCheckpoint {
		if err := then(r); err != nil {
			return err
		}
		return m.save(ctx, r, -1)
	}

	cps, err := m.repos.Checkpoints.FindByWorkflowRunID(ctx, r.ID)
	if err != nil {
		return err
	}
	cp, found := run.NearestCheckpointBefore(cps, r.CurrentWorkIndex)
	if !found {
		m.logger.Info("no checkpoint before current step, skipping git reset",
			"run_id", r.ID, "index", r.CurrentWorkIndex)
	}

	return m.rewind(ctx, r, cp, r.CurrentWorkIndex, func(r *run.WorkflowRun) error {
		id := ""
		if cp != nil {
			id = cp.ID
		}
		if _, err := r.DiscardCurrentStep(id); err != nil {
			return err
		}
		return then(r)
	})
}

// rewind resets worktrees to cp (when non-nil), applies mutate to the run,
// then commits the run and the deletion of every execution and report at or
// after seq. Git resets are reverted when anything before the commit fails.
func (m *Manager) rewind(ctx context.Context, r *run.WorkflowRun, cp *run.Checkpoint, seq int,
	mutate func(*run.WorkflowRun) error) (err error) {
	logger := m.logger.With("run_id", r.ID)
	stack := compensation.New(logger)
	defer func() {
		if err != nil {
			stack.RunAll(context.WithoutCancel(ctx))
		}
	}()

	if cp != nil {
		if err := m.resetWorktrees(ctx, stack, r.ID, cp); err != nil {
			return err
		}
	}
	if err := mutate(r); err != nil {
		return err
	}
	if err := m.save(ctx, r, seq); err != nil {
		return err
	}
	stack.Confirm()

	if err := m.resources.RemoveWorkSpaces(ctx, r.ID, seq); err != nil {
		logger.Warn("workspace cleanup after rewind failed", "sequence", seq, "error", err)
	}
	checkpointID := ""
	if cp != nil {
		checkpointID = cp.ID
	}
	logger.Info("run rewound", "sequence", seq, "checkpoint_id", checkpointID)
	return nil
}

func (m *Manager) resetWorktrees(ctx context.Context, stack *compensation.Stack, runID string, cp *run.Checkpoint) error {
	worktrees, err := m.resources.WorkTrees(ctx, runID)
	if err != nil {
		return err
	}
	gitIDs := make([]string, 0, len(cp.CommitHashes))
	for id := range cp.CommitHashes {
		gitIDs = append(gitIDs, id)
	}
	sort.Strings(gitIDs)

	for _, gitID := range gitIDs {
		wt, ok := worktrees[gitID]
		if !ok {
			return errors.NotFound("worktree", runID+"/"+gitID)
		}
		prev, err := m.git.GetCurrentCommit(ctx, wt.Path)
		if err != nil {
			return errors.Resource("read commit before reset of "+gitID, err)
		}
		if err := m.git.Reset(ctx, wt.Path, cp.CommitHashes[gitID]); err != nil {
			return errors.Resource("reset "+gitID+" to checkpoint", err)
		}
		path := wt.Path
		stack.PushFunc("git.reset", func(ctx context.Context) error {
			return m.git.Reset(ctx, path, prev)
		}, "path", path, "commit", prev)
	}
	return nil
}

// save commits the run and, when seq is not negative, deletes executions and
// reports from seq on. It publishes the run's events once the commit succeeds.
func (m *Manager) save(ctx context.Context, r *run.WorkflowRun, seq int) error {
	err := m.repos.UoW.Run(ctx, func(ctx context.Context) error {
		if err := m.repos.Runs.Save(ctx, r); err != nil {
			return err
		}
		if seq < 0 {
			return nil
		}
		return DeleteFrom(ctx, m.repos, r.ID, seq)
	})
	if err != nil {
		return err
	}
	m.publisher.PublishAll(ctx, r.PullEvents())
	return nil
}

// DeleteFrom deletes the run's executions and reports whose step sequence is
// at or after seq. Checkpoints are kept; they are immutable history.
func DeleteFrom(ctx context.Context, repos ports.Repositories, runID string, seq int) error {
	execs, err := repos.Executions.FindByWorkflowRunID(ctx, runID)
	if err != nil {
		return err
	}
	for _, e := range execs {
		if e.Sequence < seq {
			continue
		}
		if err := repos.Executions.Delete(ctx, e.ID); err != nil {
			return err
		}
	}
	reports, err := repos.Reports.FindByWorkflowRunID(ctx, runID)
	if err != nil {
		return err
	}
	for _, rep := range reports {
		if rep.Sequence < seq {
			continue
		}
		if err := repos.Reports.Delete(ctx, rep.ID); err != nil {
			return err
		}
	}
	return nil
}
