package ports

import (
	"context"
	"time"

	"github.com/randalmurphal/workrun/internal/run"
)

// WorkflowRunRepository stores runs. Save is a compare-and-swap on
// run.Version: it fails with errors.CodeConcurrentModification when the
// stored version differs, and calls MarkPersisted on success.
type WorkflowRunRepository interface {
	FindByID(ctx context.Context, id string) (*run.WorkflowRun, error)
	Save(ctx context.Context, r *run.WorkflowRun) error
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	// ListTerminal returns terminal runs last updated before the cutoff.
	ListTerminal(ctx context.Context, updatedBefore time.Time) ([]*run.WorkflowRun, error)
	// ListByStatus returns runs in any of the statuses, or every run when
	// none is given, oldest update first.
	ListByStatus(ctx context.Context, statuses ...run.Status) ([]*run.WorkflowRun, error)
}

// WorkExecutionRepository stores work executions.
type WorkExecutionRepository interface {
	FindByID(ctx context.Context, id string) (*run.WorkExecution, error)
	FindByWorkflowRunID(ctx context.Context, runID string) ([]*run.WorkExecution, error)
	Save(ctx context.Context, e *run.WorkExecution) error
	Delete(ctx context.Context, id string) error
	DeleteByWorkflowRunID(ctx context.Context, runID string) error
	Exists(ctx context.Context, id string) (bool, error)
}

// CheckpointRepository stores checkpoints.
type CheckpointRepository interface {
	FindByID(ctx context.Context, id string) (*run.Checkpoint, error)
	FindByWorkflowRunID(ctx context.Context, runID string) ([]*run.Checkpoint, error)
	Save(ctx context.Context, cp *run.Checkpoint) error
	Delete(ctx context.Context, id string) error
	DeleteByWorkflowRunID(ctx context.Context, runID string) error
	Exists(ctx context.Context, id string) (bool, error)
}

// WorkTreeRepository stores worktrees keyed by (run, git ref).
type WorkTreeRepository interface {
	FindByWorkflowRunID(ctx context.Context, runID string) ([]*run.WorkTree, error)
	Save(ctx context.Context, wt *run.WorkTree) error
	Delete(ctx context.Context, runID, gitID string) error
	DeleteByWorkflowRunID(ctx context.Context, runID string) error
	Exists(ctx context.Context, runID, gitID string) (bool, error)
}

// WorkflowSpaceRepository stores workflow spaces, one per run.
type WorkflowSpaceRepository interface {
	FindByWorkflowRunID(ctx context.Context, runID string) (*run.WorkflowSpace, error)
	Save(ctx context.Context, s *run.WorkflowSpace) error
	DeleteByWorkflowRunID(ctx context.Context, runID string) error
	Exists(ctx context.Context, runID string) (bool, error)
}

// ReportRepository stores reports.
type ReportRepository interface {
	FindByID(ctx context.Context, id string) (*run.Report, error)
	FindByWorkflowRunID(ctx context.Context, runID string) ([]*run.Report, error)
	FindByWorkExecutionID(ctx context.Context, executionID string) ([]*run.Report, error)
	Save(ctx context.Context, r *run.Report) error
	Delete(ctx context.Context, id string) error
	DeleteByWorkflowRunID(ctx context.Context, runID string) error
}

// UnitOfWork runs fn as one transaction. Repositories called with the ctx
// passed to fn participate in it.
type UnitOfWork interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// Repositories bundles every repository plus the unit of work they share.
type Repositories struct {
	Runs        WorkflowRunRepository
	Executions  WorkExecutionRepository
	Checkpoints CheckpointRepository
	WorkTrees   WorkTreeRepository
	Spaces      WorkflowSpaceRepository
	Reports     ReportRepository
	UoW         UnitOfWork
}
