// Package service implements the workflow run use cases: creating, starting,
// pausing, resuming, cancelling, restoring, editing and deleting runs.
//
// Use cases that touch git or the filesystem reserve the aggregate state
// first, perform side effects while pushing inverse actions onto a
// compensation stack, and roll back before returning the original error.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/workrun/internal/compensation"
	"github.com/randalmurphal/workrun/internal/errors"
	"github.com/randalmurphal/workrun/internal/events"
	"github.com/randalmurphal/workrun/internal/ports"
	"github.com/randalmurphal/workrun/internal/run"
)

// Resources provisions and removes the git and filesystem resources of runs.
type Resources interface {
	ProvisionRun(ctx context.Context, r *run.WorkflowRun) error
	TeardownRun(ctx context.Context, runID string) error
}

// Rewinder restores runs to checkpoints.
type Rewinder interface {
	Restore(ctx context.Context, runID, checkpointID string) (*run.WorkflowRun, error)
	AutoRevert(ctx context.Context, r *run.WorkflowRun, then func(*run.WorkflowRun) error) error
}

// Service runs the use cases against the repositories.
type Service struct {
	repos       ports.Repositories
	resources   Resources
	checkpoints Rewinder
	publisher   events.Publisher
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// New creates a Service.
func New(repos ports.Repositories, resources Resources, checkpoints Rewinder, opts ...Option) *Service {
	s := &Service{repos: repos, resources: resources, checkpoints: checkpoints}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.publisher == nil {
		s.publisher = events.NopPublisher{}
	}
	return s
}

// CreateRun validates and stores a new INITIALIZED run.
func (s *Service) CreateRun(ctx context.Context, p run.NewRunParams) (*run.WorkflowRun, error) {
	r, err := run.NewWorkflowRun(p)
	if err != nil {
		return nil, err
	}
	if err := s.repos.Runs.Save(ctx, r); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}
	s.publisher.PublishAll(ctx, r.PullEvents())
	s.logger.Info("run created", "run_id", r.ID, "workflow_id", r.WorkflowID, "steps", r.StepCount())
	return r, nil
}

// GetRun loads a run.
func (s *Service) GetRun(ctx context.Context, runID string) (*run.WorkflowRun, error) {
	return s.repos.Runs.FindByID(ctx, runID)
}

// StartRun provisions the run's worktrees and space and moves it to RUNNING.
// When provisioning fails the run is cancelled with the failure as reason
// and the provisioning error is returned.
func (s *Service) StartRun(ctx context.Context, runID string) (_ *run.WorkflowRun, err error) {
	r, err := s.repos.Runs.FindByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := r.Start(); err != nil {
		return nil, err
	}

	logger := s.logger.With("run_id", r.ID)
	stack := compensation.New(logger)
	defer func() {
		if err != nil {
			stack.RunAll(context.WithoutCancel(ctx))
		}
	}()

	if err := s.resources.ProvisionRun(ctx, r); err != nil {
		logger.Error("provisioning failed, cancelling run", "error", err)
		s.cancelAfterFailedStart(ctx, logger, r.ID, err)
		return nil, err
	}
	stack.PushFunc("resource.teardown_run", func(ctx context.Context) error {
		return s.resources.TeardownRun(ctx, runID)
	}, "run_id", runID)

	if err := s.repos.Runs.Save(ctx, r); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}
	stack.Confirm()
	s.publisher.PublishAll(ctx, r.PullEvents())
	logger.Info("run started")
	return r, nil
}

func (s *Service) cancelAfterFailedStart(ctx context.Context, logger *slog.Logger, runID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	r, err := s.repos.Runs.FindByID(ctx, runID)
	if err != nil {
		logger.Error("failed to reload run for cancellation", "error", err)
		return
	}
	if err := r.Cancel(cause.Error()); err != nil {
		logger.Error("failed to cancel run", "error", err)
		return
	}
	if err := s.repos.Runs.Save(ctx, r); err != nil {
		logger.Error("failed to save cancelled run", "error", err)
		return
	}
	s.publisher.PublishAll(ctx, r.PullEvents())
}

// PauseRun moves a RUNNING run to PAUSED. An agent call in flight finishes;
// the pipeline stops at its next boundary.
func (s *Service) PauseRun(ctx context.Context, runID, reason string) (*run.WorkflowRun, error) {
	return s.update(ctx, runID, func(r *run.WorkflowRun) error {
		return r.Pause(reason)
	})
}

// ResumeRun moves a PAUSED or AWAITING run back to RUNNING. Unless the run
// was just restored to a checkpoint, partial work of the current step is
// discarded first and its worktrees are reset to the nearest checkpoint
// before it.
func (s *Service) ResumeRun(ctx context.Context, runID string) (*run.WorkflowRun, error) {
	r, err := s.repos.Runs.FindByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status != run.StatusPaused && r.Status != run.StatusAwaiting {
		return nil, errors.InvalidTransition(r.ID, "resume", string(r.Status))
	}
	if err := s.checkpoints.AutoRevert(ctx, r, (*run.WorkflowRun).Resume); err != nil {
		return nil, err
	}
	s.logger.Info("run resumed", "run_id", r.ID, "index", r.CurrentWorkIndex)
	return r, nil
}

// CancelRun cancels a non-terminal run and its current execution.
func (s *Service) CancelRun(ctx context.Context, runID, reason string) (*run.WorkflowRun, error) {
	r, err := s.repos.Runs.FindByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := r.Cancel(reason); err != nil {
		return nil, err
	}

	var exec *run.WorkExecution
	if id, ok := r.CurrentWorkExecutionID(); ok {
		if exec, err = s.repos.Executions.FindByID(ctx, id); err != nil {
			return nil, err
		}
		exec.Cancel()
	}
	err = s.repos.UoW.Run(ctx, func(ctx context.Context) error {
		if exec != nil {
			if err := s.repos.Executions.Save(ctx, exec); err != nil {
				return err
			}
		}
		return s.repos.Runs.Save(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	s.publisher.PublishAll(ctx, r.PullEvents())
	s.logger.Info("run cancelled", "run_id", r.ID, "index", r.CurrentWorkIndex, "reason", reason)
	return r, nil
}

// RestoreCheckpoint rewinds a run to a checkpoint, leaving it PAUSED.
func (s *Service) RestoreCheckpoint(ctx context.Context, runID, checkpointID string) (*run.WorkflowRun, error) {
	return s.checkpoints.Restore(ctx, runID, checkpointID)
}

// ListCheckpoints returns the run's checkpoints ordered by sequence.
func (s *Service) ListCheckpoints(ctx context.Context, runID string) ([]*run.Checkpoint, error) {
	if _, err := s.repos.Runs.FindByID(ctx, runID); err != nil {
		return nil, err
	}
	return s.repos.Checkpoints.FindByWorkflowRunID(ctx, runID)
}

// ListExecutions returns the run's executions ordered by sequence.
func (s *Service) ListExecutions(ctx context.Context, runID string) ([]*run.WorkExecution, error) {
	if _, err := s.repos.Runs.FindByID(ctx, runID); err != nil {
		return nil, err
	}
	return s.repos.Executions.FindByWorkflowRunID(ctx, runID)
}

// AddWorkNodeConfig appends a step and returns its sequence.
func (s *Service) AddWorkNodeConfig(ctx context.Context, runID string, cfg run.WorkNodeConfig) (int, error) {
	var seq int
	_, err := s.update(ctx, runID, func(r *run.WorkflowRun) error {
		var err error
		seq, err = r.AddWorkNodeConfig(cfg)
		return err
	})
	return seq, err
}

// UpdateWorkNodeConfig replaces the step at seq.
func (s *Service) UpdateWorkNodeConfig(ctx context.Context, runID string, seq int, cfg run.WorkNodeConfig) (*run.WorkflowRun, error) {
	return s.update(ctx, runID, func(r *run.WorkflowRun) error {
		return r.UpdateWorkNodeConfig(seq, cfg)
	})
}

// RemoveWorkNodeConfig removes the step at seq and resequences the rest.
func (s *Service) RemoveWorkNodeConfig(ctx context.Context, runID string, seq int) (*run.WorkflowRun, error) {
	return s.update(ctx, runID, func(r *run.WorkflowRun) error {
		return r.RemoveWorkNodeConfig(seq)
	})
}

// DeleteRun removes a terminal run with its worktrees, space, executions,
// reports and checkpoints.
func (s *Service) DeleteRun(ctx context.Context, runID string) error {
	r, err := s.repos.Runs.FindByID(ctx, runID)
	if err != nil {
		return err
	}
	if !r.Status.IsTerminal() {
		return errors.InvalidTransition(r.ID, "delete", string(r.Status))
	}
	if err := s.resources.TeardownRun(ctx, r.ID); err != nil {
		return err
	}
	err = s.repos.UoW.Run(ctx, func(ctx context.Context) error {
		if err := s.repos.Executions.DeleteByWorkflowRunID(ctx, r.ID); err != nil {
			return err
		}
		if err := s.repos.Reports.DeleteByWorkflowRunID(ctx, r.ID); err != nil {
			return err
		}
		if err := s.repos.Checkpoints.DeleteByWorkflowRunID(ctx, r.ID); err != nil {
			return err
		}
		return s.repos.Runs.Delete(ctx, r.ID)
	})
	if err != nil {
		return fmt.Errorf("delete run records: %w", err)
	}
	s.logger.Info("run deleted", "run_id", r.ID, "status", r.Status)
	return nil
}

// update loads the run, applies fn, saves and publishes.
func (s *Service) update(ctx context.Context, runID string, fn func(*run.WorkflowRun) error) (*run.WorkflowRun, error) {
	r, err := s.repos.Runs.FindByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	if err := s.repos.Runs.Save(ctx, r); err != nil {
		return nil, err
	}
	s.publisher.PublishAll(ctx, r.PullEvents())
	return r, nil
}

// ListRuns returns runs in any of the statuses, or every run when none are
// given.
func (s *Service) ListRuns(ctx context.Context, statuses ...run.Status) ([]*run.WorkflowRun, error) {
	return s.repos.Runs.ListByStatus(ctx, statuses...)
}
