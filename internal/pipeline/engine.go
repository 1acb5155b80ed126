// Package pipeline drives workflow runs step by step: it materializes each
// step's execution, sends task queries to the agent with retries, records
// checkpoints, and pauses the run when a task cannot be completed.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/randalmurphal/workrun/internal/errors"
	"github.com/randalmurphal/workrun/internal/events"
	"github.com/randalmurphal/workrun/internal/ports"
	"github.com/randalmurphal/workrun/internal/run"
	"github.com/randalmurphal/workrun/internal/variable"
)

// Resources provisions the workspace and agent session of an execution.
type Resources interface {
	ProvisionWorkSpace(ctx context.Context, r *run.WorkflowRun, exec *run.WorkExecution) (*run.WorkSpace, error)
}

// Checkpointer records the git state of a completed execution. It returns
// nil when nothing could be captured.
type Checkpointer interface {
	Capture(ctx context.Context, r *run.WorkflowRun, exec *run.WorkExecution) (*run.Checkpoint, error)
}

// Engine runs the pipeline of a single run until it leaves RUNNING.
type Engine struct {
	repos       ports.Repositories
	agent       ports.AgentPort
	resources   Resources
	checkpoints Checkpointer
	publisher   events.Publisher
	retry       RetryPolicy
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// NewEngine creates an Engine.
func NewEngine(repos ports.Repositories, agent ports.AgentPort, resources Resources, checkpoints Checkpointer, opts ...Option) *Engine {
	e := &Engine{
		repos:       repos,
		agent:       agent,
		resources:   resources,
		checkpoints: checkpoints,
		retry:       DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.publisher == nil {
		e.publisher = events.NopPublisher{}
	}
	return e
}

// Run executes one task per iteration, reloading the run each time so a
// pause or cancel saved elsewhere stops the loop at the next boundary. A
// task that cannot be completed pauses the run and Run returns nil; only
// storage failures and context cancellation are returned.
func (e *Engine) Run(ctx context.Context, runID string) error {
	logger := e.logger.With("run_id", runID)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := e.repos.Runs.FindByID(ctx, runID)
		if err != nil {
			return err
		}
		cfg, ok := r.NextWorkNodeConfig()
		if !ok {
			logger.Info("pipeline stopped", "status", r.Status, "index", r.CurrentWorkIndex)
			return nil
		}
		if err := e.step(ctx, logger, r, cfg); err != nil {
			if errors.HasCode(err, errors.CodeConcurrentModification) {
				logger.Info("run modified concurrently, reloading", "error", err)
				continue
			}
			return err
		}
	}
}

func (e *Engine) step(ctx context.Context, logger *slog.Logger, r *run.WorkflowRun, cfg run.WorkNodeConfig) error {
	exec, created, err := e.materialize(ctx, r, cfg)
	if err != nil {
		return err
	}
	logger = logger.With("execution_id", exec.ID, "sequence", exec.Sequence)

	if exec.IsCompleted {
		// Completed but not yet advanced: a previous finish lost its save.
		return e.finish(ctx, logger, r, exec)
	}

	if _, err := e.resources.ProvisionWorkSpace(ctx, r, exec); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		order := -1
		if t, ok := exec.CurrentTask(); ok {
			order = t.Order
		}
		return e.fail(ctx, logger, r, exec, order, 0, err)
	}
	if created {
		e.publisher.Publish(ctx, events.New(r.ID, events.ExecutionStarted{ExecutionID: exec.ID, Sequence: exec.Sequence}))
		logger.Info("execution started", "tasks", len(exec.Tasks))
	}

	task, err := exec.StartCurrentTask()
	if err != nil {
		return err
	}
	if err := e.repos.Executions.Save(ctx, exec); err != nil {
		return fmt.Errorf("save execution: %w", err)
	}

	taskLogger := logger.With("task_order", task.Order)
	prompt, err := e.prompt(ctx, taskLogger, r, exec, task)
	if err != nil {
		return err
	}
	res, attempts, err := e.retry.query(ctx, taskLogger, exec.ID, func(ctx context.Context) (ports.QueryResult, error) {
		return e.agent.SendQuery(ctx, exec.ID, prompt)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		task.Error = err.Error()
		return e.fail(ctx, logger, r, exec, task.Order, attempts, err)
	}

	if err := exec.CompleteCurrentTask(res.Response, res.TokensUsed); err != nil {
		return err
	}
	taskLogger.Info("task completed", "attempt", attempts, "tokens", res.TokensUsed)
	more, err := exec.AdvanceToNextTask()
	if err != nil {
		return err
	}
	if more {
		if err := e.repos.Executions.Save(ctx, exec); err != nil {
			return fmt.Errorf("save execution: %w", err)
		}
		return nil
	}
	return e.finish(ctx, logger, r, exec)
}

// materialize returns the current step's execution, creating it together
// with its report placeholders on first use.
func (e *Engine) materialize(ctx context.Context, r *run.WorkflowRun, cfg run.WorkNodeConfig) (*run.WorkExecution, bool, error) {
	if id, ok := r.CurrentWorkExecutionID(); ok {
		exec, err := e.repos.Executions.FindByID(ctx, id)
		return exec, false, err
	}

	exec, reports := run.NewWorkExecution(r, cfg)
	if err := r.AppendWorkExecution(exec.ID); err != nil {
		return nil, false, err
	}
	err := e.repos.UoW.Run(ctx, func(ctx context.Context) error {
		if err := e.repos.Executions.Save(ctx, exec); err != nil {
			return err
		}
		for _, rep := range reports {
			if err := e.repos.Reports.Save(ctx, rep); err != nil {
				return err
			}
		}
		return e.repos.Runs.Save(ctx, r)
	})
	if err != nil {
		return nil, false, fmt.Errorf("materialize execution: %w", err)
	}
	e.publisher.PublishAll(ctx, r.PullEvents())
	return exec, true, nil
}

// finish checkpoints a completed execution and advances the run, in one
// unit of work. When the run was saved elsewhere in between, the execution
// is still recorded as completed and the conflict is returned so the loop
// reloads.
func (e *Engine) finish(ctx context.Context, logger *slog.Logger, r *run.WorkflowRun, exec *run.WorkExecution) error {
	cfg, _ := r.WorkNodeConfig(exec.Sequence)
	var cp *run.Checkpoint
	err := e.repos.UoW.Run(ctx, func(ctx context.Context) error {
		if err := e.repos.Executions.Save(ctx, exec); err != nil {
			return err
		}
		var err error
		if cp, err = e.checkpoints.Capture(ctx, r, exec); err != nil {
			return err
		}
		if err := r.AdvanceWork(); err != nil {
			return err
		}
		if cfg.PauseAfter && r.Status == run.StatusRunning {
			if err := r.Await(); err != nil {
				return err
			}
		}
		return e.repos.Runs.Save(ctx, r)
	})
	if err != nil {
		if errors.HasCode(err, errors.CodeConcurrentModification) {
			if saveErr := e.repos.Executions.Save(ctx, exec); saveErr != nil {
				logger.Error("failed to record completed execution", "error", saveErr)
			}
		}
		return err
	}

	logger.Info("execution completed", "tokens", exec.TokensUsed(), "status", r.Status)
	e.publisher.Publish(ctx, events.New(r.ID, events.ExecutionCompleted{ExecutionID: exec.ID, Sequence: exec.Sequence}))
	if cp != nil {
		e.publisher.Publish(ctx, events.New(r.ID, events.CheckpointCreated{
			CheckpointID: cp.ID,
			Sequence:     cp.WorkSequence,
			Repos:        len(cp.CommitHashes),
		}))
	}
	e.publisher.PublishAll(ctx, r.PullEvents())
	return nil
}

// fail records the execution as it stands, pauses the run at its current
// index, and publishes ExecutionFailed followed by RunPaused.
func (e *Engine) fail(ctx context.Context, logger *slog.Logger, r *run.WorkflowRun, exec *run.WorkExecution,
	taskOrder, attempts int, cause error) error {
	retryable := IsRetryable(cause) || errors.HasCode(cause, errors.CodeMaxRetries)
	logger.Error("execution failed, pausing run",
		"task_order", taskOrder,
		"attempt", attempts,
		"retryable", retryable,
		"error", cause,
	)

	if err := r.Pause(cause.Error()); err != nil {
		return err
	}
	err := e.repos.UoW.Run(ctx, func(ctx context.Context) error {
		if err := e.repos.Executions.Save(ctx, exec); err != nil {
			return err
		}
		return e.repos.Runs.Save(ctx, r)
	})
	if err != nil {
		return err
	}

	e.publisher.Publish(ctx, events.New(r.ID, events.ExecutionFailed{
		ExecutionID: exec.ID,
		Sequence:    exec.Sequence,
		TaskOrder:   taskOrder,
		Attempts:    attempts,
		Retryable:   retryable,
		Error:       cause.Error(),
	}))
	e.publisher.PublishAll(ctx, r.PullEvents())
	return nil
}

// prompt is the task query with its placeholders rendered, followed by
// report instructions when the task produces a report.
func (e *Engine) prompt(ctx context.Context, logger *slog.Logger, r *run.WorkflowRun, exec *run.WorkExecution, task *run.TaskExecution) (string, error) {
	query, missing := variable.Render(task.Query, variable.ForStep(r, exec.Sequence))
	if len(missing) > 0 {
		logger.Warn("query references unknown variables", "variables", missing)
	}
	if task.ReportID == "" {
		return query, nil
	}
	rep, err := e.repos.Reports.FindByID(ctx, task.ReportID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(query)
	b.WriteString("\n\n")
	if rep.Title != "" {
		fmt.Fprintf(&b, "Write a markdown report titled %q to %s.\n", rep.Title, rep.Path)
	} else {
		fmt.Fprintf(&b, "Write a markdown report to %s.\n", rep.Path)
	}
	b.WriteString("Follow this outline:\n")
	b.WriteString(rep.Outline)
	return b.String(), nil
}
