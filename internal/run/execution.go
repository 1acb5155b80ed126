package run

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/workrun/internal/errors"
)

// TaskExecution tracks one agent query within a work execution.
type TaskExecution struct {
	ID          string     `json:"id"`
	Order       int        `json:"order"`
	Query       string     `json:"query"`
	Status      TaskStatus `json:"status"`
	ReportID    string     `json:"report_id,omitempty"`
	Response    string     `json:"response,omitempty"`
	TokensUsed  int        `json:"tokens_used,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkExecution tracks the progress of one step. It is created the first
// time the pipeline reaches the step.
type WorkExecution struct {
	ID               string          `json:"id"`
	WorkflowRunID    string          `json:"workflow_run_id"`
	WorkflowID       string          `json:"workflow_id"`
	Sequence         int             `json:"sequence"`
	Model            string          `json:"model,omitempty"`
	Tasks            []TaskExecution `json:"tasks"`
	CurrentTaskIndex int             `json:"current_task_index"`
	IsCompleted      bool            `json:"is_completed"`
	IsCancelled      bool            `json:"is_cancelled"`
	SessionID        string          `json:"session_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// NewWorkExecution materializes the execution for cfg, along with placeholder
// reports for every task that declares a report outline.
func NewWorkExecution(r *WorkflowRun, cfg WorkNodeConfig) (*WorkExecution, []*Report) {
	cfg = cfg.clone()
	now := time.Now().UTC()
	exec := &WorkExecution{
		ID:            uuid.NewString(),
		WorkflowRunID: r.ID,
		WorkflowID:    r.WorkflowID,
		Sequence:      cfg.Sequence,
		Model:         cfg.Model,
		Tasks:         make([]TaskExecution, 0, len(cfg.Tasks)),
		CreatedAt:     now,
	}

	var reports []*Report
	for _, t := range cfg.Tasks {
		task := TaskExecution{
			ID:     uuid.NewString(),
			Order:  t.Order,
			Query:  t.Query,
			Status: TaskPending,
		}
		if t.ReportOutline != "" {
			rep := &Report{
				ID:              uuid.NewString(),
				WorkflowRunID:   r.ID,
				WorkExecutionID: exec.ID,
				TaskExecutionID: task.ID,
				Sequence:        cfg.Sequence,
				TaskOrder:       t.Order,
				Title:           t.ReportTitle,
				Outline:         t.ReportOutline,
				CreatedAt:       now,
			}
			task.ReportID = rep.ID
			reports = append(reports, rep)
		}
		exec.Tasks = append(exec.Tasks, task)
	}
	return exec, reports
}

// CurrentTask returns the lowest-order task that is not terminal.
func (e *WorkExecution) CurrentTask() (*TaskExecution, bool) {
	for i := range e.Tasks {
		if !e.Tasks[i].Status.IsTerminal() {
			return &e.Tasks[i], true
		}
	}
	return nil, false
}

// StartCurrentTask marks the current task IN_PROGRESS.
func (e *WorkExecution) StartCurrentTask() (*TaskExecution, error) {
	t, ok := e.CurrentTask()
	if !ok {
		return nil, e.noCurrentTask("start")
	}
	if t.Status == TaskPending {
		now := time.Now().UTC()
		t.Status = TaskInProgress
		t.StartedAt = &now
	}
	return t, nil
}

// CompleteCurrentTask records the agent response on the current task.
func (e *WorkExecution) CompleteCurrentTask(response string, tokensUsed int) error {
	t, ok := e.CurrentTask()
	if !ok {
		return e.noCurrentTask("complete")
	}
	now := time.Now().UTC()
	t.Status = TaskCompleted
	t.Response = response
	t.TokensUsed = tokensUsed
	t.Error = ""
	t.CompletedAt = &now
	return nil
}

// FailCurrentTask marks the current task FAILED.
func (e *WorkExecution) FailCurrentTask(msg string) error {
	t, ok := e.CurrentTask()
	if !ok {
		return e.noCurrentTask("fail")
	}
	now := time.Now().UTC()
	t.Status = TaskFailed
	t.Error = msg
	t.CompletedAt = &now
	return nil
}

// AdvanceToNextTask moves past the task at CurrentTaskIndex, which must be
// terminal. It returns whether another task remains; when none does the
// execution is completed.
func (e *WorkExecution) AdvanceToNextTask() (bool, error) {
	if e.IsCompleted || e.CurrentTaskIndex >= len(e.Tasks) {
		return false, e.noCurrentTask("advance")
	}
	if !e.Tasks[e.CurrentTaskIndex].Status.IsTerminal() {
		return false, errors.Invariant(
			fmt.Sprintf("cannot advance work execution %s", e.ID),
			fmt.Sprintf("task %d is %s", e.Tasks[e.CurrentTaskIndex].Order, e.Tasks[e.CurrentTaskIndex].Status),
		)
	}
	for i := e.CurrentTaskIndex + 1; i < len(e.Tasks); i++ {
		if !e.Tasks[i].Status.IsTerminal() {
			e.CurrentTaskIndex = i
			return true, nil
		}
	}
	e.CurrentTaskIndex = len(e.Tasks)
	e.IsCompleted = true
	now := time.Now().UTC()
	e.CompletedAt = &now
	return false, nil
}

// Cancel marks the execution and its unfinished tasks cancelled.
func (e *WorkExecution) Cancel() {
	if e.IsCompleted {
		return
	}
	e.IsCancelled = true
	for i := range e.Tasks {
		if !e.Tasks[i].Status.IsTerminal() {
			e.Tasks[i].Status = TaskCancelled
		}
	}
}

// TokensUsed sums token usage across tasks.
func (e *WorkExecution) TokensUsed() int {
	total := 0
	for _, t := range e.Tasks {
		total += t.TokensUsed
	}
	return total
}

func (e *WorkExecution) noCurrentTask(action string) error {
	return errors.Invariant(fmt.Sprintf("cannot %s task of work execution %s", action, e.ID), "no current task")
}
