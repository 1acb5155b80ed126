// Package run provides the workflow run aggregates: the run state machine, its
// step configurations, per-step executions, checkpoints and workspace records.
package run

// Status represents the lifecycle state of a workflow run.
type Status string

const (
	StatusInitialized Status = "INITIALIZED"
	StatusRunning     Status = "RUNNING"
	StatusPaused      Status = "PAUSED"
	StatusAwaiting    Status = "AWAITING"
	StatusCompleted   Status = "COMPLETED"
	StatusCancelled   Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible, other than
// restoring to a checkpoint.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusInitialized, StatusRunning, StatusPaused, StatusAwaiting, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// TaskStatus represents the state of a single task within a work execution.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// IsTerminal reports whether the task will not run again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}
