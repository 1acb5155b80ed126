// Package events provides domain event types and publishing infrastructure for workrun.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the payload carried by an Event.
type Kind string

const (
	// Run lifecycle

	KindRunCreated   Kind = "run.created"
	KindRunStarted   Kind = "run.started"
	KindRunPaused    Kind = "run.paused"
	KindRunAwaiting  Kind = "run.awaiting"
	KindRunResumed   Kind = "run.resumed"
	KindRunCompleted Kind = "run.completed"
	KindRunCancelled Kind = "run.cancelled"
	KindRunRestored  Kind = "run.restored"

	// Step configuration edits

	KindWorkNodeConfigAdded   Kind = "work_node_config.added"
	KindWorkNodeConfigUpdated Kind = "work_node_config.updated"
	KindWorkNodeConfigRemoved Kind = "work_node_config.removed"

	// Execution progress

	KindExecutionStarted   Kind = "execution.started"
	KindExecutionCompleted Kind = "execution.completed"
	KindExecutionFailed    Kind = "execution.failed"
	KindCheckpointCreated  Kind = "checkpoint.created"
)

// Payload is the closed set of event payloads. Only types in this package
// implement it.
type Payload interface {
	Kind() Kind
	sealed()
}

// Event is a published domain event.
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	RunID   string    `json:"run_id"`
	Payload Payload   `json:"payload"`
	Time    time.Time `json:"time"`
}

// New creates an event for the run with the current timestamp.
func New(runID string, p Payload) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    p.Kind(),
		RunID:   runID,
		Payload: p,
		Time:    time.Now().UTC(),
	}
}

// RunCreated is emitted when a run is first persisted.
type RunCreated struct {
	WorkflowID string `json:"workflow_id"`
	IssueKey   string `json:"issue_key,omitempty"`
	StepCount  int    `json:"step_count"`
}

// RunStarted is emitted on INITIALIZED -> RUNNING.
type RunStarted struct{}

// RunPaused is emitted on RUNNING -> PAUSED.
type RunPaused struct {
	WorkIndex int    `json:"work_index"`
	Reason    string `json:"reason,omitempty"`
}

// RunAwaiting is emitted on RUNNING -> AWAITING.
type RunAwaiting struct {
	WorkIndex int `json:"work_index"`
}

// RunResumed is emitted on PAUSED/AWAITING -> RUNNING.
type RunResumed struct {
	WorkIndex int `json:"work_index"`
}

// RunCompleted is emitted when the last step advances the run.
type RunCompleted struct {
	StepCount int `json:"step_count"`
}

// RunCancelled is emitted on any non-terminal -> CANCELLED.
type RunCancelled struct {
	WorkIndex int    `json:"work_index"`
	Reason    string `json:"reason,omitempty"`
}

// RunRestored is emitted when a run is rewound to a step.
type RunRestored struct {
	Sequence     int    `json:"sequence"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// WorkNodeConfigAdded is emitted when a step is appended.
type WorkNodeConfigAdded struct {
	Sequence int `json:"sequence"`
}

// WorkNodeConfigUpdated is emitted when a step is replaced.
type WorkNodeConfigUpdated struct {
	Sequence int `json:"sequence"`
}

// WorkNodeConfigRemoved is emitted when a step is removed.
type WorkNodeConfigRemoved struct {
	Sequence int `json:"sequence"`
}

// ExecutionStarted is emitted when a step's execution is materialized.
type ExecutionStarted struct {
	ExecutionID string `json:"execution_id"`
	Sequence    int    `json:"sequence"`
}

// ExecutionCompleted is emitted when every task of a step is terminal.
type ExecutionCompleted struct {
	ExecutionID string `json:"execution_id"`
	Sequence    int    `json:"sequence"`
}

// ExecutionFailed is emitted when the pipeline gives up on a task.
type ExecutionFailed struct {
	ExecutionID string `json:"execution_id"`
	Sequence    int    `json:"sequence"`
	TaskOrder   int    `json:"task_order"`
	Attempts    int    `json:"attempts"`
	Retryable   bool   `json:"retryable"`
	Error       string `json:"error"`
}

// CheckpointCreated is emitted after a checkpoint is persisted.
type CheckpointCreated struct {
	CheckpointID string `json:"checkpoint_id"`
	Sequence     int    `json:"sequence"`
	Repos        int    `json:"repos"`
}

func (RunCreated) Kind() Kind            { return KindRunCreated }
func (RunStarted) Kind() Kind            { return KindRunStarted }
func (RunPaused) Kind() Kind             { return KindRunPaused }
func (RunAwaiting) Kind() Kind           { return KindRunAwaiting }
func (RunResumed) Kind() Kind            { return KindRunResumed }
func (RunCompleted) Kind() Kind          { return KindRunCompleted }
func (RunCancelled) Kind() Kind          { return KindRunCancelled }
func (RunRestored) Kind() Kind           { return KindRunRestored }
func (WorkNodeConfigAdded) Kind() Kind   { return KindWorkNodeConfigAdded }
func (WorkNodeConfigUpdated) Kind() Kind { return KindWorkNodeConfigUpdated }
func (WorkNodeConfigRemoved) Kind() Kind { return KindWorkNodeConfigRemoved }
func (ExecutionStarted) Kind() Kind      { return KindExecutionStarted }
func (ExecutionCompleted) Kind() Kind    { return KindExecutionCompleted }
func (ExecutionFailed) Kind() Kind       { return KindExecutionFailed }
func (CheckpointCreated) Kind() Kind     { return KindCheckpointCreated }

func (RunCreated) sealed()            {}
func (RunStarted) sealed()            {}
func (RunPaused) sealed()             {}
func (RunAwaiting) sealed()           {}
func (RunResumed) sealed()            {}
func (RunCompleted) sealed()          {}
func (RunCancelled) sealed()          {}
func (RunRestored) sealed()           {}
func (WorkNodeConfigAdded) sealed()   {}
func (WorkNodeConfigUpdated) sealed() {}
func (WorkNodeConfigRemoved) sealed() {}
func (ExecutionStarted) sealed()      {}
func (ExecutionCompleted) sealed()    {}
func (ExecutionFailed) sealed()       {}
func (CheckpointCreated) sealed()     {}

// Buffer is an append-only list of events owned by an aggregate. The
// persistence boundary drains it after a successful save.
type Buffer struct {
	events []Event
}

// Record appends an event for the run.
func (b *Buffer) Record(runID string, p Payload) {
	b.events = append(b.events, New(runID, p))
}

// Pending returns the buffered events without draining them.
func (b *Buffer) Pending() []Event {
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Drain returns and clears the buffered events.
func (b *Buffer) Drain() []Event {
	out := b.events
	b.events = nil
	return out
}
