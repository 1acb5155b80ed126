package run

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/workrun/internal/errors"
	"github.com/randalmurphal/workrun/internal/events"
)

// WorkflowRun is the aggregate root of a run. All state changes go through its
// methods, which validate the transition before mutating anything and buffer a
// domain event describing the change.
//
// Version is the optimistic-concurrency token of the stored copy. Repositories
// accept a save only when the stored version equals Version and then call
// MarkPersisted, which increments it by one.
type WorkflowRun struct {
	ID                   string            `json:"id"`
	WorkflowID           string            `json:"workflow_id"`
	IssueKey             string            `json:"issue_key,omitempty"`
	SeedValues           map[string]string `json:"seed_values,omitempty"`
	Status               Status            `json:"status"`
	CurrentWorkIndex     int               `json:"current_work_index"`
	CancelledAtWorkIndex *int              `json:"cancelled_at_work_index,omitempty"`
	CancellationReason   string            `json:"cancellation_reason,omitempty"`
	WorkExecutionIDs     []string          `json:"work_execution_ids"`
	GitRefPool           []GitRef          `json:"git_ref_pool,omitempty"`
	McpServerRefPool     []McpServerRef    `json:"mcp_server_ref_pool,omitempty"`
	WorkNodeConfigs      []WorkNodeConfig  `json:"work_node_configs"`
	RestoredToCheckpoint bool              `json:"restored_to_checkpoint"`
	Version              int               `json:"version"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`

	events   events.Buffer
	revision int
}

// NewRunParams holds the inputs of NewWorkflowRun.
type NewRunParams struct {
	ID               string
	WorkflowID       string
	IssueKey         string
	SeedValues       map[string]string
	GitRefPool       []GitRef
	McpServerRefPool []McpServerRef
	WorkNodeConfigs  []WorkNodeConfig
}

// NewWorkflowRun validates the params and returns an INITIALIZED run. Step
// sequences are assigned from list position.
func NewWorkflowRun(p NewRunParams) (*WorkflowRun, error) {
	if p.WorkflowID == "" {
		return nil, errors.Invariant("cannot create workflow run", "workflow id is required")
	}
	if len(p.WorkNodeConfigs) == 0 {
		return nil, errors.Invariant("cannot create workflow run", "at least one work node config is required")
	}
	if err := validatePools(p.GitRefPool, p.McpServerRefPool); err != nil {
		return nil, err
	}

	configs := make([]WorkNodeConfig, len(p.WorkNodeConfigs))
	for i, c := range p.WorkNodeConfigs {
		cfg := c.clone()
		cfg.Sequence = i
		if err := validateConfig(cfg, i, p.GitRefPool, p.McpServerRefPool); err != nil {
			return nil, err
		}
		configs[i] = cfg
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	r := &WorkflowRun{
		ID:               id,
		WorkflowID:       p.WorkflowID,
		IssueKey:         p.IssueKey,
		SeedValues:       maps.Clone(p.SeedValues),
		Status:           StatusInitialized,
		WorkExecutionIDs: []string{},
		GitRefPool:       append([]GitRef(nil), p.GitRefPool...),
		McpServerRefPool: append([]McpServerRef(nil), p.McpServerRefPool...),
		WorkNodeConfigs:  configs,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.record(events.RunCreated{WorkflowID: r.WorkflowID, IssueKey: r.IssueKey, StepCount: len(configs)})
	return r, nil
}

func validatePools(git []GitRef, mcp []McpServerRef) error {
	seen := make(map[string]bool, len(git))
	for _, g := range git {
		if g.ID == "" || g.RepoPath == "" {
			return errors.Invariant("invalid git ref pool", "every git ref needs an id and a repo path")
		}
		if seen[g.ID] {
			return errors.Invariant("invalid git ref pool", fmt.Sprintf("duplicate git ref %q", g.ID))
		}
		seen[g.ID] = true
	}
	seen = make(map[string]bool, len(mcp))
	for _, m := range mcp {
		if m.ID == "" {
			return errors.Invariant("invalid mcp server pool", "every mcp server ref needs an id")
		}
		if seen[m.ID] {
			return errors.Invariant("invalid mcp server pool", fmt.Sprintf("duplicate mcp server ref %q", m.ID))
		}
		seen[m.ID] = true
	}
	return nil
}

// Seed returns a seed value.
func (r *WorkflowRun) Seed(key string) (string, bool) {
	v, ok := r.SeedValues[key]
	return v, ok
}

// StepCount returns the number of configured steps.
func (r *WorkflowRun) StepCount() int {
	return len(r.WorkNodeConfigs)
}

// GitRef looks up a git ref from the pool.
func (r *WorkflowRun) GitRef(id string) (GitRef, bool) {
	for _, g := range r.GitRefPool {
		if g.ID == id {
			return g, true
		}
	}
	return GitRef{}, false
}

// McpServerRefs resolves the given ids against the pool, skipping unknown ids.
func (r *WorkflowRun) McpServerRefs(ids []string) []McpServerRef {
	var out []McpServerRef
	for _, id := range ids {
		for _, m := range r.McpServerRefPool {
			if m.ID == id {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// Start moves INITIALIZED -> RUNNING.
func (r *WorkflowRun) Start() error {
	if r.Status != StatusInitialized {
		return r.invalid("start")
	}
	r.Status = StatusRunning
	r.CurrentWorkIndex = 0
	r.RestoredToCheckpoint = false
	r.record(events.RunStarted{})
	return nil
}

// AdvanceWork moves to the next step, completing the run when the last step
// has been advanced past.
func (r *WorkflowRun) AdvanceWork() error {
	if r.Status != StatusRunning {
		return r.invalid("advance")
	}
	r.CurrentWorkIndex++
	if r.CurrentWorkIndex >= len(r.WorkNodeConfigs) {
		r.CurrentWorkIndex = len(r.WorkNodeConfigs)
		r.Status = StatusCompleted
		r.record(events.RunCompleted{StepCount: len(r.WorkNodeConfigs)})
		return nil
	}
	r.touch()
	return nil
}

// Pause moves RUNNING -> PAUSED, keeping the current index.
func (r *WorkflowRun) Pause(reason string) error {
	if r.Status != StatusRunning {
		return r.invalid("pause")
	}
	r.Status = StatusPaused
	r.record(events.RunPaused{WorkIndex: r.CurrentWorkIndex, Reason: reason})
	return nil
}

// Await moves RUNNING -> AWAITING after a step requested a pause.
func (r *WorkflowRun) Await() error {
	if r.Status != StatusRunning {
		return r.invalid("await")
	}
	r.Status = StatusAwaiting
	r.record(events.RunAwaiting{WorkIndex: r.CurrentWorkIndex})
	return nil
}

// Resume moves PAUSED or AWAITING -> RUNNING.
func (r *WorkflowRun) Resume() error {
	if r.Status != StatusPaused && r.Status != StatusAwaiting {
		return r.invalid("resume")
	}
	r.Status = StatusRunning
	r.RestoredToCheckpoint = false
	r.record(events.RunResumed{WorkIndex: r.CurrentWorkIndex})
	return nil
}

// Cancel moves any non-terminal run to CANCELLED.
func (r *WorkflowRun) Cancel(reason string) error {
	if r.Status.IsTerminal() {
		return r.invalid("cancel")
	}
	idx := r.CurrentWorkIndex
	r.Status = StatusCancelled
	r.CancelledAtWorkIndex = &idx
	r.CancellationReason = reason
	r.record(events.RunCancelled{WorkIndex: idx, Reason: reason})
	return nil
}

// RestoreToCheckpoint rewinds the run to step seq and leaves it PAUSED. It
// returns the execution ids dropped from the run, in step order.
func (r *WorkflowRun) RestoreToCheckpoint(seq int, checkpointID string) ([]string, error) {
	if err := r.CanRestoreToCheckpoint(seq); err != nil {
		return nil, err
	}

	removed := r.truncate(seq)
	r.CurrentWorkIndex = seq
	r.Status = StatusPaused
	r.RestoredToCheckpoint = true
	r.CancelledAtWorkIndex = nil
	r.CancellationReason = ""
	r.record(events.RunRestored{Sequence: seq, CheckpointID: checkpointID})
	return removed, nil
}

// CanRestoreToCheckpoint reports why RestoreToCheckpoint(seq) would fail,
// without changing the run.
func (r *WorkflowRun) CanRestoreToCheckpoint(seq int) error {
	switch r.Status {
	case StatusPaused, StatusAwaiting, StatusCancelled, StatusCompleted:
	default:
		return r.invalid("restore")
	}
	if seq < 0 || seq >= len(r.WorkNodeConfigs) {
		return errors.Invariant(
			fmt.Sprintf("cannot restore workflow run %s", r.ID),
			fmt.Sprintf("sequence %d is outside 0..%d", seq, len(r.WorkNodeConfigs)-1),
		)
	}
	return nil
}

// DiscardCurrentStep drops any execution recorded for the current step of a
// PAUSED or AWAITING run so it is re-materialized on resume. It returns the
// dropped execution ids. checkpointID names the checkpoint whose git state
// was restored, or is empty when none was.
func (r *WorkflowRun) DiscardCurrentStep(checkpointID string) ([]string, error) {
	if r.Status != StatusPaused && r.Status != StatusAwaiting {
		return nil, r.invalid("revert")
	}
	removed := r.truncate(r.CurrentWorkIndex)
	r.record(events.RunRestored{Sequence: r.CurrentWorkIndex, CheckpointID: checkpointID})
	return removed, nil
}

func (r *WorkflowRun) truncate(n int) []string {
	if n >= len(r.WorkExecutionIDs) {
		return nil
	}
	removed := append([]string(nil), r.WorkExecutionIDs[n:]...)
	r.WorkExecutionIDs = r.WorkExecutionIDs[:n]
	return removed
}

// HasMoreSteps reports whether a step remains at the current index.
func (r *WorkflowRun) HasMoreSteps() bool {
	return r.CurrentWorkIndex < len(r.WorkNodeConfigs)
}

// NextWorkNodeConfig returns the config of the step to execute next. It
// returns false when the run is not RUNNING or no steps remain.
func (r *WorkflowRun) NextWorkNodeConfig() (WorkNodeConfig, bool) {
	if r.Status != StatusRunning || !r.HasMoreSteps() {
		return WorkNodeConfig{}, false
	}
	return r.WorkNodeConfigs[r.CurrentWorkIndex].clone(), true
}

// WorkNodeConfig returns the config at seq.
func (r *WorkflowRun) WorkNodeConfig(seq int) (WorkNodeConfig, bool) {
	if seq < 0 || seq >= len(r.WorkNodeConfigs) {
		return WorkNodeConfig{}, false
	}
	return r.WorkNodeConfigs[seq].clone(), true
}

// CurrentWorkExecutionID returns the execution id of the current step if one
// has been materialized.
func (r *WorkflowRun) CurrentWorkExecutionID() (string, bool) {
	if r.CurrentWorkIndex < len(r.WorkExecutionIDs) {
		return r.WorkExecutionIDs[r.CurrentWorkIndex], true
	}
	return "", false
}

// AppendWorkExecution records the execution materialized for the current step.
func (r *WorkflowRun) AppendWorkExecution(id string) error {
	if r.Status != StatusRunning {
		return r.invalid("attach execution to")
	}
	if len(r.WorkExecutionIDs) != r.CurrentWorkIndex {
		return errors.Invariant(
			fmt.Sprintf("cannot attach execution %s", id),
			fmt.Sprintf("run has %d executions at work index %d", len(r.WorkExecutionIDs), r.CurrentWorkIndex),
		)
	}
	if len(r.WorkExecutionIDs) >= len(r.WorkNodeConfigs) {
		return errors.Invariant(fmt.Sprintf("cannot attach execution %s", id), "every step already has an execution")
	}
	r.WorkExecutionIDs = append(r.WorkExecutionIDs, id)
	r.touch()
	return nil
}

// EditableFromSequence returns the lowest step sequence that may be edited,
// and false when the run cannot be edited at all.
func (r *WorkflowRun) EditableFromSequence() (int, bool) {
	switch r.Status {
	case StatusInitialized:
		return 0, true
	case StatusRunning:
		return r.CurrentWorkIndex + 1, true
	case StatusPaused, StatusAwaiting:
		return r.CurrentWorkIndex, true
	}
	return 0, false
}

func (r *WorkflowRun) checkEditable(seq int, action string) error {
	from, ok := r.EditableFromSequence()
	if !ok {
		return errors.Invariant(
			fmt.Sprintf("cannot %s step %d of workflow run %s", action, seq, r.ID),
			fmt.Sprintf("run is %s", r.Status),
		)
	}
	if seq < from {
		return errors.Invariant(
			fmt.Sprintf("cannot %s step %d of workflow run %s", action, seq, r.ID),
			fmt.Sprintf("only steps from %d onward are editable", from),
		)
	}
	return nil
}

// AddWorkNodeConfig appends a step and returns its sequence.
func (r *WorkflowRun) AddWorkNodeConfig(cfg WorkNodeConfig) (int, error) {
	seq := len(r.WorkNodeConfigs)
	if err := r.checkEditable(seq, "add"); err != nil {
		return 0, err
	}
	cfg = cfg.clone()
	cfg.Sequence = seq
	if err := validateConfig(cfg, seq, r.GitRefPool, r.McpServerRefPool); err != nil {
		return 0, err
	}
	r.WorkNodeConfigs = append(r.WorkNodeConfigs, cfg)
	r.record(events.WorkNodeConfigAdded{Sequence: seq})
	return seq, nil
}

// UpdateWorkNodeConfig replaces the step at seq.
func (r *WorkflowRun) UpdateWorkNodeConfig(seq int, cfg WorkNodeConfig) error {
	if seq < 0 || seq >= len(r.WorkNodeConfigs) {
		return errors.NotFound("work node config", fmt.Sprintf("%s/%d", r.ID, seq))
	}
	if err := r.checkEditable(seq, "update"); err != nil {
		return err
	}
	cfg = cfg.clone()
	cfg.Sequence = seq
	if err := validateConfig(cfg, seq, r.GitRefPool, r.McpServerRefPool); err != nil {
		return err
	}
	r.WorkNodeConfigs[seq] = cfg
	r.record(events.WorkNodeConfigUpdated{Sequence: seq})
	return nil
}

// RemoveWorkNodeConfig deletes the step at seq and resequences the rest.
// Report refs to the removed step are dropped and refs past it shift down.
func (r *WorkflowRun) RemoveWorkNodeConfig(seq int) error {
	if seq < 0 || seq >= len(r.WorkNodeConfigs) {
		return errors.NotFound("work node config", fmt.Sprintf("%s/%d", r.ID, seq))
	}
	if err := r.checkEditable(seq, "remove"); err != nil {
		return err
	}
	if len(r.WorkNodeConfigs) == 1 {
		return errors.Invariant(fmt.Sprintf("cannot remove step %d of workflow run %s", seq, r.ID), "a run needs at least one step")
	}
	remaining := len(r.WorkNodeConfigs) - 1
	if remaining < len(r.WorkExecutionIDs) || (r.Status != StatusInitialized && remaining <= r.CurrentWorkIndex) {
		return errors.Invariant(
			fmt.Sprintf("cannot remove step %d of workflow run %s", seq, r.ID),
			"the step has already been executed",
		)
	}

	configs := make([]WorkNodeConfig, 0, remaining)
	for _, c := range r.WorkNodeConfigs {
		if c.Sequence == seq {
			continue
		}
		refs := c.ReportRefs[:0:0]
		for _, ref := range c.ReportRefs {
			switch {
			case ref == seq:
			case ref > seq:
				refs = append(refs, ref-1)
			default:
				refs = append(refs, ref)
			}
		}
		c.ReportRefs = refs
		c.Sequence = len(configs)
		configs = append(configs, c)
	}
	r.WorkNodeConfigs = configs
	r.record(events.WorkNodeConfigRemoved{Sequence: seq})
	return nil
}

// PendingEvents returns buffered events without draining them.
func (r *WorkflowRun) PendingEvents() []events.Event {
	return r.events.Pending()
}

// PullEvents drains buffered events. Call only after a successful save.
func (r *WorkflowRun) PullEvents() []events.Event {
	return r.events.Drain()
}

// HasUnsavedChanges reports whether the run was mutated since it was loaded
// or last persisted.
func (r *WorkflowRun) HasUnsavedChanges() bool {
	return r.revision > 0
}

// MarkPersisted records a successful compare-and-swap save.
func (r *WorkflowRun) MarkPersisted() {
	r.Version++
	r.revision = 0
}

func (r *WorkflowRun) record(p events.Payload) {
	r.events.Record(r.ID, p)
	r.touch()
}

func (r *WorkflowRun) touch() {
	r.revision++
	r.UpdatedAt = time.Now().UTC()
}

func (r *WorkflowRun) invalid(action string) error {
	return errors.InvalidTransition(r.ID, action, string(r.Status))
}
