package run

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/workrun/internal/errors"
)

// Checkpoint records the commit of every worktree of a step right after the
// step completed. Checkpoints are immutable.
type Checkpoint struct {
	ID              string            `json:"id"`
	WorkflowRunID   string            `json:"workflow_run_id"`
	WorkflowID      string            `json:"workflow_id"`
	WorkExecutionID string            `json:"work_execution_id"`
	WorkSequence    int               `json:"work_sequence"`
	CommitHashes    map[string]string `json:"commit_hashes"`
	CreatedAt       time.Time         `json:"created_at"`
}

// NewCheckpoint creates a checkpoint for a completed execution. hashes maps
// git ref id to commit hash and must not be empty.
func NewCheckpoint(exec *WorkExecution, hashes map[string]string) (*Checkpoint, error) {
	if !exec.IsCompleted {
		return nil, errors.Invariant(
			fmt.Sprintf("cannot checkpoint work execution %s", exec.ID),
			"execution is not completed",
		)
	}
	if len(hashes) == 0 {
		return nil, errors.Invariant(
			fmt.Sprintf("cannot checkpoint work execution %s", exec.ID),
			"no commit hashes were captured",
		)
	}
	return &Checkpoint{
		ID:              uuid.NewString(),
		WorkflowRunID:   exec.WorkflowRunID,
		WorkflowID:      exec.WorkflowID,
		WorkExecutionID: exec.ID,
		WorkSequence:    exec.Sequence,
		CommitHashes:    maps.Clone(hashes),
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// NearestCheckpointBefore returns the checkpoint with the greatest
// WorkSequence strictly below index.
func NearestCheckpointBefore(cps []*Checkpoint, index int) (*Checkpoint, bool) {
	var best *Checkpoint
	for _, cp := range cps {
		if cp.WorkSequence >= index {
			continue
		}
		if best == nil || cp.WorkSequence > best.WorkSequence ||
			(cp.WorkSequence == best.WorkSequence && cp.CreatedAt.After(best.CreatedAt)) {
			best = cp
		}
	}
	return best, best != nil
}
