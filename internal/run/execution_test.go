package run

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/workrun/internal/errors"
)

func newTestExecution(t *testing.T) (*WorkExecution, []*Report) {
	t.Helper()
	r := newTestRun(t, 1)
	cfg := WorkNodeConfig{
		Sequence: 0,
		Model:    "opus",
		Tasks: []TaskConfig{
			{Order: 0, Query: "investigate"},
			{Order: 1, Query: "write findings", ReportTitle: "Findings", ReportOutline: "## Summary"},
		},
	}
	return NewWorkExecution(r, cfg)
}

func TestNewWorkExecution_MaterializesTasksAndReports(t *testing.T) {
	exec, reports := newTestExecution(t)

	require.Len(t, exec.Tasks, 2)
	assert.Equal(t, "opus", exec.Model)
	assert.Equal(t, TaskPending, exec.Tasks[0].Status)
	assert.Empty(t, exec.Tasks[0].ReportID)

	require.Len(t, reports, 1)
	assert.Equal(t, reports[0].ID, exec.Tasks[1].ReportID)
	assert.Equal(t, exec.ID, reports[0].WorkExecutionID)
	assert.Equal(t, exec.Tasks[1].ID, reports[0].TaskExecutionID)
	assert.Equal(t, "task-1.md", reports[0].FileName())
}

func TestWorkExecution_Progression(t *testing.T) {
	exec, _ := newTestExecution(t)

	cur, ok := exec.CurrentTask()
	require.True(t, ok)
	assert.Equal(t, 0, cur.Order)

	_, err := exec.AdvanceToNextTask()
	assert.ErrorIs(t, err, errors.ErrDomainInvariant, "cannot skip a non-terminal task")

	started, err := exec.StartCurrentTask()
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, started.Status)

	require.NoError(t, exec.CompleteCurrentTask("done", 120))
	more, err := exec.AdvanceToNextTask()
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, 1, exec.CurrentTaskIndex)

	require.NoError(t, exec.CompleteCurrentTask("written", 80))
	more, err = exec.AdvanceToNextTask()
	require.NoError(t, err)
	assert.False(t, more)
	assert.True(t, exec.IsCompleted)
	assert.NotNil(t, exec.CompletedAt)
	assert.Equal(t, 200, exec.TokensUsed())

	_, ok = exec.CurrentTask()
	assert.False(t, ok)
	assert.ErrorIs(t, exec.CompleteCurrentTask("x", 0), errors.ErrDomainInvariant)
	_, err = exec.AdvanceToNextTask()
	assert.ErrorIs(t, err, errors.ErrDomainInvariant)
}

func TestWorkExecution_FailedTaskIsTerminal(t *testing.T) {
	exec, _ := newTestExecution(t)

	require.NoError(t, exec.FailCurrentTask("agent refused"))
	assert.Equal(t, TaskFailed, exec.Tasks[0].Status)

	more, err := exec.AdvanceToNextTask()
	require.NoError(t, err)
	assert.True(t, more)
}

func TestWorkExecution_Cancel(t *testing.T) {
	exec, _ := newTestExecution(t)
	require.NoError(t, exec.CompleteCurrentTask("ok", 1))

	exec.Cancel()

	assert.True(t, exec.IsCancelled)
	assert.Equal(t, TaskCompleted, exec.Tasks[0].Status)
	assert.Equal(t, TaskCancelled, exec.Tasks[1].Status)
}

func TestNewCheckpoint(t *testing.T) {
	exec, _ := newTestExecution(t)

	_, err := NewCheckpoint(exec, map[string]string{"repo": "abc"})
	assert.ErrorIs(t, err, errors.ErrDomainInvariant, "execution not completed")

	exec.IsCompleted = true
	_, err = NewCheckpoint(exec, nil)
	assert.ErrorIs(t, err, errors.ErrDomainInvariant, "no hashes")

	hashes := map[string]string{"repo": "abc"}
	cp, err := NewCheckpoint(exec, hashes)
	require.NoError(t, err)
	hashes["repo"] = "changed"

	assert.Equal(t, exec.ID, cp.WorkExecutionID)
	assert.Equal(t, exec.Sequence, cp.WorkSequence)
	assert.Equal(t, "abc", cp.CommitHashes["repo"])
}

func TestNearestCheckpointBefore(t *testing.T) {
	base := time.Now()
	cps := []*Checkpoint{
		{ID: "cp0", WorkSequence: 0, CreatedAt: base},
		{ID: "cp2", WorkSequence: 2, CreatedAt: base},
		{ID: "cp1-old", WorkSequence: 1, CreatedAt: base},
		{ID: "cp1-new", WorkSequence: 1, CreatedAt: base.Add(time.Minute)},
	}

	tests := []struct {
		index  int
		wantID string
		found  bool
	}{
		{index: 0, found: false},
		{index: 1, wantID: "cp0", found: true},
		{index: 2, wantID: "cp1-new", found: true},
		{index: 3, wantID: "cp2", found: true},
		{index: 10, wantID: "cp2", found: true},
	}
	for _, tt := range tests {
		cp, ok := NearestCheckpointBefore(cps, tt.index)
		assert.Equal(t, tt.found, ok, "index %d", tt.index)
		if tt.found {
			assert.Equal(t, tt.wantID, cp.ID, "index %d", tt.index)
		}
	}

	_, ok := NearestCheckpointBefore(nil, 5)
	assert.False(t, ok)
}

func TestWorkflowSpace_WorkSpaces(t *testing.T) {
	space := &WorkflowSpace{WorkflowRunID: "r", RootPath: "/tmp/r"}
	space.PutWorkSpace(WorkSpace{WorkExecutionID: "e2", Sequence: 2, Path: "/tmp/r/work-2"})
	space.PutWorkSpace(WorkSpace{WorkExecutionID: "e0", Sequence: 0, Path: "/tmp/r/work-0"})
	space.PutWorkSpace(WorkSpace{WorkExecutionID: "e1", Sequence: 1, Path: "/tmp/r/work-1"})
	space.PutWorkSpace(WorkSpace{WorkExecutionID: "e1", Sequence: 1, Path: "/tmp/r/work-1",
		SymLinks: []SymLink{{LinkType: LinkGitWorktree, SourceID: "repo", LinkPath: "/tmp/r/work-1/repo"}}})

	require.Len(t, space.WorkSpaces, 3)
	assert.Equal(t, "e0", space.WorkSpaces[0].WorkExecutionID)

	ws, ok := space.WorkSpaceFor("e1")
	require.True(t, ok)
	assert.True(t, ws.HasLink("/tmp/r/work-1/repo"))

	removed := space.RemoveFrom(1)
	assert.Len(t, removed, 2)
	require.Len(t, space.WorkSpaces, 1)
	assert.Equal(t, "e0", space.WorkSpaces[0].WorkExecutionID)
}
