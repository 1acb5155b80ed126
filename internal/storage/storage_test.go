package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/workrun/internal/db"
	"github.com/randalmurphal/workrun/internal/errors"
	"github.com/randalmurphal/workrun/internal/ports"
	"github.com/randalmurphal/workrun/internal/run"
)

// forEachStore runs the test against every repository implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, repos ports.Repositories)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore().Repositories())
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, NewSQLStore(db.NewTestDB(t)).Repositories())
	})
}

func newRun(t *testing.T, steps int) *run.WorkflowRun {
	t.Helper()
	configs := make([]run.WorkNodeConfig, steps)
	for i := range configs {
		configs[i] = run.WorkNodeConfig{Tasks: []run.TaskConfig{{Query: fmt.Sprintf("step %d", i)}}}
	}
	r, err := run.NewWorkflowRun(run.NewRunParams{WorkflowID: "wf", WorkNodeConfigs: configs})
	require.NoError(t, err)
	return r
}

func TestRunRepository_CompareAndSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, repos ports.Repositories) {
		ctx := context.Background()
		r := newRun(t, 2)

		require.NoError(t, repos.Runs.Save(ctx, r))
		assert.Equal(t, 1, r.Version)
		assert.False(t, r.HasUnsavedChanges())

		a, err := repos.Runs.FindByID(ctx, r.ID)
		require.NoError(t, err)
		b, err := repos.Runs.FindByID(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, a.Version)

		require.NoError(t, a.Start())
		require.NoError(t, repos.Runs.Save(ctx, a))
		assert.Equal(t, 2, a.Version, "save increments version by exactly one")

		require.NoError(t, b.Cancel("late"))
		err = repos.Runs.Save(ctx, b)
		assert.ErrorIs(t, err, errors.ErrConcurrentModification)
		assert.Equal(t, 1, b.Version, "rejected save leaves version alone")

		stored, err := repos.Runs.FindByID(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusRunning, stored.Status)
		assert.Equal(t, 2, stored.Version)
	})
}

func TestRunRepository_DuplicateInsertConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, repos ports.Repositories) {
		ctx := context.Background()
		r := newRun(t, 1)
		require.NoError(t, repos.Runs.Save(ctx, r))

		dup := *r
		dup.Version = 0
		assert.ErrorIs(t, repos.Runs.Save(ctx, &dup), errors.ErrConcurrentModification)
	})
}

func TestRunRepository_NotFoundAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, repos ports.Repositories) {
		ctx := context.Background()
		_, err := repos.Runs.FindByID(ctx, "missing")
		assert.ErrorIs(t, err, errors.ErrNotFound)

		r := newRun(t, 1)
		require.NoError(t, repos.Runs.Save(ctx, r))
		ok, err := repos.Runs.Exists(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, repos.Runs.Delete(ctx, r.ID))
		ok, err = repos.Runs.Exists(ctx, r.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRunRepository_ListTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, repos ports.Repositories) {
		ctx := context.Background()
		active := newRun(t, 1)
		require.NoError(t, active.Start())
		done := newRun(t, 1)
		require.NoError(t, done.Cancel("stop"))
		require.NoError(t, repos.Runs.Save(ctx, active))
		require.NoError(t, repos.Runs.Save(ctx, done))

		got, err := repos.Runs.ListTerminal(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, done.ID, got[0].ID)

		got, err = repos.Runs.ListTerminal(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestRunRepository_ListByStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, repos ports.Repositories) {
		ctx := context.Background()
		created := newRun(t, 1)
		running := newRun(t, 1)
		require.NoError(t, running.Start())
		paused := newRun(t, 1)
		require.NoError(t, paused.Start())
		require.NoError(t, paused.Pause("x"))
		for _, r := range []*run.WorkflowRun{created, running, paused} {
			require.NoError(t, repos.Runs.Save(ctx, r))
		}

		got, err := repos.Runs.ListByStatus(ctx, run.StatusRunning)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, running.ID, got[0].ID)

		got, err = repos.Runs.ListByStatus(ctx, run.StatusRunning, run.StatusPaused)
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = repos.Runs.ListByStatus(ctx)
		require.NoError(t, err)
		assert.Len(t, got, 3)

		got, err = repos.Runs.ListByStatus(ctx, run.StatusCompleted)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	repos, closeFn, err := Open(ctx, "memory", "")
	require.NoError(t, err)
	require.NoError(t, repos.Runs.Save(ctx, newRun(t, 1)))
	require.NoError(t, closeFn())

	dsn := filepath.Join(t.TempDir(), "nested", "workrun.db")
	repos, closeFn, err = Open(ctx, "sqlite", dsn)
	require.NoError(t, err)
	r := newRun(t, 1)
	require.NoError(t, repos.Runs.Save(ctx, r))
	require.NoError(t, closeFn())

	repos, closeFn, err = Open(ctx, "sqlite", dsn)
	require.NoError(t, err)
	defer func() { _ = closeFn() }()
	ok, err := repos.Runs.Exists(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, ok, "sqlite store persists across opens")

	_, _, err = Open(ctx, "oracle", "x")
	assert.Error(t, err)
}

func TestRunRepository_RoundTripsNestedState(t *testing.T) {
	forEachStore(t, func(t *testing.T, repos ports.Repositories) {
		ctx := context.Background()
		r, err := run.NewWorkflowRun(run.NewRunParams{
			WorkflowID: "wf",
			SeedValues: map[string]string{"k": "v"},
			GitRefPool: []run.GitRef{{ID: "repo", RepoPath: "/src", BaseBranch: "main"}},
			WorkNodeConfigs: []run.WorkNodeConfig{
				{Model: "opus", GitRefIDs: []string{"repo"}, PauseAfter: true,
					Tasks: []run.TaskConfig{{Query: "a", ReportOutline: "# A"}}},
				{Tasks: []run.TaskConfig{{Query: "b"}}, ReportRefs: []int{0}},
			},
		})
		require.NoError(t, err)
		require.NoError(t, r.Start())
		require.NoError(t, r.AppendWorkExecution("e0"))
		require.NoError(t, repos.Runs.Save(ctx, r))

		got, err := repos.Runs.FindByID(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.WorkNodeConfigs, got.WorkNodeConfigs)
		assert.Equal(t, r.GitRefPool, got.GitRefPool)
		assert.Equal(t, []string{"e0"}, got.WorkExecutionIDs)
		assert.Equal(t, "v", got.SeedValues["k"])
		assert.Empty(t, got.PendingEvents(), "events are never persisted")
	})
}

func TestChildRepositories(t *testing.T) {
	forEachStore(t, func(t *testing.T, repos ports.Repositories) {
		ctx := context.Background()
		r := newRun(t, 2)

		e1 := &run.WorkExecution{ID: "e1", WorkflowRunID: r.ID, Sequence: 1}
		e0 := &run.WorkExecution{ID: "e0", WorkflowRunID: r.ID, Sequence: 0}
		other := &run.WorkExecution{ID: "x", WorkflowRunID: "other", Sequence: 0}
		for _, e := range []*run.WorkExecution{e1, e0, other} {
			require.NoError(t, repos.Executions.Save(ctx, e))
		}
		execs, err := repos.Executions.FindByWorkflowRunID(ctx, r.ID)
		require.NoError(t, err)
		require.Len(t, execs, 2)
		assert.Equal(t, "e0", execs[0].ID)

		e0.IsCompleted = true
		require.NoError(t, repos.Executions.Save(ctx, e0))
		got, err := repos.Executions.FindByID(ctx, "e0")
		require.NoError(t, err)
		assert.True(t, got.IsCompleted)

		cp := &run.Checkpoint{ID: "cp0", WorkflowRunID: r.ID, WorkSequence: 0, CommitHashes: map[string]string{"repo": "abc"}}
		require.NoError(t, repos.Checkpoints.Save(ctx, cp))
		cps, err := repos.Checkpoints.FindByWorkflowRunID(ctx, r.ID)
		require.NoError(t, err)
		require.Len(t, cps, 1)
		assert.Equal(t, "abc", cps[0].CommitHashes["repo"])

		wt := &run.WorkTree{GitID: "repo", WorkflowRunID: r.ID, Path: "/wt", BranchName: "workrun/x/repo"}
		require.NoError(t, repos.WorkTrees.Save(ctx, wt))
		ok, err := repos.WorkTrees.Exists(ctx, r.ID, "repo")
		require.NoError(t, err)
		assert.True(t, ok)

		space := &run.WorkflowSpace{WorkflowRunID: r.ID, RootPath: "/root"}
		space.PutWorkSpace(run.WorkSpace{WorkExecutionID: "e0", Path: "/root/work-0"})
		require.NoError(t, repos.Spaces.Save(ctx, space))
		gotSpace, err := repos.Spaces.FindByWorkflowRunID(ctx, r.ID)
		require.NoError(t, err)
		require.Len(t, gotSpace.WorkSpaces, 1)

		rep := &run.Report{ID: "rep", WorkflowRunID: r.ID, WorkExecutionID: "e0", Outline: "# x"}
		require.NoError(t, repos.Reports.Save(ctx, rep))
		reps, err := repos.Reports.FindByWorkExecutionID(ctx, "e0")
		require.NoError(t, err)
		require.Len(t, reps, 1)

		require.NoError(t, repos.Executions.DeleteByWorkflowRunID(ctx, r.ID))
		require.NoError(t, repos.Checkpoints.DeleteByWorkflowRunID(ctx, r.ID))
		require.NoError(t, repos.WorkTrees.DeleteByWorkflowRunID(ctx, r.ID))
		require.NoError(t, repos.Spaces.DeleteByWorkflowRunID(ctx, r.ID))
		require.NoError(t, repos.Reports.DeleteByWorkflowRunID(ctx, r.ID))

		execs, err = repos.Executions.FindByWorkflowRunID(ctx, r.ID)
		require.NoError(t, err)
		assert.Empty(t, execs)
		ok, err = repos.Executions.Exists(ctx, "x")
		require.NoError(t, err)
		assert.True(t, ok, "other runs untouched")
		_, err = repos.Spaces.FindByWorkflowRunID(ctx, r.ID)
		assert.ErrorIs(t, err, errors.ErrNotFound)
		_, err = repos.Checkpoints.FindByID(ctx, "cp0")
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})
}

func TestUnitOfWork_RollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, repos ports.Repositories) {
		ctx := context.Background()
		boom := fmt.Errorf("boom")

		err := repos.UoW.Run(ctx, func(ctx context.Context) error {
			require.NoError(t, repos.Executions.Save(ctx, &run.WorkExecution{ID: "e", WorkflowRunID: "r"}))
			return repos.UoW.Run(ctx, func(ctx context.Context) error {
				require.NoError(t, repos.Checkpoints.Save(ctx, &run.Checkpoint{ID: "cp", WorkflowRunID: "r"}))
				return boom
			})
		})
		assert.ErrorIs(t, err, boom)

		ok, err := repos.Executions.Exists(ctx, "e")
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = repos.Checkpoints.Exists(ctx, "cp")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryUnitOfWork_RollbackKeepsOutsideWrites(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryStore().Repositories()
	other := newRun(t, 1)
	require.NoError(t, repos.Runs.Save(ctx, other))

	inside := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan error, 1)
	boom := fmt.Errorf("boom")
	go func() {
		done <- repos.UoW.Run(ctx, func(ctx context.Context) error {
			if err := repos.Executions.Save(ctx, &run.WorkExecution{ID: "mine", WorkflowRunID: "r"}); err != nil {
				return err
			}
			if err := repos.Executions.Save(ctx, &run.WorkExecution{ID: "shared", WorkflowRunID: "r"}); err != nil {
				return err
			}
			close(inside)
			<-proceed
			return boom
		})
	}()

	<-inside
	require.NoError(t, other.Start())
	require.NoError(t, repos.Runs.Save(ctx, other))
	require.NoError(t, repos.Checkpoints.Save(ctx, &run.Checkpoint{ID: "cp", WorkflowRunID: other.ID}))
	require.NoError(t, repos.Executions.Save(ctx, &run.WorkExecution{ID: "shared", WorkflowRunID: other.ID}))
	close(proceed)
	assert.ErrorIs(t, <-done, boom)

	stored, err := repos.Runs.FindByID(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, stored.Status)
	assert.Equal(t, other.Version, stored.Version)

	ok, err := repos.Checkpoints.Exists(ctx, "cp")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repos.Executions.Exists(ctx, "mine")
	require.NoError(t, err)
	assert.False(t, ok)
	shared, err := repos.Executions.FindByID(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, other.ID, shared.WorkflowRunID, "a later write outside the unit of work wins")
}

func TestMemoryUnitOfWork_RollbackRestoresDeletes(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryStore().Repositories()
	require.NoError(t, repos.Executions.Save(ctx, &run.WorkExecution{ID: "e0", WorkflowRunID: "r"}))
	require.NoError(t, repos.Executions.Save(ctx, &run.WorkExecution{ID: "e1", WorkflowRunID: "r", Sequence: 1}))

	boom := fmt.Errorf("boom")
	err := repos.UoW.Run(ctx, func(ctx context.Context) error {
		if err := repos.Executions.Save(ctx, &run.WorkExecution{ID: "e0", WorkflowRunID: "r", SessionID: "changed"}); err != nil {
			return err
		}
		if err := repos.Executions.DeleteByWorkflowRunID(ctx, "r"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	execs, err := repos.Executions.FindByWorkflowRunID(ctx, "r")
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Empty(t, execs[0].SessionID)
}

func TestUnitOfWork_Commits(t *testing.T) {
	forEachStore(t, func(t *testing.T, repos ports.Repositories) {
		ctx := context.Background()
		r := newRun(t, 1)

		err := repos.UoW.Run(ctx, func(ctx context.Context) error {
			if err := repos.Runs.Save(ctx, r); err != nil {
				return err
			}
			return repos.Executions.Save(ctx, &run.WorkExecution{ID: "e", WorkflowRunID: r.ID})
		})
		require.NoError(t, err)

		_, err = repos.Runs.FindByID(ctx, r.ID)
		assert.NoError(t, err)
		ok, err := repos.Executions.Exists(ctx, "e")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
