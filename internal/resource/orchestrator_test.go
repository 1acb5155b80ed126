package resource

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/workrun/internal/errors"
	"github.com/randalmurphal/workrun/internal/fsys"
	"github.com/randalmurphal/workrun/internal/ports"
	"github.com/randalmurphal/workrun/internal/run"
	"github.com/randalmurphal/workrun/internal/storage"
	"github.com/randalmurphal/workrun/internal/testutil"
)

type fixture struct {
	orch  *Orchestrator
	repos ports.Repositories
	git   *testutil.FakeGit
	agent *testutil.FakeAgent
	root  string
	run   *run.WorkflowRun
}

func newFixture(t *testing.T, steps int) *fixture {
	t.Helper()
	root := t.TempDir()
	repos := storage.NewMemoryStore().Repositories()
	git := testutil.NewFakeGit()
	agent := testutil.NewFakeAgent()
	orch := New(repos, git, fsys.New(), agent, Config{
		WorkspaceRoot: filepath.Join(root, "spaces"),
		WorktreeDir:   filepath.Join(root, "worktrees"),
	})

	r, err := run.NewWorkflowRun(testutil.RunParams("wf", steps, testutil.GitRefs(2)...))
	require.NoError(t, err)
	require.NoError(t, repos.Runs.Save(context.Background(), r))

	return &fixture{orch: orch, repos: repos, git: git, agent: agent, root: root, run: r}
}

func (f *fixture) materialize(t *testing.T, seq int) *run.WorkExecution {
	t.Helper()
	ctx := context.Background()
	cfg, ok := f.run.WorkNodeConfig(seq)
	require.True(t, ok)
	exec, reports := run.NewWorkExecution(f.run, cfg)
	require.NoError(t, f.repos.Executions.Save(ctx, exec))
	for _, rep := range reports {
		require.NoError(t, f.repos.Reports.Save(ctx, rep))
	}
	return exec
}

func TestProvisionRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	require.NoError(t, f.orch.ProvisionRun(ctx, f.run))

	assert.DirExists(t, f.orch.SpaceRoot(f.run.ID))
	assert.Equal(t, 2, f.git.WorktreeCount())
	assert.Equal(t, 2, f.git.HookCount())

	wts, err := f.orch.WorkTrees(ctx, f.run.ID)
	require.NoError(t, err)
	require.Len(t, wts, 2)
	assert.Equal(t, "workrun/"+f.run.ID+"/repo-0", wts["repo-0"].BranchName)
	assert.Equal(t, f.orch.WorktreePath(f.run.ID, "repo-1"), wts["repo-1"].Path)

	ok, err := f.repos.Spaces.Exists(ctx, f.run.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.orch.ProvisionRun(ctx, f.run), "second call keeps existing resources")
	assert.Equal(t, 2, f.git.WorktreeCount())
	assert.Equal(t, 2, f.git.HookCount())
}

func TestProvisionRun_FailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.git.CreateErr["/src/repo-1"] = stderrors.New("disk full")

	err := f.orch.ProvisionRun(ctx, f.run)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrResourceFailure)

	assert.Equal(t, 0, f.git.WorktreeCount(), "first worktree reverted")
	assert.NoDirExists(t, f.orch.SpaceRoot(f.run.ID))
	ok, err := f.repos.Spaces.Exists(ctx, f.run.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	wts, err := f.repos.WorkTrees.FindByWorkflowRunID(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Empty(t, wts)
}

func TestProvisionWorkSpace_RequiresSpace(t *testing.T) {
	f := newFixture(t, 1)
	exec := f.materialize(t, 0)

	_, err := f.orch.ProvisionWorkSpace(context.Background(), f.run, exec)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, 0, f.agent.SessionCount())
}

func TestProvisionWorkSpace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	require.NoError(t, f.orch.ProvisionRun(ctx, f.run))
	exec := f.materialize(t, 0)

	ws, err := f.orch.ProvisionWorkSpace(ctx, f.run, exec)
	require.NoError(t, err)

	assert.Equal(t, f.orch.WorkSpacePath(f.run.ID, 0), ws.Path)
	require.Len(t, ws.SymLinks, 2)
	for _, link := range ws.SymLinks {
		assert.Equal(t, run.LinkGitWorktree, link.LinkType)
		target, err := os.Readlink(link.LinkPath)
		require.NoError(t, err)
		assert.Equal(t, f.orch.WorktreePath(f.run.ID, link.SourceID), target)
	}

	assert.NotEmpty(t, exec.SessionID)
	assert.Equal(t, 1, f.agent.SessionCount())

	reports, err := f.repos.Reports.FindByWorkExecutionID(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, filepath.Join(ws.Path, ReportsDir, "task-1.md"), reports[0].Path)
	assert.DirExists(t, filepath.Join(ws.Path, ReportsDir))

	space, err := f.repos.Spaces.FindByWorkflowRunID(ctx, f.run.ID)
	require.NoError(t, err)
	stored, ok := space.WorkSpaceFor(exec.ID)
	require.True(t, ok)
	assert.Len(t, stored.SymLinks, 2)

	again, err := f.orch.ProvisionWorkSpace(ctx, f.run, exec)
	require.NoError(t, err)
	assert.Len(t, again.SymLinks, 2, "links are not duplicated")
	assert.Equal(t, 1, f.agent.SessionCount())
}

func TestProvisionWorkSpace_LinksPriorReports(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	require.NoError(t, f.orch.ProvisionRun(ctx, f.run))

	first := f.materialize(t, 0)
	_, err := f.orch.ProvisionWorkSpace(ctx, f.run, first)
	require.NoError(t, err)
	reports, err := f.repos.Reports.FindByWorkExecutionID(ctx, first.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(reports[0].Path, []byte("# Summary\n"), 0o644))

	second := f.materialize(t, 1)
	ws, err := f.orch.ProvisionWorkSpace(ctx, f.run, second)
	require.NoError(t, err)

	var shared []run.SymLink
	for _, l := range ws.SymLinks {
		if l.LinkType == run.LinkSharedResource {
			shared = append(shared, l)
		}
	}
	require.Len(t, shared, 1)
	assert.Equal(t, filepath.Join(ws.Path, ReportsDir, "work-0", "task-1.md"), shared[0].LinkPath)
	data, err := os.ReadFile(shared[0].LinkPath)
	require.NoError(t, err)
	assert.Equal(t, "# Summary\n", string(data))
}

func TestProvisionWorkSpace_SessionFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	require.NoError(t, f.orch.ProvisionRun(ctx, f.run))
	exec := f.materialize(t, 0)
	f.agent.StartErr = stderrors.New("agent unavailable")

	_, err := f.orch.ProvisionWorkSpace(ctx, f.run, exec)
	require.Error(t, err)

	assert.NoDirExists(t, f.orch.WorkSpacePath(f.run.ID, 0))
	space, err := f.repos.Spaces.FindByWorkflowRunID(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Empty(t, space.WorkSpaces)
	assert.Empty(t, exec.SessionID)
}

func TestRemoveWorkSpaces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	require.NoError(t, f.orch.ProvisionRun(ctx, f.run))

	var execs []*run.WorkExecution
	for seq := 0; seq < 3; seq++ {
		exec := f.materialize(t, seq)
		_, err := f.orch.ProvisionWorkSpace(ctx, f.run, exec)
		require.NoError(t, err)
		execs = append(execs, exec)
	}

	require.NoError(t, f.orch.RemoveWorkSpaces(ctx, f.run.ID, 1))

	assert.DirExists(t, f.orch.WorkSpacePath(f.run.ID, 0))
	assert.NoDirExists(t, f.orch.WorkSpacePath(f.run.ID, 1))
	assert.NoDirExists(t, f.orch.WorkSpacePath(f.run.ID, 2))
	assert.DirExists(t, f.orch.WorktreePath(f.run.ID, "repo-0"), "worktree targets survive")
	assert.ElementsMatch(t, []string{execs[1].ID, execs[2].ID}, f.agent.Deleted())

	space, err := f.repos.Spaces.FindByWorkflowRunID(ctx, f.run.ID)
	require.NoError(t, err)
	require.Len(t, space.WorkSpaces, 1)
	assert.Equal(t, execs[0].ID, space.WorkSpaces[0].WorkExecutionID)

	require.NoError(t, f.orch.RemoveWorkSpaces(ctx, f.run.ID, 1), "nothing left to remove")
	require.NoError(t, f.orch.RemoveWorkSpaces(ctx, "unknown-run", 0))
}

func TestTeardownRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	require.NoError(t, f.orch.ProvisionRun(ctx, f.run))
	exec := f.materialize(t, 0)
	_, err := f.orch.ProvisionWorkSpace(ctx, f.run, exec)
	require.NoError(t, err)

	require.NoError(t, f.orch.TeardownRun(ctx, f.run.ID))

	assert.Equal(t, 0, f.git.WorktreeCount())
	assert.Equal(t, 0, f.agent.SessionCount())
	assert.NoDirExists(t, f.orch.SpaceRoot(f.run.ID))
	assert.NoDirExists(t, filepath.Join(f.root, "worktrees", f.run.ID))

	ok, err := f.repos.Spaces.Exists(ctx, f.run.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	wts, err := f.repos.WorkTrees.FindByWorkflowRunID(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Empty(t, wts)

	require.NoError(t, f.orch.TeardownRun(ctx, f.run.ID), "idempotent")
}
