package pipeline

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/workrun/internal/checkpoint"
	"github.com/randalmurphal/workrun/internal/errors"
	"github.com/randalmurphal/workrun/internal/events"
	"github.com/randalmurphal/workrun/internal/fsys"
	"github.com/randalmurphal/workrun/internal/ports"
	"github.com/randalmurphal/workrun/internal/resource"
	"github.com/randalmurphal/workrun/internal/run"
	"github.com/randalmurphal/workrun/internal/storage"
	"github.com/randalmurphal/workrun/internal/testutil"
)

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Factor: 2}

type fixture struct {
	engine *Engine
	repos  ports.Repositories
	agent  *testutil.FakeAgent
	git    *testutil.FakeGit
	rec    *events.Recorder
	runID  string
}

func newFixture(t *testing.T, params run.NewRunParams) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	repos := storage.NewMemoryStore().Repositories()
	git := testutil.NewFakeGit()
	agent := testutil.NewFakeAgent()
	orch := resource.New(repos, git, fsys.New(), agent, resource.Config{
		WorkspaceRoot: filepath.Join(root, "spaces"),
		WorktreeDir:   filepath.Join(root, "worktrees"),
	})
	rec := events.NewRecorder(events.NopPublisher{})
	cps := checkpoint.New(repos, git, orch)
	engine := NewEngine(repos, agent, orch, cps, WithPublisher(rec), WithRetryPolicy(fastRetry))

	r, err := run.NewWorkflowRun(params)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	require.NoError(t, repos.Runs.Save(ctx, r))
	require.NoError(t, orch.ProvisionRun(ctx, r))

	return &fixture{engine: engine, repos: repos, agent: agent, git: git, rec: rec, runID: r.ID}
}

func (f *fixture) load(t *testing.T) *run.WorkflowRun {
	t.Helper()
	r, err := f.repos.Runs.FindByID(context.Background(), f.runID)
	require.NoError(t, err)
	return r
}

func (f *fixture) execution(t *testing.T, seq int) *run.WorkExecution {
	t.Helper()
	r := f.load(t)
	require.Greater(t, len(r.WorkExecutionIDs), seq)
	exec, err := f.repos.Executions.FindByID(context.Background(), r.WorkExecutionIDs[seq])
	require.NoError(t, err)
	return exec
}

func (f *fixture) failedEvent(t *testing.T) events.ExecutionFailed {
	t.Helper()
	for _, ev := range f.rec.Events() {
		if p, ok := ev.Payload.(events.ExecutionFailed); ok {
			return p
		}
	}
	t.Fatal("no ExecutionFailed event")
	return events.ExecutionFailed{}
}

func TestEngine_RunsToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.RunParams("wf", 2, testutil.GitRefs(2)...))

	require.NoError(t, f.engine.Run(ctx, f.runID))

	r := f.load(t)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, 2, r.CurrentWorkIndex)
	require.Len(t, r.WorkExecutionIDs, 2)

	for seq := 0; seq < 2; seq++ {
		exec := f.execution(t, seq)
		assert.True(t, exec.IsCompleted)
		assert.NotEmpty(t, exec.SessionID)
		for _, task := range exec.Tasks {
			assert.Equal(t, run.TaskCompleted, task.Status)
			assert.Equal(t, "ok", task.Response)
		}
		assert.Equal(t, 20, exec.TokensUsed())
	}

	cps, err := f.repos.Checkpoints.FindByWorkflowRunID(ctx, f.runID)
	require.NoError(t, err)
	assert.Len(t, cps, 2)

	queries := f.agent.Queries()
	require.Len(t, queries, 4)
	assert.Equal(t, "step 0: investigate", queries[0].Text)
	assert.Contains(t, queries[1].Text, "step 0: summarize")
	assert.Contains(t, queries[1].Text, `"Summary"`)
	assert.Contains(t, queries[1].Text, filepath.Join("work-0", resource.ReportsDir, "task-1.md"))
	assert.Contains(t, queries[1].Text, "## Findings")

	assert.Equal(t, []events.Kind{
		events.KindExecutionStarted,
		events.KindExecutionCompleted,
		events.KindCheckpointCreated,
		events.KindExecutionStarted,
		events.KindExecutionCompleted,
		events.KindCheckpointCreated,
		events.KindRunCompleted,
	}, f.rec.Kinds())
}

func TestEngine_PauseAfterAwaits(t *testing.T) {
	params := testutil.RunParams("wf", 2, testutil.GitRefs(1)...)
	params.WorkNodeConfigs[0].PauseAfter = true
	f := newFixture(t, params)

	require.NoError(t, f.engine.Run(context.Background(), f.runID))

	r := f.load(t)
	assert.Equal(t, run.StatusAwaiting, r.Status)
	assert.Equal(t, 1, r.CurrentWorkIndex)
	assert.Len(t, f.agent.Queries(), 2)
	assert.Contains(t, f.rec.Kinds(), events.KindRunAwaiting)
}

func TestEngine_PauseAfterLastStepCompletes(t *testing.T) {
	params := testutil.RunParams("wf", 1, testutil.GitRefs(1)...)
	params.WorkNodeConfigs[0].PauseAfter = true
	f := newFixture(t, params)

	require.NoError(t, f.engine.Run(context.Background(), f.runID))
	assert.Equal(t, run.StatusCompleted, f.load(t).Status)
}

func TestEngine_RetriesRetryableErrors(t *testing.T) {
	f := newFixture(t, testutil.RunParams("wf", 1, testutil.GitRefs(1)...))
	f.agent.Respond = func(_ testutil.Query, call int) (ports.QueryResult, error) {
		if call <= 2 {
			return ports.QueryResult{}, errors.AgentRetryable(stderrors.New("429 too many requests"))
		}
		return ports.QueryResult{Response: "done", TokensUsed: 5}, nil
	}

	require.NoError(t, f.engine.Run(context.Background(), f.runID))

	assert.Equal(t, run.StatusCompleted, f.load(t).Status)
	assert.Len(t, f.agent.Queries(), 4, "two failures, then both tasks")
	exec := f.execution(t, 0)
	assert.Empty(t, exec.Tasks[0].Error)
	assert.Equal(t, "done", exec.Tasks[0].Response)
}

func TestEngine_ExhaustedRetriesPausesRun(t *testing.T) {
	f := newFixture(t, testutil.RunParams("wf", 2, testutil.GitRefs(1)...))
	f.agent.Respond = func(testutil.Query, int) (ports.QueryResult, error) {
		return ports.QueryResult{}, errors.AgentRetryable(stderrors.New("overloaded"))
	}

	require.NoError(t, f.engine.Run(context.Background(), f.runID), "failure does not reach the trigger")

	r := f.load(t)
	assert.Equal(t, run.StatusPaused, r.Status)
	assert.Equal(t, 0, r.CurrentWorkIndex)
	assert.Len(t, f.agent.Queries(), 3)

	exec := f.execution(t, 0)
	assert.False(t, exec.IsCompleted)
	assert.Equal(t, run.TaskInProgress, exec.Tasks[0].Status, "task stays resumable")
	assert.Contains(t, exec.Tasks[0].Error, "after 3 attempts")

	assert.Equal(t, []events.Kind{
		events.KindExecutionStarted,
		events.KindExecutionFailed,
		events.KindRunPaused,
	}, f.rec.Kinds())
	failed := f.failedEvent(t)
	assert.Equal(t, 3, failed.Attempts)
	assert.True(t, failed.Retryable)
	assert.Equal(t, 0, failed.TaskOrder)

	cps, err := f.repos.Checkpoints.FindByWorkflowRunID(context.Background(), f.runID)
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestEngine_NonRetryableFailsImmediately(t *testing.T) {
	f := newFixture(t, testutil.RunParams("wf", 1, testutil.GitRefs(1)...))
	f.agent.Respond = func(testutil.Query, int) (ports.QueryResult, error) {
		return ports.QueryResult{}, errors.AgentNonRetryable("invalid model", nil)
	}

	require.NoError(t, f.engine.Run(context.Background(), f.runID))

	assert.Equal(t, run.StatusPaused, f.load(t).Status)
	assert.Len(t, f.agent.Queries(), 1)
	failed := f.failedEvent(t)
	assert.Equal(t, 1, failed.Attempts)
	assert.False(t, failed.Retryable)
}

func TestEngine_ResumeRetriesFailedTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.RunParams("wf", 1, testutil.GitRefs(1)...))
	f.agent.Respond = func(_ testutil.Query, call int) (ports.QueryResult, error) {
		if call == 1 {
			return ports.QueryResult{}, errors.AgentNonRetryable("rejected", nil)
		}
		return ports.QueryResult{Response: "ok", TokensUsed: 1}, nil
	}
	require.NoError(t, f.engine.Run(ctx, f.runID))
	first := f.execution(t, 0)

	r := f.load(t)
	require.NoError(t, r.Resume())
	require.NoError(t, f.repos.Runs.Save(ctx, r))
	require.NoError(t, f.engine.Run(ctx, f.runID))

	assert.Equal(t, run.StatusCompleted, f.load(t).Status)
	exec := f.execution(t, 0)
	assert.Equal(t, first.ID, exec.ID, "execution is reused")
	assert.Equal(t, run.TaskCompleted, exec.Tasks[0].Status)
	assert.Empty(t, exec.Tasks[0].Error)

	queries := f.agent.Queries()
	require.Len(t, queries, 3)
	assert.Equal(t, queries[0].Text, queries[1].Text)
}

func TestEngine_StopsWhenPausedElsewhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.RunParams("wf", 2, testutil.GitRefs(1)...))
	f.agent.Respond = func(testutil.Query, int) (ports.QueryResult, error) {
		r, err := f.repos.Runs.FindByID(ctx, f.runID)
		if err == nil && r.Status == run.StatusRunning {
			_ = r.Pause("operator")
			_ = f.repos.Runs.Save(ctx, r)
		}
		return ports.QueryResult{Response: "ok", TokensUsed: 1}, nil
	}

	require.NoError(t, f.engine.Run(ctx, f.runID))

	r := f.load(t)
	assert.Equal(t, run.StatusPaused, r.Status)
	assert.Len(t, f.agent.Queries(), 1)
	exec := f.execution(t, 0)
	assert.Equal(t, run.TaskCompleted, exec.Tasks[0].Status, "in-flight task is recorded")
	assert.Equal(t, run.TaskPending, exec.Tasks[1].Status)
}

func TestEngine_CompletedStepAdvancesAfterConflict(t *testing.T) {
	ctx := context.Background()
	params := testutil.RunParams("wf", 2, testutil.GitRefs(1)...)
	params.WorkNodeConfigs[0].Tasks = params.WorkNodeConfigs[0].Tasks[:1]
	f := newFixture(t, params)
	edited := false
	f.agent.Respond = func(testutil.Query, int) (ports.QueryResult, error) {
		if !edited {
			edited = true
			r, err := f.repos.Runs.FindByID(ctx, f.runID)
			require.NoError(t, err)
			cfg, _ := r.WorkNodeConfig(1)
			cfg.Model = "opus"
			require.NoError(t, r.UpdateWorkNodeConfig(1, cfg))
			require.NoError(t, f.repos.Runs.Save(ctx, r))
		}
		return ports.QueryResult{Response: "ok", TokensUsed: 1}, nil
	}

	require.NoError(t, f.engine.Run(ctx, f.runID))

	r := f.load(t)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, "opus", r.WorkNodeConfigs[1].Model)
	assert.Len(t, f.agent.Queries(), 3, "the completed step is not re-run")
}

func TestEngine_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, testutil.RunParams("wf", 1, testutil.GitRefs(1)...))
	f.agent.Respond = func(testutil.Query, int) (ports.QueryResult, error) {
		cancel()
		return ports.QueryResult{}, context.Canceled
	}

	err := f.engine.Run(ctx, f.runID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, run.StatusRunning, f.load(t).Status)
	assert.Len(t, f.agent.Queries(), 1)
}

func TestEngine_ProvisionFailurePausesRun(t *testing.T) {
	f := newFixture(t, testutil.RunParams("wf", 1, testutil.GitRefs(1)...))
	f.agent.StartErr = stderrors.New("agent unavailable")

	require.NoError(t, f.engine.Run(context.Background(), f.runID))

	assert.Equal(t, run.StatusPaused, f.load(t).Status)
	assert.Empty(t, f.agent.Queries())
	failed := f.failedEvent(t)
	assert.Equal(t, 0, failed.Attempts)
	assert.Contains(t, failed.Error, "agent unavailable")
}

func TestEngine_NotRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.RunParams("wf", 1, testutil.GitRefs(1)...))
	r := f.load(t)
	require.NoError(t, r.Pause("hold"))
	require.NoError(t, f.repos.Runs.Save(ctx, r))

	require.NoError(t, f.engine.Run(ctx, f.runID))
	assert.Empty(t, f.agent.Queries())
	assert.Empty(t, f.rec.Events())
}

func TestEngine_UnknownRun(t *testing.T) {
	f := newFixture(t, testutil.RunParams("wf", 1, testutil.GitRefs(1)...))
	err := f.engine.Run(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestEngine_RendersQueryVariables(t *testing.T) {
	params := testutil.RunParams("wf", 1, testutil.GitRefs(1)...)
	params.SeedValues = map[string]string{"ticket": "PROJ-5"}
	params.WorkNodeConfigs[0].Tasks[0].Query = "step 0: look at {{TICKET}} ({{ISSUE_KEY}}, step {{STEP}}/{{STEP_COUNT}}) {{UNKNOWN}}"
	f := newFixture(t, params)

	require.NoError(t, f.engine.Run(context.Background(), f.runID))

	queries := f.agent.Queries()
	require.NotEmpty(t, queries)
	assert.Equal(t, "step 0: look at PROJ-5 (ISSUE-1, step 0/1) {{UNKNOWN}}", queries[0].Text)
}
