package agent

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/randalmurphal/workrun/internal/errors"
	"github.com/randalmurphal/workrun/internal/ports"
	"github.com/randalmurphal/workrun/internal/run"
)

type call struct {
	dir  string
	name string
	args []string
}

type fakeRunner struct {
	calls  []call
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, call{dir: dir, name: name, args: args})
	return []byte(f.stdout), []byte(f.stderr), f.err
}

const okResult = `{"type":"result","subtype":"success","is_error":false,"result":"done","session_id":"sess-1",
"usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":3}}`

func TestClaudeCLI_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	runner := &fakeRunner{stdout: okResult}
	c := NewClaudeCLI(WithRunner(runner), WithClaudePath("/bin/claude"), WithDefaultModel("sonnet"))

	info, err := c.StartSession(ctx, ports.StartSessionParams{
		WorkExecutionID: "exec-1",
		WorkspacePath:   dir,
		McpServers:      []run.McpServerRef{{ID: "fs", Name: "files", Command: "mcp-fs", Args: []string{"--root", "."}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "sonnet", info.Model)
	assert.True(t, info.IsAssigned)
	assert.NotEmpty(t, info.SessionID)

	again, err := c.StartSession(ctx, ports.StartSessionParams{WorkExecutionID: "exec-1", Model: "opus"})
	require.NoError(t, err)
	assert.Equal(t, info, again, "starting twice is idempotent")

	mcpPath := filepath.Join(dir, MCPConfigFile)
	data, err := os.ReadFile(mcpPath)
	require.NoError(t, err)
	assert.Equal(t, "mcp-fs", gjson.GetBytes(data, "mcpServers.files.command").String())

	res, err := c.SendQuery(ctx, "exec-1", "first")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Response)
	assert.Equal(t, 18, res.TokensUsed)

	_, err = c.SendQuery(ctx, "exec-1", "second")
	require.NoError(t, err)

	require.Len(t, runner.calls, 2)
	first, second := runner.calls[0], runner.calls[1]
	assert.Equal(t, "/bin/claude", first.name)
	assert.Equal(t, dir, first.dir)
	assert.Contains(t, first.args, "--session-id")
	assert.Contains(t, first.args, "--mcp-config")
	assert.Equal(t, "first", first.args[len(first.args)-1])
	assert.Contains(t, second.args, "--resume")
	assert.Contains(t, second.args, "sess-1")

	found, ok, err := c.FindSessionByWorkExecutionID(ctx, "exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sess-1", found.SessionID)

	require.NoError(t, c.StopSession(ctx, "exec-1"))
	found, _, _ = c.FindSessionByWorkExecutionID(ctx, "exec-1")
	assert.False(t, found.IsAssigned)

	require.NoError(t, c.DeleteSession(ctx, "exec-1"))
	_, ok, err = c.FindSessionByWorkExecutionID(ctx, "exec-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoFileExists(t, mcpPath)
	require.NoError(t, c.DeleteSession(ctx, "exec-1"))
}

func TestClaudeCLI_ResumeSessionID(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{stdout: okResult}
	c := NewClaudeCLI(WithRunner(runner))

	_, err := c.StartSession(ctx, ports.StartSessionParams{
		WorkExecutionID: "exec-1",
		WorkspacePath:   t.TempDir(),
		ResumeSessionID: "earlier",
	})
	require.NoError(t, err)
	_, err = c.SendQuery(ctx, "exec-1", "continue")
	require.NoError(t, err)

	assert.Contains(t, runner.calls[0].args, "--resume")
	assert.Contains(t, runner.calls[0].args, "earlier")
	assert.NotContains(t, runner.calls[0].args, "--mcp-config")
}

// scriptedRunner returns one canned response per call, repeating the last.
type scriptedRunner struct {
	calls     []call
	responses []fakeRunner
}

func (f *scriptedRunner) Run(_ context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, call{dir: dir, name: name, args: args})
	r := f.responses[min(len(f.calls), len(f.responses))-1]
	return []byte(r.stdout), []byte(r.stderr), r.err
}

func TestClaudeCLI_ResumeUnknownConversationStartsFresh(t *testing.T) {
	ctx := context.Background()
	runner := &scriptedRunner{responses: []fakeRunner{
		{stderr: "No conversation found with session ID: never-ran", err: stderrors.New("exit status 1")},
		{stdout: okResult},
	}}
	c := NewClaudeCLI(WithRunner(runner))

	_, err := c.StartSession(ctx, ports.StartSessionParams{
		WorkExecutionID: "exec-1",
		WorkspacePath:   t.TempDir(),
		ResumeSessionID: "never-ran",
	})
	require.NoError(t, err)

	res, err := c.SendQuery(ctx, "exec-1", "first")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Response)

	require.Len(t, runner.calls, 2)
	assert.Contains(t, runner.calls[0].args, "--resume")
	assert.Contains(t, runner.calls[1].args, "--session-id")
	assert.Contains(t, runner.calls[1].args, "never-ran")
	assert.NotContains(t, runner.calls[1].args, "--resume")

	_, err = c.SendQuery(ctx, "exec-1", "second")
	require.NoError(t, err)
	assert.Contains(t, runner.calls[2].args, "--resume")
	assert.Contains(t, runner.calls[2].args, "sess-1")
}

func TestClaudeCLI_ConfirmedSessionIsNotRestarted(t *testing.T) {
	ctx := context.Background()
	runner := &scriptedRunner{responses: []fakeRunner{
		{stdout: okResult},
		{stderr: "No conversation found with session ID: sess-1", err: stderrors.New("exit status 1")},
	}}
	c := NewClaudeCLI(WithRunner(runner))

	_, err := c.StartSession(ctx, ports.StartSessionParams{WorkExecutionID: "exec-1", WorkspacePath: t.TempDir()})
	require.NoError(t, err)
	_, err = c.SendQuery(ctx, "exec-1", "first")
	require.NoError(t, err)

	_, err = c.SendQuery(ctx, "exec-1", "second")
	assert.ErrorIs(t, err, errors.ErrAgentNonRetryable)
	assert.Len(t, runner.calls, 2)
}

func TestClaudeCLI_SendQueryWithoutSession(t *testing.T) {
	c := NewClaudeCLI(WithRunner(&fakeRunner{}))
	_, err := c.SendQuery(context.Background(), "missing", "hi")
	assert.ErrorIs(t, err, errors.ErrAgentNonRetryable)
}

func TestClaudeCLI_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
		want   error
	}{
		{
			name:   "rate limited exit",
			runner: &fakeRunner{stderr: "API Error: 429 Too Many Requests", err: stderrors.New("exit status 1")},
			want:   errors.ErrAgentRetryable,
		},
		{
			name:   "overloaded result",
			runner: &fakeRunner{stdout: `{"is_error":true,"result":"Overloaded"}`},
			want:   errors.ErrAgentRetryable,
		},
		{
			name:   "invalid model",
			runner: &fakeRunner{stderr: "invalid model name", err: stderrors.New("exit status 1")},
			want:   errors.ErrAgentNonRetryable,
		},
		{
			name:   "garbage output",
			runner: &fakeRunner{stdout: "not json"},
			want:   errors.ErrAgentNonRetryable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c := NewClaudeCLI(WithRunner(tt.runner))
			_, err := c.StartSession(ctx, ports.StartSessionParams{WorkExecutionID: "e", WorkspacePath: t.TempDir()})
			require.NoError(t, err)

			_, err = c.SendQuery(ctx, "e", "q")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClaudeCLI_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewClaudeCLI(WithRunner(&fakeRunner{err: stderrors.New("signal: killed")}))
	_, err := c.StartSession(ctx, ports.StartSessionParams{WorkExecutionID: "e", WorkspacePath: t.TempDir()})
	require.NoError(t, err)

	cancel()
	_, err = c.SendQuery(ctx, "e", "q")
	assert.ErrorIs(t, err, context.Canceled)
}
