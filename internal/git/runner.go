package git

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// CommandRunner executes shell commands.
// This interface allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes a command in workDir and returns the trimmed stdout.
	// On failure the returned error is a *CommandError carrying stderr.
	Run(ctx context.Context, workDir string, name string, args ...string) (stdout string, err error)
}

// ExecRunner is the default CommandRunner using exec.CommandContext.
type ExecRunner struct{}

// NewExecRunner creates a new ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command.
func (r *ExecRunner) Run(ctx context.Context, workDir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		return msg, &CommandError{
			Command: name,
			Args:    args,
			WorkDir: workDir,
			Output:  msg,
			Err:     err,
		}
	}

	return strings.TrimSpace(stdout.String()), nil
}

// CommandError represents a command execution error.
type CommandError struct {
	Command string
	Args    []string
	WorkDir string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// GitError wraps a failed git operation with the operation name.
type GitError struct {
	Op   string
	Path string
	Err  error
}

func (e *GitError) Error() string {
	if e.Path != "" {
		return e.Op + " (" + e.Path + "): " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// outputContains reports whether err is a CommandError whose output mentions s.
func outputContains(err error, s string) bool {
	var ce *CommandError
	if !errors.As(err, &ce) {
		return false
	}
	return strings.Contains(strings.ToLower(ce.Output), strings.ToLower(s))
}
