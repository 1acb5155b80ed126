// Package agent implements ports.AgentPort by running the Claude CLI in
// headless mode, one invocation per query, chained into a conversation with
// --session-id and --resume.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/randalmurphal/workrun/internal/errors"
	"github.com/randalmurphal/workrun/internal/ports"
	"github.com/randalmurphal/workrun/internal/run"
	"github.com/randalmurphal/workrun/internal/util"
)

// MCPConfigFile is the MCP config written into a workspace.
const MCPConfigFile = ".workrun-mcp.json"

// Runner executes the CLI. stdout is returned even when err is non-nil.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with exec.CommandContext.
type ExecRunner struct{}

// Run executes the command.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

type session struct {
	info          ports.SessionInfo
	mcpConfigPath string
	// started selects --resume over --session-id.
	started bool
	// confirmed is set once the CLI echoed the session id in this process.
	confirmed bool
}

// ClaudeCLI is an AgentPort backed by the claude binary.
type ClaudeCLI struct {
	claudePath   string
	defaultModel string
	runner       Runner
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

var _ ports.AgentPort = (*ClaudeCLI)(nil)

// Option configures a ClaudeCLI.
type Option func(*ClaudeCLI)

// WithClaudePath sets the path to the claude binary.
func WithClaudePath(path string) Option {
	return func(c *ClaudeCLI) { c.claudePath = path }
}

// WithDefaultModel sets the model used when a step does not name one.
func WithDefaultModel(model string) Option {
	return func(c *ClaudeCLI) { c.defaultModel = model }
}

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(c *ClaudeCLI) { c.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *ClaudeCLI) { c.logger = l }
}

// NewClaudeCLI creates a Claude CLI agent.
func NewClaudeCLI(opts ...Option) *ClaudeCLI {
	c := &ClaudeCLI{
		claudePath: "claude",
		runner:     ExecRunner{},
		sessions:   make(map[string]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// StartSession binds a session to a work execution. Starting a session that
// already exists returns it unchanged.
func (c *ClaudeCLI) StartSession(_ context.Context, p ports.StartSessionParams) (ports.SessionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[p.WorkExecutionID]; ok {
		return s.info, nil
	}

	model := p.Model
	if model == "" {
		model = c.defaultModel
	}
	s := &session{
		info: ports.SessionInfo{
			SessionID:       p.ResumeSessionID,
			IsAssigned:      true,
			WorkExecutionID: p.WorkExecutionID,
			WorkspacePath:   p.WorkspacePath,
			Model:           model,
		},
		started: p.ResumeSessionID != "",
	}
	if s.info.SessionID == "" {
		s.info.SessionID = uuid.NewString()
	}

	if len(p.McpServers) > 0 {
		path, err := writeMCPConfig(p.WorkspacePath, p.McpServers)
		if err != nil {
			return ports.SessionInfo{}, errors.Resource("write MCP config", err)
		}
		s.mcpConfigPath = path
	}

	c.sessions[p.WorkExecutionID] = s
	c.logger.Info("agent session started",
		"execution_id", p.WorkExecutionID,
		"session_id", s.info.SessionID,
		"model", model,
		"resumed", s.started,
	)
	return s.info, nil
}

// SendQuery runs one headless turn of the execution's conversation.
func (c *ClaudeCLI) SendQuery(ctx context.Context, workExecutionID, text string) (ports.QueryResult, error) {
	c.mu.Lock()
	s, ok := c.sessions[workExecutionID]
	var args []string
	if ok {
		args = c.buildArgs(s, text)
	}
	c.mu.Unlock()
	if !ok {
		return ports.QueryResult{}, errors.AgentNonRetryable(
			fmt.Sprintf("no agent session for work execution %s", workExecutionID), nil)
	}

	stdout, stderr, runErr := c.runner.Run(ctx, s.info.WorkspacePath, c.claudePath, args...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ports.QueryResult{}, ctxErr
	}
	if runErr != nil && c.forgetUnknownConversation(s, stdout, stderr) {
		c.logger.Warn("recorded agent session not found, starting it fresh",
			"execution_id", workExecutionID,
			"session_id", s.info.SessionID,
		)
		c.mu.Lock()
		args = c.buildArgs(s, text)
		c.mu.Unlock()
		stdout, stderr, runErr = c.runner.Run(ctx, s.info.WorkspacePath, c.claudePath, args...)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ports.QueryResult{}, ctxErr
		}
	}

	out := string(stdout)
	if gjson.Valid(out) {
		if id := gjson.Get(out, "session_id").String(); id != "" {
			c.markStarted(workExecutionID, id)
		}
	}

	if runErr != nil {
		detail := strings.TrimSpace(string(stderr))
		if detail == "" && gjson.Valid(out) {
			detail = gjson.Get(out, "result").String()
		}
		return ports.QueryResult{}, classify(fmt.Errorf("claude exited: %w: %s", runErr, detail))
	}
	return parseResult(out)
}

func (c *ClaudeCLI) buildArgs(s *session, text string) []string {
	args := []string{"-p", "--output-format", "json", "--dangerously-skip-permissions"}
	if s.info.Model != "" {
		args = append(args, "--model", s.info.Model)
	}
	if s.started {
		args = append(args, "--resume", s.info.SessionID)
	} else {
		args = append(args, "--session-id", s.info.SessionID)
	}
	if s.mcpConfigPath != "" {
		args = append(args, "--mcp-config", s.mcpConfigPath)
	}
	return append(args, text)
}

func (c *ClaudeCLI) markStarted(workExecutionID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[workExecutionID]; ok {
		s.started = true
		s.confirmed = true
		s.info.SessionID = sessionID
	}
}

// forgetUnknownConversation switches a resumed session back to --session-id
// when the CLI has no conversation under the recorded id. A session id is
// recorded before its first query runs, so a query that never reached the
// CLI leaves an id the CLI has not seen.
func (c *ClaudeCLI) forgetUnknownConversation(s *session, stdout, stderr []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !s.started || s.confirmed {
		return false
	}
	msg := strings.ToLower(string(stderr) + " " + string(stdout))
	if !strings.Contains(msg, "no conversation found") {
		return false
	}
	s.started = false
	return true
}

// StopSession releases the session's assignment. Headless sessions have no
// live process, so nothing is killed.
func (c *ClaudeCLI) StopSession(_ context.Context, workExecutionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[workExecutionID]; ok {
		s.info.IsAssigned = false
	}
	return nil
}

// DeleteSession forgets the session and removes its MCP config file.
func (c *ClaudeCLI) DeleteSession(_ context.Context, workExecutionID string) error {
	c.mu.Lock()
	s, ok := c.sessions[workExecutionID]
	delete(c.sessions, workExecutionID)
	c.mu.Unlock()

	if ok && s.mcpConfigPath != "" {
		if err := os.Remove(s.mcpConfigPath); err != nil && !os.IsNotExist(err) {
			return errors.Resource("remove MCP config", err)
		}
	}
	return nil
}

// FindSessionByWorkExecutionID returns the session bound to an execution.
func (c *ClaudeCLI) FindSessionByWorkExecutionID(_ context.Context, workExecutionID string) (ports.SessionInfo, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[workExecutionID]
	if !ok {
		return ports.SessionInfo{}, false, nil
	}
	return s.info, true, nil
}

// parseResult reads the CLI's JSON result envelope.
func parseResult(out string) (ports.QueryResult, error) {
	if !gjson.Valid(out) {
		return ports.QueryResult{}, errors.AgentNonRetryable("unparseable agent response", fmt.Errorf("%.200s", out))
	}
	res := gjson.Parse(out)
	if res.Get("is_error").Bool() || res.Get("subtype").String() == "error" {
		return ports.QueryResult{}, classify(fmt.Errorf("agent error: %s", res.Get("result").String()))
	}
	usage := res.Get("usage")
	tokens := usage.Get("input_tokens").Int() +
		usage.Get("output_tokens").Int() +
		usage.Get("cache_creation_input_tokens").Int() +
		usage.Get("cache_read_input_tokens").Int()
	return ports.QueryResult{
		Response:   res.Get("result").String(),
		TokensUsed: int(tokens),
	}, nil
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"rate limit",
	"timeout",
	"temporary failure",
	"service unavailable",
	"overloaded",
	"too many requests",
	"429",
	"500",
	"503",
	"504",
	"529",
}

// classify maps a failure to a retryable or non-retryable agent error.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return errors.AgentRetryable(err)
		}
	}
	return errors.AgentNonRetryable("agent call failed", err)
}

type mcpServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type mcpConfig struct {
	MCPServers map[string]mcpServerConfig `json:"mcpServers"`
}

func writeMCPConfig(dir string, servers []run.McpServerRef) (string, error) {
	cfg := mcpConfig{MCPServers: make(map[string]mcpServerConfig, len(servers))}
	for _, srv := range servers {
		name := srv.Name
		if name == "" {
			name = srv.ID
		}
		cfg.MCPServers[name] = mcpServerConfig{Command: srv.Command, Args: srv.Args, Env: srv.Env}
	}
	path := filepath.Join(dir, MCPConfigFile)
	if err := util.WriteJSONAtomic(path, cfg, 0o644); err != nil {
		return "", fmt.Errorf("write MCP config to %s: %w", path, err)
	}
	return path, nil
}
