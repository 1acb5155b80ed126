// Package config provides configuration management for workrun.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/workrun/internal/errors"
	"github.com/randalmurphal/workrun/internal/util"
)

const (
	// ConfigFileName is the default config file name
	ConfigFileName = "config.yaml"
	// WorkrunDir is the workrun configuration directory
	WorkrunDir = ".workrun"
)

// WorkspaceConfig locates run resources on disk.
type WorkspaceConfig struct {
	// Root holds one workflow space per run.
	Root string `yaml:"root"`
	// WorktreeDir holds the git worktrees of every run.
	WorktreeDir string `yaml:"worktree_dir"`
	// BranchPrefix starts every branch a run creates.
	BranchPrefix string `yaml:"branch_prefix"`
}

// DatabaseConfig selects the store backing the repositories.
type DatabaseConfig struct {
	// Dialect is "sqlite", "postgres" or "memory".
	Dialect string `yaml:"dialect"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `yaml:"dsn"`
}

// RetryConfig controls agent query retries.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Factor         float64       `yaml:"factor"`
}

// DispatcherConfig controls how many runs are driven at once and how runs are
// leased between processes.
type DispatcherConfig struct {
	Workers int `yaml:"workers"`
	// LeaseMode is "memory" for a single process or "file" to share leases
	// through LeaseDir.
	LeaseMode string        `yaml:"lease_mode"`
	LeaseDir  string        `yaml:"lease_dir"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// AgentConfig configures the Claude CLI adapter.
type AgentConfig struct {
	ClaudePath   string `yaml:"claude_path"`
	DefaultModel string `yaml:"default_model"`
}

// RetentionConfig controls the sweeper deleting old terminal runs.
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "text", "json" or "auto" (text on a terminal, json otherwise).
	Format string `yaml:"format"`
}

// Config represents the workrun configuration.
type Config struct {
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Database   DatabaseConfig   `yaml:"database"`
	Retry      RetryConfig      `yaml:"retry"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Agent      AgentConfig      `yaml:"agent"`
	Retention  RetentionConfig  `yaml:"retention"`
	Log        LogConfig        `yaml:"log"`
}

// HomeDir returns ~/.workrun, or .workrun when the home directory is unknown.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return WorkrunDir
	}
	return filepath.Join(home, WorkrunDir)
}

// Default returns the default configuration.
func Default() *Config {
	base := HomeDir()
	return &Config{
		Workspace: WorkspaceConfig{
			Root:         filepath.Join(base, "spaces"),
			WorktreeDir:  filepath.Join(base, "worktrees"),
			BranchPrefix: "workrun",
		},
		Database: DatabaseConfig{
			Dialect: "sqlite",
			DSN:     filepath.Join(base, "workrun.db"),
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			Factor:         2.0,
		},
		Dispatcher: DispatcherConfig{
			Workers:   4,
			LeaseMode: "file",
			LeaseDir:  filepath.Join(base, "leases"),
			Heartbeat: 10 * time.Second,
		},
		Agent: AgentConfig{
			ClaudePath:   "claude",
			DefaultModel: "sonnet",
		},
		Retention: RetentionConfig{
			Schedule: "0 3 * * *",
			MaxAge:   30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Dialect {
	case "sqlite", "postgres", "memory":
	default:
		return errors.ConfigInvalid("database.dialect", fmt.Sprintf("unknown dialect %q (want sqlite, postgres or memory)", c.Database.Dialect))
	}
	if c.Database.Dialect != "memory" && c.Database.DSN == "" {
		return errors.ConfigInvalid("database.dsn", "a dsn is required for "+c.Database.Dialect)
	}
	if c.Workspace.Root == "" {
		return errors.ConfigInvalid("workspace.root", "must not be empty")
	}
	if c.Workspace.WorktreeDir == "" {
		return errors.ConfigInvalid("workspace.worktree_dir", "must not be empty")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.ConfigInvalid("retry.max_attempts", "must be at least 1")
	}
	if c.Retry.InitialBackoff < 0 {
		return errors.ConfigInvalid("retry.initial_backoff", "must not be negative")
	}
	if c.Retry.Factor < 1 {
		return errors.ConfigInvalid("retry.factor", "must be at least 1")
	}
	if c.Dispatcher.Workers < 1 {
		return errors.ConfigInvalid("dispatcher.workers", "must be at least 1")
	}
	switch c.Dispatcher.LeaseMode {
	case "memory":
	case "file":
		if c.Dispatcher.LeaseDir == "" {
			return errors.ConfigInvalid("dispatcher.lease_dir", "required when lease_mode is file")
		}
	default:
		return errors.ConfigInvalid("dispatcher.lease_mode", fmt.Sprintf("unknown mode %q (want memory or file)", c.Dispatcher.LeaseMode))
	}
	if c.Dispatcher.Heartbeat <= 0 {
		return errors.ConfigInvalid("dispatcher.heartbeat", "must be positive")
	}
	if c.Retention.Enabled && c.Retention.MaxAge <= 0 {
		return errors.ConfigInvalid("retention.max_age", "must be positive when retention is enabled")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.ConfigInvalid("log.level", fmt.Sprintf("unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return errors.ConfigInvalid("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}
	return nil
}

// SaveTo saves the config to a specific path.
func (c *Config) SaveTo(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := util.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Init writes the default configuration to <dir>/.workrun/config.yaml.
func Init(dir string, force bool) (string, error) {
	path := filepath.Join(dir, WorkrunDir, ConfigFileName)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := Default().SaveTo(path); err != nil {
		return "", err
	}
	return path, nil
}

// Values returns every config value keyed by dotted path, formatted as it
// would appear in a config file.
func (c *Config) Values() (map[string]string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	out := make(map[string]string)
	flatten("", raw, out)
	return out, nil
}

// GetValue returns the value at a dotted path such as "retry.max_attempts".
func (c *Config) GetValue(path string) (string, error) {
	values, err := c.Values()
	if err != nil {
		return "", err
	}
	v, ok := values[path]
	if !ok {
		return "", fmt.Errorf("unknown config path %q", path)
	}
	return v, nil
}

func flatten(prefix string, raw map[string]any, out map[string]string) {
	for k, v := range raw {
		p := k
		if prefix != "" {
			p = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(p, nested, out)
			continue
		}
		out[p] = fmt.Sprint(v)
	}
}
