package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/workrun/internal/errors"
)

// EnvVarMapping defines the mapping between environment variables and config paths.
var EnvVarMapping = map[string]string{
	"WORKRUN_WORKSPACE_ROOT":     "workspace.root",
	"WORKRUN_WORKTREE_DIR":       "workspace.worktree_dir",
	"WORKRUN_BRANCH_PREFIX":      "workspace.branch_prefix",
	"WORKRUN_DB_DIALECT":         "database.dialect",
	"WORKRUN_DB_DSN":             "database.dsn",
	"WORKRUN_RETRY_MAX_ATTEMPTS": "retry.max_attempts",
	"WORKRUN_RETRY_BACKOFF":      "retry.initial_backoff",
	"WORKRUN_RETRY_FACTOR":       "retry.factor",
	"WORKRUN_WORKERS":            "dispatcher.workers",
	"WORKRUN_LEASE_MODE":         "dispatcher.lease_mode",
	"WORKRUN_LEASE_DIR":          "dispatcher.lease_dir",
	"WORKRUN_HEARTBEAT":          "dispatcher.heartbeat",
	"WORKRUN_CLAUDE_PATH":        "agent.claude_path",
	"WORKRUN_MODEL":              "agent.default_model",
	"WORKRUN_RETENTION_ENABLED":  "retention.enabled",
	"WORKRUN_RETENTION_SCHEDULE": "retention.schedule",
	"WORKRUN_RETENTION_MAX_AGE":  "retention.max_age",
	"WORKRUN_LOG_LEVEL":          "log.level",
	"WORKRUN_LOG_FORMAT":         "log.format",
}

// ApplyEnvVars applies environment variable overrides to a TrackedConfig.
// Returns the paths that were overridden, or an error naming the first
// variable whose value cannot be parsed.
func ApplyEnvVars(tc *TrackedConfig) ([]string, error) {
	names := make([]string, 0, len(EnvVarMapping))
	for name := range EnvVarMapping {
		names = append(names, name)
	}
	sort.Strings(names)

	var overridden []string
	for _, envVar := range names {
		value := os.Getenv(envVar)
		if value == "" {
			continue
		}
		configPath := EnvVarMapping[envVar]
		if err := Set(tc.Config, configPath, value); err != nil {
			return nil, errors.ConfigInvalid(envVar, err.Error())
		}
		tc.SetSource(configPath, SourceEnv)
		overridden = append(overridden, configPath)
	}
	return overridden, nil
}

// Set assigns a string value to the config field at a dotted path.
func Set(cfg *Config, path, value string) error {
	switch path {
	case "workspace.root":
		cfg.Workspace.Root = value
	case "workspace.worktree_dir":
		cfg.Workspace.WorktreeDir = value
	case "workspace.branch_prefix":
		cfg.Workspace.BranchPrefix = value
	case "database.dialect":
		cfg.Database.Dialect = value
	case "database.dsn":
		cfg.Database.DSN = value
	case "retry.max_attempts":
		return setInt(&cfg.Retry.MaxAttempts, value)
	case "retry.initial_backoff":
		return setDuration(&cfg.Retry.InitialBackoff, value)
	case "retry.factor":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%q is not a number", value)
		}
		cfg.Retry.Factor = v
	case "dispatcher.workers":
		return setInt(&cfg.Dispatcher.Workers, value)
	case "dispatcher.lease_mode":
		cfg.Dispatcher.LeaseMode = value
	case "dispatcher.lease_dir":
		cfg.Dispatcher.LeaseDir = value
	case "dispatcher.heartbeat":
		return setDuration(&cfg.Dispatcher.Heartbeat, value)
	case "agent.claude_path":
		cfg.Agent.ClaudePath = value
	case "agent.default_model":
		cfg.Agent.DefaultModel = value
	case "retention.enabled":
		cfg.Retention.Enabled = parseBool(value)
	case "retention.schedule":
		cfg.Retention.Schedule = value
	case "retention.max_age":
		return setDuration(&cfg.Retention.MaxAge, value)
	case "log.level":
		cfg.Log.Level = strings.ToLower(value)
	case "log.format":
		cfg.Log.Format = strings.ToLower(value)
	default:
		return fmt.Errorf("unknown config path %q", path)
	}
	return nil
}

func setInt(dst *int, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%q is not an integer", value)
	}
	*dst = v
	return nil
}

func setDuration(dst *time.Duration, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%q is not a duration", value)
	}
	*dst = d
	return nil
}

// parseBool parses a boolean string (case-insensitive).
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
