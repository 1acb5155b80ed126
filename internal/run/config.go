package run

import (
	"fmt"
	"sort"

	"github.com/randalmurphal/workrun/internal/errors"
)

// GitRef is a repository a run may operate on.
type GitRef struct {
	ID         string `yaml:"id" json:"id"`
	RepoPath   string `yaml:"repo_path" json:"repo_path"`
	BaseBranch string `yaml:"base_branch" json:"base_branch"`
}

// McpServerRef is an MCP server the agent session may be started with.
type McpServerRef struct {
	ID      string            `yaml:"id" json:"id"`
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// TaskConfig is a single query sent to the agent within a step.
type TaskConfig struct {
	Order int    `yaml:"order" json:"order"`
	Query string `yaml:"query" json:"query"`
	// ReportTitle and ReportOutline, when an outline is set, make the task
	// produce a report file that later steps can reference.
	ReportTitle   string `yaml:"report_title,omitempty" json:"report_title,omitempty"`
	ReportOutline string `yaml:"report_outline,omitempty" json:"report_outline,omitempty"`
}

// WorkNodeConfig configures one step of a run.
type WorkNodeConfig struct {
	Sequence        int          `yaml:"sequence" json:"sequence"`
	Model           string       `yaml:"model,omitempty" json:"model,omitempty"`
	Tasks           []TaskConfig `yaml:"tasks" json:"tasks"`
	GitRefIDs       []string     `yaml:"git_ref_ids,omitempty" json:"git_ref_ids,omitempty"`
	McpServerRefIDs []string     `yaml:"mcp_server_ref_ids,omitempty" json:"mcp_server_ref_ids,omitempty"`
	PauseAfter      bool         `yaml:"pause_after,omitempty" json:"pause_after,omitempty"`
	// ReportRefs are sequences of earlier steps whose reports are linked
	// into this step's workspace.
	ReportRefs []int `yaml:"report_refs,omitempty" json:"report_refs,omitempty"`
}

// HasReports reports whether any task of the step declares a report.
func (c WorkNodeConfig) HasReports() bool {
	for _, t := range c.Tasks {
		if t.ReportOutline != "" {
			return true
		}
	}
	return false
}

func (c WorkNodeConfig) clone() WorkNodeConfig {
	out := c
	out.Tasks = append([]TaskConfig(nil), c.Tasks...)
	out.GitRefIDs = append([]string(nil), c.GitRefIDs...)
	out.McpServerRefIDs = append([]string(nil), c.McpServerRefIDs...)
	out.ReportRefs = append([]int(nil), c.ReportRefs...)
	sort.SliceStable(out.Tasks, func(i, j int) bool { return out.Tasks[i].Order < out.Tasks[j].Order })
	for i := range out.Tasks {
		out.Tasks[i].Order = i
	}
	return out
}

// validateConfig checks a step against the run's pools. seq is the sequence
// the config will occupy.
func validateConfig(cfg WorkNodeConfig, seq int, gitPool []GitRef, mcpPool []McpServerRef) error {
	if len(cfg.Tasks) == 0 {
		return errors.Invariant(fmt.Sprintf("step %d is invalid", seq), "a step needs at least one task")
	}
	for _, t := range cfg.Tasks {
		if t.Query == "" {
			return errors.Invariant(fmt.Sprintf("step %d is invalid", seq), fmt.Sprintf("task %d has an empty query", t.Order))
		}
	}
	for _, id := range cfg.GitRefIDs {
		if !hasGitRef(gitPool, id) {
			return errors.Invariant(fmt.Sprintf("step %d is invalid", seq), fmt.Sprintf("git ref %q is not in the run's pool", id))
		}
	}
	for _, id := range cfg.McpServerRefIDs {
		if !hasMcpRef(mcpPool, id) {
			return errors.Invariant(fmt.Sprintf("step %d is invalid", seq), fmt.Sprintf("mcp server ref %q is not in the run's pool", id))
		}
	}
	for _, ref := range cfg.ReportRefs {
		if ref < 0 || ref >= seq {
			return errors.Invariant(fmt.Sprintf("step %d is invalid", seq), fmt.Sprintf("report ref %d must point at an earlier step", ref))
		}
	}
	return nil
}

func hasGitRef(pool []GitRef, id string) bool {
	for _, r := range pool {
		if r.ID == id {
			return true
		}
	}
	return false
}

func hasMcpRef(pool []McpServerRef, id string) bool {
	for _, r := range pool {
		if r.ID == id {
			return true
		}
	}
	return false
}
