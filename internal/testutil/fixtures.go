package testutil

import (
	"fmt"

	"github.com/randalmurphal/workrun/internal/run"
)

// RunParams builds params for a run with the given number of steps. Every
// step uses all git refs and has two tasks, the second producing a report;
// each step after the first links the previous step's reports.
func RunParams(workflowID string, steps int, refs ...run.GitRef) run.NewRunParams {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}
	configs := make([]run.WorkNodeConfig, 0, steps)
	for i := 0; i < steps; i++ {
		cfg := run.WorkNodeConfig{
			Model: "sonnet",
			Tasks: []run.TaskConfig{
				{Order: 0, Query: fmt.Sprintf("step %d: investigate", i)},
				{Order: 1, Query: fmt.Sprintf("step %d: summarize", i), ReportTitle: "Summary", ReportOutline: "## Findings"},
			},
			GitRefIDs: ids,
		}
		if i > 0 {
			cfg.ReportRefs = []int{i - 1}
		}
		configs = append(configs, cfg)
	}
	return run.NewRunParams{
		WorkflowID:      workflowID,
		IssueKey:        "ISSUE-1",
		GitRefPool:      refs,
		WorkNodeConfigs: configs,
	}
}

// GitRefs returns n git refs named repo-0..repo-n-1.
func GitRefs(n int) []run.GitRef {
	refs := make([]run.GitRef, 0, n)
	for i := 0; i < n; i++ {
		refs = append(refs, run.GitRef{
			ID:         fmt.Sprintf("repo-%d", i),
			RepoPath:   fmt.Sprintf("/src/repo-%d", i),
			BaseBranch: "main",
		})
	}
	return refs
}
