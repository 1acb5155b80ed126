package run

import (
	"sort"
	"strconv"
	"time"
)

// Report is a file produced by a task that declared a report outline.
type Report struct {
	ID              string    `json:"id"`
	WorkflowRunID   string    `json:"workflow_run_id"`
	WorkExecutionID string    `json:"work_execution_id"`
	TaskExecutionID string    `json:"task_execution_id"`
	Sequence        int       `json:"sequence"`
	TaskOrder       int       `json:"task_order"`
	Title           string    `json:"title,omitempty"`
	Outline         string    `json:"outline"`
	Path            string    `json:"path,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// FileName is the report's file name inside a workspace reports directory.
func (r *Report) FileName() string {
	return "task-" + strconv.Itoa(r.TaskOrder) + ".md"
}

// WorkTree is the git worktree of one git ref for one run.
type WorkTree struct {
	GitID         string    `json:"git_id"`
	WorkflowRunID string    `json:"workflow_run_id"`
	RepoPath      string    `json:"repo_path"`
	Path          string    `json:"path"`
	BranchName    string    `json:"branch_name"`
	CreatedAt     time.Time `json:"created_at"`
}

// LinkType says what a workspace symlink points at.
type LinkType string

const (
	LinkGitWorktree    LinkType = "GIT_WORKTREE"
	LinkSharedResource LinkType = "SHARED_RESOURCE"
)

// SymLink is a link created inside a workspace.
type SymLink struct {
	LinkType   LinkType `json:"link_type"`
	SourceID   string   `json:"source_id"`
	TargetPath string   `json:"target_path"`
	LinkPath   string   `json:"link_path"`
}

// WorkSpace is the directory one work execution runs in.
type WorkSpace struct {
	WorkExecutionID string    `json:"work_execution_id"`
	Sequence        int       `json:"sequence"`
	Path            string    `json:"path"`
	SymLinks        []SymLink `json:"symlinks,omitempty"`
}

// HasLink reports whether a link at linkPath was already recorded.
func (w *WorkSpace) HasLink(linkPath string) bool {
	for _, l := range w.SymLinks {
		if l.LinkPath == linkPath {
			return true
		}
	}
	return false
}

// WorkflowSpace is the root directory of a run and its per-step workspaces.
type WorkflowSpace struct {
	WorkflowRunID string      `json:"workflow_run_id"`
	RootPath      string      `json:"root_path"`
	WorkSpaces    []WorkSpace `json:"work_spaces"`
	CreatedAt     time.Time   `json:"created_at"`
}

// WorkSpaceFor returns the workspace of an execution.
func (s *WorkflowSpace) WorkSpaceFor(executionID string) (*WorkSpace, bool) {
	for i := range s.WorkSpaces {
		if s.WorkSpaces[i].WorkExecutionID == executionID {
			return &s.WorkSpaces[i], true
		}
	}
	return nil, false
}

// PutWorkSpace inserts a workspace or replaces the one of the same step,
// keeping them ordered by sequence.
func (s *WorkflowSpace) PutWorkSpace(ws WorkSpace) {
	for i := range s.WorkSpaces {
		if s.WorkSpaces[i].Sequence == ws.Sequence {
			s.WorkSpaces[i] = ws
			return
		}
	}
	s.WorkSpaces = append(s.WorkSpaces, ws)
	sort.SliceStable(s.WorkSpaces, func(i, j int) bool {
		return s.WorkSpaces[i].Sequence < s.WorkSpaces[j].Sequence
	})
}

// RemoveFrom drops workspaces with Sequence >= seq and returns them.
func (s *WorkflowSpace) RemoveFrom(seq int) []WorkSpace {
	var kept, removed []WorkSpace
	for _, ws := range s.WorkSpaces {
		if ws.Sequence >= seq {
			removed = append(removed, ws)
		} else {
			kept = append(kept, ws)
		}
	}
	s.WorkSpaces = kept
	return removed
}
