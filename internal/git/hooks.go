package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// prePushHook refuses every push from a run worktree. Run branches are local
// scratch branches; publishing them is a human decision made outside workrun.
const prePushHook = `#!/bin/sh
# Installed by workrun.
echo "workrun: pushing from a run worktree is disabled" >&2
exit 1
`

// InstallPrePushHook writes a blocking pre-push hook into the worktree's own
// git dir and points the worktree-scoped core.hooksPath at it, so the main
// checkout and sibling worktrees keep their hooks.
func (g *Git) InstallPrePushHook(ctx context.Context, worktreePath string) error {
	gitDir, err := g.run(ctx, worktreePath, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return &GitError{Op: "resolve git dir", Path: worktreePath, Err: err}
	}

	hooksDir := filepath.Join(gitDir, "hooks")
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return fmt.Errorf("create hooks dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(hooksDir, "pre-push"), []byte(prePushHook), 0o755); err != nil {
		return fmt.Errorf("write pre-push hook: %w", err)
	}

	if _, err := g.run(ctx, worktreePath, "config", "extensions.worktreeConfig", "true"); err != nil {
		return &GitError{Op: "enable worktree config", Path: worktreePath, Err: err}
	}
	if _, err := g.run(ctx, worktreePath, "config", "--worktree", "core.hooksPath", hooksDir); err != nil {
		return &GitError{Op: "set hooks path", Path: worktreePath, Err: err}
	}
	return nil
}
