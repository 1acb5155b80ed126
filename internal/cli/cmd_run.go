package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/workrun/internal/definition"
	"github.com/randalmurphal/workrun/internal/run"
)

// newCreateCmd creates the create command
func newCreateCmd() *cobra.Command {
	var (
		file  string
		runID string
	)
	cmd := &cobra.Command{
		Use:   "create -f <definition.yaml>",
		Short: "Create a workflow run from a definition file",
		Long: `Create a workflow run from a YAML definition. The run starts INITIALIZED;
use 'workrun start' to provision its resources and drive it.

Example definition:
  workflow_id: bugfix
  issue_key: PROJ-42
  git_refs:
    - id: api
      repo_path: ../api
      base_branch: main
  steps:
    - git_ref_ids: [api]
      tasks:
        - query: Investigate the failing test
          report_title: Findings
          report_outline: "## Root cause"
    - report_refs: [0]
      git_ref_ids: [api]
      tasks:
        - query: Fix the bug described in the findings`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := definition.Parse(file)
			if err != nil {
				return err
			}
			params := def.Params()
			params.ID = runID
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.svc.CreateRun(ctx, params)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd.OutOrStdout(), r)
				}
				if quiet {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), r.ID)
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Created run %s (%d steps)\n", r.ID, r.StepCount())
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "run definition file (required)")
	cmd.Flags().StringVar(&runID, "id", "", "run id (default is a generated uuid)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// newStartCmd creates the start command
func newStartCmd() *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "start <run-id>",
		Short: "Provision a run and drive its pipeline",
		Long: `Start an INITIALIZED run: create its worktrees and workflow space, then
execute steps until the run completes, pauses or awaits review.

Ctrl-C pauses the run; resume it later with 'workrun resume'.
With --detach the run is only started; a 'workrun serve' process picks it up.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.svc.StartRun(ctx, args[0])
				if err != nil {
					return err
				}
				if detach {
					return printStatus(cmd.OutOrStdout(), "Started", r)
				}
				return driveForeground(ctx, cmd, a, r)
			})
		},
	}
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "start without driving the pipeline")
	return cmd
}

// newResumeCmd creates the resume command
func newResumeCmd() *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused or awaiting run",
		Long: `Resume a PAUSED or AWAITING run. Partial work of an interrupted step is
discarded by rewinding its worktrees to the previous checkpoint before the
step runs again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.svc.ResumeRun(ctx, args[0])
				if err != nil {
					return err
				}
				if detach {
					return printStatus(cmd.OutOrStdout(), "Resumed", r)
				}
				return driveForeground(ctx, cmd, a, r)
			})
		},
	}
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "resume without driving the pipeline")
	return cmd
}

func driveForeground(ctx context.Context, cmd *cobra.Command, a *app, started *run.WorkflowRun) error {
	sigCtx, cancel := SetupSignalHandler(ctx)
	defer cancel()

	r, err := drive(sigCtx, a, started, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	return printStatus(cmd.OutOrStdout(), "Stopped", r)
}

// newPauseCmd creates the pause command
func newPauseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause <run-id>",
		Short: "Pause a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.svc.PauseRun(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), "Paused", r)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "paused by user", "pause reason")
	return cmd
}

// newCancelCmd creates the cancel command
func newCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Long: `Cancel a run that has not finished. Cancellation is terminal; resources
stay on disk until the run is deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.svc.CancelRun(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), "Cancelled", r)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled by user", "cancellation reason")
	return cmd
}

// newRestoreCmd creates the restore command
func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <run-id> <checkpoint-id>",
		Short: "Rewind a run to a checkpoint",
		Long: `Reset every worktree to the commits recorded by the checkpoint, remove the
workspaces and executions of later steps, and pause the run at the step
after the checkpoint. List checkpoints with 'workrun checkpoints'.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.svc.RestoreCheckpoint(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), "Restored", r)
			})
		},
	}
}

// newDeleteCmd creates the delete command
func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a finished run and its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.svc.DeleteRun(ctx, args[0]); err != nil {
					return err
				}
				if !quiet {
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
				}
				return nil
			})
		},
	}
}
