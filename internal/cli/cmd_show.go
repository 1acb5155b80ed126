package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/randalmurphal/workrun/internal/run"
)

// newShowCmd creates the show command
func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.svc.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(cmd.OutOrStdout(), r)
			})
		},
	}
}

// newListCmd creates the list command
func newListCmd() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List runs",
		Long: `List workflow runs, oldest update first.

Example:
  workrun list
  workrun list --status running --status paused`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]run.Status, 0, len(statuses))
			for _, s := range statuses {
				st := run.Status(strings.ToUpper(s))
				if !st.IsValid() {
					return fmt.Errorf("unknown status %q", s)
				}
				filter = append(filter, st)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				runs, err := a.svc.ListRuns(ctx, filter...)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOut {
					return writeJSON(out, runs)
				}
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs found. Create one with: workrun create -f run.yaml")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tSTEP\tWORKFLOW\tISSUE\tUPDATED")
				for _, r := range runs {
					issue := r.IssueKey
					if issue == "" {
						issue = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\n", r.ID, r.Status,
						min(r.CurrentWorkIndex+1, r.StepCount()), r.StepCount(),
						truncate(r.WorkflowID, 30), issue, r.UpdatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only runs with this status (repeatable)")
	return cmd
}

// newCheckpointsCmd creates the checkpoints command
func newCheckpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints <run-id>",
		Short: "List the checkpoints of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				cps, err := a.svc.ListCheckpoints(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOut {
					return writeJSON(out, cps)
				}
				if len(cps) == 0 {
					fmt.Fprintln(out, "No checkpoints yet.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTEP\tREPOS\tCREATED")
				for _, cp := range cps {
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", cp.ID, cp.WorkSequence, len(cp.CommitHashes), cp.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

// newExecutionsCmd creates the executions command
func newExecutionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "executions <run-id>",
		Short: "List the step executions of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				execs, err := a.svc.ListExecutions(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOut {
					return writeJSON(out, execs)
				}
				if len(execs) == 0 {
					fmt.Fprintln(out, "No executions yet.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTEP\tSTATE\tTASK\tSESSION")
				for _, e := range execs {
					session := e.SessionID
					if session == "" {
						session = "-"
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%d/%d\t%s\n", e.ID, e.Sequence, executionState(e),
						min(e.CurrentTaskIndex+1, len(e.Tasks)), len(e.Tasks), session)
				}
				return w.Flush()
			})
		},
	}
}

func executionState(e *run.WorkExecution) string {
	switch {
	case e.IsCancelled:
		return "cancelled"
	case e.IsCompleted:
		return "completed"
	default:
		return "in progress"
	}
}

// newInspectCmd creates the inspect command
func newInspectCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "inspect <run-id>",
		Short: "Query a run's stored state",
		Long: `Print the run's stored state as JSON, or the part selected by a GJSON path.

Examples:
  workrun inspect RUN_ID
  workrun inspect RUN_ID --path status
  workrun inspect RUN_ID --path 'work_node_configs.#.model'
  workrun inspect RUN_ID --path 'git_ref_pool.#(id=="api").repo_path'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.svc.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				data, err := json.Marshal(r)
				if err != nil {
					return fmt.Errorf("marshal run: %w", err)
				}
				out := cmd.OutOrStdout()
				if path == "" {
					_, err = fmt.Fprintln(out, gjson.ParseBytes(data).Get("@pretty").String())
					return err
				}
				res := gjson.GetBytes(data, path)
				if !res.Exists() {
					return fmt.Errorf("path %q matches nothing", path)
				}
				if res.Type == gjson.String {
					_, err = fmt.Fprintln(out, res.String())
					return err
				}
				_, err = fmt.Fprintln(out, res.Raw)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&path, "path", "p", "", "GJSON path to select")
	return cmd
}
