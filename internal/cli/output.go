package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/randalmurphal/workrun/internal/run"
)

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// printRun writes a run as JSON with --json, otherwise as a summary.
func printRun(w io.Writer, r *run.WorkflowRun) error {
	if jsonOut {
		return writeJSON(w, r)
	}
	fmt.Fprintf(w, "Run:       %s\n", r.ID)
	fmt.Fprintf(w, "Workflow:  %s\n", r.WorkflowID)
	if r.IssueKey != "" {
		fmt.Fprintf(w, "Issue:     %s\n", r.IssueKey)
	}
	fmt.Fprintf(w, "Status:    %s\n", r.Status)
	fmt.Fprintf(w, "Step:      %d/%d\n", min(r.CurrentWorkIndex+1, r.StepCount()), r.StepCount())
	if r.CancellationReason != "" {
		fmt.Fprintf(w, "Reason:    %s\n", r.CancellationReason)
	}
	fmt.Fprintf(w, "Updated:   %s\n", r.UpdatedAt.Format(time.RFC3339))
	if quiet {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tMODEL\tTASKS\tREPOS\tPAUSE")
	for _, cfg := range r.WorkNodeConfigs {
		marker := " "
		if cfg.Sequence == r.CurrentWorkIndex && !r.Status.IsTerminal() {
			marker = ">"
		}
		model := cfg.Model
		if model == "" {
			model = "-"
		}
		pause := ""
		if cfg.PauseAfter {
			pause = "yes"
		}
		fmt.Fprintf(tw, "%s%d\t%s\t%d\t%d\t%s\n", marker, cfg.Sequence, model, len(cfg.Tasks), len(cfg.GitRefIDs), pause)
	}
	return tw.Flush()
}

// printStatus writes the one-line outcome of a lifecycle command.
func printStatus(w io.Writer, verb string, r *run.WorkflowRun) error {
	if jsonOut {
		return writeJSON(w, r)
	}
	_, err := fmt.Fprintf(w, "%s run %s (status %s, step %d/%d)\n", verb, r.ID, r.Status,
		min(r.CurrentWorkIndex+1, r.StepCount()), r.StepCount())
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
