package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/workrun/internal/definition"
)

// newStepCmd creates the step command with subcommands.
func newStepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Edit the steps of a run",
		Long: `Add, replace or remove steps of a run that is not finished.
Steps that already started cannot be edited.

A step file holds a single step:
  model: opus
  git_ref_ids: [api]
  tasks:
    - query: Review the change`,
	}
	cmd.AddCommand(newStepAddCmd())
	cmd.AddCommand(newStepUpdateCmd())
	cmd.AddCommand(newStepRemoveCmd())
	return cmd
}

func newStepAddCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "add <run-id> -f <step.yaml>",
		Short: "Append a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := definition.ParseStep(file)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				seq, err := a.svc.AddWorkNodeConfig(ctx, args[0], cfg)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Added step %d to run %s\n", seq, args[0])
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "step file (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newStepUpdateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "update <run-id> <seq> -f <step.yaml>",
		Short: "Replace a step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := parseSeq(args[1])
			if err != nil {
				return err
			}
			cfg, err := definition.ParseStep(file)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.svc.UpdateWorkNodeConfig(ctx, args[0], seq, cfg)
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), "Updated", r)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "step file (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newStepRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <run-id> <seq>",
		Aliases: []string{"rm"},
		Short:   "Remove a step; later steps shift down",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := parseSeq(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.svc.RemoveWorkNodeConfig(ctx, args[0], seq)
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), "Updated", r)
			})
		},
	}
}

func parseSeq(s string) (int, error) {
	seq, err := strconv.Atoi(s)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("step sequence must be a non-negative integer, got %q", s)
	}
	return seq, nil
}
