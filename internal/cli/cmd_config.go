package cli

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/workrun/internal/config"
)

// newConfigCmd creates the config command with subcommands.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and manage configuration",
		Long: `View and manage workrun configuration.

Configuration is loaded from these sources, later ones winning:
  1. Built-in defaults
  2. User config (~/.workrun/config.yaml)
  3. Project config (.workrun/config.yaml)
  4. --config file
  5. Environment variables (WORKRUN_*)
  6. Command-line flags`,
	}
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

// newConfigShowCmd creates the 'config show' subcommand.
func newConfigShowCmd() *cobra.Command {
	var showSource bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show merged configuration",
		Long: `Show the merged configuration from all sources.

By default, outputs valid YAML. Use --source to see where each value comes from.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tc, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if showSource {
				return printConfigWithSources(out, tc)
			}
			if jsonOut {
				values, err := tc.Config.Values()
				if err != nil {
					return err
				}
				return writeJSON(out, values)
			}
			data, err := yaml.Marshal(tc.Config)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = out.Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&showSource, "source", false, "show the source of each value")
	return cmd
}

// newConfigGetCmd creates the 'config get' subcommand.
func newConfigGetCmd() *cobra.Command {
	var showSource bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Get a specific config value",
		Long: `Get a configuration value by dotted key, e.g. retry.max_attempts.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tc, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			value, err := tc.Config.GetValue(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if showSource {
				_, err = fmt.Fprintf(out, "%s (from %s)\n", value, tc.GetTrackedSource(args[0]))
				return err
			}
			_, err = fmt.Fprintln(out, value)
			return err
		},
	}
	cmd.Flags().BoolVar(&showSource, "source", false, "show the source of the value")
	return cmd
}

// newConfigInitCmd creates the 'config init' subcommand.
func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to .workrun/config.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("get working directory: %w", err)
			}
			path, err := config.Init(wd, force)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func printConfigWithSources(out io.Writer, tc *config.TrackedConfig) error {
	values, err := tc.Config.Values()
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(values))
	for p := range values {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if _, err := fmt.Fprintf(out, "%s = %s (%s)\n", p, values[p], tc.GetTrackedSource(p)); err != nil {
			return err
		}
	}
	return nil
}
