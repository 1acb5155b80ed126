// Package cli implements the workrun command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/workrun/internal/config"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	jsonOut bool
)

// flagConfigPaths maps persistent flags to the config paths they override.
var flagConfigPaths = map[string]string{
	"db":        "database.dsn",
	"dialect":   "database.dialect",
	"workers":   "dispatcher.workers",
	"log-level": "log.level",
	"model":     "agent.default_model",
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "workrun",
	Short: "Drive multi-step agent workflows over git worktrees",
	Long: `workrun runs workflows made of ordered steps. Each step sends queries to a
coding agent inside a workspace that links the run's git worktrees and the
reports of earlier steps. Completed steps are checkpointed so a run can be
rewound.

Quick start:
  workrun create -f run.yaml      Create a run from a definition
  workrun start RUN_ID            Provision resources and drive the run
  workrun show RUN_ID             Show run state
  workrun restore RUN_ID CP_ID    Rewind to a checkpoint`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		PrintError(err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is .workrun/config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	pf.BoolVar(&jsonOut, "json", false, "output as JSON")
	pf.String("db", "", "database dsn (overrides database.dsn)")
	pf.String("dialect", "", "database dialect: sqlite, postgres or memory")
	pf.Int("workers", 0, "runs driven at once")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("model", "", "default agent model")

	for flag, path := range flagConfigPaths {
		_ = viper.BindPFlag(path, pf.Lookup(flag))
	}

	rootCmd.AddCommand(newCreateCmd())
	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newPauseCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newRestoreCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newShowCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newCheckpointsCmd())
	rootCmd.AddCommand(newExecutionsCmd())
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newStepCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reports the explicit config file when verbose.
func initConfig() {
	if cfgFile != "" && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", cfgFile)
	}
}

// loadConfig merges config files and environment, then applies the flags the
// user set on the command line. viper holds the flag layer only: a bound
// flag is set in viper once it was given on the command line.
func loadConfig(cmd *cobra.Command) (*config.TrackedConfig, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	tc, err := config.LoadWithSources(wd, cfgFile)
	if err != nil {
		return nil, err
	}

	for flag, path := range flagConfigPaths {
		if !viper.IsSet(path) {
			continue
		}
		if err := config.Set(tc.Config, path, viper.GetString(path)); err != nil {
			return nil, fmt.Errorf("--%s: %w", flag, err)
		}
		tc.SetSource(path, config.SourceFlag)
	}
	if err := tc.Config.Validate(); err != nil {
		return nil, err
	}
	return tc, nil
}
