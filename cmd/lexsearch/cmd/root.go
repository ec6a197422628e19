// Package cmd provides the CLI commands for lexsearch.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/lexsearch/internal/logging"
	"github.com/Aman-CERP/lexsearch/internal/profiling"
	"github.com/Aman-CERP/lexsearch/pkg/version"
)

var (
	debugMode      bool
	loggingCleanup func()
)

var (
	profileOpts profiling.Options
	profile     *profiling.Session
)

// NewRootCmd creates the root command for the lexsearch CLI.
func NewRootCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "lexsearch",
		Short: "Hybrid retrieval and ranking for legal case records",
		Long: `lexsearch ranks legal case records by combining a semantic (embedding)
index with a field-weighted keyword index, citation-aware boosts and an
optional cross-encoder reranker.

Typical flow:
  lexsearch import cases.json
  lexsearch build
  lexsearch facets build
  lexsearch serve`,
		Version:      version.Version,
		SilenceUsage: true,
	}
	cmd.SetVersionTemplate("lexsearch version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&dir, "dir", "C", ".", "Project directory holding .lexsearch.yaml and the data dir")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.lexsearch/logs/")
	cmd.PersistentFlags().StringVar(&profileOpts.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileOpts.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileOpts.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startProfilingAndLogging
	cmd.PersistentPostRunE = stopProfilingAndLogging

	cmd.AddCommand(newInitCmd(&dir))
	cmd.AddCommand(newImportCmd(&dir))
	cmd.AddCommand(newBuildCmd(&dir))
	cmd.AddCommand(newFacetsCmd(&dir))
	cmd.AddCommand(newSearchCmd(&dir))
	cmd.AddCommand(newServeCmd(&dir))
	cmd.AddCommand(newStatusCmd(&dir))
	cmd.AddCommand(newQueriesCmd(&dir))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startProfilingAndLogging installs the debug logger and starts profiling
// when the flags ask for them.
func startProfilingAndLogging(_ *cobra.Command, _ []string) error {
	if debugMode {
		logger, cleanup, err := logging.Setup(logging.DebugConfig())
		if err != nil {
			return fmt.Errorf("failed to setup debug logging: %w", err)
		}
		loggingCleanup = cleanup
		slog.SetDefault(logger)
		slog.Info("debug_logging_enabled",
			slog.String("log_file", logging.DefaultLogPath()),
			slog.String("version", version.Version))
	}

	if profileOpts.Enabled() {
		s, err := profiling.Start(profileOpts)
		if err != nil {
			return err
		}
		profile = s
	}
	return nil
}

// stopProfilingAndLogging flushes profiles and closes the debug log.
func stopProfilingAndLogging(_ *cobra.Command, _ []string) error {
	if profile != nil {
		err := profile.Stop()
		profile = nil
		if err != nil {
			return err
		}
	}

	if loggingCleanup != nil {
		slog.Info("debug_logging_stopped")
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
