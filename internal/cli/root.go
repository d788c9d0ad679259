package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/surge/internal/logging"
)

var version = "0.1.0"

// errThresholdsFailed makes the process exit non-zero without printing
// anything beyond the summary.
var errThresholdsFailed = errors.New("thresholds failed")

// RootCmd represents the base command when called without any subcommands
var RootCmd = NewRootCmd()

// NewRootCmd builds the surge command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "surge",
		Short:   "Open-loop load generator for segmented traffic campaigns",
		Version: version,
		Long: `Surge drives HTTP load as an open arrival process, one ramp profile per
(city, activity class) segment. Iterations start on schedule regardless of
how long earlier ones take; when a segment's worker bound is reached new
starts are dropped and counted instead of queued.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			// If no subcommand is provided, print help
			_ = cmd.Help()
		},
	}

	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "console", "Log format (console, json)")
	root.PersistentFlags().String("log-file", "", "Write logs to a rotated file instead of stderr")

	root.AddCommand(newRunCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newSegmentsCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newIDsCmd())
	return root
}

// Execute runs RootCmd. A failed threshold returns an error without
// printing anything beyond the summary.
func Execute() error {
	err := RootCmd.Execute()
	if err != nil && !errors.Is(err, errThresholdsFailed) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// newLogger builds the logger selected by the persistent log flags.
func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	file, _ := cmd.Flags().GetString("log-file")

	return logging.New(logging.Config{
		Level:      level,
		Format:     format,
		File:       file,
		MaxSizeMB:  100,
		MaxBackups: 3,
	})
}
