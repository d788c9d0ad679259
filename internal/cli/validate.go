package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/surge/internal/campaign/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <campaign-file>",
		Short: "Check a campaign file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
			if err := config.ValidateDocument(raw, path); err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			segs, err := cfg.BuildSegments()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d segments)\n", path, len(segs))
			return nil
		},
	}
}
