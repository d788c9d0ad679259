package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/surge/internal/campaign/config"
)

func newSegmentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "segments",
		Short: "List the segments a campaign expands to",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			segs, err := cfg.BuildSegments()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SEGMENT\tWORKFLOW\tSTAGES\tDURATION\tITERATIONS\tPRE\tMAX\tDATASET")
			for _, s := range segs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%.0f\t%d\t%d\t%s\n",
					s.Key, s.Workflow.Type, len(s.Profile.Stages), s.Profile.Duration(),
					s.Profile.Total(), s.Bounds.PreAllocated, s.Bounds.Max, s.Dataset)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringP("config", "c", "", "Campaign file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
