package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/surge/internal/campaign/data"
)

func newIDsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ids <dataset.csv>",
		Short: "Print a dataset as a quoted, comma-separated list",
		Long: `Print the records of a dataset as a single line of quoted identifiers,
ready to paste into a SQL IN clause or a JSON array.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := data.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), data.FormatQuoted(pool.Records()))
			return nil
		},
	}
}
