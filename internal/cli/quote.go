package cli

import (
	"github.com/spf13/cobra"
)

var quoteCached bool

var quoteCmd = &cobra.Command{
	Use:   "quote <ASSET>",
	Short: "Fetch every venue once and print the best bid/ask for an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if quoteCached {
			return getApp().CachedQuote(cmd.Context(), args[0], cmd.OutOrStdout())
		}
		return getApp().Quote(cmd.Context(), args[0], cmd.OutOrStdout())
	},
}

func init() {
	quoteCmd.Flags().BoolVar(&quoteCached, "cached", false, "Read the last result published to redis instead of fetching")
}
