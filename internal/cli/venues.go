package cli

import (
	"github.com/spf13/cobra"
)

var venuesCmd = &cobra.Command{
	Use:   "venues",
	Short: "List enabled venues and the assets they quote (* = tracked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Venues(cmd.OutOrStdout())
	},
}
