package commands

import (
	"github.com/spf13/cobra"

	"github.com/buckleypaul/flashloop/internal/printer"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printer.Info("flashloop %s (commit: %s, built: %s)\n", version, commit, date)
	},
}
