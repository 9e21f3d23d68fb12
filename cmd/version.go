package cmd

import (
	"fmt"

	"shiori/config"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.VersionString())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
