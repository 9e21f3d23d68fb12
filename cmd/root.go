package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configPath string
	debugMode  bool
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "shiori",
	Short: "shiori browses manga sites and downloads chapters for offline reading.",
	Long: `shiori browses manga sites and downloads chapters for offline reading.
Chapters are downloaded through a persistent queue: interrupted downloads
resume where they stopped and failed chapters can be retried.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		// When no command is specified, display help
		if err := cmd.Help(); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		errorStyle.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.json (default ~/.config/shiori/config.json)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Mirror the log to stderr")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}
