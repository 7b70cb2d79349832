package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the trellis application runner.
var rootCmd = &cobra.Command{
	Use:   "trellis",
	Short: "Run component-based applications from configuration",
	Long: `trellis starts an application assembled from components declared in one or
more YAML configuration files. Components are instantiated from the
configuration, started concurrently as a tree, and torn down in reverse
order when the process receives SIGINT or SIGTERM.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This is called from the main package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "trellis version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
