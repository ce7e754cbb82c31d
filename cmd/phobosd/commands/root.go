// Package commands implements the phobosd CLI surface.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Build information, set by main from ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "phobosd",
	Short: "Hierarchical object store daemon",
	Long: `phobosd is the per-host daemon of the phobos hierarchical object
store: it schedules read, write, and format requests against the host's
tape drives and directory media, and serves the client store library
over a local socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "phobosd %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(configCmd)
}

// Execute runs the CLI; a non-nil return becomes a non-zero exit code.
func Execute() error {
	return rootCmd.Execute()
}
