// Package commands provides the CLI commands for fleetd.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags)
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "Fleet manager for ephemeral OpenStack CI runners",
	Long: `fleetd keeps a fleet of ephemeral self-hosted CI runner VMs on an
OpenStack cloud aligned with demand from GitHub Actions and/or a
job-manager platform. It launches, monitors, and recycles runner VMs,
federating platform calls through a multiplexer and reconciling the
fleet against either a fixed base quantity or a reactive queue of jobs.

When run without a subcommand, fleetd starts the orchestrator server.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// SetVersionInfo sets the version information for the CLI.
func SetVersionInfo(version, commit, date string) {
	Version = version
	Commit = commit
	Date = date
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}
