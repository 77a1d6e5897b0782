// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for depotdock.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/depotdock/depotdock/internal/issue"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"

	// verbose enables verbose output
	verbose bool
	// cfgFile allows specifying a custom config file
	cfgFile string

	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "depotdock",
		Short: "A multi-version install manager for depot-distributed builds",
		Long: TitleStyle.Render("depotdock") + SubtitleStyle.Render(" - A multi-version install manager for depot-distributed builds") + `

depotdock keeps several versions of a product installed side by side,
each in its own directory under a managed root, and drives the external
depot downloader to fetch new ones. Versions are keyed either by build ID
or by manifest ID, and one version per branch is marked active.

` + SubtitleStyle.Render("Quick Start:") + `
  1. Point 'catalog.url' and 'downloader.path' at your infrastructure
  2. Download a branch's current build: depotdock download public
  3. Inspect what is installed: depotdock status

` + SubtitleStyle.Render("Examples:") + `
  depotdock download public            Download the current build of 'public'
  depotdock download beta --build 42   Download a specific build
  depotdock versions list public       List installed versions of a branch
  depotdock versions activate public build_42
  depotdock builds public              Show recent build history
  depotdock migrate                    Convert legacy flat installs`,
	}
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/depotdock/config.toml)")

	// Add subcommands
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(buildsCmd)
	rootCmd.AddCommand(statusCmd)
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	// Use fang.Execute for enhanced Cobra styling
	// Pass version via fang.WithVersion() since fang overrides rootCmd.Version
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// formatErrorForDisplay formats an error for user display.
// Issue reports render with their hints; in verbose mode, with the full
// cause chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var rep *issue.Report
	if errors.As(err, &rep) {
		return rep.Render(verboseMode)
	}
	return err.Error()
}
