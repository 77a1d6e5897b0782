// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/depotdock/depotdock/internal/fetch"
	"github.com/depotdock/depotdock/internal/layout"
)

var (
	downloadBuildID    string
	downloadAsManifest bool

	downloadCmd = &cobra.Command{
		Use:   "download <branch>",
		Short: "Download a build of a branch into the managed root",
		Long: `Download fetches every depot of a build through the external downloader
and installs the result as a new version directory under the managed root.

Without --build the branch's current build is resolved through the catalog.
With --as-manifest the version directory is keyed by the primary depot's
manifest ID instead of the build ID.

On success the new version becomes the branch's active version. A failure
partway through a multi-depot build leaves the completed depots on disk and
never changes the active version.`,
		Args: cobra.ExactArgs(1),
		RunE: runDownload,
	}
)

func init() {
	downloadCmd.Flags().StringVar(&downloadBuildID, "build", "", "download a specific build ID instead of the branch's current build")
	downloadCmd.Flags().BoolVar(&downloadAsManifest, "as-manifest", false, "key the version directory by manifest ID")
}

func runDownload(cmd *cobra.Command, args []string) error {
	branch := args[0]

	app, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	orch, err := app.Orchestrator()
	if err != nil {
		return err
	}
	stopWatcher, err := app.StartChangeWatcher(cmd.Context())
	if err != nil {
		return err
	}
	defer stopWatcher()

	kind := layout.KindBuild
	if downloadAsManifest {
		kind = layout.KindManifest
	}

	events := make(chan fetch.ProgressEvent, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		renderProgress(cmd, events)
	}()

	outcome, err := orch.Download(cmd.Context(), fetch.Request{
		Branch:  branch,
		BuildID: downloadBuildID,
		Kind:    kind,
		Events:  events,
	})
	close(events)
	wg.Wait()

	if err != nil {
		return classifyDownloadError(err)
	}

	cmd.Println(SuccessStyle.Render("✓ download complete"))
	cmd.Printf("  branch:  %s\n", IDStyle.Render(outcome.Branch))
	cmd.Printf("  build:   %s\n", IDStyle.Render(outcome.BuildID))
	if outcome.ManifestID != "" {
		cmd.Printf("  manifest: %s\n", IDStyle.Render(outcome.ManifestID))
	}
	cmd.Printf("  depots:  %d/%d\n", outcome.CompletedDepots, outcome.TotalDepots)
	cmd.Printf("  path:    %s\n", outcome.VersionDir)
	cmd.Printf("  size:    %s\n", formatBytes(outcome.SizeBytes))
	return nil
}

// renderProgress drains orchestrator events until the channel closes.
// Streaming percentages rewrite a single line; phase changes get their own.
func renderProgress(cmd *cobra.Command, events <-chan fetch.ProgressEvent) {
	streaming := false
	endStreamLine := func() {
		if streaming {
			cmd.Println()
			streaming = false
		}
	}

	for ev := range events {
		switch ev.Phase {
		case fetch.PhaseStreaming:
			if ev.Percent >= 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\r  depot %d: %5.1f%%", ev.DepotID, ev.Percent)
				streaming = true
			}
		case fetch.PhaseLaunch:
			endStreamLine()
			cmd.Printf("%s depot %d\n", VerboseStyle.Render("fetching"), ev.DepotID)
		case fetch.PhaseAuthGate:
			endStreamLine()
			cmd.Println(WarningStyle.Render("! authentication required: ") + ev.Message)
		case fetch.PhaseFailed:
			endStreamLine()
			cmd.Println(ErrorStyle.Render("✗ ") + ev.Message)
		default:
			endStreamLine()
			if ev.Message != "" {
				cmd.Println(VerboseStyle.Render(ev.Message))
			}
		}
	}
	endStreamLine()
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
