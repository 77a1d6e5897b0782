// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/depotdock/depotdock/internal/issue"
	"github.com/depotdock/depotdock/internal/layout"
)

var (
	versionsCmd = &cobra.Command{
		Use:   "versions",
		Short: "Manage installed versions",
	}

	versionsListCmd = &cobra.Command{
		Use:   "list <branch>",
		Short: "List the installed versions of a branch",
		Args:  cobra.ExactArgs(1),
		RunE:  runVersionsList,
	}

	versionsActivateCmd = &cobra.Command{
		Use:   "activate <branch> <version-dir>",
		Short: "Mark an installed version as the branch's active version",
		Long: `Activate flips the branch's active pointer to an already installed
version, named by its directory (build_<id> or manifest_<id>). No files move;
only the recorded pointer changes.`,
		Args: cobra.ExactArgs(2),
		RunE: runVersionsActivate,
	}

	versionsRemoveCmd = &cobra.Command{
		Use:   "remove <branch> <version-dir>",
		Short: "Forget an installed version",
		Long: `Remove drops the version from the managed state. The files on disk are
left untouched; delete the directory yourself to reclaim space.`,
		Args: cobra.ExactArgs(2),
		RunE: runVersionsRemove,
	}
)

func init() {
	versionsCmd.AddCommand(versionsListCmd)
	versionsCmd.AddCommand(versionsActivateCmd)
	versionsCmd.AddCommand(versionsRemoveCmd)
}

func runVersionsList(cmd *cobra.Command, args []string) error {
	branch := args[0]

	app, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	store, err := app.Store()
	if err != nil {
		return err
	}

	versions := store.Versions(branch)
	if len(versions) == 0 {
		cmd.Printf("no installed versions for branch %s\n", IDStyle.Render(branch))
		return nil
	}

	keys := make([]string, 0, len(versions))
	for k := range versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cmd.Println(TitleStyle.Render("Versions of " + branch + ":"))
	for _, key := range keys {
		rec := versions[key]
		marker := " "
		if rec.Active {
			marker = ActiveMarkerStyle.Render("*")
		}
		line := fmt.Sprintf("%s %-24s %s  %s", marker, IDStyle.Render(key),
			rec.DownloadedAt.Format("2006-01-02"), formatBytes(rec.SizeBytes))
		if rec.PendingResolution {
			line += WarningStyle.Render("  (manifest pending resolution)")
		}
		cmd.Println(line)
	}
	return nil
}

func runVersionsActivate(cmd *cobra.Command, args []string) error {
	branch, versionDir := args[0], args[1]

	app, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	store, err := app.Store()
	if err != nil {
		return err
	}

	kind, id, ok := layout.SplitVersionDirName(versionDir)
	if !ok {
		return issue.New("activate version").
			On(versionDir).
			Hint("Name the version by its directory: build_<id> or manifest_<id>").
			Hint("Run 'depotdock versions list " + branch + "' to see installed versions").
			Because(fmt.Errorf("not a version directory name: %s", versionDir))
	}
	if _, found := store.Version(branch, versionDir); !found {
		return issue.New("activate version").
			On(versionDir).
			Hint("Run 'depotdock versions list " + branch + "' to see installed versions").
			Because(fmt.Errorf("version not installed for branch %s", branch))
	}

	if kind == layout.KindManifest {
		err = store.SetActiveManifest(branch, id)
	} else {
		err = store.SetActiveBuild(branch, id)
	}
	if err != nil {
		return err
	}

	cmd.Printf("%s %s is now active on %s\n",
		SuccessStyle.Render("✓"), IDStyle.Render(versionDir), IDStyle.Render(branch))
	return nil
}

func runVersionsRemove(cmd *cobra.Command, args []string) error {
	branch, versionDir := args[0], args[1]

	app, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	store, err := app.Store()
	if err != nil {
		return err
	}

	if _, found := store.Version(branch, versionDir); !found {
		cmd.Printf("version %s is not recorded for branch %s\n", versionDir, branch)
		return nil
	}
	if err := store.DeleteVersion(branch, versionDir); err != nil {
		return err
	}

	cmd.Printf("%s forgot %s on %s (files left on disk)\n",
		SuccessStyle.Render("✓"), IDStyle.Render(versionDir), IDStyle.Render(branch))
	return nil
}
