// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"github.com/spf13/cobra"
)

var (
	buildsLimit int

	buildsCmd = &cobra.Command{
		Use:   "builds <branch>",
		Short: "Show a branch's recent build history",
		Long: `Builds queries the catalog for the branch's recent builds, newest first.

Catalogs are not required to keep history; when this one does not, only the
current build is shown together with a notice, never a fabricated list.`,
		Args: cobra.ExactArgs(1),
		RunE: runBuilds,
	}
)

func init() {
	buildsCmd.Flags().IntVar(&buildsLimit, "limit", 0, "maximum history entries (default from config)")
}

func runBuilds(cmd *cobra.Command, args []string) error {
	branch := args[0]

	app, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	cache, err := app.Cache()
	if err != nil {
		return err
	}

	limit := buildsLimit
	if limit <= 0 {
		store, err := app.Store()
		if err != nil {
			return err
		}
		limit = store.MaxRecentBuilds()
	}

	history, err := cache.RecentBuilds(cmd.Context(), branch, limit)
	if err != nil {
		return err
	}

	cmd.Println(TitleStyle.Render("Recent builds of " + branch + ":"))
	for _, b := range history.Builds {
		line := "  " + IDStyle.Render(b.BuildID)
		if !b.CreatedAt.IsZero() {
			line += "  " + SubtitleStyle.Render(b.CreatedAt.Format("2006-01-02 15:04"))
		}
		cmd.Println(line)
	}
	if !history.HistoryAvailable {
		cmd.Println(WarningStyle.Render("note: ") +
			"this catalog keeps no build history; only the current build is shown")
	}
	return nil
}
