// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/depotdock/depotdock/internal/layout"
	"github.com/depotdock/depotdock/internal/migrate"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the managed root, installed branches, and active versions",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	app, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	store, err := app.Store()
	if err != nil {
		return err
	}

	cmd.Println(TitleStyle.Render("depotdock status"))
	cmd.Printf("  root:  %s\n", app.cfg.Root)
	cmd.Printf("  state: %s\n", store.Path())

	branches := store.Branches()
	if len(branches) == 0 {
		cmd.Println(SubtitleStyle.Render("  no branches installed"))
	}
	for _, branch := range branches {
		active := SubtitleStyle.Render("none")
		if id, kind, ok := store.ActiveVersion(branch); ok {
			if name, err := layout.VersionDirName(id, kind); err == nil {
				active = ActiveMarkerStyle.Render(name)
			}
		}
		cmd.Printf("  %s: %d version(s), active %s\n",
			IDStyle.Render(branch), len(store.Versions(branch)), active)
	}

	// A legacy flat install is worth pointing out even outside migrate.
	engine := migrate.NewEngine(app.cfg.Root, store)
	if legacy, err := engine.DetectLegacy(); err == nil && len(legacy) > 0 {
		cmd.Println(WarningStyle.Render("note: ") +
			"legacy flat installs detected; run 'depotdock migrate'")
		for _, b := range legacy {
			cmd.Printf("  legacy: %s\n", IDStyle.Render(b))
		}
	}
	return nil
}
