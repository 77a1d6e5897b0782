// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/depotdock/depotdock/internal/layout"
	"github.com/depotdock/depotdock/internal/migrate"
)

var (
	migrateDryRun     bool
	migrateAsManifest bool

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Convert legacy flat installs to the versioned layout",
		Long: `Migrate detects branches whose install still lives directly in the branch
directory (the legacy flat layout) and moves each into a versioned
subdirectory named after the manifest recorded in the install metadata.

Branches are migrated independently: one branch with unreadable metadata is
skipped with a warning while the others proceed. A failure after files were
moved rolls that branch back to its flat layout.`,
		Args: cobra.NoArgs,
		RunE: runMigrate,
	}
)

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "only report which branches would be migrated")
	migrateCmd.Flags().BoolVar(&migrateAsManifest, "as-manifest", true, "key migrated versions by manifest ID")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	app, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	engine, err := app.Migrator()
	if err != nil {
		return err
	}

	if migrateDryRun {
		branches, err := engine.DetectLegacy()
		if err != nil {
			return err
		}
		if len(branches) == 0 {
			cmd.Println("no legacy installs found")
			return nil
		}
		cmd.Println(TitleStyle.Render("Legacy installs:"))
		for _, b := range branches {
			cmd.Printf("  %s\n", IDStyle.Render(b))
		}
		return nil
	}

	kind := layout.KindBuild
	if migrateAsManifest {
		kind = layout.KindManifest
	}

	results, err := engine.MigrateAll(cmd.Context(), kind)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		cmd.Println("no legacy installs found")
		return nil
	}

	failed := 0
	for _, res := range results {
		switch res.Step {
		case migrate.StepValidated:
			cmd.Printf("%s %s → %s (%d files)\n",
				SuccessStyle.Render("✓"), IDStyle.Render(res.Branch), res.VersionDir, res.Moved)
		case migrate.StepRolledBack:
			failed++
			cmd.Printf("%s %s rolled back: %v\n",
				ErrorStyle.Render("✗"), IDStyle.Render(res.Branch), res.Err)
		default:
			failed++
			cmd.Printf("%s %s skipped: %v\n",
				WarningStyle.Render("!"), IDStyle.Render(res.Branch), res.Err)
		}
	}

	if failed > 0 {
		cmd.Printf("\n%d of %d branches migrated\n", len(results)-failed, len(results))
		return &ExitError{Code: exitCodePartial}
	}
	return nil
}
