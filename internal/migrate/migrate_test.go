// SPDX-License-Identifier: MPL-2.0

package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/depotdock/depotdock/internal/layout"
	"github.com/depotdock/depotdock/internal/state"
)

// seedLegacyBranch lays out a flat install with product files and an
// embedded metadata file naming the given depots.
func seedLegacyBranch(t *testing.T, root, branch string, depots []installedDepot) string {
	t.Helper()

	branchDir := layout.BranchDir(root, branch)
	if err := os.MkdirAll(branchDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"game.bin", "launcher.cfg"} {
		if err := os.WriteFile(filepath.Join(branchDir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(branchDir, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(branchDir, "data", "pak0.dat"), []byte("pak"), 0o644); err != nil {
		t.Fatal(err)
	}

	if depots != nil {
		metaDir := filepath.Join(branchDir, MetadataDirName)
		if err := os.MkdirAll(metaDir, 0o755); err != nil {
			t.Fatal(err)
		}
		raw, err := json.Marshal(installedMetadata{Depots: depots})
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(metaDir, MetadataFileName), raw, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return branchDir
}

func newTestEngine(t *testing.T, root string) (*Engine, *state.Store) {
	t.Helper()

	store, err := state.Open(filepath.Join(t.TempDir(), "state.toml"))
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(root, store), store
}

func TestMigrateAll_FlatInstallMovesIntoManifestDir(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	branchDir := seedLegacyBranch(t, root, "main", []installedDepot{
		{DepotID: 10, ManifestID: "555"},
	})
	engine, store := newTestEngine(t, root)

	results, err := engine.MigrateAll(context.Background(), layout.KindManifest)
	if err != nil {
		t.Fatalf("MigrateAll() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	res := results[0]
	if res.Step != StepValidated {
		t.Fatalf("step = %s (err %v), want validated", res.Step, res.Err)
	}
	if res.ManifestID != "555" {
		t.Errorf("manifest = %q, want 555", res.ManifestID)
	}

	versionDir := filepath.Join(branchDir, "manifest_555")
	if _, err := os.Stat(filepath.Join(versionDir, "game.bin")); err != nil {
		t.Errorf("game.bin not moved: %v", err)
	}
	if _, err := os.Stat(filepath.Join(versionDir, "data", "pak0.dat")); err != nil {
		t.Errorf("nested data not moved: %v", err)
	}

	// The flat root must hold nothing but the versioned directory.
	entries, err := os.ReadDir(branchDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "manifest_555" {
		t.Errorf("branch root not emptied, entries = %v", entries)
	}

	rec, ok := store.Version("main", "manifest_555")
	if !ok {
		t.Fatal("no version record after migration")
	}
	if rec.ManifestID != "555" || !rec.Active {
		t.Errorf("record = %+v", rec)
	}
	if id, _ := store.ActiveManifestID("main"); id != "555" {
		t.Errorf("active manifest = %q, want 555", id)
	}
}

func TestMigrateAll_BuildNamingVariant(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	branchDir := seedLegacyBranch(t, root, "main", []installedDepot{
		{DepotID: 10, ManifestID: "555"},
	})
	engine, _ := newTestEngine(t, root)

	results, err := engine.MigrateAll(context.Background(), layout.KindBuild)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Step != StepValidated {
		t.Fatalf("step = %s (err %v)", results[0].Step, results[0].Err)
	}
	if _, err := os.Stat(filepath.Join(branchDir, "build_555", "game.bin")); err != nil {
		t.Errorf("build-named dir missing moved files: %v", err)
	}
}

func TestMigrateAll_PrefersPrimaryDepot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	seedLegacyBranch(t, root, "main", []installedDepot{
		{DepotID: 10, ManifestID: "100"},
		{DepotID: 11, ManifestID: "777", Primary: true},
	})
	engine, _ := newTestEngine(t, root)

	results, err := engine.MigrateAll(context.Background(), layout.KindManifest)
	if err != nil {
		t.Fatal(err)
	}
	if got := results[0].ManifestID; got != "777" {
		t.Errorf("manifest = %q, want primary depot's 777", got)
	}
}

func TestMigrateAll_Idempotent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	seedLegacyBranch(t, root, "main", []installedDepot{{DepotID: 10, ManifestID: "555"}})
	engine, _ := newTestEngine(t, root)
	ctx := context.Background()

	if _, err := engine.MigrateAll(ctx, layout.KindManifest); err != nil {
		t.Fatal(err)
	}

	again, err := engine.MigrateAll(ctx, layout.KindManifest)
	if err != nil {
		t.Fatalf("second MigrateAll() error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second run affected %d installations, want 0", len(again))
	}
}

func TestMigrateAll_PartialMigration(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	seedLegacyBranch(t, root, "alpha", []installedDepot{{DepotID: 10, ManifestID: "100"}})
	seedLegacyBranch(t, root, "broken", nil) // no metadata at all
	engine, _ := newTestEngine(t, root)

	results, err := engine.MigrateAll(context.Background(), layout.KindManifest)
	if err != nil {
		t.Fatalf("MigrateAll() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	byBranch := map[string]Result{}
	for _, r := range results {
		byBranch[r.Branch] = r
	}

	if byBranch["alpha"].Step != StepValidated {
		t.Errorf("alpha step = %s, want validated", byBranch["alpha"].Step)
	}
	broken := byBranch["broken"]
	if broken.Step != StepFailed {
		t.Errorf("broken step = %s, want failed", broken.Step)
	}
	if !errors.Is(broken.Err, ErrNoManifest) {
		t.Errorf("broken err = %v, want ErrNoManifest", broken.Err)
	}

	// The unresolved branch must be untouched.
	legacy, err := layout.IsLegacyFlat(layout.BranchDir(root, "broken"))
	if err != nil {
		t.Fatal(err)
	}
	if !legacy {
		t.Error("unresolved branch was modified")
	}
}

func TestMigrateAll_ReconcilesPlaceholders(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	seedLegacyBranch(t, root, "main", []installedDepot{{DepotID: 10, ManifestID: "555"}})
	engine, store := newTestEngine(t, root)

	// A download recorded before its manifest was known.
	if err := store.PutVersion("main", "build_900", state.VersionRecord{
		BuildID:           "900",
		PendingResolution: true,
		Path:              "/x/build_900",
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := engine.MigrateAll(context.Background(), layout.KindManifest); err != nil {
		t.Fatal(err)
	}

	if _, ok := store.Version("main", "build_900"); ok {
		t.Error("placeholder record not pruned")
	}
	rec, ok := store.Version("main", "manifest_555")
	if !ok || rec.PendingResolution {
		t.Errorf("reconciled record = %+v, ok = %v", rec, ok)
	}
}

func TestRollback_RestoresFlatLayout(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	branchDir := seedLegacyBranch(t, root, "main", []installedDepot{{DepotID: 10, ManifestID: "555"}})
	engine, _ := newTestEngine(t, root)

	versionDir := filepath.Join(branchDir, "manifest_555")
	moved, err := engine.moveIntoVersionDir(branchDir, versionDir)
	if err != nil {
		t.Fatal(err)
	}
	if moved == 0 {
		t.Fatal("nothing moved")
	}

	res := engine.rollback(Result{
		Branch:     "main",
		Step:       StepMoved,
		VersionDir: versionDir,
	}, branchDir, errors.New("validation failed"))

	if res.Step != StepRolledBack {
		t.Fatalf("step = %s (err %v), want rolled-back", res.Step, res.Err)
	}
	if _, err := os.Stat(filepath.Join(branchDir, "game.bin")); err != nil {
		t.Errorf("game.bin not restored: %v", err)
	}
	if _, err := os.Stat(versionDir); !os.IsNotExist(err) {
		t.Errorf("version dir still present after rollback: %v", err)
	}
}

func TestExtractManifestID_MissingMetadata(t *testing.T) {
	t.Parallel()

	_, err := extractManifestID(t.TempDir())
	if !errors.Is(err, ErrNoManifest) {
		t.Fatalf("extractManifestID() error = %v, want ErrNoManifest", err)
	}
}

func TestExtractManifestID_EmptyDepotList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	metaDir := filepath.Join(dir, MetadataDirName)
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(metaDir, MetadataFileName), []byte(`{"depots":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := extractManifestID(dir)
	if !errors.Is(err, ErrNoManifest) {
		t.Fatalf("extractManifestID() error = %v, want ErrNoManifest", err)
	}
}
