// SPDX-License-Identifier: MPL-2.0

// Package migrate relocates legacy flat installs into the versioned branch
// layout.
//
// A legacy install keeps the product's files directly in the branch
// directory. Migration extracts the installed manifest ID from the
// downloader's embedded metadata, moves every file into the corresponding
// versioned subdirectory, records the version in the state store, and
// validates the result. Each branch is evaluated and migrated independently,
// so a tree with a mix of migrated and legacy branches is handled without a
// global all-or-nothing gate.
package migrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/depotdock/depotdock/internal/fsutil"
	"github.com/depotdock/depotdock/internal/layout"
	"github.com/depotdock/depotdock/internal/state"
)

// Step is a stage in the migration of one legacy install.
type Step string

const (
	// StepDetected marks a branch flagged as a legacy flat install.
	StepDetected Step = "detected"
	// StepManifestExtracted marks a successfully parsed install metadata.
	StepManifestExtracted Step = "manifest-extracted"
	// StepMoved marks files relocated into the versioned directory.
	StepMoved Step = "moved"
	// StepConfigUpdated marks the state store updated with the new record.
	StepConfigUpdated Step = "config-updated"
	// StepValidated is the terminal success state.
	StepValidated Step = "validated"
	// StepFailed is the terminal state for installs whose manifest could not
	// be extracted; the install is skipped, never globally blocking.
	StepFailed Step = "failed"
	// StepRolledBack marks files moved back to the flat root after a
	// post-move failure.
	StepRolledBack Step = "rolled-back"
)

type (
	// Result reports how far the migration of one branch progressed. Err is
	// set for StepFailed and StepRolledBack.
	Result struct {
		Branch     string
		Step       Step
		ManifestID string
		VersionDir string
		Moved      int // files relocated into the versioned directory
		Err        error
	}

	// Engine migrates legacy installs under one managed root.
	Engine struct {
		root   string
		store  *state.Store
		logger *log.Logger
	}

	// EngineOption configures an Engine during construction.
	EngineOption func(*Engine)
)

// WithLogger sets the structured logger used for migration progress.
func WithLogger(l *log.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a migration engine over root, recording results in
// store.
func NewEngine(root string, store *state.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		root:   root,
		store:  store,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DetectLegacy returns the branches under the managed root that are in
// legacy flat form, sorted for stable reporting. Branches already migrated
// are never flagged, which makes migration idempotent.
func (e *Engine) DetectLegacy() ([]string, error) {
	branchesDir := filepath.Join(e.root, layout.BranchesDirName)
	entries, err := os.ReadDir(branchesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading branches dir %s: %w", branchesDir, err)
	}

	var legacy []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		flat, err := layout.IsLegacyFlat(filepath.Join(branchesDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if flat {
			legacy = append(legacy, entry.Name())
		}
	}
	sort.Strings(legacy)
	return legacy, nil
}

// MigrateAll migrates every legacy branch it detects into the layout keyed
// by kind. Branches whose manifest cannot be extracted are skipped with a
// StepFailed result; the rest proceed. The returned slice holds one Result
// per detected legacy branch, in branch order, and is empty when nothing was
// legacy.
func (e *Engine) MigrateAll(ctx context.Context, kind layout.IDKind) ([]Result, error) {
	branches, err := e.DetectLegacy()
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(branches))
	for _, branch := range branches {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("migration canceled: %w", err)
		}
		res := e.migrateBranch(branch, kind)
		if res.Err != nil {
			e.logger.Warn("branch migration did not complete",
				"branch", branch, "step", res.Step, "err", res.Err)
		} else {
			e.logger.Info("branch migrated",
				"branch", branch, "manifest", res.ManifestID, "moved", res.Moved)
		}
		results = append(results, res)
	}
	return results, nil
}

// migrateBranch runs the full state machine for a single legacy branch.
func (e *Engine) migrateBranch(branch string, kind layout.IDKind) Result {
	res := Result{Branch: branch, Step: StepDetected}
	branchDir := layout.BranchDir(e.root, branch)

	manifestID, err := extractManifestID(branchDir)
	if err != nil {
		res.Step = StepFailed
		res.Err = err
		return res
	}
	res.Step = StepManifestExtracted
	res.ManifestID = manifestID

	versionDir, err := layout.VersionDir(e.root, branch, manifestID, kind)
	if err != nil {
		res.Step = StepFailed
		res.Err = err
		return res
	}
	res.VersionDir = versionDir

	moved, err := e.moveIntoVersionDir(branchDir, versionDir)
	if err != nil {
		res.Step = StepFailed
		res.Err = err
		return res
	}
	res.Step = StepMoved
	res.Moved = moved

	if err := e.updateStore(branch, manifestID, versionDir); err != nil {
		return e.rollback(res, branchDir, fmt.Errorf("updating state store: %w", err))
	}
	res.Step = StepConfigUpdated

	if err := validateMigrated(branchDir, versionDir); err != nil {
		return e.rollback(res, branchDir, err)
	}
	res.Step = StepValidated
	return res
}

// moveIntoVersionDir relocates all direct entries of the flat branch root
// into the versioned directory and returns how many were moved.
func (e *Engine) moveIntoVersionDir(branchDir, versionDir string) (int, error) {
	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return 0, fmt.Errorf("creating version dir %s: %w", versionDir, err)
	}

	before, err := os.ReadDir(branchDir)
	if err != nil {
		return 0, fmt.Errorf("reading branch dir %s: %w", branchDir, err)
	}

	// The freshly created version dir lives inside the branch dir; it must
	// not be moved into itself.
	skip := map[string]bool{filepath.Base(versionDir): true}
	if err := fsutil.MoveEntries(branchDir, versionDir, skip); err != nil {
		return 0, err
	}
	return len(before) - 1, nil
}

// updateStore records the migrated version, reconciles any pending
// placeholder records with the discovered manifest ID, and points the active
// manifest at it.
func (e *Engine) updateStore(branch, manifestID, versionDir string) error {
	key := filepath.Base(versionDir)
	// The discovered identifier is always a manifest ID, even when the
	// caller asked for build-prefixed directory naming; the record never
	// smuggles it through the build field.
	rec := state.VersionRecord{
		ManifestID:   manifestID,
		DownloadedAt: time.Now().UTC(),
		Active:       true,
		Path:         versionDir,
	}
	if err := e.store.PutVersion(branch, key, rec); err != nil {
		return err
	}
	if _, err := e.store.ReconcilePlaceholders(branch, manifestID); err != nil {
		return err
	}
	return e.store.SetActiveManifest(branch, manifestID)
}

// rollback moves files back into the flat root, removes the now-empty
// versioned directory, and reports the terminal RolledBack result.
func (e *Engine) rollback(res Result, branchDir string, cause error) Result {
	if err := fsutil.MoveEntries(res.VersionDir, branchDir, nil); err != nil {
		res.Step = StepFailed
		res.Err = fmt.Errorf("rollback after %v: %w", cause, err)
		return res
	}
	if err := os.Remove(res.VersionDir); err != nil {
		res.Step = StepFailed
		res.Err = fmt.Errorf("removing version dir during rollback after %v: %w", cause, err)
		return res
	}
	res.Step = StepRolledBack
	res.Err = cause
	return res
}

// validateMigrated confirms the branch root kept no direct files and the
// versioned directory is non-empty.
func validateMigrated(branchDir, versionDir string) error {
	flat, err := layout.IsLegacyFlat(branchDir)
	if err != nil {
		return err
	}
	if flat {
		return fmt.Errorf("branch root %s still holds direct files after move", branchDir)
	}

	entries, err := os.ReadDir(versionDir)
	if err != nil {
		return fmt.Errorf("reading version dir %s: %w", versionDir, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("version dir %s is empty after move", versionDir)
	}
	return nil
}
