// SPDX-License-Identifier: MPL-2.0

// Package state persists per-branch version metadata and active-version
// pointers for the managed install tree.
//
// The store is a single TOML file with an explicit schema version. Every
// mutation is a full read-modify-write under the store's own lock and is
// flushed to disk synchronously before the mutating call returns, so two
// in-flight operations can never interleave partial writes.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/depotdock/depotdock/internal/layout"
)

const (
	// SchemaVersion is the current on-disk schema version. Version 1 files
	// (no schema_version field, manifest IDs smuggled through build_id with a
	// "manifest_" prefix) are migrated on open.
	SchemaVersion = 2

	// DefaultMaxRecentBuilds is the default bound on how many recent builds
	// callers should display.
	DefaultMaxRecentBuilds = 5

	// minRecentBuilds and maxRecentBuilds bound the configurable display
	// count.
	minRecentBuilds = 1
	maxRecentBuilds = 50
)

var (
	// ErrCorruptState is returned when the state file exists but cannot be
	// decoded.
	ErrCorruptState = errors.New("corrupt state file")

	// ErrVersionNotFound is returned when a version record does not exist
	// for the given branch and key.
	ErrVersionNotFound = errors.New("version record not found")
)

type (
	// VersionRecord describes one installed version of a branch. BuildID and
	// ManifestID are distinct optional fields; a record created before its
	// real manifest ID is known carries PendingResolution instead of a
	// placeholder value.
	VersionRecord struct {
		BuildID           string    `toml:"build_id,omitempty"`
		ManifestID        string    `toml:"manifest_id,omitempty"`
		PendingResolution bool      `toml:"pending_resolution,omitempty"`
		DownloadedAt      time.Time `toml:"downloaded_at"`
		SizeBytes         int64     `toml:"size_bytes,omitempty"`
		Active            bool      `toml:"active"`
		Path              string    `toml:"path"`
	}

	// branchState is the per-branch slice of the schema. ActiveManifestID
	// takes priority over ActiveBuildID when both are set.
	branchState struct {
		ActiveBuildID    string                   `toml:"active_build_id,omitempty"`
		ActiveManifestID string                   `toml:"active_manifest_id,omitempty"`
		Versions         map[string]VersionRecord `toml:"versions,omitempty"`
	}

	// fileSchema is the full on-disk document.
	fileSchema struct {
		SchemaVersion    int                    `toml:"schema_version"`
		MaxRecentBuilds  int                    `toml:"max_recent_builds"`
		LastChangeNumber uint64                 `toml:"last_change_number,omitempty"`
		Branches         map[string]branchState `toml:"branches,omitempty"`
	}

	// Store is the durable configuration record. All methods are safe for
	// concurrent use; mutations persist synchronously.
	Store struct {
		mu   sync.Mutex
		path string
		data fileSchema
	}
)

// Open loads the store at path, creating an empty one if the file does not
// exist. Version 1 files are migrated to the current schema and written back
// immediately.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: fileSchema{
			SchemaVersion:   SchemaVersion,
			MaxRecentBuilds: DefaultMaxRecentBuilds,
			Branches:        map[string]branchState{},
		},
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading state file %s: %w", path, err)
	}

	var data fileSchema
	if err := toml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	if data.Branches == nil {
		data.Branches = map[string]branchState{}
	}
	if data.MaxRecentBuilds == 0 {
		data.MaxRecentBuilds = DefaultMaxRecentBuilds
	}
	// Hand-edited files must honor the bound too.
	data.MaxRecentBuilds = clampRecentBuilds(data.MaxRecentBuilds)
	s.data = data

	if migrated := s.migrateSchema(); migrated {
		if err := s.persistLocked(); err != nil {
			return nil, fmt.Errorf("writing migrated state: %w", err)
		}
	}

	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// ActiveVersion returns the active version identifier for a branch along
// with its kind. The manifest pointer wins when both pointers are set.
func (s *Store) ActiveVersion(branch string) (string, layout.IDKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.data.Branches[branch]
	if !ok {
		return "", "", false
	}
	if b.ActiveManifestID != "" {
		return b.ActiveManifestID, layout.KindManifest, true
	}
	if b.ActiveBuildID != "" {
		return b.ActiveBuildID, layout.KindBuild, true
	}
	return "", "", false
}

// ActiveBuildID returns the active build pointer for a branch.
func (s *Store) ActiveBuildID(branch string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.data.Branches[branch]
	if !ok || b.ActiveBuildID == "" {
		return "", false
	}
	return b.ActiveBuildID, true
}

// ActiveManifestID returns the active manifest pointer for a branch.
func (s *Store) ActiveManifestID(branch string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.data.Branches[branch]
	if !ok || b.ActiveManifestID == "" {
		return "", false
	}
	return b.ActiveManifestID, true
}

// SetActiveBuild sets the active build pointer for a branch and marks the
// matching version record active (all others inactive).
func (s *Store) SetActiveBuild(branch, buildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.data.Branches[branch]
	b.ActiveBuildID = buildID
	b.ActiveManifestID = ""
	s.data.Branches[branch] = b

	s.markActiveLocked(branch, func(rec VersionRecord) bool {
		return rec.BuildID == buildID
	})
	return s.persistLocked()
}

// SetActiveManifest sets the active manifest pointer for a branch and marks
// the matching version record active (all others inactive).
func (s *Store) SetActiveManifest(branch, manifestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.data.Branches[branch]
	b.ActiveManifestID = manifestID
	s.data.Branches[branch] = b

	s.markActiveLocked(branch, func(rec VersionRecord) bool {
		return rec.ManifestID == manifestID
	})
	return s.persistLocked()
}

// ClearActive removes both active pointers for a branch and deactivates all
// of its version records.
func (s *Store) ClearActive(branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.data.Branches[branch]
	if !ok {
		return nil
	}
	b.ActiveBuildID = ""
	b.ActiveManifestID = ""
	s.data.Branches[branch] = b

	s.markActiveLocked(branch, func(VersionRecord) bool { return false })
	return s.persistLocked()
}

// Version returns a version record by branch and directory key (e.g.
// "manifest_555").
func (s *Store) Version(branch, key string) (VersionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data.Branches[branch].Versions[key]
	return rec, ok
}

// Versions returns a copy of all version records for a branch.
func (s *Store) Versions(branch string) map[string]VersionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.data.Branches[branch].Versions
	out := make(map[string]VersionRecord, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Branches returns the names of all branches with recorded state.
func (s *Store) Branches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.data.Branches))
	for name := range s.data.Branches {
		out = append(out, name)
	}
	return out
}

// PutVersion stores a version record under the given directory key. When the
// record is active, every other record of the branch is deactivated so at
// most one version per branch carries the active flag.
func (s *Store) PutVersion(branch, key string, rec VersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.data.Branches[branch]
	if b.Versions == nil {
		b.Versions = map[string]VersionRecord{}
	}
	if rec.Active {
		for k, other := range b.Versions {
			if k == key {
				continue
			}
			other.Active = false
			b.Versions[k] = other
		}
	}
	b.Versions[key] = rec
	s.data.Branches[branch] = b

	return s.persistLocked()
}

// DeleteVersion removes a version record. Returns ErrVersionNotFound when no
// record exists under the key.
func (s *Store) DeleteVersion(branch, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.data.Branches[branch]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrVersionNotFound, branch, key)
	}
	if _, ok := b.Versions[key]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrVersionNotFound, branch, key)
	}
	delete(b.Versions, key)
	s.data.Branches[branch] = b

	return s.persistLocked()
}

// MaxRecentBuilds returns the bounded display count for recent builds.
func (s *Store) MaxRecentBuilds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.MaxRecentBuilds
}

// SetMaxRecentBuilds stores the display count, clamped to [1, 50].
func (s *Store) SetMaxRecentBuilds(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.MaxRecentBuilds = clampRecentBuilds(n)

	return s.persistLocked()
}

func clampRecentBuilds(n int) int {
	if n < minRecentBuilds {
		return minRecentBuilds
	}
	if n > maxRecentBuilds {
		return maxRecentBuilds
	}
	return n
}

// LastChangeNumber returns the most recently observed catalog change number.
func (s *Store) LastChangeNumber() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastChangeNumber
}

// SetLastChangeNumber records the catalog change number used for
// invalidation signaling.
func (s *Store) SetLastChangeNumber(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.LastChangeNumber = n
	return s.persistLocked()
}

// ReconcilePlaceholders replaces pending-resolution records of a branch with
// the real manifest ID discovered by migration. Records are re-keyed from
// their build-keyed placeholder name to the manifest-keyed name, and the
// obsolete placeholder keys are pruned. Returns the number of records
// reconciled.
func (s *Store) ReconcilePlaceholders(branch, realManifestID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.data.Branches[branch]
	if !ok || len(b.Versions) == 0 {
		return 0, nil
	}

	reconciled := 0
	for key, rec := range b.Versions {
		if !rec.PendingResolution {
			continue
		}
		rec.ManifestID = realManifestID
		rec.PendingResolution = false

		newKey, err := layout.VersionDirName(realManifestID, layout.KindManifest)
		if err != nil {
			return reconciled, fmt.Errorf("reconciling %s/%s: %w", branch, key, err)
		}
		delete(b.Versions, key)
		b.Versions[newKey] = rec
		reconciled++
	}
	s.data.Branches[branch] = b

	if reconciled == 0 {
		return 0, nil
	}
	return reconciled, s.persistLocked()
}

// markActiveLocked flips the active flag on every record of a branch
// according to match. Caller must hold s.mu.
func (s *Store) markActiveLocked(branch string, match func(VersionRecord) bool) {
	b := s.data.Branches[branch]
	for k, rec := range b.Versions {
		rec.Active = match(rec)
		b.Versions[k] = rec
	}
	s.data.Branches[branch] = b
}

// persistLocked writes the full document to disk via a temp file and rename,
// so readers never observe a torn write. Caller must hold s.mu.
func (s *Store) persistLocked() error {
	raw, err := toml.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.toml")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
