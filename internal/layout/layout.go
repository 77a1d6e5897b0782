// SPDX-License-Identifier: MPL-2.0

// Package layout derives and validates the on-disk directory layout for
// versioned installs.
//
// Every branch of the product lives under <root>/branches/<branch>, and each
// installed version occupies a subdirectory named after its identifier:
// build_<buildID> for coarse build-keyed installs, manifest_<manifestID> for
// content-keyed installs. Installs that predate this layout keep their files
// directly in the branch directory ("legacy flat" form) until migrated.
//
// All functions here are pure path derivations plus read-only directory
// inspection; nothing in this package mutates the filesystem.
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// BranchesDirName is the directory under the managed root that holds one
	// subdirectory per branch.
	BranchesDirName = "branches"

	// buildPrefix and manifestPrefix name version subdirectories. The prefix
	// encodes which identifier kind the directory is keyed by.
	buildPrefix    = "build"
	manifestPrefix = "manifest"

	// versionSeparator joins the kind prefix and the identifier.
	versionSeparator = "_"
)

var (
	// ErrUnknownIDKind is returned when an IDKind value is not recognized.
	ErrUnknownIDKind = errors.New("unknown identifier kind")

	// ErrOutsideRoot is returned when a derived path would escape the
	// managed root after normalization.
	ErrOutsideRoot = errors.New("path escapes managed root")

	// ErrEmptyID is returned when a version identifier is empty or
	// whitespace-only.
	ErrEmptyID = errors.New("empty version identifier")
)

type (
	// IDKind selects which identifier keys a version directory.
	IDKind string
)

const (
	// KindBuild keys a version directory by its coarse build ID.
	KindBuild IDKind = "build"

	// KindManifest keys a version directory by a depot manifest ID.
	KindManifest IDKind = "manifest"
)

// Prefix returns the directory-name prefix for the kind ("build" or
// "manifest"). Unknown kinds return ErrUnknownIDKind.
func (k IDKind) Prefix() (string, error) {
	switch k {
	case KindBuild:
		return buildPrefix, nil
	case KindManifest:
		return manifestPrefix, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownIDKind, string(k))
	}
}

// BranchDir returns the directory that holds all versions of a branch:
// <root>/branches/<branch>.
func BranchDir(root, branch string) string {
	return filepath.Join(root, BranchesDirName, branch)
}

// VersionDirName returns the canonical directory name for a version,
// e.g. "build_1000" or "manifest_555".
func VersionDirName(id string, kind IDKind) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", ErrEmptyID
	}
	prefix, err := kind.Prefix()
	if err != nil {
		return "", err
	}
	return prefix + versionSeparator + id, nil
}

// VersionDir returns the absolute canonical directory for a version of a
// branch: <root>/branches/<branch>/<prefix>_<id>. The result is validated to
// stay within the managed root, so hostile identifiers (e.g. "../../etc")
// fail with ErrOutsideRoot instead of resolving elsewhere.
func VersionDir(root, branch, id string, kind IDKind) (string, error) {
	name, err := VersionDirName(id, kind)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(BranchDir(root, branch), name)

	within, err := WithinRoot(root, dir)
	if err != nil {
		return "", fmt.Errorf("validating version dir: %w", err)
	}
	if !within {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, dir)
	}

	return dir, nil
}

// IsVersionDirName reports whether a directory name follows the versioned
// naming convention (build_* or manifest_* with a non-empty identifier).
func IsVersionDirName(name string) bool {
	for _, prefix := range []string{buildPrefix, manifestPrefix} {
		rest, ok := strings.CutPrefix(name, prefix+versionSeparator)
		if ok && rest != "" {
			return true
		}
	}
	return false
}

// SplitVersionDirName splits a version directory name into its identifier
// kind and identifier. The second return value is false when the name does
// not follow the versioned naming convention.
func SplitVersionDirName(name string) (IDKind, string, bool) {
	if rest, ok := strings.CutPrefix(name, buildPrefix+versionSeparator); ok && rest != "" {
		return KindBuild, rest, true
	}
	if rest, ok := strings.CutPrefix(name, manifestPrefix+versionSeparator); ok && rest != "" {
		return KindManifest, rest, true
	}
	return "", "", false
}

// IsLegacyFlat reports whether a branch directory is in legacy flat form:
// at least one regular file directly in the branch root AND no versioned
// subdirectory. A branch that already has a build_* or manifest_*
// subdirectory is never legacy, even if stray files remain next to it.
//
// A missing branch directory is not legacy; it is simply absent.
func IsLegacyFlat(branchDir string) (bool, error) {
	entries, err := os.ReadDir(branchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading branch dir %s: %w", branchDir, err)
	}

	hasDirectFiles := false
	for _, entry := range entries {
		if entry.IsDir() {
			if IsVersionDirName(entry.Name()) {
				return false, nil
			}
			continue
		}
		hasDirectFiles = true
	}

	return hasDirectFiles, nil
}

// WithinRoot reports whether target, after full normalization to an absolute
// path, is contained in root. Containment means exact equality or a
// root-plus-separator prefix; a plain string-prefix match is not enough,
// so "<root>-evil/x" is rejected even though it shares a prefix with root.
func WithinRoot(root, target string) (bool, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false, fmt.Errorf("resolving root: %w", err)
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false, fmt.Errorf("resolving target: %w", err)
	}

	absRoot = filepath.Clean(absRoot)
	absTarget = filepath.Clean(absTarget)

	if absTarget == absRoot {
		return true, nil
	}
	return strings.HasPrefix(absTarget, absRoot+string(os.PathSeparator)), nil
}
