// SPDX-License-Identifier: MPL-2.0

package migrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// MetadataDirName is the hidden directory the downloader leaves inside
	// an install, next to the product files.
	MetadataDirName = ".depotdock"

	// MetadataFileName records which depot manifests are installed.
	MetadataFileName = "installed.json"
)

// ErrNoManifest is returned when a legacy install carries no extractable
// manifest ID: the metadata file is missing, unreadable, or lists no depots.
var ErrNoManifest = errors.New("no manifest ID extractable from install")

type (
	// installedDepot is one depot record of the downloader's metadata file.
	installedDepot struct {
		DepotID    uint32 `json:"depot_id"`
		ManifestID string `json:"manifest_id"`
		Primary    bool   `json:"primary,omitempty"`
	}

	// installedMetadata is the downloader's embedded metadata document.
	installedMetadata struct {
		Depots []installedDepot `json:"depots"`
	}
)

// extractManifestID reads the embedded metadata of an install directory and
// returns the manifest ID that should key the migrated version: the depot
// flagged primary when one exists, otherwise the first listed depot. The
// first-available fallback is an arbitrary tie-break, not a semantic choice.
func extractManifestID(installDir string) (string, error) {
	path := filepath.Join(installDir, MetadataDirName, MetadataFileName)

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s missing", ErrNoManifest, path)
		}
		return "", fmt.Errorf("reading install metadata %s: %w", path, err)
	}

	var meta installedMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNoManifest, path, err)
	}
	if len(meta.Depots) == 0 {
		return "", fmt.Errorf("%w: %s lists no depots", ErrNoManifest, path)
	}

	for _, d := range meta.Depots {
		if d.Primary && d.ManifestID != "" {
			return d.ManifestID, nil
		}
	}
	for _, d := range meta.Depots {
		if d.ManifestID != "" {
			return d.ManifestID, nil
		}
	}
	return "", fmt.Errorf("%w: %s lists depots without manifest IDs", ErrNoManifest, path)
}
