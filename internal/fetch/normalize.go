// SPDX-License-Identifier: MPL-2.0

package fetch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/depotdock/depotdock/internal/catalog"
	"github.com/depotdock/depotdock/internal/fsutil"
	"github.com/depotdock/depotdock/internal/layout"
)

// normalizeLayout moves stray manifest-named output into the directory of
// the caller's requested naming convention.
//
// The external downloader names its output by manifest. When the caller
// asked for build-keyed naming, every manifest_<id> directory belonging to
// this download is drained into targetDir and then removed entirely, not
// merely when empty. When the caller asked for manifest-keyed naming, the
// primary manifest directory is the target itself and only the remaining
// depots' directories are drained.
func normalizeLayout(branchDir, targetDir string, depots []catalog.DepotRef) error {
	for _, depot := range depots {
		name, err := layout.VersionDirName(depot.ManifestID, layout.KindManifest)
		if err != nil {
			return fmt.Errorf("normalizing depot %d: %w", depot.DepotID, err)
		}
		strayDir := filepath.Join(branchDir, name)
		if strayDir == targetDir {
			continue
		}
		if _, err := os.Stat(strayDir); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("inspecting %s: %w", strayDir, err)
		}

		if err := fsutil.MoveEntries(strayDir, targetDir, nil); err != nil {
			return fmt.Errorf("normalizing %s: %w", strayDir, err)
		}
		if err := os.RemoveAll(strayDir); err != nil {
			return fmt.Errorf("removing %s: %w", strayDir, err)
		}
	}
	return nil
}
