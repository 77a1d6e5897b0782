// SPDX-License-Identifier: MPL-2.0

package state

import "strings"

// legacyManifestPrefix marks version-1 records whose build_id field carried a
// manifest ID. Schema v1 had no manifest_id field; the UI layer of the old
// application prefixed manifest IDs and stored them through build_id.
const legacyManifestPrefix = "manifest_"

// migrateSchema upgrades the in-memory document to the current schema
// version. Returns true when anything changed and the file should be written
// back.
//
// v1 -> v2: build_id values carrying a "manifest_"-prefixed string move to
// the dedicated manifest_id field; records whose manifest and build IDs were
// identical (the old placeholder trick) drop the fake manifest ID and gain
// the pending_resolution marker instead.
func (s *Store) migrateSchema() bool {
	if s.data.SchemaVersion >= SchemaVersion {
		return false
	}

	for branch, b := range s.data.Branches {
		for key, rec := range b.Versions {
			if id, ok := strings.CutPrefix(rec.BuildID, legacyManifestPrefix); ok {
				rec.BuildID = ""
				rec.ManifestID = id
			}
			if rec.ManifestID != "" && rec.ManifestID == rec.BuildID {
				rec.ManifestID = ""
				rec.PendingResolution = true
			}
			b.Versions[key] = rec
		}
		if id, ok := strings.CutPrefix(b.ActiveBuildID, legacyManifestPrefix); ok {
			b.ActiveBuildID = ""
			b.ActiveManifestID = id
		}
		s.data.Branches[branch] = b
	}

	s.data.SchemaVersion = SchemaVersion
	return true
}
