// SPDX-License-Identifier: MPL-2.0

//go:build linux

package fetch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// procScanDetector matches process names against /proc/<pid>/comm.
type procScanDetector struct{}

// NewProcessDetector returns the platform ConflictDetector.
func NewProcessDetector() ConflictDetector {
	return procScanDetector{}
}

func (procScanDetector) Running(name string) (bool, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false, fmt.Errorf("scanning process table: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || !isNumeric(entry.Name()) {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "comm"))
		if err != nil {
			// Processes exit between the listing and the read.
			continue
		}
		if strings.TrimSpace(string(comm)) == name {
			return true, nil
		}
	}
	return false, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
